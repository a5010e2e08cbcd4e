package highway

import (
	"net"
	"sync"
	"sync/atomic"
)

// Registry maps remote addresses (and connection ids) to sessions.
// Insertion is atomic insert-if-absent so racing handshakes cannot both win,
// and an active session owns its connection id exclusively.
type Registry interface {
	// Lookup returns the session bound to addr.
	Lookup(addr net.Addr) (Session, bool)
	// LookupConnection returns the session with the given connection id.
	LookupConnection(id int64) (Session, bool)
	// InsertIfAbsent binds s to addr unless another session holds addr or an
	// active session already owns s's connection id. It returns the session
	// that blocked the insert (or s) and whether s was inserted.
	InsertIfAbsent(addr net.Addr, s Session) (Session, bool)
	// Replace swaps old for s at addr. It fails if addr no longer holds old or
	// an active session other than old owns s's connection id.
	Replace(addr net.Addr, old, s Session) bool
	// Remove unbinds s. Sessions that were already replaced are left alone.
	Remove(s Session)
	// Range calls fn for each session until fn returns false.
	Range(fn func(Session) bool)
	Len() int
}

// registryEntry ties a connection id back to the address key it is stored under.
type registryEntry struct {
	key     string
	session Session
}

// SessionRegistry is the default Registry, built on sync.Map.
type SessionRegistry struct {
	byAddr sync.Map // map[string]Session
	byConv sync.Map // map[int64]*registryEntry
	count  atomic.Int64
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

func addrKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Lookup returns the session bound to addr.
func (r *SessionRegistry) Lookup(addr net.Addr) (Session, bool) {
	v, ok := r.byAddr.Load(addrKey(addr))
	if !ok {
		return nil, false
	}
	return v.(Session), true
}

// LookupConnection returns the session with the given connection id.
func (r *SessionRegistry) LookupConnection(id int64) (Session, bool) {
	v, ok := r.byConv.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*registryEntry).session, true
}

// InsertIfAbsent binds s to addr unless addr or s's connection id is taken.
// The id is claimed first so a half-inserted session is never routable.
func (r *SessionRegistry) InsertIfAbsent(addr net.Addr, s Session) (Session, bool) {
	key := addrKey(addr)
	entry, owner, ok := r.claimConv(key, s, nil)
	if !ok {
		return owner, false
	}
	actual, loaded := r.byAddr.LoadOrStore(key, s)
	if loaded {
		r.byConv.CompareAndDelete(s.ConnectionID(), entry)
		return actual.(Session), false
	}
	r.count.Add(1)
	return s, true
}

// Replace swaps old for s at addr.
func (r *SessionRegistry) Replace(addr net.Addr, old, s Session) bool {
	key := addrKey(addr)
	entry, _, ok := r.claimConv(key, s, old)
	if !ok {
		return false
	}
	if !r.byAddr.CompareAndSwap(key, old, s) {
		r.byConv.CompareAndDelete(s.ConnectionID(), entry)
		return false
	}
	r.dropConvIndex(old)
	return true
}

// Remove unbinds s if it is still registered.
func (r *SessionRegistry) Remove(s Session) {
	// The conv index may point at another session reusing the same id.
	key := addrKey(s.User().Remote)
	if v, ok := r.byConv.Load(s.ConnectionID()); ok {
		if entry := v.(*registryEntry); entry.session == s {
			key = entry.key
			r.byConv.CompareAndDelete(s.ConnectionID(), entry)
		}
	}
	if r.byAddr.CompareAndDelete(key, s) {
		r.count.Add(-1)
	}
}

// Range calls fn for each registered session.
func (r *SessionRegistry) Range(fn func(Session) bool) {
	r.byAddr.Range(func(_, v any) bool {
		return fn(v.(Session))
	})
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	return int(r.count.Load())
}

// claimConv indexes s under its connection id. It fails with the owner when
// an active session other than prev already holds the id; closed owners are
// taken over.
func (r *SessionRegistry) claimConv(key string, s, prev Session) (*registryEntry, Session, bool) {
	id := s.ConnectionID()
	entry := &registryEntry{key: key, session: s}
	for {
		v, loaded := r.byConv.LoadOrStore(id, entry)
		if !loaded {
			return entry, nil, true
		}
		cur := v.(*registryEntry)
		if cur.session != prev && !cur.session.Closed() {
			return nil, cur.session, false
		}
		if r.byConv.CompareAndSwap(id, cur, entry) {
			return entry, nil, true
		}
	}
}

func (r *SessionRegistry) dropConvIndex(s Session) {
	v, ok := r.byConv.Load(s.ConnectionID())
	if !ok {
		return
	}
	if entry := v.(*registryEntry); entry.session == s {
		r.byConv.CompareAndDelete(s.ConnectionID(), entry)
	}
}
