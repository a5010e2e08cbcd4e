package highway

import (
	"net"
	"time"
)

// Session is the contract between the gateway and a reliable-transport
// engine instance. Apart from Closed and ConnectionID, methods are only
// called from the session's pinned worker.
type Session interface {
	// ConnectionID returns the conv this session was established with.
	ConnectionID() int64
	SetConnectionID(id int64)

	// User returns the peer/user context of the session.
	User() User
	SetUser(u User)
	// SetPeerAddress rebinds the remote address, e.g. after NAT rebinding.
	SetPeerAddress(addr net.Addr)

	// Read feeds one received datagram into the engine.
	Read(payload []byte)
	// Write sends application data to the current peer.
	Write(data []byte) (int, error)

	// Tick runs periodic maintenance (flush, retransmit, idle checks).
	Tick(now time.Time)
	// Interval is the delay between maintenance ticks.
	Interval() time.Duration

	Close() error
	Closed() bool
}

// User is the addressing context of a session: the remote peer and the
// local address the handshake arrived on.
type User struct {
	Remote net.Addr
	Local  net.Addr
}

// Listener receives session lifecycle events. Calls for one session are
// never concurrent.
type Listener interface {
	// OnConnected is called once, before the first packet is read.
	// A returned error is passed to HandleException.
	OnConnected(s Session) error
	HandleReceive(data []byte, s Session)
	HandleException(err error, s Session)
	HandleClose(s Session)
}

// Output is where sessions send datagrams. net.PacketConn satisfies it.
type Output interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// SessionParams is everything a factory needs to build a session.
type SessionParams struct {
	Output   Output
	Listener Listener
	Worker   Worker
	Config   *Config
	// Registry lets the session remove itself when it closes.
	Registry Registry
}

// SessionFactory builds sessions for newly acknowledged handshakes.
type SessionFactory interface {
	NewSession(p SessionParams) Session
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(p SessionParams) Session

// NewSession calls f.
func (f SessionFactoryFunc) NewSession(p SessionParams) Session { return f(p) }

// DefaultSessionFactory builds the pass-through Conn engine.
var DefaultSessionFactory SessionFactory = SessionFactoryFunc(func(p SessionParams) Session {
	return NewConn(p)
})
