package highway

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// limitWindow is the sliding window for handshake rate limits.
const limitWindow = time.Minute

// connectionLimiter enforces session count and handshake rate limits.
// All limit values of 0 mean disabled.
type connectionLimiter struct {
	maxSessions         int
	maxPerPeerPerMinute int
	maxTotalPerMinute   int

	mu sync.Mutex
	// Per-peer handshake history: peer IP -> accepted handshake timestamps
	peerHistory map[string]*connectionHistory
	// Accepted handshakes across all peers
	totalHistory *connectionHistory
	lastSweep    time.Time
}

// connectionHistory tracks accepted handshake timestamps, oldest first.
type connectionHistory struct {
	timestamps []time.Time
}

// newConnectionLimiter creates a limiter from the limit fields of cfg.
func newConnectionLimiter(cfg *Config) *connectionLimiter {
	return &connectionLimiter{
		maxSessions:         cfg.MaxSessions,
		maxPerPeerPerMinute: cfg.MaxHandshakesPerMinute,
		maxTotalPerMinute:   cfg.MaxTotalHandshakesPerMinute,
		peerHistory:         make(map[string]*connectionHistory),
		totalHistory:        &connectionHistory{},
	}
}

// CheckAndRecord checks whether a new session from addr is allowed given the
// number of active sessions. If allowed, the handshake is recorded.
func (cl *connectionLimiter) CheckAndRecord(addr net.Addr, active int) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	cl.sweepLocked(now)

	if cl.maxSessions > 0 && active >= cl.maxSessions {
		return fmt.Errorf("%w (%d)", ErrSessionLimit, cl.maxSessions)
	}

	if cl.maxTotalPerMinute > 0 {
		cl.totalHistory.pruneLocked(now)
		if len(cl.totalHistory.timestamps) >= cl.maxTotalPerMinute {
			return fmt.Errorf("%w: %d per minute total", ErrHandshakeRate, cl.maxTotalPerMinute)
		}
	}

	peer := peerKey(addr)
	if cl.maxPerPeerPerMinute > 0 {
		if h, ok := cl.peerHistory[peer]; ok {
			h.pruneLocked(now)
			if len(h.timestamps) >= cl.maxPerPeerPerMinute {
				return fmt.Errorf("%w: %d per minute from %s", ErrHandshakeRate, cl.maxPerPeerPerMinute, peer)
			}
		}
	}

	cl.recordLocked(peer, now)
	return nil
}

func (cl *connectionLimiter) recordLocked(peer string, now time.Time) {
	if cl.maxTotalPerMinute > 0 {
		cl.totalHistory.timestamps = append(cl.totalHistory.timestamps, now)
	}
	if cl.maxPerPeerPerMinute > 0 {
		h, ok := cl.peerHistory[peer]
		if !ok {
			h = &connectionHistory{}
			cl.peerHistory[peer] = h
		}
		h.timestamps = append(h.timestamps, now)
	}
}

// sweepLocked drops idle peers so the history map cannot grow without bound.
// Must be called with cl.mu held.
func (cl *connectionLimiter) sweepLocked(now time.Time) {
	if now.Sub(cl.lastSweep) < limitWindow {
		return
	}
	cl.lastSweep = now
	removed := 0
	for peer, h := range cl.peerHistory {
		h.pruneLocked(now)
		if len(h.timestamps) == 0 {
			delete(cl.peerHistory, peer)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(cl.peerHistory)).
			Msg("handshake history sweep")
	}
}

// Peers returns the number of peers with recent handshakes.
func (cl *connectionLimiter) Peers() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.peerHistory)
}

// pruneLocked removes timestamps older than the limit window.
func (h *connectionHistory) pruneLocked(now time.Time) {
	cutoff := now.Add(-limitWindow)
	i := 0
	for i < len(h.timestamps) && !h.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		h.timestamps = append(h.timestamps[:0], h.timestamps[i:]...)
	}
}

// peerKey keys rate limits by IP so port hopping does not reset them.
func peerKey(addr net.Addr) string {
	if ip, ok := addrIP(addr); ok {
		return ip.String()
	}
	return addrKey(addr)
}
