package highway

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultMinSegmentSize is the KCP segment overhead. Frames shorter than this
// cannot carry a segment, which also covers the 20-byte control packet that
// the gateway feeds to a new session.
const DefaultMinSegmentSize = 24

// Conn is a pass-through Session engine in stream mode. It does no ARQ of
// its own: received segments are appended to a bounded receive buffer and
// handed to the listener in arrival order, and writes go straight to the
// output. Segments that queue up on a busy worker are coalesced into one
// HandleReceive call, so message boundaries are not preserved. It is what the
// gateway uses when no other engine is plugged in, and it is the reference
// for engine authors.
type Conn struct {
	id       string
	convID   atomic.Int64
	output   Output
	listener Listener
	worker   Worker
	registry Registry

	interval       time.Duration
	idleTimeout    time.Duration
	minSegmentSize int

	// mu protects the fields below
	mu       sync.Mutex
	user     User
	recvBuf  *circbuf.Buffer
	// flushQueued is set while a flush task is waiting on the worker
	flushQueued bool
	lastRecv    time.Time
	bytesIn  uint64
	bytesOut uint64

	closed atomic.Bool
}

// NewConn builds a Conn from factory parameters.
func NewConn(p SessionParams) *Conn {
	cfg := p.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}

	recvBuf, err := circbuf.NewBuffer(int64(cfg.ReceiveBufferSize))
	if err != nil {
		// only fails for a non-positive size, which Validate rejects
		recvBuf, _ = circbuf.NewBuffer(DefaultReceiveBufferSize)
	}

	c := &Conn{
		id:             uuid.New().String(),
		output:         p.Output,
		listener:       p.Listener,
		worker:         p.Worker,
		registry:       p.Registry,
		interval:       cfg.Interval,
		idleTimeout:    cfg.IdleTimeout,
		minSegmentSize: cfg.MinSegmentSize,
		recvBuf:        recvBuf,
		lastRecv:       time.Now(),
	}
	return c
}

// ID returns the trace id used in logs.
func (c *Conn) ID() string { return c.id }

// ConnectionID returns the conv.
func (c *Conn) ConnectionID() int64 { return c.convID.Load() }

// SetConnectionID sets the conv.
func (c *Conn) SetConnectionID(id int64) { c.convID.Store(id) }

// User returns the peer/user context.
func (c *Conn) User() User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// SetUser replaces the peer/user context.
func (c *Conn) SetUser(u User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
}

// SetPeerAddress rebinds the remote address.
func (c *Conn) SetPeerAddress(addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr == nil {
		return
	}
	if c.user.Remote != nil && c.user.Remote.String() != addr.String() {
		log.Debug().
			Str("session", c.id).
			Str("from", c.user.Remote.String()).
			Str("to", addr.String()).
			Msg("peer address changed")
	}
	c.user.Remote = addr
}

// Interval returns the maintenance tick interval.
func (c *Conn) Interval() time.Duration { return c.interval }

// Read appends one segment to the receive buffer and queues a flush to the
// listener. A segment that does not fit behind the buffered bytes flushes
// them first; one larger than the whole buffer is rejected.
func (c *Conn) Read(payload []byte) {
	if c.closed.Load() {
		return
	}
	if len(payload) < c.minSegmentSize {
		log.Debug().
			Str("session", c.id).
			Int("len", len(payload)).
			Int("min", c.minSegmentSize).
			Msg("frame shorter than segment overhead ignored")
		return
	}
	if int64(len(payload)) > c.recvBuf.Size() {
		log.Warn().
			Str("session", c.id).
			Int("len", len(payload)).
			Int64("buffer", c.recvBuf.Size()).
			Msg("segment larger than receive buffer dropped")
		c.listener.HandleException(fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(payload), c.recvBuf.Size()), c)
		return
	}

	c.mu.Lock()
	c.lastRecv = time.Now()
	c.bytesIn += uint64(len(payload))

	var pending []byte
	if c.recvBuf.TotalWritten()+int64(len(payload)) > c.recvBuf.Size() {
		pending = c.drainLocked()
	}
	c.recvBuf.Write(payload)
	needFlush := !c.flushQueued
	c.flushQueued = true
	c.mu.Unlock()

	if pending != nil {
		c.deliver(pending)
	}
	if !needFlush {
		return
	}
	if c.worker == nil {
		c.flush()
		return
	}
	if err := c.worker.Submit(TaskFunc(c.flush)); err != nil {
		log.Debug().Err(err).Str("session", c.id).Msg("flush not queued, delivering inline")
		c.flush()
	}
}

// Buffered returns the number of received bytes not yet delivered.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.recvBuf.TotalWritten())
}

// flush delivers everything buffered in one HandleReceive call.
func (c *Conn) flush() {
	c.mu.Lock()
	c.flushQueued = false
	data := c.drainLocked()
	c.mu.Unlock()

	if data != nil {
		c.deliver(data)
	}
}

// drainLocked empties the receive buffer. Must be called with c.mu held.
func (c *Conn) drainLocked() []byte {
	if c.recvBuf.TotalWritten() == 0 {
		return nil
	}
	data := append([]byte(nil), c.recvBuf.Bytes()...)
	c.recvBuf.Reset()
	return data
}

func (c *Conn) deliver(data []byte) {
	if c.closed.Load() {
		log.Debug().Str("session", c.id).Int("bytes", len(data)).Msg("buffered data discarded after close")
		return
	}
	c.safeListenerCall(func() { c.listener.HandleReceive(data, c) })
}

// Write sends data to the current peer.
func (c *Conn) Write(data []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrSessionClosed
	}

	c.mu.Lock()
	remote := c.user.Remote
	c.mu.Unlock()

	n, err := c.output.WriteTo(data, remote)
	if err != nil {
		return n, err
	}

	c.mu.Lock()
	c.bytesOut += uint64(n)
	c.mu.Unlock()
	return n, nil
}

// Tick closes the session once it has been idle for longer than the idle timeout.
func (c *Conn) Tick(now time.Time) {
	if c.closed.Load() || c.idleTimeout <= 0 {
		return
	}

	c.mu.Lock()
	idle := now.Sub(c.lastRecv)
	c.mu.Unlock()

	if idle < c.idleTimeout {
		return
	}

	log.Debug().
		Str("session", c.id).
		Int64("conv", c.ConnectionID()).
		Dur("idle", idle).
		Msg("idle timeout reached, closing session")
	c.Close()
}

// Post runs fn on the session's worker, serialized with packet processing.
// Use it to touch the session from application goroutines.
func (c *Conn) Post(fn func()) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	return c.worker.Submit(TaskFunc(fn))
}

// Stats returns the byte counters.
func (c *Conn) Stats() (in, out uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn, c.bytesOut
}

// Close is idempotent. It unregisters the session and notifies the listener.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.registry != nil {
		c.registry.Remove(c)
	}

	in, out := c.Stats()
	log.Debug().
		Str("session", c.id).
		Int64("conv", c.ConnectionID()).
		Uint64("bytesIn", in).
		Uint64("bytesOut", out).
		Msg("session closed")

	c.safeListenerCall(func() { c.listener.HandleClose(c) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// safeListenerCall keeps a misbehaving listener from killing the worker.
func (c *Conn) safeListenerCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.listener.HandleException(panicError(r), c)
		}
	}()
	fn()
}
