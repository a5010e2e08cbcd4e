package highway

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// registerAttempts bounds retries when the address holder keeps changing
// under a superseding handshake.
const registerAttempts = 3

// Gateway demultiplexes inbound datagrams into sessions.
//
// Architecture:
//   - 20-byte datagrams are control packets: handshake ack or disconnect
//   - Everything else is data for the session bound to the source address
//   - Session work is queued on a worker pinned to the connection id, so one
//     session's tasks never run concurrently
//
// HandleDatagram never blocks and is safe for concurrent use.
type Gateway struct {
	config   *Config
	listener Listener
	output   Output
	registry Registry
	pool     WorkerPool
	timers   TimerService
	factory  SessionFactory
	metrics  *Metrics

	// Admission control for new sessions
	limiter *connectionLimiter
	access  *accessFilter

	// Collaborators created by NewGateway are closed with it
	ownedPool   *ExecutorPool
	ownedTimers *Scheduler

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRegistry replaces the default SessionRegistry.
func WithRegistry(r Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// WithWorkerPool replaces the default ExecutorPool. The caller owns its shutdown.
func WithWorkerPool(p WorkerPool) Option {
	return func(g *Gateway) { g.pool = p }
}

// WithTimerService replaces the default Scheduler. The caller owns its shutdown.
func WithTimerService(t TimerService) Option {
	return func(g *Gateway) { g.timers = t }
}

// WithSessionFactory plugs in a reliable-transport engine.
func WithSessionFactory(f SessionFactory) Option {
	return func(g *Gateway) { g.factory = f }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway that sends through output and reports session
// events to listener. A nil config means DefaultConfig().
func NewGateway(config *Config, listener Listener, output Output, opts ...Option) (*Gateway, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, fmt.Errorf("listener cannot be nil")
	}
	if output == nil {
		return nil, fmt.Errorf("output cannot be nil")
	}

	g := &Gateway{
		config:   config,
		listener: listener,
		output:   output,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.registry == nil {
		g.registry = NewSessionRegistry()
	}
	if g.pool == nil {
		g.ownedPool = NewExecutorPool(config.Workers, g.metrics)
		g.pool = g.ownedPool
	}
	if g.timers == nil {
		g.ownedTimers = NewScheduler()
		g.timers = g.ownedTimers
	}
	if g.factory == nil {
		g.factory = DefaultSessionFactory
	}
	g.limiter = newConnectionLimiter(config)
	g.access = newAccessFilter(config.AccessMode, config.AccessList)
	g.metrics.observeRegistry(g.registry)

	return g, nil
}

// HandleDatagram routes one datagram. The gateway takes ownership of payload.
//
// Flow:
//  1. len(payload) == ControlPacketSize: interpret as control packet; on a
//     handshake ack, create and register a session and queue its connect task
//  2. otherwise: look up the session by source address and queue a data task,
//     or drop silently if there is none
func (g *Gateway) HandleDatagram(payload []byte, from, local net.Addr) {
	if g.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.metrics.dropped(reasonPanic)
			log.Error().
				Interface("panic", r).
				Str("remote", addrKey(from)).
				Int("len", len(payload)).
				Msg("datagram dispatch panicked")
		}
	}()

	if len(payload) == ControlPacketSize {
		g.metrics.datagram(kindControl)
		g.handleControl(payload, from, local)
		return
	}

	g.metrics.datagram(kindData)
	g.dispatchData(payload, from)
}

// handleControl interprets a control packet and establishes a session when asked to.
func (g *Gateway) handleControl(payload []byte, from, local net.Addr) {
	out := g.interpret(payload, from)
	if out.action != actionEstablish {
		return
	}
	if out.connID == 0 {
		// 0 is the "nothing to establish" sentinel on the wire.
		g.metrics.dropped(reasonZeroConv)
		log.Debug().Str("remote", addrKey(from)).Msg("handshake ack with zero connection id ignored")
		return
	}
	g.establish(out.connID, payload, from, local)
}

// establish creates, registers and starts a session for convID.
func (g *Gateway) establish(convID int64, payload []byte, from, local net.Addr) {
	if existing, ok := g.registry.Lookup(from); ok && !existing.Closed() && existing.ConnectionID() == convID {
		g.metrics.dropped(reasonDuplicate)
		log.Debug().Int64("conv", convID).Str("remote", addrKey(from)).Msg("duplicate handshake ignored")
		return
	}

	if owner, ok := g.registry.LookupConnection(convID); ok && !owner.Closed() {
		g.metrics.dropped(reasonConvInUse)
		log.Debug().
			Int64("conv", convID).
			Str("remote", addrKey(from)).
			Str("owner", addrKey(owner.User().Remote)).
			Msg("handshake for connection id owned by another peer rejected")
		return
	}

	if err := g.admit(from); err != nil {
		g.metrics.dropped(reasonRejected)
		log.Debug().Err(err).Int64("conv", convID).Str("remote", addrKey(from)).Msg("handshake rejected")
		return
	}

	worker := g.pool.Worker(shardKey(convID))
	s := g.factory.NewSession(SessionParams{
		Output:   g.output,
		Listener: g.listener,
		Worker:   worker,
		Config:   g.config,
		Registry: g.registry,
	})
	s.SetUser(User{Remote: from, Local: local})
	s.SetConnectionID(convID)

	if !g.register(from, s) {
		return
	}

	// The connect task goes first so no tick can run before OnConnected.
	task := &inboundTask{
		newConnection: true,
		session:       s,
		listener:      g.listener,
		payload:       payload,
		from:          from,
	}
	if err := worker.Submit(task); err != nil {
		g.metrics.dropped(reasonSubmitFailed)
		log.Warn().Err(err).Int64("conv", convID).Str("remote", addrKey(from)).Msg("connect task not submitted, session discarded")
		g.registry.Remove(s)
		s.Close()
		return
	}
	g.metrics.sessionCreated()

	g.timers.Schedule(s.Interval(), &scheduleTask{session: s, worker: worker, timers: g.timers})

	log.Debug().
		Int64("conv", convID).
		Str("remote", addrKey(from)).
		Str("local", addrKey(local)).
		Msg("session established")
}

// admit applies the access list and the connection limits.
func (g *Gateway) admit(from net.Addr) error {
	if !g.access.Allowed(from) {
		return ErrAccessDenied
	}
	return g.limiter.CheckAndRecord(from, g.registry.Len())
}

// register binds s to from. An active session with the same id wins and s is
// discarded; a closed holder or one with another id is superseded and closed.
func (g *Gateway) register(from net.Addr, s Session) bool {
	for attempt := 0; attempt < registerAttempts; attempt++ {
		holder, inserted := g.registry.InsertIfAbsent(from, s)
		if inserted {
			return true
		}
		if !holder.Closed() && holder.ConnectionID() == s.ConnectionID() {
			if cur, ok := g.registry.Lookup(from); ok && cur == holder {
				g.metrics.dropped(reasonDuplicate)
				log.Debug().Int64("conv", s.ConnectionID()).Str("remote", addrKey(from)).Msg("concurrent handshake lost registration")
			} else {
				g.metrics.dropped(reasonConvInUse)
				log.Debug().Int64("conv", s.ConnectionID()).Str("remote", addrKey(from)).Msg("connection id claimed by another peer")
			}
			return false
		}
		if !g.registry.Replace(from, holder, s) {
			continue
		}
		if !holder.Closed() {
			log.Debug().
				Int64("old", holder.ConnectionID()).
				Int64("new", s.ConnectionID()).
				Str("remote", addrKey(from)).
				Msg("session superseded by new handshake")
			g.submitClose(holder)
		}
		return true
	}

	g.metrics.dropped(reasonDuplicate)
	log.Debug().Int64("conv", s.ConnectionID()).Str("remote", addrKey(from)).Msg("registration kept racing, handshake dropped")
	return false
}

// dispatchData queues a data task for the session bound to from.
func (g *Gateway) dispatchData(payload []byte, from net.Addr) {
	s, ok := g.registry.Lookup(from)
	if !ok {
		g.metrics.dropped(reasonNoSession)
		log.Debug().Str("remote", addrKey(from)).Int("len", len(payload)).Msg("data for unknown peer dropped")
		return
	}

	task := &inboundTask{
		session:  s,
		listener: g.listener,
		payload:  payload,
		from:     from,
	}
	if err := g.pool.Worker(shardKey(s.ConnectionID())).Submit(task); err != nil {
		g.metrics.dropped(reasonSubmitFailed)
		log.Debug().Err(err).Int64("conv", s.ConnectionID()).Msg("data task not submitted")
	}
}

// submitClose closes s on its pinned worker.
func (g *Gateway) submitClose(s Session) {
	if err := g.pool.Worker(shardKey(s.ConnectionID())).Submit(closeTask(s)); err != nil {
		log.Debug().Err(err).Int64("conv", s.ConnectionID()).Msg("close task not submitted")
	}
}

// Lookup returns the session bound to addr.
func (g *Gateway) Lookup(addr net.Addr) (Session, bool) {
	return g.registry.Lookup(addr)
}

// Sessions returns the number of registered sessions.
func (g *Gateway) Sessions() int {
	return g.registry.Len()
}

// Registry returns the session registry.
func (g *Gateway) Registry() Registry {
	return g.registry
}

// Config returns the gateway configuration.
func (g *Gateway) Config() *Config {
	return g.config
}

// AddToAccessList adds an IP or CIDR prefix to the access list.
func (g *Gateway) AddToAccessList(entry string) error {
	return g.access.Add(entry)
}

// SetAccessListMode switches access list filtering.
func (g *Gateway) SetAccessListMode(mode AccessListMode) {
	g.access.SetMode(mode)
}

// Close stops accepting datagrams, closes every session on its worker and
// shuts down the collaborators the gateway created. Queued tasks still run.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)

		if g.ownedTimers != nil {
			g.ownedTimers.Close()
		}

		n := 0
		g.registry.Range(func(s Session) bool {
			g.submitClose(s)
			n++
			return true
		})

		if g.ownedPool != nil {
			g.ownedPool.Close()
		}

		log.Info().Int("sessions", n).Msg("gateway closed")
	})
	return nil
}
