package highway

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a deferred unit of work executed by a Worker.
type Task interface {
	Execute()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func()

// Execute calls f.
func (f TaskFunc) Execute() { f() }

// inboundTask carries one received datagram to the worker that owns the
// session. Everything it needs is captured at construction time.
//
// For the first packet of a new session (newConnection) the listener's
// OnConnected runs before the packet is read.
type inboundTask struct {
	newConnection bool
	session       Session
	listener      Listener
	payload       []byte
	from          net.Addr
}

// Execute runs on the session's worker.
func (t *inboundTask) Execute() {
	if t.newConnection {
		notifyConnected(t.listener, t.session)
	}
	// Peer address first, so anything the read sends goes to the right place.
	t.session.SetPeerAddress(t.from)
	t.session.Read(t.payload)
}

// notifyConnected calls OnConnected exactly once and routes any failure,
// returned or panicked, to HandleException.
func notifyConnected(l Listener, s Session) {
	defer func() {
		if r := recover(); r != nil {
			l.HandleException(panicError(r), s)
		}
	}()
	if err := l.OnConnected(s); err != nil {
		l.HandleException(err, s)
	}
}

// closeTask asks a session to close on its own worker.
func closeTask(s Session) Task {
	return TaskFunc(func() {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Int64("conv", s.ConnectionID()).Msg("session close returned error")
		}
	})
}

// scheduleTask is the self-rearming maintenance tick. Execute runs on the
// timer goroutine and only forwards to the session's worker.
type scheduleTask struct {
	session Session
	worker  Worker
	timers  TimerService
}

// Execute hands the tick to the session's worker.
func (t *scheduleTask) Execute() {
	if t.session.Closed() {
		return
	}
	if err := t.worker.Submit(TaskFunc(t.tick)); err != nil {
		log.Debug().Err(err).Int64("conv", t.session.ConnectionID()).Msg("maintenance tick not submitted")
	}
}

// tick runs on the worker and re-arms the timer for the next interval.
func (t *scheduleTask) tick() {
	if t.session.Closed() {
		return
	}
	t.session.Tick(time.Now())
	if t.session.Closed() {
		return
	}
	t.timers.Schedule(t.session.Interval(), t)
}

// panicError converts a recovered value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
