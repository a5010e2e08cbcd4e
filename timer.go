package highway

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimerService schedules one-shot delayed tasks. Tasks run on a timer
// goroutine and must not touch session state directly.
type TimerService interface {
	Schedule(delay time.Duration, task Task) TimerHandle
}

// TimerHandle is returned by Schedule. Stop reports whether it prevented the
// task from running.
type TimerHandle interface {
	Stop() bool
}

// Scheduler is the default TimerService. Close cancels every pending task.
type Scheduler struct {
	mu      sync.Mutex
	closed  bool
	pending map[*timerHandle]struct{}
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[*timerHandle]struct{})}
}

// Schedule runs task once after delay. After Close it returns a handle that
// never fires.
func (s *Scheduler) Schedule(delay time.Duration, task Task) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stoppedHandle{}
	}

	h := &timerHandle{scheduler: s, task: task}
	s.pending[h] = struct{}{}
	// fire blocks on s.mu until the handle is fully registered.
	h.timer = time.AfterFunc(delay, h.fire)
	return h
}

// Pending returns the number of tasks scheduled but not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels all pending tasks. Subsequent Schedule calls are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for h := range s.pending {
		h.timer.Stop()
	}
	log.Debug().Int("cancelled", len(s.pending)).Msg("scheduler closed")
	s.pending = make(map[*timerHandle]struct{})
}

// claim removes h from the pending set. Only the first caller wins.
func (s *Scheduler) claim(h *timerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[h]; !ok {
		return false
	}
	delete(s.pending, h)
	return !s.closed
}

type timerHandle struct {
	scheduler *Scheduler
	task      Task
	timer     *time.Timer
}

func (h *timerHandle) fire() {
	if !h.scheduler.claim(h) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("timer task panicked")
		}
	}()
	h.task.Execute()
}

// Stop cancels the task if it has not fired yet.
func (h *timerHandle) Stop() bool {
	if !h.scheduler.claim(h) {
		return false
	}
	h.timer.Stop()
	return true
}

type stoppedHandle struct{}

func (stoppedHandle) Stop() bool { return false }
