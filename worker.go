package highway

import (
	"encoding/binary"
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// Worker runs submitted tasks one at a time, in submission order.
type Worker interface {
	Submit(task Task) error
}

// WorkerPool hands out workers. The same key always yields the same worker,
// which is how every task for one session is serialized.
type WorkerPool interface {
	Worker(key uint64) Worker
}

// shardKey derives the pinning key for a session from its connection id.
func shardKey(connID int64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(connID))
	h := fnv.New64a()
	h.Write(b[:])
	return h.Sum64()
}

// ExecutorPool is a fixed set of sequential workers, each backed by an
// unbounded FIFO so Submit never blocks the ingress goroutine.
type ExecutorPool struct {
	workers   []*executor
	metrics   *Metrics
	closeOnce sync.Once
}

// NewExecutorPool starts size workers. If size <= 0, runtime.NumCPU() is used.
func NewExecutorPool(size int, metrics *Metrics) *ExecutorPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &ExecutorPool{
		workers: make([]*executor, size),
		metrics: metrics,
	}
	for i := range p.workers {
		e := &executor{
			id:     i,
			pool:   p,
			tasks:  queue.New(),
			notify: make(chan struct{}, 1),
			done:   make(chan struct{}),
		}
		p.workers[i] = e
		go e.run()
	}
	log.Debug().Int("workers", size).Msg("executor pool started")
	return p
}

// Worker returns the worker pinned to key.
func (p *ExecutorPool) Worker(key uint64) Worker {
	return p.workers[key%uint64(len(p.workers))]
}

// Size returns the number of workers.
func (p *ExecutorPool) Size() int {
	return len(p.workers)
}

// Pending returns the number of queued, not yet started tasks.
func (p *ExecutorPool) Pending() int {
	n := 0
	for _, e := range p.workers {
		e.mu.Lock()
		n += e.tasks.Length()
		e.mu.Unlock()
	}
	return n
}

// Close stops accepting tasks and waits until every queued task has run.
func (p *ExecutorPool) Close() {
	p.closeOnce.Do(func() {
		for _, e := range p.workers {
			e.stop()
		}
		for _, e := range p.workers {
			<-e.done
		}
		log.Debug().Int("workers", len(p.workers)).Msg("executor pool stopped")
	})
}

// executor is a single worker goroutine and its queue.
type executor struct {
	id     int
	pool   *ExecutorPool
	mu     sync.Mutex
	tasks  *queue.Queue
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// Submit enqueues task behind everything already submitted to this worker.
func (e *executor) Submit(task Task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrPoolClosed
	}
	e.tasks.Add(task)
	e.mu.Unlock()

	e.wake()
	return nil
}

func (e *executor) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *executor) stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wake()
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if e.tasks.Length() == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.notify
			continue
		}
		task := e.tasks.Remove().(Task)
		e.mu.Unlock()

		e.execute(task)
	}
}

// execute runs one task; a panic is logged and the worker keeps going.
func (e *executor) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.pool.metrics.taskPanic()
			log.Error().
				Int("worker", e.id).
				Interface("panic", r).
				Msg("task panicked")
		}
	}()
	task.Execute()
}
