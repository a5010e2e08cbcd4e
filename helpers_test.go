package highway

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// udpAddr returns a loopback UDP address with the given port.
func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// controlBytes encodes a control packet for tests.
func controlBytes(t *testing.T, opcode, high, low, event int32) []byte {
	t.Helper()
	b, err := ControlPacket{Opcode: opcode, ConnHigh: high, ConnLow: low, EventCode: event}.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, ControlPacketSize)
	return b
}

// eventLog records the order of calls across a session and its listener.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeSession records every call the gateway makes on it.
type fakeSession struct {
	conv     atomic.Int64
	closed   atomic.Bool
	interval time.Duration
	log      *eventLog
	registry Registry
	listener Listener

	mu         sync.Mutex
	user       User
	reads      [][]byte
	peers      []net.Addr
	ticks      int
	closeCalls int
	written    [][]byte
}

func (s *fakeSession) ConnectionID() int64      { return s.conv.Load() }
func (s *fakeSession) SetConnectionID(id int64) { s.conv.Store(id) }

func (s *fakeSession) User() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *fakeSession) SetUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

func (s *fakeSession) SetPeerAddress(addr net.Addr) {
	s.mu.Lock()
	s.peers = append(s.peers, addr)
	s.user.Remote = addr
	s.mu.Unlock()
	s.log.add("peer:" + addr.String())
}

func (s *fakeSession) Read(payload []byte) {
	s.mu.Lock()
	s.reads = append(s.reads, payload)
	s.mu.Unlock()
	s.log.add("read:" + string(payload))
}

func (s *fakeSession) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, data)
	return len(data), nil
}

func (s *fakeSession) Tick(time.Time) {
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()
}

func (s *fakeSession) Interval() time.Duration { return s.interval }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.log.add("close")
	if s.registry != nil {
		s.registry.Remove(s)
	}
	if s.listener != nil {
		s.listener.HandleClose(s)
	}
	return nil
}

func (s *fakeSession) Closed() bool { return s.closed.Load() }

func (s *fakeSession) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *fakeSession) tickCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// fakeFactory builds fakeSessions and keeps every one it built.
type fakeFactory struct {
	interval time.Duration
	log      *eventLog

	mu       sync.Mutex
	sessions []*fakeSession
	params   []SessionParams
}

func (f *fakeFactory) NewSession(p SessionParams) Session {
	s := &fakeSession{interval: f.interval, log: f.log, registry: p.Registry, listener: p.Listener}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.params = append(f.params, p)
	f.mu.Unlock()
	return s
}

func (f *fakeFactory) built() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

// recordingListener counts lifecycle callbacks.
type recordingListener struct {
	log          *eventLog
	connectErr   error
	connectPanic any

	mu         sync.Mutex
	connected  []Session
	received   [][]byte
	exceptions []error
	closed     []Session
}

func (l *recordingListener) OnConnected(s Session) error {
	l.mu.Lock()
	l.connected = append(l.connected, s)
	l.mu.Unlock()
	l.log.add("connected")
	if l.connectPanic != nil {
		panic(l.connectPanic)
	}
	return l.connectErr
}

func (l *recordingListener) HandleReceive(data []byte, s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, data)
}

func (l *recordingListener) HandleException(err error, s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exceptions = append(l.exceptions, err)
}

func (l *recordingListener) HandleClose(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, s)
}

func (l *recordingListener) connectedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connected)
}

func (l *recordingListener) receivedData() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.received...)
}

func (l *recordingListener) exceptionList() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.exceptions...)
}

func (l *recordingListener) closedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.closed)
}

// inlinePool runs every task synchronously on the submitting goroutine
// and remembers which keys were asked for.
type inlinePool struct {
	mu        sync.Mutex
	keys      []uint64
	submitted int
	closed    bool
}

func (p *inlinePool) Worker(key uint64) Worker {
	p.mu.Lock()
	p.keys = append(p.keys, key)
	p.mu.Unlock()
	return inlineWorker{pool: p}
}

func (p *inlinePool) submittedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted
}

type inlineWorker struct {
	pool *inlinePool
}

func (w inlineWorker) Submit(task Task) error {
	w.pool.mu.Lock()
	if w.pool.closed {
		w.pool.mu.Unlock()
		return ErrPoolClosed
	}
	w.pool.submitted++
	w.pool.mu.Unlock()
	task.Execute()
	return nil
}

// manualTimers records scheduled tasks; tests fire them explicitly.
type manualTimers struct {
	mu    sync.Mutex
	delay []time.Duration
	tasks []Task
}

func (m *manualTimers) Schedule(delay time.Duration, task Task) TimerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = append(m.delay, delay)
	m.tasks = append(m.tasks, task)
	return stoppedHandle{}
}

// fireAll runs and clears every pending task. Tasks scheduled while firing
// are kept for the next call.
func (m *manualTimers) fireAll() int {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, task := range tasks {
		task.Execute()
	}
	return len(tasks)
}

func (m *manualTimers) delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delay...)
}

func (m *manualTimers) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// captureOutput records outgoing datagrams.
type captureOutput struct {
	mu     sync.Mutex
	writes [][]byte
	addrs  []net.Addr
	err    error
}

func (o *captureOutput) WriteTo(b []byte, addr net.Addr) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return 0, o.err
	}
	o.writes = append(o.writes, append([]byte(nil), b...))
	o.addrs = append(o.addrs, addr)
	return len(b), nil
}

func (o *captureOutput) lastAddr() net.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.addrs) == 0 {
		return nil
	}
	return o.addrs[len(o.addrs)-1]
}

// testGateway bundles a gateway with its fake collaborators.
type testGateway struct {
	*Gateway
	events   *eventLog
	listener *recordingListener
	factory  *fakeFactory
	pool     *inlinePool
	timers   *manualTimers
	output   *captureOutput
}

// newTestGateway builds a gateway running every task inline.
func newTestGateway(t *testing.T, cfg *Config, opts ...Option) *testGateway {
	t.Helper()

	events := &eventLog{}
	tg := &testGateway{
		events:   events,
		listener: &recordingListener{log: events},
		factory:  &fakeFactory{interval: 15 * time.Millisecond, log: events},
		pool:     &inlinePool{},
		timers:   &manualTimers{},
		output:   &captureOutput{},
	}

	all := append([]Option{
		WithWorkerPool(tg.pool),
		WithTimerService(tg.timers),
		WithSessionFactory(tg.factory),
	}, opts...)

	gw, err := NewGateway(cfg, tg.listener, tg.output, all...)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	tg.Gateway = gw
	return tg
}

// failingPool hands out workers whose Submit always fails.
type failingPool struct {
	err error
}

func (p failingPool) Worker(uint64) Worker { return failingWorker(p) }

type failingWorker struct {
	err error
}

func (w failingWorker) Submit(Task) error { return w.err }

// orderedTimers logs every Schedule call into the shared event log.
type orderedTimers struct {
	*manualTimers
	log *eventLog
}

func (o orderedTimers) Schedule(delay time.Duration, task Task) TimerHandle {
	o.log.add("schedule")
	return o.manualTimers.Schedule(delay, task)
}
