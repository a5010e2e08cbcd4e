package highway

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T, cfg *Config) (*Conn, *recordingListener, *captureOutput, *SessionRegistry) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &recordingListener{}
	out := &captureOutput{}
	reg := NewSessionRegistry()
	c := NewConn(SessionParams{
		Output:   out,
		Listener: l,
		Worker:   inlineWorker{pool: &inlinePool{}},
		Config:   cfg,
		Registry: reg,
	})
	c.SetConnectionID(77)
	c.SetUser(User{Remote: udpAddr(7000), Local: udpAddr(10001)})
	return c, l, out, reg
}

// TestConnDefaults verifies that factory parameters flow into the engine.
func TestConnDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 25 * time.Millisecond
	c, _, _, _ := newTestConn(t, cfg)

	assert.Equal(t, 25*time.Millisecond, c.Interval())
	assert.Equal(t, int64(77), c.ConnectionID())
	assert.NotEmpty(t, c.ID())
	assert.False(t, c.Closed())
}

// TestConnReadDeliversSegments verifies that full frames reach the listener
// and runt frames, including control packets, are dropped.
func TestConnReadDeliversSegments(t *testing.T) {
	c, l, _, _ := newTestConn(t, nil)

	c.Read(controlBytes(t, 1, 0, 77, EventAckEstablished))
	c.Read([]byte("short"))
	assert.Empty(t, l.receivedData())

	frame := bytes.Repeat([]byte{0xab}, DefaultMinSegmentSize)
	c.Read(frame)
	require.Len(t, l.receivedData(), 1)
	assert.Equal(t, frame, l.receivedData()[0])

	in, _ := c.Stats()
	assert.Equal(t, uint64(DefaultMinSegmentSize), in)
}

// TestConnReadRejectsOversizedFrames verifies that a segment larger than the
// receive buffer is reported and dropped, while one that fits exactly is kept.
func TestConnReadRejectsOversizedFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReceiveBufferSize = 32
	c, l, _, _ := newTestConn(t, cfg)

	c.Read(make([]byte, 48))
	assert.Empty(t, l.receivedData())
	assert.Zero(t, c.Buffered())
	require.Len(t, l.exceptionList(), 1)
	assert.ErrorIs(t, l.exceptionList()[0], ErrFrameTooLarge)

	frame := bytes.Repeat([]byte{9}, 32)
	c.Read(frame)
	require.Len(t, l.receivedData(), 1)
	assert.Equal(t, frame, l.receivedData()[0])
}

// TestConnCoalescesQueuedSegments verifies that segments read while a flush
// is queued are delivered together, in order, by a single task.
func TestConnCoalescesQueuedSegments(t *testing.T) {
	c, l, w := newQueuedConn(t, nil)

	a := bytes.Repeat([]byte{'a'}, 24)
	b := bytes.Repeat([]byte{'b'}, 30)
	d := bytes.Repeat([]byte{'d'}, 26)
	c.Read(a)
	c.Read(b)
	c.Read(d)

	assert.Empty(t, l.receivedData(), "nothing delivered before the flush runs")
	assert.Equal(t, 80, c.Buffered())
	assert.Equal(t, 1, w.runAll(), "one flush task for the burst")

	require.Len(t, l.receivedData(), 1)
	assert.Equal(t, append(append(append([]byte(nil), a...), b...), d...), l.receivedData()[0])
	assert.Zero(t, c.Buffered())

	c.Read(a)
	assert.Equal(t, 1, w.runAll(), "a new flush is queued after the last one ran")
	assert.Len(t, l.receivedData(), 2)
}

// TestConnFlushesWhenBufferFull verifies that buffered bytes are delivered
// before a segment that would not fit behind them.
func TestConnFlushesWhenBufferFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReceiveBufferSize = 48
	c, l, w := newQueuedConn(t, cfg)

	a := bytes.Repeat([]byte{'a'}, 24)
	b := bytes.Repeat([]byte{'b'}, 24)
	d := bytes.Repeat([]byte{'d'}, 24)
	c.Read(a)
	c.Read(b)
	assert.Empty(t, l.receivedData(), "two segments fill the buffer exactly")

	c.Read(d)
	require.Len(t, l.receivedData(), 1)
	assert.Equal(t, append(append([]byte(nil), a...), b...), l.receivedData()[0])
	assert.Equal(t, 24, c.Buffered())

	w.runAll()
	require.Len(t, l.receivedData(), 2)
	assert.Equal(t, d, l.receivedData()[1])
	assert.Empty(t, l.exceptionList())
}

// TestConnDiscardsBufferedDataOnClose verifies that a flush running after
// Close delivers nothing.
func TestConnDiscardsBufferedDataOnClose(t *testing.T) {
	c, l, w := newQueuedConn(t, nil)

	c.Read(bytes.Repeat([]byte{3}, 40))
	require.NoError(t, c.Close())
	w.runAll()

	assert.Empty(t, l.receivedData())
	assert.Equal(t, 1, l.closedCount())
}

// TestConnFlushInlineWhenWorkerClosed verifies delivery still happens when
// the worker refuses the flush task.
func TestConnFlushInlineWhenWorkerClosed(t *testing.T) {
	c, l, _, _ := newTestConn(t, nil)
	c.worker = failingWorker{err: ErrPoolClosed}

	frame := bytes.Repeat([]byte{4}, 30)
	c.Read(frame)

	require.Len(t, l.receivedData(), 1)
	assert.Equal(t, frame, l.receivedData()[0])
	assert.Zero(t, c.Buffered())
}

// TestConnWriteTargetsCurrentPeer verifies that writes follow SetPeerAddress.
func TestConnWriteTargetsCurrentPeer(t *testing.T) {
	c, _, out, _ := newTestConn(t, nil)

	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, udpAddr(7000), out.lastAddr())

	c.SetPeerAddress(udpAddr(7001))
	_, err = c.Write([]byte("moved"))
	require.NoError(t, err)
	assert.Equal(t, udpAddr(7001), out.lastAddr())
	assert.Equal(t, udpAddr(10001), c.User().Local, "local address untouched")

	c.SetPeerAddress(nil)
	assert.Equal(t, udpAddr(7001), c.User().Remote, "nil address ignored")

	_, out2 := c.Stats()
	assert.Equal(t, uint64(10), out2)
}

// TestConnWriteError verifies that output errors are returned.
func TestConnWriteError(t *testing.T) {
	c, _, out, _ := newTestConn(t, nil)
	out.err = errors.New("socket gone")

	_, err := c.Write([]byte("x"))
	assert.EqualError(t, err, "socket gone")
}

// TestConnClose verifies unregistration, listener notification and idempotence.
func TestConnClose(t *testing.T) {
	c, l, _, reg := newTestConn(t, nil)
	_, ok := reg.InsertIfAbsent(udpAddr(7000), c)
	require.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.True(t, c.Closed())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, l.closedCount())

	_, err := c.Write([]byte("after close"))
	assert.ErrorIs(t, err, ErrSessionClosed)

	c.Read(bytes.Repeat([]byte{1}, 64))
	assert.Empty(t, l.receivedData())

	assert.ErrorIs(t, c.Post(func() {}), ErrSessionClosed)
}

// TestConnIdleTimeout verifies that Tick closes an idle session.
func TestConnIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Second
	c, l, _, _ := newTestConn(t, cfg)

	c.Tick(time.Now())
	assert.False(t, c.Closed())

	c.Tick(time.Now().Add(2 * time.Second))
	assert.True(t, c.Closed())
	assert.Equal(t, 1, l.closedCount())
}

// TestConnIdleTimeoutDisabled verifies that a zero timeout never closes.
func TestConnIdleTimeoutDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	c, _, _, _ := newTestConn(t, cfg)

	c.Tick(time.Now().Add(24 * time.Hour))
	assert.False(t, c.Closed())
}

// TestConnListenerPanicContained verifies that a panicking HandleReceive is
// reported through HandleException.
func TestConnListenerPanicContained(t *testing.T) {
	c, _, _, _ := newTestConn(t, nil)
	pl := &panickyListener{recordingListener: &recordingListener{}}
	c.listener = pl

	assert.NotPanics(t, func() {
		c.Read(bytes.Repeat([]byte{2}, 30))
	})
	require.Len(t, pl.exceptionList(), 1)
	assert.Contains(t, pl.exceptionList()[0].Error(), "receive failed")
}

// TestConnPost verifies that Post runs on the session's worker.
func TestConnPost(t *testing.T) {
	c, _, _, _ := newTestConn(t, nil)

	ran := false
	require.NoError(t, c.Post(func() { ran = true }))
	assert.True(t, ran)
}

type panickyListener struct {
	*recordingListener
}

func (p *panickyListener) HandleReceive([]byte, Session) {
	panic("receive failed")
}

// queueWorker holds submitted tasks until the test runs them.
type queueWorker struct {
	mu    sync.Mutex
	tasks []Task
}

func (w *queueWorker) Submit(task Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks = append(w.tasks, task)
	return nil
}

func (w *queueWorker) runAll() int {
	w.mu.Lock()
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()
	for _, task := range tasks {
		task.Execute()
	}
	return len(tasks)
}

func newQueuedConn(t *testing.T, cfg *Config) (*Conn, *recordingListener, *queueWorker) {
	t.Helper()
	c, l, _, _ := newTestConn(t, cfg)
	w := &queueWorker{}
	c.worker = w
	return c, l, w
}
