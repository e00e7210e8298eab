package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxnlabs/dpuvec/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// manualNotifier records callbacks so tests decide when each one fires.
type manualNotifier struct {
	mu  sync.Mutex
	cbs []func(error)
	err error
}

func (m *manualNotifier) Callback(fn func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.cbs = append(m.cbs, fn)
	return nil
}

func (m *manualNotifier) fire(t *testing.T, i int, err error) {
	t.Helper()
	m.mu.Lock()
	require.Less(t, i, len(m.cbs))
	fn := m.cbs[i]
	m.mu.Unlock()
	fn(err)
}

func (m *manualNotifier) armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cbs)
}

type countingObserver struct {
	mu        sync.Mutex
	submitted map[Kind]int
	started   map[Kind]int
	completed map[Kind]int
	failed    int
	depth     int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{submitted: map[Kind]int{}, started: map[Kind]int{}, completed: map[Kind]int{}}
}

func (o *countingObserver) EventSubmitted(k Kind) {
	o.mu.Lock()
	o.submitted[k]++
	o.mu.Unlock()
}

func (o *countingObserver) EventStarted(k Kind, _ time.Duration) {
	o.mu.Lock()
	o.started[k]++
	o.mu.Unlock()
}

func (o *countingObserver) EventCompleted(k Kind, _ time.Duration, err error) {
	o.mu.Lock()
	o.completed[k]++
	if err != nil {
		o.failed++
	}
	o.mu.Unlock()
}

func (o *countingObserver) QueueDepthChanged(n int) {
	o.mu.Lock()
	o.depth = n
	o.mu.Unlock()
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "compute", Compute.String())
	assert.Equal(t, "transfer_in", TransferIn.String())
	assert.Equal(t, "transfer_out", TransferOut.String())
	assert.Equal(t, "fence", Fence.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}

func TestQueue_FIFO(t *testing.T) {
	n := &manualNotifier{}
	q := NewQueue(n, nil, zaptest.NewLogger(t))

	var order []string
	record := func(name string) Action {
		return func() error {
			order = append(order, name)
			return nil
		}
	}
	h1 := q.Submit(New(TransferIn, record("in")))
	h2 := q.Submit(New(Compute, record("add")))
	h3 := q.Submit(New(TransferOut, record("out")))

	assert.Equal(t, 3, q.Pending())
	assert.Empty(t, order, "submit does not initiate")
	assert.Less(t, h1.ID(), h2.ID())
	assert.Less(t, h2.ID(), h3.ID())

	require.NoError(t, q.ProcessEvents())
	assert.Equal(t, []string{"in", "add", "out"}, order)
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 3, q.InFlight())
	assert.Equal(t, 3, n.armed(), "one callback per event")
	assert.False(t, q.Idle())

	for i := 0; i < 3; i++ {
		n.fire(t, i, nil)
	}
	for _, h := range []*Handle{h1, h2, h3} {
		assert.True(t, h.Finished())
		assert.NoError(t, h.Err())
	}
	assert.Equal(t, 0, q.InFlight())
	assert.True(t, q.Idle())
}

func TestQueue_FinishedOnlyAfterCallback(t *testing.T) {
	n := &manualNotifier{}
	q := NewQueue(n, nil, nil)

	h := q.Submit(New(Compute, func() error { return nil }).WithLabel("negate").WithResult(42))
	assert.False(t, h.Started())
	assert.False(t, h.Finished())

	require.NoError(t, q.ProcessNext())
	assert.True(t, h.Started())
	assert.False(t, h.Finished(), "initiation is not completion")
	assert.NoError(t, h.Err())

	n.fire(t, 0, nil)
	assert.True(t, h.Finished())
	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed")
	}

	// A second completion is ignored.
	n.fire(t, 0, errors.New("late"))
	assert.NoError(t, h.Err())

	assert.Equal(t, Compute, h.Kind())
	assert.Equal(t, "negate", h.Label())
	assert.Equal(t, 42, h.Result())
}

func TestQueue_ProcessNextOnEmptyQueue(t *testing.T) {
	n := &manualNotifier{}
	q := NewQueue(n, nil, nil)
	assert.NoError(t, q.ProcessNext())
	assert.Zero(t, n.armed())
	assert.True(t, q.Idle())
}

func TestQueue_FenceWaitsForEarlierEvents(t *testing.T) {
	n := &manualNotifier{}
	q := NewQueue(n, nil, zaptest.NewLogger(t))

	a := q.Submit(New(TransferIn, nil))
	b := q.Submit(New(Compute, nil))
	f := q.Submit(NewFence())
	require.NoError(t, q.ProcessEvents())
	require.Equal(t, 3, n.armed())

	// Device reports the fence point while earlier events are still open.
	n.fire(t, 2, nil)
	assert.False(t, f.Finished())

	n.fire(t, 0, nil)
	assert.False(t, f.Finished())

	n.fire(t, 1, nil)
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("fence did not complete")
	}
	assert.True(t, a.Finished())
	assert.True(t, b.Finished())
	assert.NoError(t, f.Err())
}

func TestQueue_FenceOnIdleQueue(t *testing.T) {
	n := &manualNotifier{}
	q := NewQueue(n, nil, nil)

	f := q.Submit(NewFence())
	require.NoError(t, q.ProcessNext())
	assert.False(t, f.Finished())
	n.fire(t, 0, nil)
	assert.True(t, f.Finished())
}

func TestQueue_ActionFailure(t *testing.T) {
	n := &manualNotifier{}
	obs := newCountingObserver()
	q := NewQueue(n, obs, zaptest.NewLogger(t))

	boom := errors.New("copy rejected")
	h := q.Submit(New(TransferIn, func() error { return boom }))
	next := q.Submit(New(Compute, nil))

	err := q.ProcessNext()
	require.ErrorIs(t, err, boom)
	assert.True(t, h.Finished())
	assert.ErrorIs(t, h.Err(), boom)
	assert.Zero(t, n.armed(), "no callback for an event that never started")

	assert.False(t, next.Started())
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 1, obs.failed)
}

func TestQueue_CallbackArmFailure(t *testing.T) {
	closed := errors.New("device closed")
	q := NewQueue(&manualNotifier{err: closed}, nil, nil)

	h := q.Submit(New(Compute, nil))
	require.ErrorIs(t, q.ProcessNext(), closed)
	assert.ErrorIs(t, h.Err(), closed)

	f := q.Submit(NewFence())
	require.ErrorIs(t, q.ProcessNext(), closed)
	assert.ErrorIs(t, f.Err(), closed)
}

func TestQueue_CompletionError(t *testing.T) {
	n := &manualNotifier{}
	q := NewQueue(n, nil, zaptest.NewLogger(t))

	h := q.Submit(New(Compute, nil))
	require.NoError(t, q.ProcessNext())
	fault := errors.New("kernel fault")
	n.fire(t, 0, fault)
	assert.ErrorIs(t, h.Err(), fault)
}

func TestQueue_UnknownKindPanics(t *testing.T) {
	q := NewQueue(&manualNotifier{}, nil, nil)
	q.Submit(New(Kind(9), nil))
	assert.Panics(t, func() { _ = q.ProcessNext() })
}

func TestQueue_Observer(t *testing.T) {
	n := &manualNotifier{}
	obs := newCountingObserver()
	q := NewQueue(n, obs, nil)

	q.Submit(New(TransferIn, nil))
	q.Submit(New(Compute, nil))
	q.Submit(NewFence())
	assert.Equal(t, 3, obs.depth)

	require.NoError(t, q.ProcessEvents())
	assert.Equal(t, 0, obs.depth)
	for i := 0; i < 3; i++ {
		n.fire(t, i, nil)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, map[Kind]int{TransferIn: 1, Compute: 1, Fence: 1}, obs.submitted)
	assert.Equal(t, obs.submitted, obs.started)
	assert.Equal(t, obs.submitted, obs.completed)
	assert.Zero(t, obs.failed)
}

func TestQueue_WaitWithSimulator(t *testing.T) {
	sim, err := device.NewSimulator(2, device.SimulatorConfig{UnitCapacity: 4096, Lanes: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	q := NewQueue(sim, nil, zaptest.NewLogger(t))

	in := q.Submit(New(TransferIn, func() error {
		if err := sim.CopyTo(0, 16, []byte{1, 2, 3, 4}); err != nil {
			return err
		}
		return sim.CopyTo(1, 16, []byte{5, 6, 7, 8})
	}))

	out := [][]byte{make([]byte, 4), make([]byte, 4)}
	read := q.Submit(New(TransferOut, func() error {
		for unit, buf := range out {
			if err := sim.CopyFrom(unit, 16, buf); err != nil {
				return err
			}
		}
		return nil
	}).WithResult(out))

	require.NoError(t, q.Wait(context.Background(), read))
	assert.True(t, in.Finished(), "device completes in issue order")
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}, read.Result())
	assert.True(t, q.Idle())

	fence := q.Submit(NewFence())
	require.NoError(t, q.Wait(context.Background(), fence))
}

func TestQueue_WaitCancelled(t *testing.T) {
	q := NewQueue(&manualNotifier{}, nil, nil)

	h := q.Submit(New(Compute, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Wait(ctx, h), context.Canceled)
	assert.False(t, h.Started())

	// Initiated but never completed.
	require.NoError(t, q.ProcessNext())
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx, h), context.DeadlineExceeded)
}

func TestQueue_WaitReturnsInitiationError(t *testing.T) {
	n := &manualNotifier{}
	q := NewQueue(n, nil, nil)

	boom := errors.New("bad args")
	q.Submit(New(Compute, func() error { return boom }))
	later := q.Submit(New(TransferOut, nil))

	assert.ErrorIs(t, q.Wait(context.Background(), later), boom)
	assert.False(t, later.Started())
}
