package segmentation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStreams struct {
	mu      sync.Mutex
	targets []Target
}

func (f *fakeStreams) BatchTargets() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Target(nil), f.targets...)
}

func (f *fakeStreams) add(id string) *framebuffer.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := framebuffer.New()
	f.targets = append(f.targets, Target{StreamID: id, Buffer: b})
	return b
}

func (f *fakeStreams) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.targets {
		if t.StreamID == id {
			f.targets = append(f.targets[:i], f.targets[i+1:]...)
			return
		}
	}
}

func publish(t *testing.T, b *framebuffer.Buffer, seq uint64) {
	t.Helper()
	require.NoError(t, b.Publish(framebuffer.Frame{
		Sequence:  seq,
		Timestamp: time.Unix(0, int64(seq)),
		Width:     2,
		Height:    2,
		Stride:    8,
		Pix:       make([]byte, 16),
	}, nil))
}

// fakeEngine answers every item with a full mask unless told otherwise.
type fakeEngine struct {
	mu      sync.Mutex
	batches [][]string
	fail    error
	itemErr map[string]error
	gate    chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
	running   sync.WaitGroup
}

func (e *fakeEngine) SubmitBatch(ctx context.Context, items []Item) ([]Result, error) {
	e.running.Add(1)
	defer e.running.Done()

	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxActive.Load()
		if n <= m || e.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.StreamID
	}

	e.mu.Lock()
	e.batches = append(e.batches, ids)
	gate, fail, itemErr := e.gate, e.fail, e.itemErr
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail != nil {
		return nil, fail
	}

	results := make([]Result, len(items))
	for i, it := range items {
		results[i] = Result{StreamID: it.StreamID}
		if err := itemErr[it.StreamID]; err != nil {
			results[i].Err = err
			continue
		}
		alpha := make([]byte, it.Frame.Width*it.Frame.Height)
		for j := range alpha {
			alpha[j] = 255
		}
		results[i].Mask = &framebuffer.Mask{Width: it.Frame.Width, Height: it.Frame.Height, Alpha: alpha}
	}
	return results, nil
}

func (e *fakeEngine) Batches() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.batches...)
}

func TestTickSubmitsLatestFrames(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a, b := streams.add("a"), streams.add("b")
	streams.add("warming-up") // no frame yet
	engine := &fakeEngine{}

	var updates []MaskUpdate
	var mu sync.Mutex
	batcher := NewBatcher(engine, streams, BatcherConfig{OnMask: func(u MaskUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	}})

	publish(t, a, 1)
	publish(t, a, 2)
	publish(t, b, 10)

	assert.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
	batcher.Wait()

	require.Equal(t, [][]string{{"a", "b"}}, engine.Batches())

	_, maskA, ok := a.Read()
	require.True(t, ok)
	require.NotNil(t, maskA)
	assert.Equal(t, uint64(2), maskA.Sequence)

	mu.Lock()
	require.Len(t, updates, 2)
	assert.Equal(t, uint64(10), updates[1].Sequence)
	mu.Unlock()

	// only a has a new frame
	publish(t, a, 3)
	assert.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
	batcher.Wait()
	assert.Equal(t, []string{"a"}, engine.Batches()[1])

	// nothing new anywhere
	assert.Equal(t, OutcomeEmpty, batcher.Tick(context.Background()))

	st := batcher.Stats()
	assert.Equal(t, uint64(3), st.Ticks)
	assert.Equal(t, uint64(2), st.Submitted)
	assert.Equal(t, uint64(1), st.Empty)
	assert.Equal(t, uint64(3), st.MasksApplied)
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a := streams.add("a")
	gate := make(chan struct{})
	engine := &fakeEngine{gate: gate}
	batcher := NewBatcher(engine, streams, BatcherConfig{Timeout: 10 * time.Second})

	publish(t, a, 1)
	const n = 25
	outcomes := make(map[Outcome]int)
	for i := 0; i < n; i++ {
		publish(t, a, uint64(i+2))
		outcomes[batcher.Tick(context.Background())]++
	}
	assert.Equal(t, 1, outcomes[OutcomeSubmitted])
	assert.Equal(t, n-1, outcomes[OutcomeSkipped])
	assert.True(t, batcher.InFlight())

	close(gate)
	batcher.Wait()
	assert.False(t, batcher.InFlight())

	st := batcher.Stats()
	assert.Equal(t, uint64(n), st.Ticks)
	assert.Equal(t, st.Ticks, st.Submitted+st.Skipped+st.Empty+st.BreakerOpen)
}

func TestSingleFlightUnderConcurrentTicks(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	bufs := []*framebuffer.Buffer{streams.add("a"), streams.add("b"), streams.add("c")}
	engine := &fakeEngine{}
	batcher := NewBatcher(engine, streams, BatcherConfig{})

	var seq atomic.Uint64
	var wg sync.WaitGroup
	stop := make(chan struct{})

	// one writer per stream
	for _, b := range bufs {
		wg.Add(1)
		go func(b *framebuffer.Buffer) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = b.Publish(framebuffer.Frame{
						Sequence: seq.Add(1), Width: 2, Height: 2, Stride: 8, Pix: make([]byte, 16),
					}, nil)
					time.Sleep(50 * time.Microsecond)
				}
			}
		}(b)
	}

	const tickers, perTicker = 4, 200
	var tickWG sync.WaitGroup
	for i := 0; i < tickers; i++ {
		tickWG.Add(1)
		go func() {
			defer tickWG.Done()
			for j := 0; j < perTicker; j++ {
				batcher.Tick(context.Background())
			}
		}()
	}
	tickWG.Wait()
	close(stop)
	wg.Wait()
	batcher.Wait()

	st := batcher.Stats()
	assert.Equal(t, uint64(tickers*perTicker), st.Ticks)
	assert.Equal(t, st.Ticks, st.Submitted+st.Skipped+st.Empty+st.BreakerOpen)
	assert.Equal(t, int32(1), engine.maxActive.Load(), "never more than one batch outstanding")
	assert.Equal(t, int(st.Submitted), len(engine.Batches()))
}

func TestItemFailureLeavesPreviousMask(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a, b := streams.add("a"), streams.add("b")
	engine := &fakeEngine{}
	batcher := NewBatcher(engine, streams, BatcherConfig{})

	publish(t, a, 1)
	publish(t, b, 1)
	batcher.Tick(context.Background())
	batcher.Wait()

	engine.mu.Lock()
	engine.itemErr = map[string]error{"b": fmt.Errorf("model rejected frame")}
	engine.mu.Unlock()

	publish(t, a, 2)
	publish(t, b, 2)
	batcher.Tick(context.Background())
	batcher.Wait()

	_, maskA, _ := a.Read()
	require.NotNil(t, maskA)
	assert.Equal(t, uint64(2), maskA.Sequence)

	// b's latest frame carries no mask; batching did not touch it
	frameB, maskB, _ := b.Read()
	assert.Equal(t, uint64(2), frameB.Sequence)
	assert.Nil(t, maskB)

	assert.Equal(t, uint64(1), batcher.Stats().ItemFaults)
}

func TestMaskPairsWithInferredFrame(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a := streams.add("a")
	gate := make(chan struct{})
	engine := &fakeEngine{gate: gate}
	batcher := NewBatcher(engine, streams, BatcherConfig{Timeout: 10 * time.Second})

	publish(t, a, 1)
	require.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
	// newer frames arrive while the batch is in flight
	publish(t, a, 2)
	publish(t, a, 3)
	close(gate)
	batcher.Wait()

	frame, mask, ok := a.Read()
	require.True(t, ok)
	require.NotNil(t, mask)
	assert.Equal(t, frame.Sequence, mask.Sequence)
}

func TestEngineFailureResumesNextTick(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a := streams.add("a")
	engine := &fakeEngine{fail: fmt.Errorf("device lost")}
	batcher := NewBatcher(engine, streams, BatcherConfig{})

	publish(t, a, 1)
	require.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
	require.Eventually(t, func() bool { return batcher.Stats().Failed == 1 }, 2*time.Second, time.Millisecond)

	engine.mu.Lock()
	engine.fail = nil
	engine.mu.Unlock()

	publish(t, a, 2)
	require.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
	batcher.Wait()

	_, mask, _ := a.Read()
	require.NotNil(t, mask)
	assert.Equal(t, uint64(2), mask.Sequence)
}

func TestEngineHangTimesOut(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a := streams.add("a")
	gate := make(chan struct{})
	engine := &fakeEngine{gate: gate}
	batcher := NewBatcher(engine, streams, BatcherConfig{Timeout: 30 * time.Millisecond})

	publish(t, a, 1)
	require.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
	require.Eventually(t, func() bool { return batcher.Stats().Failed == 1 }, 2*time.Second, time.Millisecond)

	// the engine is still running the first batch, so new frames wait
	publish(t, a, 2)
	assert.True(t, batcher.InFlight())
	assert.Equal(t, OutcomeSkipped, batcher.Tick(context.Background()))
	assert.Equal(t, OutcomeSkipped, batcher.Tick(context.Background()))
	assert.Len(t, engine.Batches(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := batcher.WaitIdle(ctx)
	cancel()
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))

	// the late completion is discarded and the slot frees up
	close(gate)
	batcher.Wait()
	assert.False(t, batcher.InFlight())
	_, mask, _ := a.Read()
	assert.Nil(t, mask)

	assert.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
	require.NoError(t, batcher.WaitIdle(context.Background()))

	assert.Equal(t, int32(1), engine.maxActive.Load())
	st := batcher.Stats()
	assert.Equal(t, uint64(2), st.Skipped)
	assert.Equal(t, st.Ticks, st.Submitted+st.Skipped+st.Empty+st.BreakerOpen)
	_, mask, _ = a.Read()
	require.NotNil(t, mask)
	assert.Equal(t, uint64(2), mask.Sequence)
}

func TestBreakerOpenSkipsSubmission(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a := streams.add("a")
	engine := &fakeEngine{fail: fmt.Errorf("device lost")}
	batcher := NewBatcher(engine, streams, BatcherConfig{
		Breaker: &CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for seq := uint64(1); seq <= 2; seq++ {
		publish(t, a, seq)
		require.Equal(t, OutcomeSubmitted, batcher.Tick(context.Background()))
		batcher.Wait()
	}
	assert.Equal(t, "open", batcher.BreakerState())

	publish(t, a, 3)
	assert.Equal(t, OutcomeBreakerOpen, batcher.Tick(context.Background()))
	assert.Len(t, engine.Batches(), 2)

	st := batcher.Stats()
	assert.Equal(t, uint64(1), st.BreakerOpen)
	assert.Equal(t, st.Ticks, st.Submitted+st.Skipped+st.Empty+st.BreakerOpen)
}

func TestRemovedStreamLeavesBatch(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a, b := streams.add("a"), streams.add("b")
	engine := &fakeEngine{}
	batcher := NewBatcher(engine, streams, BatcherConfig{})

	publish(t, a, 1)
	publish(t, b, 1)
	batcher.Tick(context.Background())
	batcher.Wait()

	streams.remove("b")
	publish(t, a, 2)
	publish(t, b, 2)
	batcher.Tick(context.Background())
	batcher.Wait()

	assert.Equal(t, []string{"a"}, engine.Batches()[1])
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	streams := &fakeStreams{}
	a := streams.add("a")
	engine := &fakeEngine{}
	batcher := NewBatcher(engine, streams, BatcherConfig{Interval: 5 * time.Millisecond})

	publish(t, a, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- batcher.Run(ctx) }()

	require.Eventually(t, func() bool { return batcher.Stats().Submitted >= 1 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSafeEngineRecoversPanic(t *testing.T) {
	t.Parallel()

	safe := NewSafeEngine(panicEngine{}, SafeEngineConfig{})
	_, err := safe.SubmitBatch(context.Background(), []Item{{StreamID: "a"}})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryInference))
	assert.Equal(t, int64(1), safe.Metrics()["failures"])
}

type panicEngine struct{}

func (panicEngine) SubmitBatch(context.Context, []Item) ([]Result, error) {
	panic("tensor shape mismatch")
}

func TestSafeEngineTimeoutCategory(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	safe := NewSafeEngine(hangEngine{release: release}, SafeEngineConfig{Timeout: 10 * time.Millisecond})

	_, err := safe.SubmitBatch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))
	assert.Equal(t, int64(1), safe.Metrics()["timeouts"])
}

func TestSafeEngineRejectsCallWhileAbandonedCallRuns(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	safe := NewSafeEngine(hangEngine{release: release}, SafeEngineConfig{Timeout: 10 * time.Millisecond})

	_, err := safe.SubmitBatch(context.Background(), nil)
	require.True(t, errors.IsCategory(err, errors.CategoryTimeout))

	_, err = safe.SubmitBatch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryInference))

	close(release)
	<-safe.Idle()
	_, err = safe.SubmitBatch(context.Background(), nil)
	assert.NoError(t, err)
}

type hangEngine struct{ release chan struct{} }

func (h hangEngine) SubmitBatch(context.Context, []Item) ([]Result, error) {
	<-h.release
	return nil, nil
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(&CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	require.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetState())
	assert.False(t, cb.CanExecute())

	now = now.Add(time.Minute)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.GetState())
	assert.False(t, cb.CanExecute(), "only one probe while half-open")

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetState())
	assert.True(t, cb.CanExecute())
}
