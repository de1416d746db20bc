package segmentation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/observability/metrics"
)

// Outcome is what a single tick did.
type Outcome int

const (
	OutcomeSubmitted   Outcome = iota // a batch was handed to the engine
	OutcomeSkipped                    // a batch was still in flight
	OutcomeEmpty                      // no stream had a new frame
	OutcomeBreakerOpen                // the engine breaker rejected the tick
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return metrics.BatchSubmitted
	case OutcomeSkipped:
		return metrics.BatchSkipped
	case OutcomeEmpty:
		return metrics.BatchEmpty
	case OutcomeBreakerOpen:
		return metrics.BatchBreakerOpen
	default:
		return "unknown"
	}
}

// Target is a stream eligible for batching.
type Target struct {
	StreamID string
	Buffer   *framebuffer.Buffer
}

// StreamSet lists the streams to batch. Streams that are closed or have not
// decoded a frame yet should be left out.
type StreamSet interface {
	BatchTargets() []Target
}

// MaskUpdate is handed to the OnMask hook after a mask was applied.
type MaskUpdate struct {
	StreamID  string
	Sequence  uint64
	Timestamp time.Time
	Mask      *framebuffer.Mask
}

// BatcherConfig configures NewBatcher.
type BatcherConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Breaker  *CircuitBreakerConfig
	Metrics  *metrics.PipelineMetrics
	// OnMask runs on the batch goroutine for every applied mask.
	OnMask func(MaskUpdate)
}

// DefaultInterval is the tick period of Run.
const DefaultInterval = 100 * time.Millisecond

// Stats counts tick outcomes. Ticks == Submitted + Skipped + Empty +
// BreakerOpen once every Tick call has returned.
type Stats struct {
	Ticks        uint64 `json:"ticks"`
	Submitted    uint64 `json:"submitted"`
	Skipped      uint64 `json:"skipped"`
	Empty        uint64 `json:"empty"`
	BreakerOpen  uint64 `json:"breaker_open"`
	Failed       uint64 `json:"failed"`
	ItemFaults   uint64 `json:"item_faults"`
	MasksApplied uint64 `json:"masks_applied"`
	InFlight     bool   `json:"in_flight"`
}

// Batcher schedules segmentation batches with at most one in flight.
type Batcher struct {
	engine   *SafeEngine
	streams  StreamSet
	interval time.Duration
	metrics  *metrics.PipelineMetrics
	onMask   func(MaskUpdate)
	log      logger.Logger

	inflight atomic.Bool
	wg       sync.WaitGroup // batch results handled
	settling sync.WaitGroup // engine returned and slot released

	mu      sync.Mutex
	lastSeq map[string]uint64

	ticks        atomic.Uint64
	submitted    atomic.Uint64
	skipped      atomic.Uint64
	empty        atomic.Uint64
	breakerOpen  atomic.Uint64
	failed       atomic.Uint64
	itemFaults   atomic.Uint64
	masksApplied atomic.Uint64
}

// NewBatcher creates a batcher over streams. An engine that is not already a
// *SafeEngine is wrapped in one using cfg.Timeout and cfg.Breaker.
func NewBatcher(engine Engine, streams StreamSet, cfg BatcherConfig) *Batcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	safe, ok := engine.(*SafeEngine)
	if !ok {
		safe = NewSafeEngine(engine, SafeEngineConfig{Timeout: cfg.Timeout, BreakerConfig: cfg.Breaker})
	}
	return &Batcher{
		engine:   safe,
		streams:  streams,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		onMask:   cfg.OnMask,
		log:      GetLogger(),
		lastSeq:  make(map[string]uint64),
	}
}

// Run ticks every interval until ctx is done, then waits for the batch in
// flight to finish.
func (b *Batcher) Run(ctx context.Context) error {
	b.log.Info("segmentation batcher started", logger.Duration("interval", b.interval))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("segmentation batcher stopped", logger.Any("stats", b.Stats()))
			return nil
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick runs one scheduling step. A submitted batch completes asynchronously
// on its own goroutine.
func (b *Batcher) Tick(ctx context.Context) Outcome {
	b.ticks.Add(1)

	if !b.inflight.CompareAndSwap(false, true) {
		return b.finish(OutcomeSkipped, 0)
	}

	items, seqs := b.collect()
	if len(items) == 0 {
		b.inflight.Store(false)
		return b.finish(OutcomeEmpty, 0)
	}
	if !b.engine.Allow() {
		b.inflight.Store(false)
		return b.finish(OutcomeBreakerOpen, 0)
	}

	b.commit(seqs)
	b.wg.Add(1)
	b.settling.Add(1)
	go func() {
		defer b.settling.Done()
		// the slot is held until the engine returns, even after a timeout,
		// so the engine never sees two calls and the retained frames stay put
		defer b.inflight.Store(false)
		func() {
			defer b.wg.Done()
			b.runBatch(ctx, items)
		}()
		<-b.engine.Idle()
	}()
	return b.finish(OutcomeSubmitted, len(items))
}

func (b *Batcher) finish(o Outcome, size int) Outcome {
	switch o {
	case OutcomeSubmitted:
		b.submitted.Add(1)
	case OutcomeSkipped:
		b.skipped.Add(1)
	case OutcomeEmpty:
		b.empty.Add(1)
	case OutcomeBreakerOpen:
		b.breakerOpen.Add(1)
	}
	b.metrics.RecordBatch(o.String(), size)
	return o
}

type batchItem struct {
	Item
	buffer *framebuffer.Buffer
}

// collect gathers the newest unseen frame of every target.
func (b *Batcher) collect() ([]batchItem, map[string]uint64) {
	targets := b.streams.BatchTargets()

	b.mu.Lock()
	defer b.mu.Unlock()

	live := make(map[string]struct{}, len(targets))
	items := make([]batchItem, 0, len(targets))
	seqs := make(map[string]uint64, len(targets))
	for _, t := range targets {
		live[t.StreamID] = struct{}{}
		frame, ok := t.Buffer.LatestSince(b.lastSeq[t.StreamID])
		if !ok {
			continue
		}
		items = append(items, batchItem{Item: Item{StreamID: t.StreamID, Frame: frame}, buffer: t.Buffer})
		seqs[t.StreamID] = frame.Sequence
	}
	for id := range b.lastSeq {
		if _, ok := live[id]; !ok {
			delete(b.lastSeq, id)
		}
	}
	return items, seqs
}

func (b *Batcher) commit(seqs map[string]uint64) {
	b.mu.Lock()
	for id, seq := range seqs {
		b.lastSeq[id] = seq
	}
	b.mu.Unlock()
}

func (b *Batcher) runBatch(ctx context.Context, batch []batchItem) {
	items := make([]Item, len(batch))
	for i := range batch {
		items[i] = batch[i].Item
	}

	start := time.Now()
	results, err := b.engine.SubmitBatch(ctx, items)
	b.metrics.RecordBatchDuration(time.Since(start))

	if err != nil {
		b.failed.Add(1)
		b.metrics.RecordBatch(metrics.BatchFailed, len(items))
		kind := "engine"
		if errors.IsCategory(err, errors.CategoryTimeout) {
			kind = "timeout"
		}
		if !errors.IsCategory(err, errors.CategoryCancellation) {
			b.metrics.RecordInferenceFault(kind)
			b.log.Warn("segmentation batch failed",
				logger.Int("batch_size", len(items)),
				logger.String("kind", kind),
				logger.Error(err))
		}
		return
	}

	for i, it := range batch {
		res, ok := matchResult(results, i, it.StreamID)
		switch {
		case !ok:
			b.itemFault(it.StreamID, "missing", errors.Newf("engine returned no result for stream %s", it.StreamID).
				Component("segmentation").
				Category(errors.CategoryInference).
				StreamContext(it.StreamID).
				Build())
		case res.Err != nil:
			b.itemFault(it.StreamID, "item", res.Err)
		case res.Mask == nil:
			// nothing to apply
		default:
			if err := it.buffer.RepublishMask(it.Frame.Sequence, res.Mask); err != nil {
				b.itemFault(it.StreamID, "apply", err)
				continue
			}
			b.masksApplied.Add(1)
			if b.onMask != nil {
				b.onMask(MaskUpdate{
					StreamID:  it.StreamID,
					Sequence:  it.Frame.Sequence,
					Timestamp: it.Frame.Timestamp,
					Mask:      res.Mask,
				})
			}
		}
	}
}

func matchResult(results []Result, i int, streamID string) (Result, bool) {
	if i < len(results) && results[i].StreamID == streamID {
		return results[i], true
	}
	for _, r := range results {
		if r.StreamID == streamID {
			return r, true
		}
	}
	return Result{}, false
}

func (b *Batcher) itemFault(streamID, kind string, err error) {
	b.itemFaults.Add(1)
	b.metrics.RecordInferenceFault(kind)
	b.log.Debug("segmentation item fault, mask left stale",
		logger.String("stream_id", streamID),
		logger.String("kind", kind),
		logger.Error(err))
}

// InFlight reports whether a batch is outstanding.
func (b *Batcher) InFlight() bool {
	return b.inflight.Load()
}

// Wait blocks until the batch in flight, if any, has completed and the engine
// has returned from it.
func (b *Batcher) Wait() {
	b.settling.Wait()
}

// WaitIdle blocks until the engine has returned from every submitted call
// and the in-flight slot is free, or until ctx is done.
func (b *Batcher) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.settling.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New(ctx.Err()).
			Component("segmentation").
			Category(errors.CategoryTimeout).
			Context("operation", "wait_engine_idle").
			Build()
	}
}

// BreakerState returns the engine breaker state.
func (b *Batcher) BreakerState() string {
	return b.engine.BreakerState()
}

// Stats returns a snapshot of the tick counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Ticks:        b.ticks.Load(),
		Submitted:    b.submitted.Load(),
		Skipped:      b.skipped.Load(),
		Empty:        b.empty.Load(),
		BreakerOpen:  b.breakerOpen.Load(),
		Failed:       b.failed.Load(),
		ItemFaults:   b.itemFaults.Load(),
		MasksApplied: b.masksApplied.Load(),
		InFlight:     b.inflight.Load(),
	}
}
