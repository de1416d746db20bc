// Package segmentation batches the latest frame of every active stream into
// a single inference call and writes the returned masks back into each
// stream's frame buffer.
package segmentation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/logger"
)

// Item is one stream's frame in a batch.
type Item struct {
	StreamID string
	Frame    framebuffer.Frame
}

// Result is the engine's answer for one item: a mask or an error.
type Result struct {
	StreamID string
	Mask     *framebuffer.Mask
	Err      error
}

// Engine runs segmentation over a batch. Results are ordered like items.
// An error return means the whole batch failed.
type Engine interface {
	SubmitBatch(ctx context.Context, items []Item) ([]Result, error)
}

// SafeEngineConfig configures NewSafeEngine.
type SafeEngineConfig struct {
	Timeout       time.Duration
	BreakerConfig *CircuitBreakerConfig
}

// DefaultTimeout bounds a single engine call.
const DefaultTimeout = 2 * time.Second

type submitResult struct {
	results []Result
	err     error
}

// SafeEngine wraps an Engine with a per-call timeout, panic recovery and a
// circuit breaker. A call that outlives its timeout is reported as failed and
// its late results are discarded, but the wrapped engine is not called again
// until that call has returned.
type SafeEngine struct {
	engine  Engine
	timeout time.Duration
	breaker *CircuitBreaker
	log     logger.Logger

	callMu sync.Mutex
	idle   chan struct{} // closed while no wrapped call is running

	calls    atomic.Int64
	timeouts atomic.Int64
	failures atomic.Int64
	avgMicro atomic.Int64
}

// NewSafeEngine wraps engine. Zero config values take defaults.
func NewSafeEngine(engine Engine, cfg SafeEngineConfig) *SafeEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cb := cfg.BreakerConfig
	if cb == nil {
		cb = &CircuitBreakerConfig{}
	}
	idle := make(chan struct{})
	close(idle)
	return &SafeEngine{
		engine:  engine,
		timeout: cfg.Timeout,
		breaker: NewCircuitBreaker(cb),
		log:     GetLogger().With(logger.String("component", "safe_engine")),
		idle:    idle,
	}
}

// Idle returns a channel that is closed once no wrapped call is running,
// including a call abandoned after its timeout.
func (e *SafeEngine) Idle() <-chan struct{} {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	return e.idle
}

// begin claims the wrapped engine and returns the channel to close when the
// call returns. It fails while an earlier call is still running.
func (e *SafeEngine) begin() (chan struct{}, bool) {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	select {
	case <-e.idle:
	default:
		return nil, false
	}
	e.idle = make(chan struct{})
	return e.idle, true
}

// Allow reports whether the breaker admits a call. Callers consult it once
// before each SubmitBatch.
func (e *SafeEngine) Allow() bool {
	return e.breaker.CanExecute()
}

// BreakerState returns "closed", "open" or "half-open".
func (e *SafeEngine) BreakerState() string {
	return e.breaker.GetState()
}

// SubmitBatch runs the wrapped engine under the timeout. It is rejected with
// an inference error while an abandoned call is still outstanding.
func (e *SafeEngine) SubmitBatch(ctx context.Context, items []Item) ([]Result, error) {
	idle, ok := e.begin()
	if !ok {
		return nil, errors.Newf("engine call still outstanding").
			Component("segmentation").
			Category(errors.CategoryInference).
			Context("batch_size", len(items)).
			Build()
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// buffered so an abandoned call can still complete and exit
	done := make(chan submitResult, 1)
	start := time.Now()

	go func() {
		defer close(idle)
		defer func() {
			if r := recover(); r != nil {
				done <- submitResult{err: errors.Newf("engine panic: %v", r).
					Component("segmentation").
					Category(errors.CategoryInference).
					Context("panic", fmt.Sprint(r)).
					Build()}
			}
		}()
		results, err := e.engine.SubmitBatch(callCtx, items)
		done <- submitResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		e.observe(time.Since(start))
		if res.err != nil {
			e.failures.Add(1)
			e.breaker.RecordFailure()
			if !errors.IsCategory(res.err, errors.CategoryInference) {
				res.err = errors.New(res.err).
					Component("segmentation").
					Category(errors.CategoryInference).
					Context("batch_size", len(items)).
					Build()
			}
			return nil, res.err
		}
		e.breaker.RecordSuccess()
		return res.results, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, errors.New(ctx.Err()).
				Component("segmentation").
				Category(errors.CategoryCancellation).
				Build()
		}
		e.timeouts.Add(1)
		e.breaker.RecordFailure()
		e.log.Error("inference timeout",
			logger.Duration("timeout", e.timeout),
			logger.Int("batch_size", len(items)))
		return nil, errors.New(callCtx.Err()).
			Component("segmentation").
			Category(errors.CategoryTimeout).
			Timing("submit_batch", e.timeout).
			Context("batch_size", len(items)).
			Build()
	}
}

func (e *SafeEngine) observe(d time.Duration) {
	e.calls.Add(1)
	us := d.Microseconds()
	old := e.avgMicro.Load()
	if old == 0 {
		e.avgMicro.Store(us)
	} else {
		e.avgMicro.Store((old*9 + us) / 10)
	}
}

// Metrics returns call counters and the moving average latency.
func (e *SafeEngine) Metrics() map[string]any {
	return map[string]any{
		"calls":           e.calls.Load(),
		"timeouts":        e.timeouts.Load(),
		"failures":        e.failures.Load(),
		"avg_latency_us":  e.avgMicro.Load(),
		"circuit_breaker": e.breaker.GetState(),
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures      int
	ResetTimeout     time.Duration
	HalfOpenRequests int
}

// CircuitBreaker opens after MaxFailures consecutive failures and admits
// HalfOpenRequests probes once ResetTimeout has passed.
type CircuitBreaker struct {
	maxFailures      int
	resetTimeout     time.Duration
	halfOpenRequests int
	now              func() time.Time

	mu               sync.Mutex
	state            string // "closed", "open", "half-open"
	failures         int
	lastFailTime     time.Time
	halfOpenAttempts int
}

// NewCircuitBreaker creates a closed breaker. Zero fields default to 5
// failures, a 30s reset and one half-open probe.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:      config.MaxFailures,
		resetTimeout:     config.ResetTimeout,
		halfOpenRequests: config.HalfOpenRequests,
		now:              time.Now,
		state:            "closed",
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.halfOpenRequests <= 0 {
		cb.halfOpenRequests = 1
	}
	return cb
}

// CanExecute checks if a request can be executed
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "closed":
		return true
	case "open":
		if cb.now().Sub(cb.lastFailTime) >= cb.resetTimeout {
			cb.state = "half-open"
			cb.halfOpenAttempts = 1
			return true
		}
		return false
	case "half-open":
		if cb.halfOpenAttempts < cb.halfOpenRequests {
			cb.halfOpenAttempts++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful execution
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "closed"
	cb.failures = 0
	cb.halfOpenAttempts = 0
}

// RecordFailure records a failed execution
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case "closed":
		if cb.failures >= cb.maxFailures {
			cb.state = "open"
		}
	case "half-open":
		cb.state = "open"
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "closed"
	cb.failures = 0
	cb.halfOpenAttempts = 0
}
