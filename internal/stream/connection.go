package stream

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/observability/metrics"
)

const (
	maxBackoffExponent      = 10
	backoffJitterPercentMax = 20
	maxTransitionHistory    = 20

	DefaultRetryBudget = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Config holds per-connection retry settings.
type Config struct {
	ID          string
	RetryBudget int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Metrics     *metrics.PipelineMetrics
	// OnFault is called for every transport fault, fatal or not.
	OnFault func(err error, attempt int)
}

// Handler receives every access unit read from the source.
type Handler func(AccessUnit)

// FatalHandler is called once when the retry budget is exhausted.
type FatalHandler func(err error)

// Connection owns the network session of one stream and reconnects with
// exponential backoff until the retry budget is spent.
type Connection struct {
	id      string
	source  Source
	cfg     Config
	handler Handler
	onFatal FatalHandler
	log     logger.Logger

	statusMu    sync.RWMutex
	status      Status
	transitions []Transition

	failures   atomic.Int32
	reconnects atomic.Int32
	units      atomic.Uint64
	lastRecv   atomic.Int64
	seq        atomic.Uint64

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	stopOnce sync.Once
}

// NewConnection creates a connection in the Connecting state. Run must be
// called to start reading.
func NewConnection(src Source, cfg Config, handler Handler, onFatal FatalHandler) *Connection {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffBase)
	}
	if handler == nil {
		handler = func(AccessUnit) {}
	}
	c := &Connection{
		id:      cfg.ID,
		source:  src,
		cfg:     cfg,
		handler: handler,
		onFatal: onFatal,
		log:     GetLogger().With(logger.String("stream_id", cfg.ID)),
		status:  StatusConnecting,
	}
	cfg.Metrics.SetStreamStatus(cfg.ID, StatusConnecting.String(), AllStatuses())
	return c
}

// Run reads from the source until Stop is called, ctx is cancelled or the
// retry budget is exhausted. It returns the fatal fault in the last case and
// nil otherwise.
func (c *Connection) Run(ctx context.Context) error {
	c.cancelMu.Lock()
	if c.stopped {
		c.cancelMu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer cancel()

	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.transition(StatusClosed, "stopped")
			return nil
		}

		n := int(c.failures.Add(1))
		fault := errors.New(err).
			Component("stream").
			Category(errors.CategoryRTSP).
			StreamContext(c.id).
			Context("attempt", n).
			Context("retry_budget", c.cfg.RetryBudget).
			Build()

		c.log.Warn("transport fault",
			logger.Error(fault),
			logger.Int("attempt", n),
			logger.Int("retry_budget", c.cfg.RetryBudget))
		if c.cfg.OnFault != nil {
			c.cfg.OnFault(fault, n)
		}

		if n >= c.cfg.RetryBudget {
			c.transition(StatusClosed, "retry budget exhausted")
			fatal := errors.New(fault).
				Component("stream").
				Category(errors.CategoryStreamFatal).
				Priority(errors.PriorityCritical).
				StreamContext(c.id).
				Context("attempts", n).
				Build()
			c.log.Error("stream closed after exhausting retry budget", logger.Int("attempts", n))
			if c.onFatal != nil {
				c.onFatal(fatal)
			}
			return fatal
		}

		c.transition(StatusReconnecting, fault.Error())
		c.reconnects.Add(1)
		c.cfg.Metrics.RecordReconnect(c.id)

		wait := c.backoff(n)
		c.log.Info("waiting before reconnect attempt",
			logger.Duration("wait", wait),
			logger.Int("attempt", n))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.transition(StatusClosed, "stopped")
			return nil
		}
	}
}

// runSession opens one transport session and pumps it until it fails.
func (c *Connection) runSession(ctx context.Context) error {
	sess, err := c.source.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			c.log.Debug("error closing session", logger.Error(cerr))
		}
	}()

	c.transition(StatusStreaming, "session opened")

	for {
		au, err := sess.ReadAccessUnit(ctx)
		if err != nil {
			return err
		}
		au.Sequence = c.seq.Add(1)
		if au.Received.IsZero() {
			au.Received = time.Now()
		}
		c.failures.Store(0)
		c.units.Add(1)
		c.lastRecv.Store(au.Received.UnixNano())
		c.handler(au)
	}
}

// backoff returns base << min(n-1, maxExp) capped at max, plus up to 20% jitter.
func (c *Connection) backoff(n int) time.Duration {
	exponent := min(n-1, maxBackoffExponent)
	backoff := min(c.cfg.BackoffBase*time.Duration(1<<uint(exponent)), c.cfg.BackoffMax)

	jitterRange := backoff * backoffJitterPercentMax / 100
	if jitterRange > 0 {
		backoff += time.Duration(rand.Int64N(int64(jitterRange)))
	}
	return backoff
}

// Stop cancels the run loop and closes the connection without reporting a
// fatal fault. It is idempotent.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.cancelMu.Lock()
		c.stopped = true
		cancel := c.cancel
		c.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.transition(StatusClosed, "Stop() called")
	})
}

func (c *Connection) transition(to Status, reason string) {
	c.statusMu.Lock()
	from := c.status
	if from == to {
		c.statusMu.Unlock()
		return
	}
	if !isValidTransition(from, to) {
		c.statusMu.Unlock()
		c.log.Debug("blocked invalid status transition",
			logger.String("from", from.String()),
			logger.String("to", to.String()),
			logger.String("reason", reason))
		return
	}
	c.status = to
	c.transitions = append(c.transitions, Transition{From: from, To: to, Timestamp: time.Now(), Reason: reason})
	if len(c.transitions) > maxTransitionHistory {
		c.transitions = c.transitions[len(c.transitions)-maxTransitionHistory:]
	}
	c.statusMu.Unlock()

	c.cfg.Metrics.SetStreamStatus(c.id, to.String(), AllStatuses())
	c.log.Info("status transition",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
		logger.String("reason", reason))
}

// ID returns the stream identifier.
func (c *Connection) ID() string { return c.id }

// Status returns the current status.
func (c *Connection) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Retries returns the number of consecutive transport faults.
func (c *Connection) Retries() int {
	return int(c.failures.Load())
}

// Health returns a snapshot including the last status transitions.
func (c *Connection) Health() Health {
	c.statusMu.RLock()
	h := Health{
		Status:      c.status,
		Transitions: append([]Transition(nil), c.transitions...),
	}
	c.statusMu.RUnlock()

	h.Retries = c.Retries()
	h.TotalReconnects = int(c.reconnects.Load())
	h.AccessUnits = c.units.Load()
	if ns := c.lastRecv.Load(); ns != 0 {
		h.LastReceived = time.Unix(0, ns)
	}
	return h
}
