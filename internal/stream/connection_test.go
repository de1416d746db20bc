package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/lightfield/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedSource fails the first failOpens opens, then serves sessions that
// deliver unitsPerSession units before failing.
type scriptedSource struct {
	mu              sync.Mutex
	failOpens       int
	unitsPerSession int
	opens           int
	alwaysFail      bool
}

func (s *scriptedSource) Open(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.alwaysFail || s.opens <= s.failOpens {
		return nil, errors.NewStd("connection refused")
	}
	return &scriptedSession{remaining: s.unitsPerSession}, nil
}

func (s *scriptedSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type scriptedSession struct {
	remaining int
	closed    atomic.Bool
}

func (s *scriptedSession) ReadAccessUnit(ctx context.Context) (AccessUnit, error) {
	if s.remaining < 0 {
		<-ctx.Done()
		return AccessUnit{}, ctx.Err()
	}
	if s.remaining == 0 {
		return AccessUnit{}, errors.NewStd("connection reset")
	}
	s.remaining--
	return AccessUnit{NALUs: [][]byte{{0x65}}, Keyframe: true}, nil
}

func (s *scriptedSession) Close() error {
	s.closed.Store(true)
	return nil
}

func fastConfig(id string, budget int) Config {
	return Config{ID: id, RetryBudget: budget, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{alwaysFail: true}
	var fatals atomic.Int32
	conn := NewConnection(src, fastConfig("cam-b", 3), nil, func(err error) {
		fatals.Add(1)
		assert.True(t, errors.IsCategory(err, errors.CategoryStreamFatal))
	})

	err := conn.Run(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryStreamFatal))
	var ee *errors.EnhancedError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, errors.PriorityCritical, ee.Priority)
	assert.Equal(t, int32(1), fatals.Load())
	assert.Equal(t, 3, src.Opens(), "no attempts after the budget is spent")
	assert.Equal(t, StatusClosed, conn.Status())

	// a closed connection never runs again nor emits another fault
	require.NoError(t, conn.Run(t.Context()))
	conn.Stop()
	assert.Equal(t, int32(1), fatals.Load())
}

func TestDeliveredUnitResetsFailureCount(t *testing.T) {
	t.Parallel()

	// each session delivers one unit then drops; with budget 2 this never dies
	src := &scriptedSource{unitsPerSession: 1}
	var received atomic.Int32
	var conn *Connection
	conn = NewConnection(src, fastConfig("cam-a", 2), func(au AccessUnit) {
		if received.Add(1) == 10 {
			conn.Stop()
		}
	}, func(error) { t.Error("unexpected fatal fault") })

	require.NoError(t, conn.Run(t.Context()))
	assert.Equal(t, int32(10), received.Load())
	assert.Equal(t, StatusClosed, conn.Status())
}

func TestSequencesIncreaseAcrossReconnects(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{unitsPerSession: 2}
	var seqs []uint64
	var conn *Connection
	conn = NewConnection(src, fastConfig("cam-a", 5), func(au AccessUnit) {
		seqs = append(seqs, au.Sequence)
		assert.False(t, au.Received.IsZero())
		if len(seqs) == 6 {
			conn.Stop()
		}
	}, nil)

	require.NoError(t, conn.Run(t.Context()))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs)
}

func TestStatusTransitionsAndHealth(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{failOpens: 1, unitsPerSession: 1}
	var conn *Connection
	conn = NewConnection(src, fastConfig("cam-c", 5), func(AccessUnit) { conn.Stop() }, nil)
	assert.Equal(t, StatusConnecting, conn.Status())

	require.NoError(t, conn.Run(t.Context()))

	h := conn.Health()
	assert.Equal(t, StatusClosed, h.Status)
	assert.Equal(t, uint64(1), h.AccessUnits)
	assert.Equal(t, 1, h.TotalReconnects)
	assert.False(t, h.LastReceived.IsZero())

	var path []Status
	for _, tr := range h.Transitions {
		path = append(path, tr.To)
	}
	assert.Equal(t, []Status{StatusReconnecting, StatusStreaming, StatusClosed}, path)
}

func TestStopBeforeRun(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	conn := NewConnection(src, fastConfig("cam-d", 3), nil, nil)
	conn.Stop()
	conn.Stop()
	require.NoError(t, conn.Run(t.Context()))
	assert.Zero(t, src.Opens())
	assert.Equal(t, StatusClosed, conn.Status())
}

func TestContextCancelDuringStreaming(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{unitsPerSession: -1}
	conn := NewConnection(src, fastConfig("cam-e", 3), nil, func(error) { t.Error("unexpected fatal fault") })

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	require.Eventually(t, func() bool { return conn.Status() == StatusStreaming }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StatusClosed, conn.Status())
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	conn := NewConnection(&scriptedSource{}, Config{ID: "x", BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}, nil, nil)
	for n, want := range map[int]time.Duration{
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		3:  400 * time.Millisecond,
		5:  time.Second,
		40: time.Second,
	} {
		got := conn.backoff(n)
		assert.GreaterOrEqual(t, got, want, "attempt %d", n)
		assert.LessOrEqual(t, got, want+want/5, "attempt %d", n)
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	assert.True(t, isValidTransition(StatusConnecting, StatusStreaming))
	assert.True(t, isValidTransition(StatusStreaming, StatusReconnecting))
	assert.True(t, isValidTransition(StatusReconnecting, StatusClosed))
	assert.False(t, isValidTransition(StatusClosed, StatusStreaming))
	assert.False(t, isValidTransition(StatusStreaming, StatusConnecting))
}
