package events

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
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConsumer implements EventConsumer for testing
type mockConsumer struct {
	name           string
	kinds          []Kind
	processedCount atomic.Int32
	errorOnProcess bool
	panicOnProcess bool
	processDelay   time.Duration
	mu             sync.Mutex
	events         []Event
}

func (m *mockConsumer) Name() string { return m.name }

func (m *mockConsumer) Accepts(kind Kind) bool {
	if len(m.kinds) == 0 {
		return true
	}
	for _, k := range m.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (m *mockConsumer) ProcessEvent(event Event) error {
	if m.processDelay > 0 {
		time.Sleep(m.processDelay)
	}
	if m.panicOnProcess {
		panic("boom")
	}

	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	m.processedCount.Add(1)

	if m.errorOnProcess {
		return fmt.Errorf("mock error")
	}
	return nil
}

func (m *mockConsumer) GetEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func personEvent(stream string) *PersonDetectedEvent {
	return &PersonDetectedEvent{
		StreamID:    stream,
		BoundingBox: BoundingBox{X: 2, Y: 2, Width: 4, Height: 4},
		MaskSum:     16,
		Timestamp:   time.Now(),
	}
}

func TestEventBusDelivers(t *testing.T) {
	t.Parallel()

	eb := NewBus(&Config{BufferSize: 16, Workers: 1})
	consumer := &mockConsumer{name: "test"}
	require.NoError(t, eb.Subscribe(consumer))

	for i := 0; i < 5; i++ {
		assert.True(t, eb.TryPublish(personEvent(fmt.Sprintf("cam-%d", i))))
	}
	require.NoError(t, eb.Shutdown(time.Second))

	events := consumer.GetEvents()
	require.Len(t, events, 5)
	assert.Equal(t, "cam-0", events[0].GetStreamID())

	stats := eb.GetStats()
	assert.Equal(t, uint64(5), stats.EventsReceived)
	assert.Equal(t, uint64(5), stats.EventsProcessed)
}

func TestEventBusDuplicateConsumer(t *testing.T) {
	t.Parallel()

	eb := NewBus(nil)
	defer func() { _ = eb.Shutdown(time.Second) }()

	require.NoError(t, eb.Subscribe(&mockConsumer{name: "mqtt"}))
	require.Error(t, eb.Subscribe(&mockConsumer{name: "mqtt"}))
}

func TestEventBusFiltersByKind(t *testing.T) {
	t.Parallel()

	eb := NewBus(&Config{BufferSize: 16, Workers: 1})
	recordingOnly := &mockConsumer{name: "recording", kinds: []Kind{KindRecording}}
	all := &mockConsumer{name: "all"}
	require.NoError(t, eb.Subscribe(recordingOnly))
	require.NoError(t, eb.Subscribe(all))

	eb.TryPublish(personEvent("cam-a"))
	eb.TryPublish(&RecordingEvent{SessionID: 3, Action: "started", Timestamp: time.Now()})
	require.NoError(t, eb.Shutdown(time.Second))

	require.Len(t, recordingOnly.GetEvents(), 1)
	assert.Equal(t, KindRecording, recordingOnly.GetEvents()[0].GetKind())
	assert.Len(t, all.GetEvents(), 2)
}

func TestEventBusDropsWhenFull(t *testing.T) {
	t.Parallel()

	eb := NewBus(&Config{BufferSize: 2, Workers: 1})
	slow := &mockConsumer{name: "slow", processDelay: 50 * time.Millisecond}
	require.NoError(t, eb.Subscribe(slow))

	accepted := 0
	for i := 0; i < 20; i++ {
		if eb.TryPublish(personEvent("cam-a")) {
			accepted++
		}
	}
	require.NoError(t, eb.Shutdown(5*time.Second))

	stats := eb.GetStats()
	assert.Less(t, accepted, 20)
	assert.Equal(t, uint64(20-accepted), stats.EventsDropped)
	assert.Equal(t, int32(accepted), slow.processedCount.Load())
}

func TestEventBusConsumerFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	eb := NewBus(&Config{BufferSize: 16, Workers: 1})
	panicky := &mockConsumer{name: "panicky", panicOnProcess: true}
	failing := &mockConsumer{name: "failing", errorOnProcess: true}
	healthy := &mockConsumer{name: "healthy"}
	require.NoError(t, eb.Subscribe(panicky))
	require.NoError(t, eb.Subscribe(failing))
	require.NoError(t, eb.Subscribe(healthy))

	eb.TryPublish(personEvent("cam-a"))
	require.NoError(t, eb.Shutdown(time.Second))

	assert.Len(t, healthy.GetEvents(), 1)
	assert.Equal(t, uint64(2), eb.GetStats().ConsumerErrors)
}

func TestPublishAfterShutdown(t *testing.T) {
	t.Parallel()

	eb := NewBus(nil)
	require.NoError(t, eb.Shutdown(time.Second))
	require.NoError(t, eb.Shutdown(time.Second))

	assert.False(t, eb.TryPublish(personEvent("cam-a")))
	assert.Error(t, eb.Publish(context.Background(), personEvent("cam-a")))
}

func TestPublishHonoursContext(t *testing.T) {
	t.Parallel()

	eb := NewBus(&Config{BufferSize: 1, Workers: 1})
	block := make(chan struct{})
	require.NoError(t, eb.Subscribe(&blockingConsumer{release: block}))

	// one event held by the worker, one in the buffer
	require.NoError(t, eb.Publish(context.Background(), personEvent("cam-a")))
	require.Eventually(t, func() bool { return len(eb.eventChan) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, eb.Publish(context.Background(), personEvent("cam-a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := eb.Publish(ctx, personEvent("cam-a"))
	require.Error(t, err)

	close(block)
	require.NoError(t, eb.Shutdown(time.Second))
}

type blockingConsumer struct {
	release chan struct{}
}

func (b *blockingConsumer) Name() string      { return "blocking" }
func (b *blockingConsumer) Accepts(Kind) bool { return true }
func (b *blockingConsumer) ProcessEvent(Event) error {
	<-b.release
	return nil
}

func TestPersonDetectedEventMessage(t *testing.T) {
	t.Parallel()

	ev := personEvent("porch")
	assert.Equal(t, KindPersonDetected, ev.GetKind())
	assert.Equal(t, "person detected on porch at 4x4+2+2 (mask sum 16.0)", ev.GetMessage())
	assert.Equal(t, 16.0, ev.GetContext()["mask_sum"])
}
