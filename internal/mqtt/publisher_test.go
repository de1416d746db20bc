package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/lightfield/internal/events"
)

type message struct {
	topic   string
	payload []byte
}

type mockClient struct {
	mu        sync.Mutex
	connected bool
	published []message
}

func (m *mockClient) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *mockClient) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, message{topic: topic, payload: payload})
	return nil
}

func (m *mockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *mockClient) messages() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message(nil), m.published...)
}

func TestPublisherTopics(t *testing.T) {
	t.Parallel()

	p := NewPublisher(&mockClient{}, Config{Topic: "site/cams/"})

	det := &events.PersonDetectedEvent{StreamID: "front/door", Timestamp: time.Now()}
	assert.Equal(t, "site/cams/person_detected/front_door", p.Topic(det))

	rec := &events.RecordingEvent{SessionID: 3, Action: "started"}
	assert.Equal(t, "site/cams/recording", p.Topic(rec))

	assert.Equal(t, "lightfield/recording", NewPublisher(&mockClient{}, Config{}).Topic(rec))
}

func TestPublisherPayload(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	p := NewPublisher(client, Config{Topic: "lf"})
	require.NoError(t, p.Connect(context.Background()))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.ProcessEvent(&events.PersonDetectedEvent{
		StreamID:    "cam-a",
		Sequence:    42,
		BoundingBox: events.BoundingBox{X: 1, Y: 2, Width: 3, Height: 4},
		MaskSum:     9.5,
		Timestamp:   ts,
	}))

	msgs := client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lf/person_detected/cam-a", msgs[0].topic)

	var got EventMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "person_detected", got.Kind)
	assert.Equal(t, "cam-a", got.StreamID)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.NotEmpty(t, got.Message)
	assert.Contains(t, got.Context, "mask_sum")
}

func TestPublisherDropsWhileDisconnected(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	p := NewPublisher(client, Config{})
	require.NoError(t, p.ProcessEvent(&events.RecordingEvent{Action: "stopped"}))
	assert.Empty(t, client.messages())
}

func TestPublisherConsume(t *testing.T) {
	t.Parallel()

	client := &mockClient{connected: true}
	p := NewPublisher(client, Config{})
	assert.Error(t, p.Consume(nil))

	bus := events.NewBus(events.DefaultConfig())
	defer func() { _ = bus.Shutdown(time.Second) }()
	require.NoError(t, p.Consume(bus))

	require.True(t, bus.TryPublish(&events.RecordingEvent{SessionID: 1, Action: "started", Timestamp: time.Now()}))
	require.Eventually(t, func() bool { return len(client.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "lightfield/recording", client.messages()[0].topic)
}
