package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/events"
	"github.com/tphakala/lightfield/internal/logger"
)

// EventMessage is the JSON body of every published message.
type EventMessage struct {
	Kind      string         `json:"kind"`
	StreamID  string         `json:"stream_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Publisher forwards bus events to MQTT. It implements events.EventConsumer.
type Publisher struct {
	client  Client
	topic   string
	timeout time.Duration
	log     logger.Logger
	warn    *rate.Limiter
}

// NewPublisher wraps client. Events are published below cfg.Topic.
func NewPublisher(client Client, cfg Config) *Publisher {
	topic := strings.TrimSuffix(cfg.Topic, "/")
	if topic == "" {
		topic = DefaultConfig().Topic
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().PublishTimeout
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		timeout: timeout,
		log:     GetLogger(),
		warn:    rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Connect connects the underlying client.
func (p *Publisher) Connect(ctx context.Context) error {
	return p.client.Connect(ctx)
}

// Consume subscribes the publisher to bus.
func (p *Publisher) Consume(bus *events.EventBus) error {
	if bus == nil {
		return errors.Newf("event bus is not running").
			Component("mqtt").
			Category(errors.CategoryState).
			Build()
	}
	return bus.Subscribe(p)
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect()
}

// Name implements events.EventConsumer.
func (p *Publisher) Name() string { return "mqtt" }

// Accepts implements events.EventConsumer.
func (p *Publisher) Accepts(events.Kind) bool { return true }

// ProcessEvent publishes one event. Messages are dropped while the client is
// disconnected.
func (p *Publisher) ProcessEvent(ev events.Event) error {
	if !p.client.IsConnected() {
		if p.warn.Allow() {
			p.log.Warn("dropping event while disconnected from broker",
				logger.String("kind", string(ev.GetKind())))
		}
		return nil
	}

	payload, err := json.Marshal(EventMessage{
		Kind:      string(ev.GetKind()),
		StreamID:  ev.GetStreamID(),
		Timestamp: ev.GetTimestamp(),
		Message:   ev.GetMessage(),
		Context:   ev.GetContext(),
	})
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal_event").
			Build()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.client.Publish(ctx, p.Topic(ev), payload)
}

// Topic returns the topic an event is published to.
func (p *Publisher) Topic(ev events.Event) string {
	t := p.topic + "/" + string(ev.GetKind())
	if id := ev.GetStreamID(); id != "" {
		t += "/" + sanitizeTopicLevel(id)
	}
	return t
}

// sanitizeTopicLevel replaces the MQTT separators and wildcards.
func sanitizeTopicLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
