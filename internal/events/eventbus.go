package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/logger"
)

// EventBus provides asynchronous event processing with non-blocking guarantees
type EventBus struct {
	eventChan chan Event
	workers   int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	mu      sync.Mutex

	consumers []EventConsumer

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64

	log logger.Logger
}

// Config holds event bus configuration
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 1024,
		Workers:    2,
	}
}

// NewBus creates a bus and starts its workers.
func NewBus(config *Config) *EventBus {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		eventChan: make(chan Event, config.BufferSize),
		workers:   config.Workers,
		ctx:       ctx,
		cancel:    cancel,
		log:       GetLogger(),
	}
	eb.running.Store(true)
	for i := 0; i < eb.workers; i++ {
		eb.wg.Add(1)
		go eb.worker(i)
	}

	eb.log.Info("event bus initialized",
		logger.Int("buffer_size", config.BufferSize),
		logger.Int("workers", config.Workers))
	return eb
}

// Subscribe adds a consumer. Names must be unique.
func (eb *EventBus) Subscribe(consumer EventConsumer) error {
	if eb == nil {
		return errors.Newf("event bus not initialized").
			Component("events").
			Category(errors.CategoryState).
			Build()
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, existing := range eb.consumers {
		if existing.Name() == consumer.Name() {
			return errors.Newf("consumer %s already registered", consumer.Name()).
				Component("events").
				Category(errors.CategoryConflict).
				Build()
		}
	}
	eb.consumers = append(eb.consumers, consumer)
	eb.log.Info("registered event consumer", logger.String("consumer", consumer.Name()))
	return nil
}

// TryPublish attempts to publish an event without blocking.
// Returns true if the event was accepted, false if dropped.
func (eb *EventBus) TryPublish(event Event) bool {
	if eb == nil || !eb.running.Load() {
		return false
	}

	select {
	case eb.eventChan <- event:
		eb.received.Add(1)
		return true
	default:
		eb.dropped.Add(1)
		eb.log.Debug("event dropped due to full buffer",
			logger.String("kind", string(event.GetKind())),
			logger.String("stream_id", event.GetStreamID()))
		return false
	}
}

// Publish waits for buffer space until ctx is done.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if eb == nil || !eb.running.Load() {
		return errors.Newf("event bus not running").
			Component("events").
			Category(errors.CategoryState).
			Build()
	}
	select {
	case eb.eventChan <- event:
		eb.received.Add(1)
		return nil
	case <-ctx.Done():
		eb.dropped.Add(1)
		return errors.New(ctx.Err()).
			Component("events").
			Category(errors.CategoryCancellation).
			Build()
	case <-eb.ctx.Done():
		eb.dropped.Add(1)
		return errors.Newf("event bus shut down").
			Component("events").
			Category(errors.CategoryState).
			Build()
	}
}

// worker processes events from the channel
func (eb *EventBus) worker(id int) {
	defer eb.wg.Done()

	log := eb.log.With(logger.Int("worker_id", id))
	for {
		select {
		case <-eb.ctx.Done():
			// deliver what was accepted before shutdown
			for {
				select {
				case event := <-eb.eventChan:
					eb.processEvent(event, log)
				default:
					return
				}
			}
		case event := <-eb.eventChan:
			eb.processEvent(event, log)
		}
	}
}

// processEvent sends the event to all interested consumers
func (eb *EventBus) processEvent(event Event, log logger.Logger) {
	eb.mu.Lock()
	consumers := make([]EventConsumer, len(eb.consumers))
	copy(consumers, eb.consumers)
	eb.mu.Unlock()

	for _, consumer := range consumers {
		if !consumer.Accepts(event.GetKind()) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.failures.Add(1)
					log.Error("consumer panicked",
						logger.String("consumer", consumer.Name()),
						logger.String("panic", fmt.Sprint(r)),
						logger.String("kind", string(event.GetKind())))
				}
			}()

			if err := consumer.ProcessEvent(event); err != nil {
				eb.failures.Add(1)
				log.Error("consumer error",
					logger.String("consumer", consumer.Name()),
					logger.String("kind", string(event.GetKind())),
					logger.Error(err))
				return
			}
			eb.processed.Add(1)
		}()
	}
}

// Shutdown stops accepting events, delivers the buffered ones and waits for
// the workers up to timeout.
func (eb *EventBus) Shutdown(timeout time.Duration) error {
	if eb == nil || !eb.running.Swap(false) {
		return nil
	}
	eb.log.Info("shutting down event bus", logger.Duration("timeout", timeout))
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.log.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		eb.log.Warn("event bus shutdown timeout exceeded")
		return errors.Newf("event bus shutdown timeout exceeded").
			Component("events").
			Category(errors.CategoryTimeout).
			Build()
	}
}

// GetStats returns current event bus statistics
func (eb *EventBus) GetStats() EventBusStats {
	if eb == nil {
		return EventBusStats{}
	}
	return EventBusStats{
		EventsReceived:  eb.received.Load(),
		EventsProcessed: eb.processed.Load(),
		EventsDropped:   eb.dropped.Load(),
		ConsumerErrors:  eb.failures.Load(),
	}
}
