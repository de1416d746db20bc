// Package notification alerts operators when a stream is closed after
// exhausting its retry budget.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/events"
	"github.com/tphakala/lightfield/internal/logger"
)

const (
	DefaultCooldown = 15 * time.Minute
	DefaultTimeout  = 10 * time.Second
)

// Config configures a Notifier.
type Config struct {
	// Cooldown is the minimum time between two alerts for the same stream.
	Cooldown time.Duration
	Timeout  time.Duration
}

// fatalFault is implemented by stream fault events.
type fatalFault interface {
	Fatal() bool
}

// Notifier sends an alert for every fatal stream fault. It implements
// events.EventConsumer.
type Notifier struct {
	providers []Provider
	cooldown  *cache.Cache
	window    time.Duration
	timeout   time.Duration
	log       logger.Logger
}

// NewNotifier creates a notifier delivering through providers.
func NewNotifier(cfg Config, providers ...Provider) *Notifier {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Notifier{
		providers: providers,
		// no janitor; expired entries are replaced by Add
		cooldown: cache.New(cfg.Cooldown, 0),
		window:   cfg.Cooldown,
		timeout:  cfg.Timeout,
		log:      GetLogger(),
	}
}

// Consume subscribes the notifier to bus.
func (n *Notifier) Consume(bus *events.EventBus) error {
	return bus.Subscribe(n)
}

// Name implements events.EventConsumer.
func (n *Notifier) Name() string { return "notification" }

// Accepts implements events.EventConsumer.
func (n *Notifier) Accepts(kind events.Kind) bool { return kind == events.KindStreamFault }

// ProcessEvent alerts on fatal faults outside the stream's cooldown window.
func (n *Notifier) ProcessEvent(ev events.Event) error {
	f, ok := ev.(fatalFault)
	if !ok || !f.Fatal() {
		return nil
	}
	if err := n.cooldown.Add(ev.GetStreamID(), ev.GetTimestamp(), cache.DefaultExpiration); err != nil {
		n.log.Debug("fatal fault alert suppressed by cooldown",
			logger.String("stream_id", ev.GetStreamID()),
			logger.Duration("cooldown", n.window))
		return nil
	}

	title := fmt.Sprintf("Stream %s closed", ev.GetStreamID())
	message := fmt.Sprintf("%s\n\nTime: %s", ev.GetMessage(), ev.GetTimestamp().Format(time.RFC3339))

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	var errs []error
	for _, p := range n.providers {
		if err := p.Send(ctx, title, message); err != nil {
			n.log.Warn("notification delivery failed",
				logger.String("provider", p.Name()),
				logger.String("stream_id", ev.GetStreamID()),
				logger.Error(err))
			errs = append(errs, err)
			continue
		}
		n.log.Info("fatal stream fault notification sent",
			logger.String("provider", p.Name()),
			logger.String("stream_id", ev.GetStreamID()))
	}
	return errors.Join(errs...)
}
