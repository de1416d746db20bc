// Package analysis assembles and runs the realtime ingestion pipeline:
// stream connections, batched segmentation, recording and the event sinks.
package analysis

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/tphakala/lightfield/internal/buildinfo"
	"github.com/tphakala/lightfield/internal/catalog"
	"github.com/tphakala/lightfield/internal/conf"
	"github.com/tphakala/lightfield/internal/decode"
	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/events"
	"github.com/tphakala/lightfield/internal/httpapi"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/manager"
	"github.com/tphakala/lightfield/internal/mqtt"
	"github.com/tphakala/lightfield/internal/notification"
	"github.com/tphakala/lightfield/internal/observability"
	"github.com/tphakala/lightfield/internal/privacy"
	"github.com/tphakala/lightfield/internal/recorder"
	"github.com/tphakala/lightfield/internal/segmentation"
	"github.com/tphakala/lightfield/internal/segmentation/modnet"
	"github.com/tphakala/lightfield/internal/stream"
)

const (
	managerShutdownTimeout = 10 * time.Second
	busShutdownTimeout     = 5 * time.Second
	engineIdleTimeout      = 5 * time.Second
)

// Option overrides a pipeline component, mainly for tests.
type Option func(*Pipeline)

// WithSources replaces the RTSP source factory.
func WithSources(f manager.SourceFactory) Option {
	return func(p *Pipeline) { p.sources = f }
}

// WithDecoders replaces the ffmpeg decoder factory.
func WithDecoders(f manager.DecoderFactory) Option {
	return func(p *Pipeline) { p.decoders = f }
}

// WithEngine replaces the modnet engine.
func WithEngine(e segmentation.Engine) Option {
	return func(p *Pipeline) { p.engine = e }
}

// WithFs sets the filesystem recordings are written to.
func WithFs(fs afero.Fs) Option {
	return func(p *Pipeline) { p.fs = fs }
}

// Pipeline owns every long-lived component of a realtime run.
type Pipeline struct {
	settings *conf.Settings
	log      logger.Logger

	fs       afero.Fs
	sources  manager.SourceFactory
	decoders manager.DecoderFactory
	engine   segmentation.Engine

	metrics   *observability.Metrics
	bus       *events.EventBus
	catalog   *catalog.Catalog
	recorder  *recorder.Recorder
	manager   *manager.StreamManager
	batcher   *segmentation.Batcher
	publisher *mqtt.Publisher
	server    *httpapi.Server

	faultsDone chan struct{}
	engineBusy bool
}

// Realtime builds the pipeline from settings and runs it until ctx is done.
func Realtime(ctx context.Context, settings *conf.Settings) error {
	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, buildinfo.Get().Version); err != nil {
			GetLogger().Warn("sentry disabled", logger.Error(err))
		} else {
			errors.SetPrivacyScrubber(privacy.ScrubMessage)
		}
	}

	p, err := New(settings)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// New wires the pipeline. Nothing is started until Run.
func New(settings *conf.Settings, opts ...Option) (_ *Pipeline, err error) {
	p := &Pipeline{
		settings:   settings,
		log:        GetLogger(),
		faultsDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}

	// release whatever was built when a later step fails
	defer func() {
		if err != nil {
			p.closeResources()
		}
	}()

	if p.metrics, err = observability.NewMetrics(); err != nil {
		return nil, err
	}
	p.bus = events.NewBus(events.DefaultConfig())

	if path := settings.Recording.Catalog; path != "" {
		if p.catalog, err = catalog.Open(path); err != nil {
			return nil, err
		}
	}

	root := settings.Recording.Path
	p.recorder = recorder.New(recorder.Options{
		Fs:        p.fs,
		Root:      root,
		QueueSize: settings.Recording.QueueSize,
		Metrics:   p.metrics.Pipeline,
		OnStop:    p.catalogSession(root),
	})

	if p.sources == nil {
		p.sources = manager.RTSPSources("", settings.Connection.ReadTimeout)
	}
	if p.decoders == nil {
		p.decoders = manager.FFmpegDecoders(decode.FFmpegConfig{
			Path:      settings.Decoder.FFmpegPath,
			QueueSize: settings.Decoder.QueueSize,
		}, p.metrics.Pipeline)
	}

	p.manager, err = manager.New(manager.Options{
		Connection: stream.Config{
			RetryBudget: settings.Connection.RetryBudget,
			BackoffBase: settings.Connection.BackoffBase,
			BackoffMax:  settings.Connection.BackoffMax,
		},
		Sources:  p.sources,
		Decoders: p.decoders,
		Recorder: p.recorder,
		Bus:      p.bus,
		Metrics:  p.metrics.Pipeline,
		Detection: manager.DetectionConfig{
			Threshold: settings.Detection.Threshold,
			MinPixels: settings.Detection.MinPixels,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := p.setupSegmentation(); err != nil {
		return nil, err
	}
	if err := p.setupSinks(); err != nil {
		return nil, err
	}

	if settings.Telemetry.Enabled {
		opts := []httpapi.Option{httpapi.WithMetricsHandler(p.metrics.Handler())}
		if p.catalog != nil {
			opts = append(opts, httpapi.WithSessions(p.catalog))
		}
		if p.server, err = httpapi.New(httpapi.Config{Listen: settings.Telemetry.Listen}, p.manager, opts...); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) setupSegmentation() error {
	seg := p.settings.Segmentation
	if !seg.Enabled {
		p.log.Info("segmentation disabled")
		return nil
	}
	if p.engine == nil {
		engine, err := modnet.New(modnet.Config{
			ModelPath: seg.ModelPath,
			Threads:   seg.Threads,
			InputSize: seg.InputSize,
			XNNPACK:   seg.XNNPACK,
		})
		if err != nil {
			return err
		}
		p.engine = engine
	}
	p.batcher = segmentation.NewBatcher(p.engine, p.manager, segmentation.BatcherConfig{
		Interval: seg.Interval,
		Timeout:  seg.Timeout,
		Breaker: &segmentation.CircuitBreakerConfig{
			MaxFailures:  seg.Breaker.Threshold,
			ResetTimeout: seg.Breaker.Reset,
		},
		Metrics: p.metrics.Pipeline,
		OnMask:  p.manager.HandleMask,
	})
	return nil
}

func (p *Pipeline) setupSinks() error {
	if s := p.settings.MQTT; s.Enabled {
		cfg := mqtt.DefaultConfig()
		cfg.Broker = s.Broker
		cfg.Username = s.Username
		cfg.Password = s.Password
		if s.Topic != "" {
			cfg.Topic = s.Topic
		}
		if s.ClientID != "" {
			cfg.ClientID = s.ClientID
		}
		p.publisher = mqtt.NewPublisher(mqtt.NewClient(cfg, p.metrics.MQTT), cfg)
		if err := p.publisher.Consume(p.bus); err != nil {
			return err
		}
	}

	if s := p.settings.Notify; s.Enabled && len(s.URLs) > 0 {
		provider, err := notification.NewShoutrrrProvider(s.URLs, notification.DefaultTimeout)
		if err != nil {
			return err
		}
		n := notification.NewNotifier(notification.Config{Cooldown: s.Cooldown}, provider)
		if err := n.Consume(p.bus); err != nil {
			return err
		}
	}
	return nil
}

// catalogSession returns the recorder OnStop hook that indexes the manifest.
func (p *Pipeline) catalogSession(root string) func(recorder.Manifest) {
	return func(m recorder.Manifest) {
		if p.catalog == nil {
			return
		}
		dir := filepath.Join(root, fmt.Sprint(m.ID))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.catalog.RecordSession(ctx, &m, dir); err != nil {
			p.log.Error("failed to catalog session", logger.Int("session_id", m.ID), logger.Error(err))
		}
	}
}

// Manager exposes the stream manager.
func (p *Pipeline) Manager() *manager.StreamManager { return p.manager }

// Run adds the configured streams, starts every component and blocks until
// ctx is done or the HTTP server fails. It always shuts down before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	go p.logFaults()

	if p.publisher != nil {
		// the client retries on publish, a broker that is down at start is not fatal
		if err := p.publisher.Connect(ctx); err != nil {
			p.log.Warn("mqtt connect failed", logger.Error(err))
		}
	}

	for _, sc := range p.settings.Streams {
		id, err := p.manager.AddStream(manager.StreamSpec{ID: sc.ID, URL: sc.URL, Transport: sc.Transport})
		if err != nil {
			p.log.Error("failed to add stream",
				logger.String("stream_id", sc.ID),
				logger.String("url", stream.RedactURL(sc.URL)),
				logger.Error(err))
			continue
		}
		p.log.Info("stream added", logger.String("stream_id", id))
	}

	batchCtx, stopBatcher := context.WithCancel(context.Background())
	batchDone := make(chan struct{})
	if p.batcher != nil {
		go func() {
			defer close(batchDone)
			_ = p.batcher.Run(batchCtx)
		}()
	} else {
		close(batchDone)
	}

	var serveErr <-chan error
	if p.server != nil {
		p.server.Start()
		serveErr = p.server.Err()
	}

	p.log.Info("pipeline running",
		logger.Int("streams", len(p.settings.Streams)),
		logger.Bool("segmentation", p.batcher != nil),
		logger.Bool("api", p.server != nil))

	var runErr error
	select {
	case <-ctx.Done():
		p.log.Info("shutdown requested")
	case err, ok := <-serveErr:
		if ok {
			runErr = err
		}
	}

	// ordered teardown: stop taking requests, stop batching, then streams.
	var errs []error
	if p.server != nil {
		if err := p.server.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	stopBatcher()
	<-batchDone
	if p.batcher != nil {
		ictx, cancel := context.WithTimeout(context.Background(), engineIdleTimeout)
		if err := p.batcher.WaitIdle(ictx); err != nil {
			// closing the engine would block on the hung call
			p.engineBusy = true
			p.log.Error("segmentation engine still busy at shutdown", logger.Error(err))
		}
		cancel()
	}

	mctx, cancel := context.WithTimeout(context.Background(), managerShutdownTimeout)
	defer cancel()
	if err := p.manager.Shutdown(mctx); err != nil {
		errs = append(errs, err)
	} else {
		<-p.faultsDone
	}

	p.closeResources()
	if runErr != nil {
		errs = append([]error{runErr}, errs...)
	}
	return errors.Join(errs...)
}

// closeResources releases the bus, sinks, catalog and engine.
func (p *Pipeline) closeResources() {
	if p.bus != nil {
		if err := p.bus.Shutdown(busShutdownTimeout); err != nil {
			p.log.Warn("event bus shutdown incomplete", logger.Error(err))
		}
	}
	if p.publisher != nil {
		p.publisher.Close()
	}
	if p.catalog != nil {
		if err := p.catalog.Close(); err != nil {
			p.log.Warn("failed to close catalog", logger.Error(err))
		}
	}
	if c, ok := p.engine.(io.Closer); ok && !p.engineBusy {
		if err := c.Close(); err != nil {
			p.log.Warn("failed to close segmentation engine", logger.Error(err))
		}
	}
}

func (p *Pipeline) logFaults() {
	defer close(p.faultsDone)
	for ev := range p.manager.Faults() {
		fields := []logger.Field{
			logger.String("stream_id", ev.StreamID),
			logger.String("fault", string(ev.Kind)),
			logger.Int("attempt", ev.Attempt),
		}
		if ev.Err != nil {
			fields = append(fields, logger.Error(ev.Err))
		}
		if ev.Fatal() {
			p.log.Error("stream closed", fields...)
		} else {
			p.log.Debug("stream fault", fields...)
		}
	}
	if n := p.manager.FaultsDropped(); n > 0 {
		p.log.Warn("fault events dropped", logger.Uint64("dropped", n))
	}
}
