// Package manager owns the set of live streams. It wires each stream's
// connection, decoder and frame buffer together, feeds the recorder and the
// segmentation batcher, and is the surface the render host and the control
// API talk to.
package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/events"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/observability/metrics"
	"github.com/tphakala/lightfield/internal/recorder"
	"github.com/tphakala/lightfield/internal/segmentation"
	"github.com/tphakala/lightfield/internal/stream"
)

const (
	defaultFaultBuffer = 256
	stopStreamTimeout  = 10 * time.Second
)

// DetectionConfig controls person detection on applied masks.
type DetectionConfig struct {
	Threshold uint8
	MinPixels float64 // zero disables detection
}

// Options configures a StreamManager.
type Options struct {
	// Connection is the template for every stream's retry settings.
	Connection stream.Config
	Sources    SourceFactory
	Decoders   DecoderFactory
	Recorder   *recorder.Recorder
	Bus        *events.EventBus
	Metrics    *metrics.PipelineMetrics
	Detection  DetectionConfig
	// FaultBuffer sizes the Faults channel. Faults are dropped when it is full.
	FaultBuffer int
}

type managedStream struct {
	id      string
	url     string
	conn    *stream.Connection
	decoder FrameDecoder
	buffer  *framebuffer.Buffer
	added   time.Time
	fatal   atomic.Bool
	done    chan struct{}
	warn    *rate.Limiter
}

// StreamManager owns every stream for its lifetime.
type StreamManager struct {
	opts     Options
	recorder *recorder.Recorder
	bus      *events.EventBus
	metrics  *metrics.PipelineMetrics
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	streams map[string]*managedStream
	order   []string
	closed  bool

	faults        chan FaultEvent
	faultsDropped atomic.Uint64
	faultsClosed  atomic.Bool
	faultMu       sync.RWMutex
}

// New creates a manager with no streams.
func New(opts Options) (*StreamManager, error) {
	if opts.Sources == nil || opts.Decoders == nil {
		return nil, errors.Newf("source and decoder factories are required").
			Component("manager").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.FaultBuffer <= 0 {
		opts.FaultBuffer = defaultFaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamManager{
		opts:     opts,
		recorder: opts.Recorder,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      GetLogger(),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*managedStream),
		faults:   make(chan FaultEvent, opts.FaultBuffer),
	}, nil
}

// AddStream starts a stream and returns its id. An empty spec.ID gets a
// generated one.
func (m *StreamManager) AddStream(spec StreamSpec) (string, error) {
	clean, _, _, err := stream.ParseCredentials(spec.URL)
	if err != nil {
		return "", err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	src, err := m.opts.Sources(spec)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.Newf("manager is shut down").
			Component("manager").
			Category(errors.CategoryState).
			Build()
	}
	if _, exists := m.streams[spec.ID]; exists {
		m.mu.Unlock()
		return "", errors.Newf("stream %s already exists", spec.ID).
			Component("manager").
			Category(errors.CategoryConflict).
			StreamContext(spec.ID).
			Build()
	}

	ms := &managedStream{
		id:      spec.ID,
		url:     stream.RedactURL(clean),
		decoder: m.opts.Decoders(spec.ID),
		buffer:  framebuffer.New(),
		added:   time.Now(),
		done:    make(chan struct{}),
		warn:    rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	cfg := m.opts.Connection
	cfg.ID = spec.ID
	if cfg.Metrics == nil {
		cfg.Metrics = m.metrics
	}
	cfg.OnFault = func(err error, attempt int) {
		m.emit(FaultEvent{StreamID: ms.id, Kind: FaultTransport, Err: err, Attempt: attempt, Timestamp: time.Now()})
	}
	ms.conn = stream.NewConnection(src, cfg, m.handler(ms), func(err error) { m.onFatal(ms, err) })

	m.streams[spec.ID] = ms
	m.order = append(m.order, spec.ID)
	active := len(m.streams)

	m.wg.Add(1)
	go m.run(ms)
	m.mu.Unlock()

	m.metrics.SetActiveStreams(active)
	if m.recorder != nil && m.recorder.Active() {
		if err := m.recorder.Attach(spec.ID); err != nil && !errors.IsCategory(err, errors.CategoryConflict) {
			m.log.Warn("could not attach stream to active recording",
				logger.String("stream_id", spec.ID),
				logger.Error(err))
		}
	}

	m.log.Info("stream added",
		logger.String("stream_id", spec.ID),
		logger.String("url", ms.url),
		logger.Int("active_streams", active))
	return spec.ID, nil
}

func (m *StreamManager) run(ms *managedStream) {
	defer m.wg.Done()
	defer close(ms.done)
	_ = ms.conn.Run(m.ctx)
	if err := ms.decoder.Close(); err != nil {
		m.log.Debug("decoder close failed", logger.String("stream_id", ms.id), logger.Error(err))
	}
}

// handler decodes on the connection goroutine, publishes the frame and hands
// it to the recorder.
func (m *StreamManager) handler(ms *managedStream) stream.Handler {
	return func(au stream.AccessUnit) {
		frame, err := ms.decoder.Decode(au)
		if err != nil {
			m.emit(FaultEvent{StreamID: ms.id, Kind: FaultDecode, Err: err, Timestamp: time.Now()})
			return
		}
		if frame == nil {
			return
		}
		if err := ms.buffer.Publish(*frame, nil); err != nil {
			if ms.warn.Allow() {
				m.log.Warn("frame rejected by buffer", logger.String("stream_id", ms.id), logger.Error(err))
			}
			return
		}
		if m.recorder != nil {
			m.recorder.Write(ms.id, *frame)
		}
	}
}

func (m *StreamManager) onFatal(ms *managedStream, err error) {
	if !ms.fatal.CompareAndSwap(false, true) {
		return
	}
	m.emit(FaultEvent{StreamID: ms.id, Kind: FaultFatal, Err: err, Timestamp: time.Now()})

	if m.recorder != nil && m.recorder.Active() {
		if _, derr := m.recorder.Detach(ms.id); derr != nil && !errors.IsCategory(derr, errors.CategoryNotFound) {
			m.log.Warn("detach after fatal fault failed", logger.String("stream_id", ms.id), logger.Error(derr))
		}
	}
}

// emit delivers a fault to the Faults channel and the event bus without
// blocking.
func (m *StreamManager) emit(ev FaultEvent) {
	m.faultMu.RLock()
	if !m.faultsClosed.Load() {
		select {
		case m.faults <- ev:
		default:
			m.faultsDropped.Add(1)
		}
	}
	m.faultMu.RUnlock()

	m.bus.TryPublish(ev)
}

// Faults returns the channel of per-stream fault events. It is closed by
// Shutdown.
func (m *StreamManager) Faults() <-chan FaultEvent {
	return m.faults
}

// FaultsDropped counts faults lost because the channel was full.
func (m *StreamManager) FaultsDropped() uint64 {
	return m.faultsDropped.Load()
}

// RemoveStream stops a stream, closes its recording sink and forgets it.
func (m *StreamManager) RemoveStream(id string) error {
	m.mu.Lock()
	ms, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
		for i, sid := range m.order {
			if sid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	active := len(m.streams)
	m.mu.Unlock()

	if !ok {
		return errors.Newf("stream %s not found", id).
			Component("manager").
			Category(errors.CategoryNotFound).
			StreamContext(id).
			Build()
	}

	err := m.stopStream(ms)
	if m.recorder != nil && m.recorder.Active() {
		if _, derr := m.recorder.Detach(id); derr != nil && !errors.IsCategory(derr, errors.CategoryNotFound) {
			err = errors.Join(err, derr)
		}
	}
	m.metrics.ForgetStream(id)
	m.metrics.SetActiveStreams(active)

	m.log.Info("stream removed", logger.String("stream_id", id), logger.Int("active_streams", active))
	return err
}

func (m *StreamManager) stopStream(ms *managedStream) error {
	ms.conn.Stop()
	select {
	case <-ms.done:
		return nil
	case <-time.After(stopStreamTimeout):
		return errors.Newf("stream %s did not stop within %s", ms.id, stopStreamTimeout).
			Component("manager").
			Category(errors.CategoryTimeout).
			StreamContext(ms.id).
			Build()
	}
}

// ReadAll returns the latest frame and mask of every stream in the order
// they were added. Frames are copies owned by the caller.
func (m *StreamManager) ReadAll() []View {
	m.mu.RLock()
	list := make([]*managedStream, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.streams[id])
	}
	m.mu.RUnlock()

	views := make([]View, 0, len(list))
	for _, ms := range list {
		views = append(views, ms.view())
	}
	return views
}

// Read returns the latest view of one stream.
func (m *StreamManager) Read(id string) (View, error) {
	ms, err := m.get(id)
	if err != nil {
		return View{}, err
	}
	return ms.view(), nil
}

// ReadMask returns the current mask of one stream, or nil.
func (m *StreamManager) ReadMask(id string) (*framebuffer.Mask, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}
	var mask *framebuffer.Mask
	ms.buffer.View(func(_ framebuffer.Frame, mk *framebuffer.Mask) { mask = mk })
	return mask, nil
}

func (m *StreamManager) get(id string) (*managedStream, error) {
	m.mu.RLock()
	ms, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("stream %s not found", id).
			Component("manager").
			Category(errors.CategoryNotFound).
			StreamContext(id).
			Build()
	}
	return ms, nil
}

func (ms *managedStream) view() View {
	v := View{
		StreamID: ms.id,
		URL:      ms.url,
		Status:   ms.conn.Status(),
		Retries:  ms.conn.Retries(),
		Fatal:    ms.fatal.Load(),
	}
	v.Frame, v.Mask, v.HasFrame = ms.buffer.Read()
	return v
}

// Streams returns a pixel-free summary of every stream.
func (m *StreamManager) Streams() []Info {
	m.mu.RLock()
	list := make([]*managedStream, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.streams[id])
	}
	m.mu.RUnlock()

	recording := map[string]bool{}
	if m.recorder != nil {
		for _, st := range m.recorder.Stats() {
			recording[st.StreamID] = true
		}
	}

	out := make([]Info, 0, len(list))
	for _, ms := range list {
		h := ms.conn.Health()
		info := Info{
			StreamID:     ms.id,
			URL:          ms.url,
			Status:       h.Status.String(),
			Retries:      h.Retries,
			Reconnects:   h.TotalReconnects,
			AccessUnits:  h.AccessUnits,
			LastReceived: h.LastReceived,
			Recording:    recording[ms.id],
			Uptime:       time.Since(ms.added),
		}
		ms.buffer.View(func(f framebuffer.Frame, mk *framebuffer.Mask) {
			info.Sequence = f.Sequence
			info.Width, info.Height = f.Width, f.Height
			info.HasMask = mk != nil
		})
		out = append(out, info)
	}
	return out
}

// BatchTargets lists the streams eligible for segmentation. Streams closed
// by a fatal fault are left out.
func (m *StreamManager) BatchTargets() []segmentation.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]segmentation.Target, 0, len(m.order))
	for _, id := range m.order {
		ms := m.streams[id]
		if ms.fatal.Load() {
			continue
		}
		targets = append(targets, segmentation.Target{StreamID: id, Buffer: ms.buffer})
	}
	return targets
}

// HandleMask persists an applied mask and runs person detection on it. It is
// meant as the batcher's OnMask hook.
func (m *StreamManager) HandleMask(u segmentation.MaskUpdate) {
	if m.recorder != nil {
		m.recorder.WriteMask(u.StreamID, u.Mask, u.Timestamp)
	}

	det := m.opts.Detection
	if det.MinPixels <= 0 {
		return
	}
	a := segmentation.AnalyzeMask(u.Mask, det.Threshold)
	if a.Box == nil || a.Sum < det.MinPixels {
		return
	}
	m.metrics.RecordPersonDetected(u.StreamID)
	m.bus.TryPublish(&events.PersonDetectedEvent{
		StreamID: u.StreamID,
		Sequence: u.Sequence,
		BoundingBox: events.BoundingBox{
			X: a.Box.X, Y: a.Box.Y, Width: a.Box.Width, Height: a.Box.Height,
		},
		MaskSum:   a.Sum,
		Timestamp: u.Timestamp,
	})
}

// StartRecording opens a session with one sink per live stream.
func (m *StreamManager) StartRecording() (*recorder.Session, error) {
	if m.recorder == nil {
		return nil, errors.Newf("recording is not configured").
			Component("manager").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sess, err := m.recorder.Start(m.liveIDs())
	if err != nil {
		return nil, err
	}
	// streams added while the session was opening
	for _, id := range m.liveIDs() {
		if err := m.recorder.Attach(id); err != nil && !errors.IsCategory(err, errors.CategoryConflict) {
			m.log.Warn("could not attach stream to recording", logger.String("stream_id", id), logger.Error(err))
		}
	}

	m.bus.TryPublish(&events.RecordingEvent{
		SessionID: sess.ID,
		UUID:      sess.UUID,
		Action:    "started",
		Streams:   len(m.recorder.Stats()),
		Timestamp: sess.Started,
	})
	return sess, nil
}

// StopRecording flushes and closes every sink and returns the manifest.
// Ingestion and batching are not affected.
func (m *StreamManager) StopRecording() (*recorder.Manifest, error) {
	if m.recorder == nil {
		return nil, errors.Newf("recording is not configured").
			Component("manager").
			Category(errors.CategoryConfiguration).
			Build()
	}
	manifest, err := m.recorder.Stop()
	if manifest != nil {
		m.bus.TryPublish(&events.RecordingEvent{
			SessionID: manifest.ID,
			UUID:      manifest.UUID,
			Action:    "stopped",
			Streams:   len(manifest.Streams),
			Timestamp: manifest.Stopped,
		})
	}
	return manifest, err
}

// RecordingStatus describes the current recording session.
type RecordingStatus struct {
	Active  bool                 `json:"active"`
	Session *recorder.Session    `json:"session,omitempty"`
	Streams []recorder.SinkStats `json:"streams"`
}

// Recording returns the recording status. It is inactive when no recorder is
// configured.
func (m *StreamManager) Recording() RecordingStatus {
	if m.recorder == nil {
		return RecordingStatus{}
	}
	st := RecordingStatus{Active: m.recorder.Active(), Streams: m.recorder.Stats()}
	if sess, ok := m.recorder.Session(); ok {
		st.Session = &sess
	}
	return st
}

func (m *StreamManager) liveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if !m.streams[id].fatal.Load() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every stream and any active recording. The Faults channel
// is closed once all streams have exited.
func (m *StreamManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	list := make([]*managedStream, 0, len(m.streams))
	for _, ms := range m.streams {
		list = append(list, ms)
	}
	m.mu.Unlock()

	start := time.Now()
	m.log.Info("shutting down stream manager", logger.Int("active_streams", len(list)))

	m.cancel()
	var g errgroup.Group
	for _, ms := range list {
		g.Go(func() error { return m.stopStream(ms) })
	}
	err := g.Wait()

	if m.recorder != nil && m.recorder.Active() {
		if _, rerr := m.StopRecording(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.faultMu.Lock()
		m.faultsClosed.Store(true)
		close(m.faults)
		m.faultMu.Unlock()
	case <-ctx.Done():
		return errors.Join(err, errors.New(ctx.Err()).
			Component("manager").
			Category(errors.CategoryTimeout).
			Build())
	}

	m.log.Info("stream manager shutdown complete",
		logger.Int("stopped_streams", len(list)),
		logger.Duration("duration", time.Since(start)))
	return err
}
