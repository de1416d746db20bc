// Package recorder persists per-stream frames and masks while a recording
// session is active. Each stream gets a bounded queue drained by its own
// writer goroutine, so disk latency never reaches the decode path.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/observability/metrics"
)

// DefaultQueueSize is the number of pending writes per sink.
const DefaultQueueSize = 64

// Options configures a Recorder.
type Options struct {
	Fs        afero.Fs
	Root      string
	QueueSize int
	Metrics   *metrics.PipelineMetrics
	// OnStop is called with the manifest of every stopped session.
	OnStop func(Manifest)
}

type streamSinks struct {
	frames *sink
	masks  *sink
}

// Recorder manages recording sessions.
type Recorder struct {
	fs        afero.Fs
	root      string
	queueSize int
	metrics   *metrics.PipelineMetrics
	onStop    func(Manifest)
	log       logger.Logger

	mu       sync.RWMutex
	status   Status
	session  *Session
	sinks    map[string]*streamSinks
	detached map[string]SinkStats
}

// New creates an idle recorder.
func New(opts Options) *Recorder {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Recorder{
		fs:        opts.Fs,
		root:      opts.Root,
		queueSize: opts.QueueSize,
		metrics:   opts.Metrics,
		onStop:    opts.OnStop,
		log:       GetLogger(),
	}
}

// Start opens a new session directory and one sink per stream.
func (r *Recorder) Start(streams []string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusIdle {
		return nil, errors.Newf("recording already %s", r.status).
			Component("recorder").
			Category(errors.CategoryState).
			Build()
	}

	id, err := NextSessionID(r.fs, r.root)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(r.root, fmt.Sprint(id))
	if err := createSessionDirs(r.fs, dir); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        id,
		UUID:      uuid.New().String(),
		Directory: dir,
		Started:   time.Now(),
	}
	r.session = sess
	r.sinks = make(map[string]*streamSinks, len(streams))
	r.detached = make(map[string]SinkStats)

	for _, streamID := range streams {
		if err := r.attachLocked(streamID); err != nil {
			r.closeAllLocked()
			r.session = nil
			return nil, err
		}
	}

	r.status = StatusRecording
	r.metrics.SetRecordingActive(true)
	r.log.Info("recording started",
		logger.Int("session_id", id),
		logger.String("session_uuid", sess.UUID),
		logger.Int("streams", len(streams)))

	out := *sess
	return &out, nil
}

// Attach opens a sink for a stream joining an active session.
func (r *Recorder) Attach(streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRecording {
		return errors.Newf("no active recording").
			Component("recorder").
			Category(errors.CategoryState).
			Build()
	}
	if _, ok := r.sinks[streamID]; ok {
		return errors.Newf("stream %s already recording", streamID).
			Component("recorder").
			Category(errors.CategoryConflict).
			StreamContext(streamID).
			Build()
	}
	return r.attachLocked(streamID)
}

func (r *Recorder) attachLocked(streamID string) error {
	name := fileName(streamID)
	frames, err := r.openSink(streamID, filepath.Join(framesDir, name), true)
	if err != nil {
		return err
	}
	masks, err := r.openSink(streamID, filepath.Join(masksDir, name), false)
	if err != nil {
		_ = frames.close()
		return err
	}
	r.sinks[streamID] = &streamSinks{frames: frames, masks: masks}
	return nil
}

func (r *Recorder) openSink(streamID, rel string, frameSink bool) (*sink, error) {
	path := filepath.Join(r.session.Directory, rel)
	f, err := r.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, errors.New(err).
			Component("recorder").
			Category(errors.CategoryFileIO).
			StreamContext(streamID).
			FileContext(path).
			Build()
	}
	w, err := NewWriter(f, streamID, r.session.Started)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return newSink(streamID, rel, f, w, r.queueSize, r.metrics, frameSink), nil
}

// Write queues a frame for the stream's sink. It is a no-op when no session
// is recording or the stream has no sink. The frame's slices must not be
// modified afterwards.
func (r *Recorder) Write(streamID string, frame framebuffer.Frame) {
	r.mu.RLock()
	s, ok := r.sinks[streamID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	payload := frame.Payload
	if payload == nil {
		payload = frame.Pix
	}
	s.frames.enqueue(entry{seq: frame.Sequence, ts: frame.Timestamp, payload: payload})
}

// WriteMask queues a mask for the stream's mask artifact.
func (r *Recorder) WriteMask(streamID string, mask *framebuffer.Mask, ts time.Time) {
	if mask == nil {
		return
	}
	r.mu.RLock()
	s, ok := r.sinks[streamID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.masks.enqueue(entry{seq: mask.Sequence, ts: ts, payload: mask.Alpha})
}

// Detach closes one stream's sinks mid-session and returns its stats.
func (r *Recorder) Detach(streamID string) (SinkStats, error) {
	r.mu.Lock()
	s, ok := r.sinks[streamID]
	if ok {
		delete(r.sinks, streamID)
	}
	r.mu.Unlock()
	if !ok {
		return SinkStats{}, errors.Newf("stream %s is not recording", streamID).
			Component("recorder").
			Category(errors.CategoryNotFound).
			StreamContext(streamID).
			Build()
	}

	err := errors.Join(s.frames.close(), s.masks.close())
	st := combine(s)

	r.mu.Lock()
	if r.detached != nil {
		r.detached[streamID] = st
	}
	r.mu.Unlock()

	r.log.Info("recording sink detached",
		logger.String("stream_id", streamID),
		logger.Uint64("written", st.Written),
		logger.Uint64("dropped", st.Dropped))
	return st, err
}

// Stop drains and closes every sink, writes session.yaml and returns the
// manifest.
func (r *Recorder) Stop() (*Manifest, error) {
	r.mu.Lock()
	if r.status != StatusRecording {
		r.mu.Unlock()
		return nil, errors.Newf("no active recording").
			Component("recorder").
			Category(errors.CategoryState).
			Build()
	}
	r.status = StatusStopping
	sess := r.session
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sinks {
		g.Go(s.frames.close)
		g.Go(s.masks.close)
	}
	closeErr := g.Wait()

	r.mu.Lock()
	stats := make([]SinkStats, 0, len(sinks)+len(r.detached))
	for _, s := range sinks {
		stats = append(stats, combine(s))
	}
	for _, st := range r.detached {
		stats = append(stats, st)
	}
	r.detached = nil
	r.session = nil
	r.status = StatusIdle
	r.mu.Unlock()
	r.metrics.SetRecordingActive(false)

	sort.Slice(stats, func(i, j int) bool { return stats[i].StreamID < stats[j].StreamID })
	m := Manifest{
		ID:      sess.ID,
		UUID:    sess.UUID,
		Started: sess.Started,
		Stopped: time.Now(),
		Streams: stats,
	}
	manifestErr := writeManifest(r.fs, sess.Directory, m)

	r.log.Info("recording stopped",
		logger.Int("session_id", sess.ID),
		logger.Int("streams", len(stats)),
		logger.Duration("duration", m.Stopped.Sub(m.Started)))

	if r.onStop != nil {
		r.onStop(m)
	}
	return &m, errors.Join(closeErr, manifestErr)
}

func (r *Recorder) closeAllLocked() {
	for _, s := range r.sinks {
		_ = s.frames.close()
		_ = s.masks.close()
	}
	r.sinks = nil
}

func combine(s *streamSinks) SinkStats {
	st := s.frames.stats()
	st.Masks = s.masks.stats().Written
	return st
}

// Active reports whether a session is recording.
func (r *Recorder) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status == StatusRecording
}

// Status returns the recorder state.
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Session returns the active session, if any.
func (r *Recorder) Session() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return Session{}, false
	}
	return *r.session, true
}

// Stats returns live stats for every attached stream.
func (r *Recorder) Stats() []SinkStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SinkStats, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, combine(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// fileName maps a stream id to a safe artifact file name.
func fileName(streamID string) string {
	var b strings.Builder
	for _, c := range streamID {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || strings.Trim(name, ".") == "" {
		name = "stream"
	}
	return name + ArtifactExt
}
