package recorder

import (
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/observability/metrics"
)

type entry struct {
	seq     uint64
	ts      time.Time
	payload []byte
}

// sink persists entries for one artifact from a dedicated goroutine. The
// pending queue is bounded; when it is full the oldest entry is dropped so
// producers never block.
type sink struct {
	streamID string
	path     string
	file     afero.File
	w        *Writer
	limit    int
	metrics  *metrics.PipelineMetrics
	countAs  bool // report to recorder metrics (frame sinks only)
	log      logger.Logger
	warn     *rate.Limiter

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []entry
	closing bool

	// guarded by mu
	written uint64
	dropped uint64
	failed  uint64
	first   time.Time
	last    time.Time
	lastSeq uint64
	seen    bool

	done chan struct{}
}

func newSink(streamID, path string, file afero.File, w *Writer, limit int, m *metrics.PipelineMetrics, countAs bool) *sink {
	s := &sink{
		streamID: streamID,
		path:     path,
		file:     file,
		w:        w,
		limit:    limit,
		metrics:  m,
		countAs:  countAs,
		log:      GetLogger().With(logger.String("stream_id", streamID), logger.String("file", path)),
		warn:     rate.NewLimiter(rate.Every(5*time.Second), 1),
		queue:    make([]entry, 0, limit),
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// enqueue never blocks. It returns false once the sink is closing.
func (s *sink) enqueue(e entry) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	if s.seen && e.seq <= s.lastSeq {
		// duplicate or stale unit
		s.mu.Unlock()
		return true
	}
	dropped := false
	if len(s.queue) >= s.limit {
		s.queue[0] = entry{}
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, e)
	s.lastSeq = e.seq
	s.seen = true
	total := s.dropped
	s.mu.Unlock()
	s.cond.Signal()

	if dropped {
		if s.countAs {
			s.metrics.RecordFrameDropped(s.streamID)
		}
		if s.warn.Allow() {
			s.log.Warn("recorder queue full, dropped oldest pending entry", logger.Uint64("dropped_total", total))
		}
	}
	return true
}

func (s *sink) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = entry{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := s.w.WriteEntry(e.seq, e.ts, e.payload)

		s.mu.Lock()
		if err != nil {
			s.failed++
			s.dropped++
		} else {
			s.written++
			if s.first.IsZero() {
				s.first = e.ts
			}
			s.last = e.ts
		}
		s.mu.Unlock()

		if err != nil {
			if s.countAs {
				s.metrics.RecordFrameDropped(s.streamID)
			}
			if s.warn.Allow() {
				s.log.Warn("recorder write failed, entry dropped", logger.Error(err))
			}
		} else if s.countAs {
			s.metrics.RecordFrameRecorded(s.streamID)
		}
	}
}

// close drains pending entries, then syncs and closes the file.
func (s *sink) close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closing = true
	s.mu.Unlock()
	s.cond.Broadcast()
	<-s.done

	var errs []error
	if err := s.file.Sync(); err != nil {
		errs = append(errs, recordingError(err, "sync"))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, recordingError(err, "close"))
	}
	return errors.Join(errs...)
}

func (s *sink) stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{
		StreamID: s.streamID,
		File:     s.path,
		Written:  s.written,
		Dropped:  s.dropped,
		Failed:   s.failed,
		First:    s.first,
		Last:     s.last,
	}
}
