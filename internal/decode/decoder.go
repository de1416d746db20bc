// Package decode turns H264 access units into RGBA frames. A Decoder owns
// the per-stream bitstream state and resynchronises at keyframes after a
// fault; pixel reconstruction is delegated to a Backend.
package decode

import (
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"golang.org/x/time/rate"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/observability/metrics"
	"github.com/tphakala/lightfield/internal/stream"
)

// H264 profile_idc values accepted by the decoder. Constrained Baseline is
// signalled as Baseline with constraint_set1.
const (
	profileBaseline = 66
	profileMain     = 77
	profileHigh     = 100
)

// maxPending bounds the access units waiting for their picture. A backend
// that withholds more than this is restarted and the decoder resyncs.
const maxPending = 64

// Picture is one reconstructed picture. Skipped counts the pictures the
// backend discarded since the previous one it returned, in decode order.
type Picture struct {
	Pix     []byte
	Skipped int
}

// Backend reconstructs pictures from Annex-B access units. Pictures come out
// in the order their units went in.
type Backend interface {
	// Configure prepares the backend for pictures of the given size. It is
	// called before the first access unit, whenever the SPS changes size and
	// to restart after a failure.
	Configure(width, height int) error
	// Decode feeds one access unit. Pix is nil when no picture is ready yet.
	Decode(annexB []byte) (Picture, error)
	Close() error
}

type pendingUnit struct {
	seq      uint64
	received time.Time
	payload  []byte
}

// Decoder is the stateful decoder of a single stream. It is not safe for
// concurrent use.
type Decoder struct {
	id      string
	backend Backend
	metrics *metrics.PipelineMetrics
	log     logger.Logger
	warn    *rate.Limiter

	width, height int
	configured    bool
	needKeyframe  bool
	pending       []pendingUnit
	faults        uint64
	dropped       uint64
}

// New creates a decoder for one stream. It waits for a keyframe before
// producing the first frame.
func New(streamID string, backend Backend, m *metrics.PipelineMetrics) *Decoder {
	return &Decoder{
		id:           streamID,
		backend:      backend,
		metrics:      m,
		log:          GetLogger().With(logger.String("stream_id", streamID)),
		warn:         rate.NewLimiter(rate.Every(5*time.Second), 1),
		needKeyframe: true,
	}
}

// Decode consumes one access unit. A nil frame with a nil error means no
// picture is available for it. Faulting units are dropped and the decoder
// skips ahead to the next keyframe.
func (d *Decoder) Decode(au stream.AccessUnit) (*framebuffer.Frame, error) {
	if err := d.inspect(au); err != nil {
		return nil, d.fault(err, au.Sequence)
	}
	keyframe := au.Keyframe || h264.IDRPresent(au.NALUs)

	if au.Discontinuity && !keyframe && !d.needKeyframe {
		return nil, d.fault(errors.Newf("access units lost before sequence %d", au.Sequence).
			Component("decode").
			Category(errors.CategoryDecode).
			StreamContext(d.id).
			Context("reason", "discontinuity").
			Build(), au.Sequence)
	}

	if d.needKeyframe {
		if !keyframe {
			return nil, nil
		}
		d.needKeyframe = false
	}
	if !d.configured {
		// no SPS seen yet
		d.needKeyframe = true
		return nil, nil
	}

	payload := stream.MarshalAnnexB(au.NALUs)
	if n := len(d.pending); n >= maxPending {
		d.restart()
		return nil, d.fault(errors.Newf("backend withheld %d pictures", n).
			Component("decode").
			Category(errors.CategoryDecode).
			StreamContext(d.id).
			Build(), au.Sequence)
	}
	d.pending = append(d.pending, pendingUnit{seq: au.Sequence, received: au.Received, payload: payload})

	pic, err := d.backend.Decode(payload)
	if err != nil {
		d.restart()
		return nil, d.fault(errors.New(err).
			Component("decode").
			Category(errors.CategoryDecode).
			StreamContext(d.id).
			Build(), au.Sequence)
	}

	// pictures dropped by the backend take their units with them
	if pic.Skipped > 0 {
		n := min(pic.Skipped, len(d.pending))
		d.pending = d.pending[n:]
		d.dropped += uint64(n)
		d.metrics.RecordFrameDropped(d.id)
	}
	if pic.Pix == nil {
		return nil, nil
	}
	if len(d.pending) == 0 {
		// more pictures than units: labels can no longer be trusted
		d.restart()
		return nil, d.fault(errors.Newf("backend returned a picture with no pending unit").
			Component("decode").
			Category(errors.CategoryDecode).
			StreamContext(d.id).
			Build(), au.Sequence)
	}

	src := d.pending[0]
	d.pending = d.pending[1:]

	d.metrics.RecordFrameDecoded(d.id)
	return &framebuffer.Frame{
		Sequence:  src.seq,
		Timestamp: src.received,
		Width:     d.width,
		Height:    d.height,
		Stride:    d.width * 4,
		Pix:       pic.Pix,
		Payload:   src.payload,
	}, nil
}

// restart drops the pending units and reconfigures the backend, so pictures
// still queued in it are never labelled. If that fails the next SPS retries.
func (d *Decoder) restart() {
	d.pending = d.pending[:0]
	if err := d.backend.Configure(d.width, d.height); err != nil {
		d.configured = false
		d.log.Warn("decoder restart failed", logger.Error(err))
	}
}

// inspect validates NAL headers and applies any SPS in the unit.
func (d *Decoder) inspect(au stream.AccessUnit) error {
	if len(au.NALUs) == 0 {
		return corrupt("empty access unit")
	}
	for _, nalu := range au.NALUs {
		if len(nalu) == 0 {
			return corrupt("empty NAL unit")
		}
		if nalu[0]&0x80 != 0 {
			return corrupt("forbidden_zero_bit set")
		}
		if h264.NALUType(nalu[0]&0x1f) != h264.NALUTypeSPS {
			continue
		}

		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return errors.New(err).
				Component("decode").
				Category(errors.CategoryDecode).
				Context("reason", "invalid SPS").
				Build()
		}
		switch sps.ProfileIdc {
		case profileBaseline, profileMain, profileHigh:
		default:
			return errors.Newf("unsupported H264 profile %d", sps.ProfileIdc).
				Component("decode").
				Category(errors.CategoryDecode).
				Context("profile_idc", sps.ProfileIdc).
				Build()
		}

		w, h := sps.Width(), sps.Height()
		if w <= 0 || h <= 0 {
			return corrupt("SPS has no picture size")
		}
		if !d.configured || w != d.width || h != d.height {
			if err := d.backend.Configure(w, h); err != nil {
				d.configured = false
				return errors.New(err).
					Component("decode").
					Category(errors.CategoryDecode).
					Context("width", w).
					Context("height", h).
					Build()
			}
			d.log.Info("decoder configured", logger.Int("width", w), logger.Int("height", h))
			d.width, d.height = w, h
			d.configured = true
			d.pending = d.pending[:0]
		}
	}
	return nil
}

func corrupt(reason string) error {
	return errors.Newf("corrupt access unit: %s", reason).
		Component("decode").
		Category(errors.CategoryDecode).
		Build()
}

func (d *Decoder) fault(err error, seq uint64) error {
	d.faults++
	d.needKeyframe = true
	d.metrics.RecordDecodeFault(d.id)
	if d.warn.Allow() {
		d.log.Warn("dropping access unit, waiting for keyframe",
			logger.Error(err),
			logger.Uint64("sequence", seq),
			logger.Uint64("faults", d.faults))
	}
	return err
}

// Faults returns the number of access units rejected so far.
func (d *Decoder) Faults() uint64 { return d.faults }

// Dropped returns the number of pictures the backend discarded.
func (d *Decoder) Dropped() uint64 { return d.dropped }

// Close releases the backend.
func (d *Decoder) Close() error {
	if d.backend == nil {
		return nil
	}
	return d.backend.Close()
}
