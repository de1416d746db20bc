package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/logger"
)

const (
	defaultReadTimeout = 10 * time.Second
	auQueueSize        = 32
)

// RTSPConfig configures an RTSP source.
type RTSPConfig struct {
	URL         string
	Transport   string // "tcp" or "udp"; empty lets the client choose
	ReadTimeout time.Duration
}

// RTSPSource pulls the first H264 track of an RTSP session.
type RTSPSource struct {
	cfg      RTSPConfig
	redacted string
}

// NewRTSPSource validates the URL and returns a source. Credentials in the
// URL are used for authentication and never logged.
func NewRTSPSource(cfg RTSPConfig) (*RTSPSource, error) {
	if _, _, _, err := ParseCredentials(cfg.URL); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Transport) {
	case "", "tcp", "udp":
	default:
		return nil, errors.Newf("unsupported RTSP transport %q", cfg.Transport).
			Component("stream").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &RTSPSource{cfg: cfg, redacted: RedactURL(cfg.URL)}, nil
}

// Open connects, describes, selects the first H264 media and starts playing.
func (s *RTSPSource) Open(ctx context.Context) (Session, error) {
	u, err := base.ParseURL(s.cfg.URL)
	if err != nil {
		return nil, s.fault(err, "parse")
	}

	client := &gortsplib.Client{
		ReadTimeout: s.cfg.ReadTimeout,
	}
	switch strings.ToLower(s.cfg.Transport) {
	case "tcp":
		t := gortsplib.TransportTCP
		client.Transport = &t
	case "udp":
		t := gortsplib.TransportUDP
		client.Transport = &t
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, s.fault(err, "connect")
	}

	sess := &rtspSession{
		client: client,
		units:  make(chan queuedUnit, auQueueSize),
		errCh:  make(chan error, 1),
		source: s.redacted,
		warn:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	// Abort the handshake if ctx ends before play.
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return nil, s.fault(err, "describe")
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		client.Close()
		return nil, errors.Newf("no H264 track in %s", s.redacted).
			Component("stream").
			Category(errors.CategoryRTSP).
			Context("url", s.redacted).
			Build()
	}

	dec, err := forma.CreateDecoder()
	if err != nil {
		client.Close()
		return nil, s.fault(err, "create depacketizer")
	}

	if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		client.Close()
		return nil, s.fault(err, "setup")
	}

	client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := client.PacketPTS(medi, pkt)
		if !ok {
			return
		}
		nalus, err := dec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrMorePacketsNeeded) && !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) {
				sess.warnf("dropping undecodable RTP payload: %v", err)
			}
			return
		}
		keyframe := h264.IDRPresent(nalus)
		if keyframe {
			nalus = prependParams(nalus, forma)
		}
		sess.push(AccessUnit{
			PTS:      pts,
			Received: time.Now(),
			NALUs:    nalus,
			Keyframe: keyframe,
		})
	})

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return nil, s.fault(err, "play")
	}

	go func() {
		sess.errCh <- client.Wait()
	}()

	GetLogger().Info("RTSP session playing", logger.String("url", s.redacted))
	return sess, nil
}

func (s *RTSPSource) fault(err error, op string) error {
	return errors.New(fmt.Errorf("rtsp %s %s: %w", op, s.redacted, err)).
		Component("stream").
		Category(errors.CategoryRTSP).
		Context("url", s.redacted).
		Context("operation", op).
		Build()
}

// prependParams adds the SPS and PPS from the session description to an IDR
// access unit that carries none in-band.
func prependParams(nalus [][]byte, forma *format.H264) [][]byte {
	for _, n := range nalus {
		if len(n) > 0 && h264.NALUType(n[0]&0x1f) == h264.NALUTypeSPS {
			return nalus
		}
	}
	sps, pps := forma.SafeParams()
	if sps == nil || pps == nil {
		return nalus
	}
	return append([][]byte{sps, pps}, nalus...)
}

// queuedUnit carries the push order so the reader can detect drops.
type queuedUnit struct {
	index uint64
	au    AccessUnit
}

type rtspSession struct {
	client *gortsplib.Client
	units  chan queuedUnit
	errCh  chan error
	source string
	warn   *rate.Limiter

	closeOnce sync.Once
	dropped   int
	mu        sync.Mutex

	pushed uint64 // packet goroutine only
	next   uint64 // reader only
}

// push is called from the client's packet goroutine. When the reader lags,
// the oldest queued unit is discarded.
func (r *rtspSession) push(au AccessUnit) {
	q := queuedUnit{index: r.pushed, au: au}
	r.pushed++
	for {
		select {
		case r.units <- q:
			return
		default:
		}
		select {
		case <-r.units:
			r.mu.Lock()
			r.dropped++
			n := r.dropped
			r.mu.Unlock()
			r.warnf("access unit queue full, dropped %d so far", n)
		default:
		}
	}
}

func (r *rtspSession) warnf(format string, args ...any) {
	if r.warn.Allow() {
		GetLogger().Warn(fmt.Sprintf(format, args...), logger.String("url", r.source))
	}
}

func (r *rtspSession) ReadAccessUnit(ctx context.Context) (AccessUnit, error) {
	select {
	case q := <-r.units:
		au := q.au
		// a gap in push order means dropped units
		if q.index != r.next {
			au.Discontinuity = true
		}
		r.next = q.index + 1
		return au, nil
	case err := <-r.errCh:
		if err == nil {
			err = errors.NewStd("session ended")
		}
		return AccessUnit{}, errors.New(err).
			Component("stream").
			Category(errors.CategoryRTSP).
			Context("url", r.source).
			Build()
	case <-ctx.Done():
		return AccessUnit{}, ctx.Err()
	}
}

func (r *rtspSession) Close() error {
	r.closeOnce.Do(r.client.Close)
	return nil
}
