package manager

import (
	"fmt"
	"time"

	"github.com/tphakala/lightfield/internal/events"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/stream"
)

// StreamSpec describes a stream to add.
type StreamSpec struct {
	ID        string
	URL       string
	Transport string
}

// FrameDecoder turns access units into frames. A nil frame with a nil error
// means the unit produced no picture.
type FrameDecoder interface {
	Decode(au stream.AccessUnit) (*framebuffer.Frame, error)
	Close() error
}

// SourceFactory builds the transport source of a stream.
type SourceFactory func(spec StreamSpec) (stream.Source, error)

// DecoderFactory builds the decoder of a stream.
type DecoderFactory func(streamID string) FrameDecoder

// FaultKind classifies a FaultEvent.
type FaultKind string

const (
	FaultTransport FaultKind = "transport"
	FaultDecode    FaultKind = "decode"
	FaultRecorder  FaultKind = "recorder"
	FaultFatal     FaultKind = "fatal"
)

// FaultEvent reports an isolated per-stream fault.
type FaultEvent struct {
	StreamID  string
	Kind      FaultKind
	Err       error
	Attempt   int
	Timestamp time.Time
}

func (e FaultEvent) GetKind() events.Kind    { return events.KindStreamFault }
func (e FaultEvent) GetStreamID() string     { return e.StreamID }
func (e FaultEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e FaultEvent) GetMessage() string {
	if e.Err == nil {
		return fmt.Sprintf("%s fault on stream %s", e.Kind, e.StreamID)
	}
	return fmt.Sprintf("%s fault on stream %s: %v", e.Kind, e.StreamID, e.Err)
}

func (e FaultEvent) GetContext() map[string]any {
	ctx := map[string]any{
		"stream_id": e.StreamID,
		"fault":     string(e.Kind),
	}
	if e.Attempt > 0 {
		ctx["attempt"] = e.Attempt
	}
	if e.Err != nil {
		ctx["error"] = e.Err.Error()
	}
	return ctx
}

// Fatal reports whether the fault closed the stream.
func (e FaultEvent) Fatal() bool { return e.Kind == FaultFatal }

// View is the latest state of one stream as seen by the render host.
type View struct {
	StreamID string
	URL      string // credentials redacted
	Status   stream.Status
	Retries  int
	Fatal    bool
	HasFrame bool
	Frame    framebuffer.Frame
	Mask     *framebuffer.Mask
}

// Info is a pixel-free summary of a stream.
type Info struct {
	StreamID     string        `json:"id"`
	URL          string        `json:"url"`
	Status       string        `json:"status"`
	Retries      int           `json:"retries"`
	Reconnects   int           `json:"reconnects"`
	AccessUnits  uint64        `json:"access_units"`
	LastReceived time.Time     `json:"last_received"`
	Sequence     uint64        `json:"sequence"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	HasMask      bool          `json:"has_mask"`
	Recording    bool          `json:"recording"`
	Uptime       time.Duration `json:"uptime"`
}
