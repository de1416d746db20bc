// Package events provides an asynchronous event bus that decouples pipeline
// faults and detections from the notification, MQTT and telemetry sinks.
package events

import (
	"fmt"
	"time"
)

// Kind groups events for consumers that only care about some of them.
type Kind string

const (
	KindStreamFault    Kind = "stream_fault"
	KindPersonDetected Kind = "person_detected"
	KindRecording      Kind = "recording"
)

// Event is anything published on the bus.
type Event interface {
	// GetKind returns the event group
	GetKind() Kind

	// GetStreamID returns the stream the event concerns, or "" for
	// system-wide events
	GetStreamID() string

	// GetTimestamp returns when the event occurred
	GetTimestamp() time.Time

	// GetMessage returns a human-readable summary
	GetMessage() string

	// GetContext returns structured fields for sinks such as MQTT
	GetContext() map[string]any
}

// EventConsumer processes events delivered by the bus.
type EventConsumer interface {
	// Name returns the consumer name for identification
	Name() string

	// Accepts reports whether the consumer wants events of this kind
	Accepts(kind Kind) bool

	// ProcessEvent processes a single event
	ProcessEvent(event Event) error
}

// EventBusStats contains runtime statistics for monitoring
type EventBusStats struct {
	EventsReceived  uint64 `json:"events_received"`
	EventsProcessed uint64 `json:"events_processed"`
	EventsDropped   uint64 `json:"events_dropped"`
	ConsumerErrors  uint64 `json:"consumer_errors"`
}

// BoundingBox is a pixel rectangle; Width and Height are inclusive extents.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PersonDetectedEvent is published when a stream's mask covers enough pixels.
type PersonDetectedEvent struct {
	StreamID    string      `json:"stream_id"`
	Sequence    uint64      `json:"sequence"`
	BoundingBox BoundingBox `json:"bounding_box"`
	MaskSum     float64     `json:"mask_sum"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (e *PersonDetectedEvent) GetKind() Kind           { return KindPersonDetected }
func (e *PersonDetectedEvent) GetStreamID() string     { return e.StreamID }
func (e *PersonDetectedEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *PersonDetectedEvent) GetMessage() string {
	b := e.BoundingBox
	return fmt.Sprintf("person detected on %s at %dx%d+%d+%d (mask sum %.1f)",
		e.StreamID, b.Width, b.Height, b.X, b.Y, e.MaskSum)
}

func (e *PersonDetectedEvent) GetContext() map[string]any {
	return map[string]any{
		"stream_id":    e.StreamID,
		"sequence":     e.Sequence,
		"bounding_box": e.BoundingBox,
		"mask_sum":     e.MaskSum,
	}
}

// RecordingEvent marks the start or stop of a recording session.
type RecordingEvent struct {
	SessionID int       `json:"session_id"`
	UUID      string    `json:"uuid"`
	Action    string    `json:"action"` // "started" or "stopped"
	Streams   int       `json:"streams"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *RecordingEvent) GetKind() Kind           { return KindRecording }
func (e *RecordingEvent) GetStreamID() string     { return "" }
func (e *RecordingEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *RecordingEvent) GetMessage() string {
	return fmt.Sprintf("recording session %d %s", e.SessionID, e.Action)
}

func (e *RecordingEvent) GetContext() map[string]any {
	return map[string]any{
		"session_id": e.SessionID,
		"uuid":       e.UUID,
		"action":     e.Action,
		"streams":    e.Streams,
	}
}
