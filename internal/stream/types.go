package stream

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// AccessUnit is one encoded picture demuxed from a stream.
type AccessUnit struct {
	Sequence uint64
	PTS      time.Duration
	Received time.Time
	NALUs    [][]byte
	Keyframe bool

	// Discontinuity marks the first unit after units were lost before it,
	// so references to earlier pictures may be broken.
	Discontinuity bool
}

// Source opens transport sessions for a stream.
type Source interface {
	Open(ctx context.Context) (Session, error)
}

// Session yields access units until the transport fails or it is closed.
type Session interface {
	ReadAccessUnit(ctx context.Context) (AccessUnit, error)
	Close() error
}

// Status is a connection's lifecycle state.
type Status int

const (
	StatusConnecting Status = iota
	StatusStreaming
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// AllStatuses lists every status in declaration order.
func AllStatuses() []string {
	return []string{
		StatusConnecting.String(),
		StatusStreaming.String(),
		StatusReconnecting.String(),
		StatusClosed.String(),
	}
}

// Transition records one status change.
type Transition struct {
	From      Status
	To        Status
	Timestamp time.Time
	Reason    string
}

// validTransitions defines the allowed status changes. Closed is terminal.
var validTransitions = map[Status][]Status{
	StatusConnecting:   {StatusStreaming, StatusReconnecting, StatusClosed},
	StatusStreaming:    {StatusReconnecting, StatusClosed},
	StatusReconnecting: {StatusStreaming, StatusClosed},
	StatusClosed:       {},
}

func isValidTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Health is a point-in-time snapshot of a connection.
type Health struct {
	Status          Status
	Retries         int
	TotalReconnects int
	AccessUnits     uint64
	LastReceived    time.Time
	Transitions     []Transition
}
