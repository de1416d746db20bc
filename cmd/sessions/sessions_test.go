package sessions

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/lightfield/internal/catalog"
	"github.com/tphakala/lightfield/internal/errors"
)

type fakeLister struct {
	sessions []catalog.Session
}

func (f *fakeLister) ListSessions(_ context.Context, limit int) ([]catalog.Session, error) {
	if limit < len(f.sessions) {
		return f.sessions[:limit], nil
	}
	return f.sessions, nil
}

func (f *fakeLister) GetSession(_ context.Context, id int) (*catalog.Session, error) {
	for i := range f.sessions {
		if f.sessions[i].SessionID == id {
			return &f.sessions[i], nil
		}
	}
	return nil, errors.Newf("session %d not found", id).Category(errors.CategoryNotFound).Build()
}

func fixture() *fakeLister {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &fakeLister{sessions: []catalog.Session{
		{
			SessionID: 1,
			UUID:      "b2d4",
			Directory: "/rec/1",
			Started:   start.Add(time.Hour),
			Stopped:   start.Add(time.Hour + 90*time.Second),
			Streams: []catalog.Stream{
				{StreamID: "cam-a", File: "frames/cam-a.lfr", Written: 100, Dropped: 2},
				{StreamID: "cam-b", File: "frames/cam-b.lfr", Written: 50, Masks: 7},
			},
		},
		{SessionID: 0, UUID: "a1c3", Started: start},
	}}
}

func TestList(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	require.NoError(t, List(context.Background(), fixture(), 10, &out))

	s := out.String()
	assert.Contains(t, s, "1m30s")
	assert.Contains(t, s, "150")
	assert.Contains(t, s, "-")

	out.Reset()
	require.NoError(t, List(context.Background(), &fakeLister{}, 10, &out))
	assert.Equal(t, "no sessions\n", out.String())
}

func TestShow(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	require.NoError(t, Show(context.Background(), fixture(), 1, &out))
	assert.Contains(t, out.String(), "uuid:      b2d4")
	assert.Contains(t, out.String(), "frames/cam-b.lfr")

	err := Show(context.Background(), fixture(), 9, &out)
	assert.True(t, errors.IsNotFound(err))
}
