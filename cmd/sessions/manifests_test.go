package sessions

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/lightfield/internal/errors"
)

const manifestYAML = `id: %s
uuid: u-%s
started: 2026-03-01T10:00:00Z
stopped: 2026-03-01T10:02:00Z
streams:
  - id: cam-a
    file: frames/cam-a.lfr
    written: 40
    dropped: 1
`

func writeManifest(t *testing.T, fs afero.Fs, id string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/rec/"+id, 0o755))
	data := []byte(fmt.Sprintf(manifestYAML, id, id))
	require.NoError(t, afero.WriteFile(fs, "/rec/"+id+"/session.yaml", data, 0o644))
}

func TestManifestListerNewestFirst(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	for _, id := range []string{"0", "1", "2"} {
		writeManifest(t, fs, id)
	}
	// still recording, no manifest yet
	require.NoError(t, fs.MkdirAll("/rec/3/frames", 0o755))
	require.NoError(t, fs.MkdirAll("/rec/tmp", 0o755))

	l := ManifestLister{Fs: fs, Root: "/rec"}
	list, err := l.ListSessions(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].SessionID)
	assert.Equal(t, 1, list[1].SessionID)
	assert.Equal(t, "/rec/2", list[0].Directory)

	var out bytes.Buffer
	require.NoError(t, List(context.Background(), l, 0, &out))
	assert.Contains(t, out.String(), "2m0s")
	assert.NotContains(t, out.String(), "\n3 ")
}

func TestManifestListerGetSession(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "4")
	l := ManifestLister{Fs: fs, Root: "/rec"}

	s, err := l.GetSession(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "u-4", s.UUID)
	require.Len(t, s.Streams, 1)
	assert.Equal(t, uint64(40), s.Streams[0].Written)

	_, err = l.GetSession(context.Background(), 5)
	assert.True(t, errors.IsNotFound(err))
}

func TestManifestListerMissingRoot(t *testing.T) {
	t.Parallel()
	l := ManifestLister{Fs: afero.NewMemMapFs(), Root: "/nowhere"}
	list, err := l.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}
