package sessions

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/afero"

	"github.com/tphakala/lightfield/internal/catalog"
	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/recorder"
)

// ManifestLister reads session.yaml files under a recording root. It serves
// the sessions command when the catalog is disabled. Sessions that never
// stopped have no manifest and are skipped.
type ManifestLister struct {
	Fs   afero.Fs
	Root string
}

func (l ManifestLister) ids() ([]int, error) {
	entries, err := afero.ReadDir(l.Fs, l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(err).
			Component("sessions").
			Category(errors.CategoryFileIO).
			FileContext(l.Root).
			Build()
	}
	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := strconv.Atoi(e.Name()); err == nil && id >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	return ids, nil
}

// ListSessions returns the newest sessions first.
func (l ManifestLister) ListSessions(ctx context.Context, limit int) ([]catalog.Session, error) {
	ids, err := l.ids()
	if err != nil {
		return nil, err
	}
	var out []catalog.Session
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		dir := filepath.Join(l.Root, strconv.Itoa(id))
		m, err := recorder.ReadManifest(l.Fs, dir)
		if err != nil {
			continue
		}
		out = append(out, catalog.FromManifest(m, dir))
	}
	return out, nil
}

// GetSession reads one session's manifest.
func (l ManifestLister) GetSession(_ context.Context, id int) (*catalog.Session, error) {
	dir := filepath.Join(l.Root, strconv.Itoa(id))
	m, err := recorder.ReadManifest(l.Fs, dir)
	if err != nil {
		return nil, errors.Newf("session %d not found", id).
			Component("sessions").
			Category(errors.CategoryNotFound).
			Build()
	}
	s := catalog.FromManifest(m, dir)
	return &s, nil
}
