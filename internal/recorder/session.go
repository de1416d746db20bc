package recorder

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/lightfield/internal/errors"
)

const (
	framesDir    = "frames"
	masksDir     = "masks"
	manifestName = "session.yaml"
	dirPerm      = 0o755
	filePerm     = 0o644
)

// Status is the lifecycle state of the recorder.
type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRecording:
		return "recording"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session identifies one recording on disk.
type Session struct {
	ID        int       `json:"id"`
	UUID      string    `json:"uuid"`
	Directory string    `json:"directory"`
	Started   time.Time `json:"started"`
}

// SinkStats summarises one stream's recording.
type SinkStats struct {
	StreamID string    `yaml:"id" json:"stream_id"`
	File     string    `yaml:"file" json:"file"`
	Written  uint64    `yaml:"written" json:"written"`
	Dropped  uint64    `yaml:"dropped" json:"dropped"`
	Failed   uint64    `yaml:"failed,omitempty" json:"failed"`
	Masks    uint64    `yaml:"masks,omitempty" json:"masks"`
	First    time.Time `yaml:"first,omitempty" json:"first"`
	Last     time.Time `yaml:"last,omitempty" json:"last"`
}

// Manifest is persisted as session.yaml when a session stops.
type Manifest struct {
	ID      int         `yaml:"id"`
	UUID    string      `yaml:"uuid"`
	Started time.Time   `yaml:"started"`
	Stopped time.Time   `yaml:"stopped"`
	Streams []SinkStats `yaml:"streams"`
}

// NextSessionID returns one more than the largest numeric directory under
// root, or 0 when there is none or root does not exist.
func NextSessionID(fs afero.Fs, root string) (int, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.New(err).
			Component("recorder").
			Category(errors.CategoryFileIO).
			FileContext(root).
			Build()
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil || id < 0 {
			continue
		}
		next = max(next, id+1)
	}
	return next, nil
}

func createSessionDirs(fs afero.Fs, dir string) error {
	for _, sub := range []string{framesDir, masksDir} {
		if err := fs.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return errors.New(err).
				Component("recorder").
				Category(errors.CategoryFileIO).
				FileContext(dir).
				Build()
		}
	}
	return nil
}

func writeManifest(fs afero.Fs, dir string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.New(err).
			Component("recorder").
			Category(errors.CategoryRecording).
			Build()
	}
	path := filepath.Join(dir, manifestName)
	if err := afero.WriteFile(fs, path, data, filePerm); err != nil {
		return errors.New(err).
			Component("recorder").
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	return nil
}

// ReadManifest loads session.yaml from a session directory.
func ReadManifest(fs afero.Fs, dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestName)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.New(err).
			Component("recorder").
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.New(err).
			Component("recorder").
			Category(errors.CategoryRecording).
			FileContext(path).
			Build()
	}
	return &m, nil
}
