package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/lightfield/internal/logger"
)

func newConsoleLogger(t *testing.T, cfg *logger.LoggingConfig) (*logger.CentralLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cl, err := logger.NewCentralLogger(cfg, logger.WithConsoleWriter(buf), logger.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl, buf
}

func TestLogLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		configLevel string
		log         func(l logger.Logger)
		wantOutput  bool
	}{
		{"debug hidden at info", "info", func(l logger.Logger) { l.Debug("msg") }, false},
		{"info shown at info", "info", func(l logger.Logger) { l.Info("msg") }, true},
		{"warn shown at info", "info", func(l logger.Logger) { l.Warn("msg") }, true},
		{"info hidden at error", "error", func(l logger.Logger) { l.Info("msg") }, false},
		{"error shown at error", "error", func(l logger.Logger) { l.Error("msg") }, true},
		{"trace shown at trace", "trace", func(l logger.Logger) { l.Trace("msg") }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cl, buf := newConsoleLogger(t, &logger.LoggingConfig{
				DefaultLevel: tc.configLevel,
				Console:      &logger.ConsoleOutput{Enabled: true, Level: "trace"},
			})
			tc.log(cl.Module("test"))
			assert.Equal(t, tc.wantOutput, strings.Contains(buf.String(), "msg=msg"), buf.String())
		})
	}
}

func TestModuleScopingAndFields(t *testing.T) {
	t.Parallel()

	cl, buf := newConsoleLogger(t, &logger.LoggingConfig{
		DefaultLevel: "debug",
		Console:      &logger.ConsoleOutput{Enabled: true, Level: "debug", Format: "json"},
	})

	log := cl.Module("stream").Module("rtsp").With(logger.String("stream_id", "cam-a"))
	log.Info("transport fault",
		logger.Int("attempt", 2),
		logger.Duration("backoff", 1500*time.Millisecond),
		logger.Error(errors.New("connection refused")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stream.rtsp", entry["module"])
	assert.Equal(t, "cam-a", entry["stream_id"])
	assert.InDelta(t, 2, entry["attempt"], 0)
	assert.Equal(t, "1.5s", entry["backoff"])
	assert.Equal(t, "connection refused", entry["error"])
}

func TestModuleLevelOverride(t *testing.T) {
	t.Parallel()

	cl, buf := newConsoleLogger(t, &logger.LoggingConfig{
		DefaultLevel: "warn",
		Console:      &logger.ConsoleOutput{Enabled: true, Level: "debug"},
		ModuleLevels: map[string]string{"segmentation": "debug"},
	})

	cl.Module("segmentation").Debug("batch submitted")
	cl.Module("recorder").Debug("entry written")

	out := buf.String()
	assert.Contains(t, out, "batch submitted")
	assert.NotContains(t, out, "entry written")
}

func TestWithContextTraceID(t *testing.T) {
	t.Parallel()

	cl, buf := newConsoleLogger(t, &logger.LoggingConfig{
		Console: &logger.ConsoleOutput{Enabled: true, Level: "info"},
	})
	ctx := logger.WithTraceID(t.Context(), "req-42")
	cl.Module("api").WithContext(ctx).Info("stream added")
	assert.Contains(t, buf.String(), "trace_id=req-42")
}

func TestFileOutput(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		Console:    &logger.ConsoleOutput{Enabled: false},
		FileOutput: &logger.FileOutput{Enabled: true, Path: "logs/test.log", Level: "info"},
	}, logger.WithFs(fs))
	require.NoError(t, err)

	cl.Module("recorder").Info("session started", logger.Int("session_id", 3))
	require.NoError(t, cl.Close())

	data, err := afero.ReadFile(fs, "logs/test.log")
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "session started", entry["msg"])
	assert.Equal(t, "recorder", entry["module"])
	assert.Contains(t, entry, "time")
}

func TestInvalidTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}

func TestNilConfig(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(nil)
	require.Error(t, err)
}
