package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/lightfield/internal/catalog"
	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/manager"
	"github.com/tphakala/lightfield/internal/recorder"
)

type fakeController struct {
	mu        sync.Mutex
	streams   []manager.Info
	masks     map[string]*framebuffer.Mask
	recording bool
}

func (f *fakeController) Streams() []manager.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]manager.Info(nil), f.streams...)
}

func (f *fakeController) AddStream(spec manager.StreamSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(spec.URL, "rtsp://") {
		return "", errors.Newf("unsupported scheme").Category(errors.CategoryValidation).Build()
	}
	for _, s := range f.streams {
		if s.StreamID == spec.ID {
			return "", errors.Newf("exists").Category(errors.CategoryConflict).Build()
		}
	}
	if spec.ID == "" {
		spec.ID = "generated"
	}
	f.streams = append(f.streams, manager.Info{StreamID: spec.ID, URL: spec.URL, Status: "connecting"})
	return spec.ID, nil
}

func (f *fakeController) RemoveStream(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.streams {
		if s.StreamID == id {
			f.streams = append(f.streams[:i], f.streams[i+1:]...)
			return nil
		}
	}
	return errors.Newf("stream %s not found", id).Category(errors.CategoryNotFound).Build()
}

func (f *fakeController) ReadMask(id string) (*framebuffer.Mask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if s.StreamID == id {
			return f.masks[id], nil
		}
	}
	return nil, errors.Newf("stream %s not found", id).Category(errors.CategoryNotFound).Build()
}

func (f *fakeController) StartRecording() (*recorder.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording {
		return nil, errors.Newf("already recording").Category(errors.CategoryState).Build()
	}
	f.recording = true
	return &recorder.Session{ID: 3, UUID: "u", Started: time.Now()}, nil
}

func (f *fakeController) StopRecording() (*recorder.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.recording {
		return nil, errors.Newf("not recording").Category(errors.CategoryState).Build()
	}
	f.recording = false
	return &recorder.Manifest{ID: 3, UUID: "u"}, nil
}

func (f *fakeController) Recording() manager.RecordingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return manager.RecordingStatus{Active: f.recording}
}

type fakeSessions struct {
	limit int
}

func (f *fakeSessions) ListSessions(_ context.Context, limit int) ([]catalog.Session, error) {
	f.limit = limit
	return []catalog.Session{{SessionID: 1}, {SessionID: 0}}, nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeController) {
	t.Helper()
	ctrl := &fakeController{masks: map[string]*framebuffer.Mask{}}
	srv, err := New(Config{Listen: "127.0.0.1:0"}, ctrl, opts...)
	require.NoError(t, err)
	return srv, ctrl
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStreamRoutes(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/streams", `{"id":"cam-a","url":"rtsp://cam.local/a"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"cam-a"}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/v1/streams", `{"id":"cam-a","url":"rtsp://cam.local/a"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/streams", `{"url":"http://cam.local/a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/streams", `{"id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list StreamsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Streams, 1)
	assert.Equal(t, "cam-a", list.Streams[0].StreamID)

	rec = do(t, srv, http.MethodDelete, "/api/v1/streams/cam-a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/streams/cam-a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, http.StatusNotFound, errResp.Code)
	assert.Len(t, errResp.CorrelationID, 8)
}

func TestMaskPNG(t *testing.T) {
	t.Parallel()
	srv, ctrl := newTestServer(t)
	_, err := ctrl.AddStream(manager.StreamSpec{ID: "cam-a", URL: "rtsp://cam.local/a"})
	require.NoError(t, err)

	rec := do(t, srv, http.MethodGet, "/api/v1/streams/cam-a/mask.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctrl.mu.Lock()
	ctrl.masks["cam-a"] = &framebuffer.Mask{Sequence: 12, Width: 3, Height: 2, Alpha: []byte{0, 50, 100, 150, 200, 255}}
	ctrl.mu.Unlock()

	rec = do(t, srv, http.MethodGet, "/api/v1/streams/cam-a/mask.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "12", rec.Header().Get("X-Frame-Sequence"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	r, _, _, _ := img.At(2, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	rec = do(t, srv, http.MethodGet, "/api/v1/streams/missing/mask.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordingRoutes(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/recording/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/recording/start", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":3`)

	rec = do(t, srv, http.MethodPost, "/api/v1/recording/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/recording", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = do(t, srv, http.MethodPost, "/api/v1/recording/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionsRoute(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/sessions", "").Code)

	sessions := &fakeSessions{}
	srv, _ = newTestServer(t, WithSessions(sessions))
	rec := do(t, srv, http.MethodGet, "/api/v1/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, sessions.limit)

	var got []catalog.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/v1/sessions?limit=-1", "").Code)
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "lightfield_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv, _ := newTestServer(t, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lightfield_test_total 1")

	rec = do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestNewRequiresController(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
