package httpapi

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/lightfield/internal/manager"
)

const defaultSessionLimit = 50

// AddStreamRequest is the body of POST /api/v1/streams.
type AddStreamRequest struct {
	ID        string `json:"id,omitempty"`
	URL       string `json:"url"`
	Transport string `json:"transport,omitempty"`
}

// StreamsResponse lists every stream.
type StreamsResponse struct {
	Streams   []manager.Info `json:"streams"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) listStreams(c echo.Context) error {
	return c.JSON(http.StatusOK, StreamsResponse{
		Streams:   s.streams.Streams(),
		Timestamp: time.Now(),
	})
}

func (s *Server) addStream(c echo.Context) error {
	var req AddStreamRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.URL == "" {
		return s.HandleError(c, nil, "url is required", http.StatusBadRequest)
	}
	id, err := s.streams.AddStream(manager.StreamSpec{ID: req.ID, URL: req.URL, Transport: req.Transport})
	if err != nil {
		return s.HandleError(c, err, "Failed to add stream", statusFor(err))
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) removeStream(c echo.Context) error {
	id := c.Param("id")
	if err := s.streams.RemoveStream(id); err != nil {
		return s.HandleError(c, err, "Failed to remove stream", statusFor(err))
	}
	return c.NoContent(http.StatusNoContent)
}

// streamMask renders the current mask as an 8-bit grayscale PNG.
func (s *Server) streamMask(c echo.Context) error {
	mask, err := s.streams.ReadMask(c.Param("id"))
	if err != nil {
		return s.HandleError(c, err, "Failed to read mask", statusFor(err))
	}
	if mask == nil {
		return s.HandleError(c, nil, "Stream has no mask yet", http.StatusNotFound)
	}

	img := &image.Gray{
		Pix:    mask.Alpha,
		Stride: mask.Width,
		Rect:   image.Rect(0, 0, mask.Width, mask.Height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return s.HandleError(c, err, "Failed to encode mask", http.StatusInternalServerError)
	}
	c.Response().Header().Set("X-Frame-Sequence", strconv.FormatUint(mask.Sequence, 10))
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) recordingStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.streams.Recording())
}

func (s *Server) startRecording(c echo.Context) error {
	sess, err := s.streams.StartRecording()
	if err != nil {
		return s.HandleError(c, err, "Failed to start recording", statusFor(err))
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) stopRecording(c echo.Context) error {
	manifest, err := s.streams.StopRecording()
	if err != nil && manifest == nil {
		return s.HandleError(c, err, "Failed to stop recording", statusFor(err))
	}
	if err != nil {
		s.log.Warn("recording stopped with errors", logFields(c, err)...)
	}
	return c.JSON(http.StatusOK, manifest)
}

func (s *Server) listSessions(c echo.Context) error {
	if s.sessions == nil {
		return s.HandleError(c, nil, "Session catalog is disabled", http.StatusNotFound)
	}
	limit := defaultSessionLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s.HandleError(c, err, "limit must be a non-negative integer", http.StatusBadRequest)
		}
		limit = n
	}
	sessions, err := s.sessions.ListSessions(c.Request().Context(), limit)
	if err != nil {
		return s.HandleError(c, err, "Failed to list sessions", statusFor(err))
	}
	return c.JSON(http.StatusOK, sessions)
}
