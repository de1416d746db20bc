package manager

import (
	"time"

	"github.com/tphakala/lightfield/internal/decode"
	"github.com/tphakala/lightfield/internal/observability/metrics"
	"github.com/tphakala/lightfield/internal/stream"
)

// RTSPSources returns a SourceFactory that dials each stream over RTSP.
// A per-stream transport overrides defaultTransport.
func RTSPSources(defaultTransport string, readTimeout time.Duration) SourceFactory {
	return func(spec StreamSpec) (stream.Source, error) {
		transport := spec.Transport
		if transport == "" {
			transport = defaultTransport
		}
		return stream.NewRTSPSource(stream.RTSPConfig{
			URL:         spec.URL,
			Transport:   transport,
			ReadTimeout: readTimeout,
		})
	}
}

// FFmpegDecoders returns a DecoderFactory backed by one ffmpeg process per
// stream.
func FFmpegDecoders(cfg decode.FFmpegConfig, m *metrics.PipelineMetrics) DecoderFactory {
	return func(streamID string) FrameDecoder {
		c := cfg
		c.StreamID = streamID
		return decode.New(streamID, decode.NewFFmpegBackend(c), m)
	}
}
