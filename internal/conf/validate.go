// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tphakala/lightfield/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validateStreams(settings.Streams, &ve)

	c := settings.Connection
	if c.RetryBudget < 1 {
		ve.Errors = append(ve.Errors, "connection.retrybudget must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		ve.Errors = append(ve.Errors, "connection backoff requires 0 < backoffbase <= backoffmax")
	}

	if settings.Decoder.QueueSize < 1 {
		ve.Errors = append(ve.Errors, "decoder.queuesize must be at least 1")
	}

	s := settings.Segmentation
	if s.Enabled {
		if s.Interval <= 0 {
			ve.Errors = append(ve.Errors, "segmentation.interval must be positive")
		}
		if s.Timeout <= 0 {
			ve.Errors = append(ve.Errors, "segmentation.timeout must be positive")
		}
		if s.InputSize < 32 || s.InputSize%32 != 0 {
			ve.Errors = append(ve.Errors, "segmentation.inputsize must be a positive multiple of 32")
		}
	}

	if settings.Recording.Path == "" {
		ve.Errors = append(ve.Errors, "recording.path must not be empty")
	}
	if settings.Recording.QueueSize < 1 {
		ve.Errors = append(ve.Errors, "recording.queuesize must be at least 1")
	}

	if settings.Telemetry.Enabled {
		if _, _, err := net.SplitHostPort(settings.Telemetry.Listen); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("telemetry.listen %q: %v", settings.Telemetry.Listen, err))
		}
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}
	if settings.MQTT.Enabled && settings.MQTT.Broker == "" {
		ve.Errors = append(ve.Errors, "mqtt.broker is required when mqtt is enabled")
	}
	if settings.Notify.Enabled && len(settings.Notify.URLs) == 0 {
		ve.Errors = append(ve.Errors, "notify.urls requires at least one URL when notifications are enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("configuration").
			Category(errors.CategoryValidation).
			Context("error_count", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateStreams(streams []StreamConfig, ve *ValidationError) {
	seen := make(map[string]bool, len(streams))
	for i, s := range streams {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "rtsp" && u.Scheme != "rtsps") || u.Host == "" {
			ve.Errors = append(ve.Errors, fmt.Sprintf("streams[%d]: url must be an rtsp:// URL", i))
		}
		switch s.Transport {
		case "", "tcp", "udp":
		default:
			ve.Errors = append(ve.Errors, fmt.Sprintf("streams[%d]: transport must be tcp or udp", i))
		}
		if s.ID == "" {
			continue
		}
		if seen[s.ID] {
			ve.Errors = append(ve.Errors, fmt.Sprintf("streams[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
	}
}
