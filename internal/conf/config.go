// Package conf loads and validates application settings with viper.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/logger"
)

// Settings is the root of the configuration tree.
type Settings struct {
	Debug bool `mapstructure:"debug"`

	Streams      []StreamConfig       `mapstructure:"streams"`
	Connection   ConnectionSettings   `mapstructure:"connection"`
	Decoder      DecoderSettings      `mapstructure:"decoder"`
	Segmentation SegmentationSettings `mapstructure:"segmentation"`
	Recording    RecordingSettings    `mapstructure:"recording"`
	Detection    DetectionSettings    `mapstructure:"detection"`

	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry"`
	Sentry    SentrySettings       `mapstructure:"sentry"`
	MQTT      MQTTSettings         `mapstructure:"mqtt"`
	Notify    NotifySettings       `mapstructure:"notify"`
}

// StreamConfig is one configured camera. An empty ID gets a generated one.
type StreamConfig struct {
	ID        string `mapstructure:"id"`
	URL       string `mapstructure:"url"`
	Transport string `mapstructure:"transport"` // tcp or udp
}

// ConnectionSettings controls reconnect behaviour shared by every stream.
type ConnectionSettings struct {
	RetryBudget int           `mapstructure:"retrybudget"` // consecutive transport faults before a stream is closed
	BackoffBase time.Duration `mapstructure:"backoffbase"`
	BackoffMax  time.Duration `mapstructure:"backoffmax"`
	ReadTimeout time.Duration `mapstructure:"readtimeout"`
}

// DecoderSettings configures the ffmpeg decode backend.
type DecoderSettings struct {
	FFmpegPath string `mapstructure:"ffmpegpath"`
	QueueSize  int    `mapstructure:"queuesize"`
}

// SegmentationSettings configures the batching scheduler and the model.
type SegmentationSettings struct {
	Enabled   bool            `mapstructure:"enabled"`
	Interval  time.Duration   `mapstructure:"interval"`
	Timeout   time.Duration   `mapstructure:"timeout"` // per-batch bound on an engine call
	ModelPath string          `mapstructure:"modelpath"`
	Threads   int             `mapstructure:"threads"`
	InputSize int             `mapstructure:"inputsize"`
	XNNPACK   bool            `mapstructure:"xnnpack"`
	Breaker   BreakerSettings `mapstructure:"breaker"`
}

// BreakerSettings configures the circuit breaker guarding the engine.
type BreakerSettings struct {
	Threshold int           `mapstructure:"threshold"`
	Reset     time.Duration `mapstructure:"reset"`
}

// RecordingSettings configures where and how sessions are written.
type RecordingSettings struct {
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queuesize"`
	Catalog   string `mapstructure:"catalog"` // sqlite file; empty disables the catalog
}

// DetectionSettings configures mask analysis.
type DetectionSettings struct {
	Threshold uint8   `mapstructure:"threshold"`
	MinPixels float64 `mapstructure:"minpixels"`
}

// TelemetrySettings controls the HTTP control API and /metrics.
type TelemetrySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// SentrySettings enables error reporting.
type SentrySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// MQTTSettings configures the event publisher.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"clientid"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// PasswordFile takes precedence over Password, for mounted secrets.
	PasswordFile string `mapstructure:"passwordfile"`
}

// NotifySettings configures shoutrrr notifications for fatal stream faults.
type NotifySettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	URLs     []string      `mapstructure:"urls"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

const envPrefix = "LIGHTFIELD"

// Load reads configuration into a Settings value. When configFile is empty the
// default search paths are used and a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaultConfig(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("configuration").
				Category(errors.CategoryConfiguration).
				FileContext(configFile).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := resolveSecrets(afero.NewOsFs(), settings); err != nil {
		return nil, err
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// DefaultConfigPaths returns the directories searched for config.yaml.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lightfield"))
	}
	return append(paths, "/etc/lightfield")
}
