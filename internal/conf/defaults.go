// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers a default for every key so partial config files
// and environment overrides unmarshal cleanly.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("streams", []map[string]any{})

	v.SetDefault("connection.retrybudget", 5)
	v.SetDefault("connection.backoffbase", 1*time.Second)
	v.SetDefault("connection.backoffmax", 30*time.Second)
	v.SetDefault("connection.readtimeout", 10*time.Second)

	v.SetDefault("decoder.ffmpegpath", "ffmpeg")
	v.SetDefault("decoder.queuesize", 4)

	v.SetDefault("segmentation.enabled", true)
	v.SetDefault("segmentation.interval", 100*time.Millisecond)
	v.SetDefault("segmentation.timeout", 2*time.Second)
	v.SetDefault("segmentation.modelpath", "models/modnet_photographic_portrait_matting.tflite")
	v.SetDefault("segmentation.threads", 0)
	v.SetDefault("segmentation.inputsize", 256)
	v.SetDefault("segmentation.xnnpack", false)
	v.SetDefault("segmentation.breaker.threshold", 5)
	v.SetDefault("segmentation.breaker.reset", 30*time.Second)

	v.SetDefault("recording.path", "capture")
	v.SetDefault("recording.queuesize", 64)
	v.SetDefault("recording.catalog", "capture/catalog.db")

	v.SetDefault("detection.threshold", 128)
	v.SetDefault("detection.minpixels", 500.0)

	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.console.format", "text")
	v.SetDefault("logging.fileoutput.enabled", false)
	v.SetDefault("logging.fileoutput.path", "logs/lightfield.log")
	v.SetDefault("logging.fileoutput.level", "info")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.listen", "127.0.0.1:8090")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "lightfield")
	v.SetDefault("mqtt.clientid", "lightfield")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.passwordfile", "")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.urls", []string{})
	v.SetDefault("notify.cooldown", 10*time.Minute)
}
