package mqtt

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the mqtt logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}
