package recorder

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the recorder logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("recorder")
}
