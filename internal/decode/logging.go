package decode

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the decode logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("decode")
}
