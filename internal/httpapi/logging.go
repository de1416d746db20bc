package httpapi

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the httpapi logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("httpapi")
}
