package notification

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the notification logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("notification")
}
