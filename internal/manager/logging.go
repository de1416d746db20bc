package manager

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the manager logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("manager")
}
