package analysis

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the analysis logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("analysis")
}
