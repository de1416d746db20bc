package catalog

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the catalog logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("catalog")
}
