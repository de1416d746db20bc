package modnet

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the matting model logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("modnet")
}
