package segmentation

import "github.com/tphakala/lightfield/internal/logger"

// GetLogger returns the segmentation logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("segmentation")
}
