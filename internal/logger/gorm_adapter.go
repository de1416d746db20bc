package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormAdapter routes GORM's logging through a module logger. Statements are
// logged at TRACE; slow statements and failures at WARN.
type GormAdapter struct {
	logger        Logger
	slowThreshold time.Duration
}

// NewGormAdapter creates a GORM logger. A zero slowThreshold disables slow
// statement warnings.
func NewGormAdapter(log Logger, slowThreshold time.Duration) *GormAdapter {
	if log == nil {
		log = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	return &GormAdapter{logger: log, slowThreshold: slowThreshold}
}

// LogMode is ignored; levels come from the module configuration.
func (a *GormAdapter) LogMode(_ gormlogger.LogLevel) gormlogger.Interface {
	return a
}

func (a *GormAdapter) Info(_ context.Context, msg string, data ...any) {
	a.logger.Debug(fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Warn(_ context.Context, msg string, data ...any) {
	a.logger.Warn(fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Error(_ context.Context, msg string, data ...any) {
	a.logger.Error(fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []Field{String("sql", sql), Int64("rows", rows), Duration("elapsed", elapsed)}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		a.logger.Warn("catalog statement failed", append(fields, Error(err))...)
	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		a.logger.Warn("slow catalog statement", fields...)
	default:
		a.logger.Trace("catalog statement", fields...)
	}
}
