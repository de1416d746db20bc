package logger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	defaultBufferSize    = 32 * 1024
	defaultFlushInterval = 5 * time.Second
	logFilePermissions   = 0o640
)

// fileWriter buffers log output to an append-only file and flushes it
// periodically.
type fileWriter struct {
	mu     sync.Mutex
	file   afero.File
	writer *bufio.Writer
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func newFileWriter(fs afero.Fs, path string) (*fileWriter, error) {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	w := &fileWriter{
		file:   f,
		writer: bufio.NewWriterSize(f, defaultBufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.flushLoop(defaultFlushInterval)
	return w, nil
}

func (w *fileWriter) flushLoop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			// errors resurface on the next Write
			_ = w.Flush()
		}
	}
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	return w.writer.Write(p)
}

func (w *fileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.writer.Flush()
}

// Close is idempotent.
func (w *fileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush buffer: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync file: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close file: %w", err))
	}
	return errors.Join(errs...)
}
