// Package logging provides the application log and the protocol debug log.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// FileLogger writes timestamped lines to a file or any writer.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	w      io.Writer
	closer io.Closer
	mu     sync.Mutex
	closed bool
}

// NewFileLogger creates a logger that writes to the specified path.
// The file is created if it doesn't exist, or appended to if it does.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{w: file, closer: file}, nil
}

// NewWriterLogger creates a logger on w. Close does not close w.
func NewWriterLogger(w io.Writer) *FileLogger {
	return &FileLogger{w: w}
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	fmt.Fprintf(l.w, "%s %s\n", time.Now().Format(timestampFormat), fmt.Sprintf(format, args...))
}

// Close closes the underlying file, if any. Further Log calls are dropped.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

var (
	globalLogger   *FileLogger
	globalLoggerMu sync.RWMutex
)

// SetGlobalLogger installs the application log used by Logf. nil disables it.
func SetGlobalLogger(l *FileLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = l
}

// Logf writes to the application log, if one is installed. Messages are also
// mirrored to the debug log under the "app" protocol.
func Logf(format string, args ...interface{}) {
	globalLoggerMu.RLock()
	l := globalLogger
	globalLoggerMu.RUnlock()

	l.Log(format, args...)
	DebugLog("app", format, args...)
}
