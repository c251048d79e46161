package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger is the append-only operational log: one timestamped line per
// session event or published batch. A nil *FileLogger discards everything,
// so callers need not check whether a log file was configured.
type FileLogger struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{path: path, file: file}, nil
}

func (l *FileLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
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
	fmt.Fprintf(l.file, "%s %s\n", time.Now().Format(timeLayout), fmt.Sprintf(format, args...))
}

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
	return l.file.Close()
}
