package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// dirPermissions is applied to the directory of the events file.
	dirPermissions = 0o755
	// filePermissions is applied to the events file.
	filePermissions = 0o644
)

// FileSink appends each event as one JSON line to a local file.
type FileSink struct {
	// path is the events file.
	path string
	// mu serializes appends.
	mu sync.Mutex
}

// NewFileSink creates a sink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: filepath.Clean(path)}
}

// Emit implements Sink.
func (s *FileSink) Emit(_ context.Context, event Event) error {
	line, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(s.path), dirPermissions); err != nil {
		return fmt.Errorf("create events directory: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermissions)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}

	_, err = file.Write(append(line, '\n'))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}
