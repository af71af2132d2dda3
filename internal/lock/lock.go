package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/app-updater/internal/domain/release"
)

const (
	// dirPermissions is applied to the directory holding the lock file.
	dirPermissions = 0o755
	// filePermissions is applied to the lock file.
	filePermissions = 0o644
)

var (
	// errWouldBlock is returned by the platform lock when another holder exists.
	errWouldBlock = errors.New("lock is held by another process")
	// ErrBusy is returned by Probe for a file that another process keeps open.
	ErrBusy = errors.New("file is in use by another process")
)

// Session is a held session lock.
type Session struct {
	// file keeps the OS lock alive while open.
	file *os.File
}

// Acquire takes the exclusive session lock at path, creating it if needed.
// A lock held elsewhere fails immediately with release.ErrUpdateInProgress.
func Acquire(path string) (*Session, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err = lockFile(file); err != nil {
		_ = file.Close()

		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", release.ErrUpdateInProgress, path)
		}

		return nil, fmt.Errorf("acquire session lock: %w", err)
	}

	// Record the holder for operators inspecting a stuck installation.
	if err = file.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())
	}

	return &Session{file: file}, nil
}

// Release unlocks and closes the lock file. The file itself is left in place.
func (s *Session) Release() error {
	if s == nil || s.file == nil {
		return nil
	}

	unlockErr := unlockFile(s.file)
	closeErr := s.file.Close()
	s.file = nil

	return errors.Join(unlockErr, closeErr)
}
