//go:build !windows

package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errWouldBlock
	}

	if err != nil {
		return fmt.Errorf("flock: %w", err)
	}

	return nil
}

func unlockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("flock unlock: %w", err)
	}

	return nil
}

// Probe reports ErrBusy when path is a program image that is currently executing.
// A missing file is not busy.
func Probe(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err == nil {
		return f.Close()
	}

	if errors.Is(err, unix.ETXTBSY) {
		return fmt.Errorf("%s: %w", path, ErrBusy)
	}

	// Other failures surface with a precise cause when the file is backed up.
	return nil
}
