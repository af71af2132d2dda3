package unlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/app-updater/internal/logger"
)

const (
	// DefaultWait bounds how long RequestUnlock waits for terminated processes to exit.
	DefaultWait = 10 * time.Second
	// defaultPollInterval is the pause between process list checks.
	defaultPollInterval = 100 * time.Millisecond
	// commLength is the longest process name the Linux kernel reports.
	commLength = 15
	// deletedSuffix marks a /proc exe link whose file was replaced or removed.
	deletedSuffix = " (deleted)"
)

// ErrDenied is returned when exclusive access to a path cannot be granted.
var ErrDenied = errors.New("exclusive access denied")

// Unlocker requests exclusive access to a live file.
type Unlocker interface {
	// RequestUnlock returns nil once path is expected to be free, or ErrDenied.
	RequestUnlock(ctx context.Context, path string) error
}

// Deny is an Unlocker that refuses every request.
type Deny struct{}

// RequestUnlock implements Unlocker.
func (Deny) RequestUnlock(_ context.Context, path string) error {
	return fmt.Errorf("%s: %w", path, ErrDenied)
}

// ProcessUnlocker frees executables by terminating the processes running them.
type ProcessUnlocker struct {
	// wait bounds how long to wait for terminated processes to disappear.
	wait time.Duration
	// poll is the pause between checks.
	poll time.Duration
	// self is the PID that is never terminated.
	self int
	// processes lists running processes.
	processes func() ([]ps.Process, error)
	// find returns the process with pid, or nil once it has exited.
	find func(pid int) (ps.Process, error)
	// kill terminates the process with pid.
	kill func(pid int) error
	// image returns the full executable path of pid when the host exposes it.
	image func(pid int) (string, bool)
}

// Option configures a ProcessUnlocker.
type Option func(*ProcessUnlocker)

// WithWait overrides how long to wait for processes to exit.
func WithWait(d time.Duration) Option {
	return func(u *ProcessUnlocker) {
		if d > 0 {
			u.wait = d
		}
	}
}

// NewProcessUnlocker creates a ProcessUnlocker backed by the OS process table.
func NewProcessUnlocker(opts ...Option) *ProcessUnlocker {
	u := &ProcessUnlocker{
		wait:      DefaultWait,
		poll:      defaultPollInterval,
		self:      os.Getpid(),
		processes: ps.Processes,
		find:      ps.FindProcess,
		kill:      killProcess,
		image:     executablePath,
	}

	for _, opt := range opts {
		opt(u)
	}

	return u
}

// RequestUnlock terminates every other process running the executable at path
// and waits for them to exit. With no such process nothing can be released and ErrDenied
// is returned.
//
// Where the host exposes a process's full executable path (Linux /proc) the match is
// exact. Elsewhere only the image name is known, so a process started from another
// directory under the same name is terminated too.
func (u *ProcessUnlocker) RequestUnlock(ctx context.Context, path string) error {
	target := resolvePath(path)

	list, err := u.processes()
	if err != nil {
		return fmt.Errorf("list processes: %w: %w", ErrDenied, err)
	}

	var pids []int

	for _, process := range list {
		if process.Pid() == u.self || !u.runs(process, target) {
			continue
		}

		logger.InfoKV(ctx, "Terminating process holding a file", "pid", process.Pid(), "path", path)

		if err = u.kill(process.Pid()); err != nil {
			return fmt.Errorf("terminate process %d: %w: %w", process.Pid(), ErrDenied, err)
		}

		pids = append(pids, process.Pid())
	}

	if len(pids) == 0 {
		return fmt.Errorf("%s: no process to terminate: %w", path, ErrDenied)
	}

	return u.waitGone(ctx, pids)
}

// waitGone polls until every pid has exited or the wait expires.
func (u *ProcessUnlocker) waitGone(ctx context.Context, pids []int) error {
	deadline := time.Now().Add(u.wait)

	for {
		alive := pids[:0]

		for _, pid := range pids {
			process, err := u.find(pid)
			if err == nil && process == nil {
				continue
			}

			alive = append(alive, pid)
		}

		pids = alive
		if len(pids) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("processes %v still running: %w", pids, ErrDenied)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrDenied, ctx.Err())
		case <-time.After(u.poll):
		}
	}
}

// runs reports whether process executes the file at target.
func (u *ProcessUnlocker) runs(process ps.Process, target string) bool {
	if full, ok := u.image(process.Pid()); ok {
		return sameExecutable(resolvePath(full), target)
	}

	return matchesName(process.Executable(), filepath.Base(target))
}

// matchesName compares a reported process name with an executable base name.
// Linux cuts names to commLength bytes, so a name of exactly that length
// matches any longer executable name it starts.
func matchesName(reported, name string) bool {
	if sameExecutable(reported, name) {
		return true
	}

	return runtime.GOOS == "linux" && truncatedMatch(reported, name)
}

// truncatedMatch reports whether reported is name cut to the kernel comm length.
func truncatedMatch(reported, name string) bool {
	return len(reported) == commLength && len(name) > commLength && strings.HasPrefix(name, reported)
}

// resolvePath makes path absolute and follows symlinks where possible.
func resolvePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	return filepath.Clean(path)
}

// executablePath reads the executable link of pid from /proc.
func executablePath(pid int) (string, bool) {
	if runtime.GOOS != "linux" {
		return "", false
	}

	link, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "exe"))
	if err != nil {
		return "", false
	}

	return strings.TrimSuffix(link, deletedSuffix), true
}

// sameExecutable compares process image names the way the host file system does.
func sameExecutable(a, b string) bool {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.EqualFold(a, b)
	}

	return a == b
}

func killProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return process.Kill()
}
