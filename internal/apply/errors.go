package apply

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// PathError is one failed restore.
type PathError struct {
	// Path is the relative path that could not be restored.
	Path string
	// Err is the cause.
	Err error
}

// Error implements error.
func (e *PathError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *PathError) Unwrap() error {
	return e.Err
}

// RollbackError lists every path a rollback could not restore.
type RollbackError struct {
	// Failures holds one entry per unrestored path.
	Failures []*PathError
}

// Error implements error.
func (e *RollbackError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.Error())
	}

	return fmt.Sprintf("%s: %d path(s) not restored: %s",
		release.ErrRollbackFailed, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes ErrRollbackFailed and every individual cause.
func (e *RollbackError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, release.ErrRollbackFailed)

	for _, failure := range e.Failures {
		errs = append(errs, failure)
	}

	return errs
}

// Failure is an apply that did not commit.
type Failure struct {
	// Kind is the release sentinel naming the failed step.
	Kind error
	// Path is the relative path the step failed on, if any.
	Path string
	// Err is the cause.
	Err error
	// Rollback is the outcome of the rollback; nil when the live tree was restored.
	Rollback error
}

// Error implements error.
func (f *Failure) Error() string {
	var b strings.Builder

	b.WriteString(f.Kind.Error())

	if f.Path != "" {
		b.WriteString(" at ")
		b.WriteString(f.Path)
	}

	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}

	if f.Rollback != nil {
		b.WriteString("; ")
		b.WriteString(f.Rollback.Error())
	}

	return b.String()
}

// Unwrap exposes the step kind, the cause and the rollback outcome.
func (f *Failure) Unwrap() []error {
	errs := []error{f.Kind}

	if f.Err != nil {
		errs = append(errs, f.Err)
	}

	if f.Rollback != nil {
		errs = append(errs, f.Rollback)
	}

	return errs
}

// RolledBack reports whether the live tree was fully restored.
func (f *Failure) RolledBack() bool {
	return f.Rollback == nil
}

// stepError carries the path a step failed on.
type stepError struct {
	path string
	err  error
}

func (e *stepError) Error() string { return e.path + ": " + e.err.Error() }

func (e *stepError) Unwrap() error { return e.err }

func atPath(path string, err error) error {
	return &stepError{path: path, err: err}
}

// splitPath extracts the failing path recorded by atPath.
func splitPath(err error) (string, error) {
	var se *stepError
	if errors.As(err, &se) {
		return se.path, se.err
	}

	return "", err
}
