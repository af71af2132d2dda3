package release

import "errors"

// Class groups errors by the stage of an update that produced them.
type Class int

const (
	// ClassUnknown is reported for errors outside the taxonomy.
	ClassUnknown Class = iota
	// ClassResolution covers manifest and version lookup failures.
	ClassResolution
	// ClassFetch covers download and archive failures.
	ClassFetch
	// ClassVerification covers digest mismatches before or after apply.
	ClassVerification
	// ClassApply covers backup, delete, move and lock failures on the live tree.
	ClassApply
	// ClassRollback is reported when a rollback could not restore the live tree.
	ClassRollback
	// ClassSession covers session-level conflicts.
	ClassSession
)

// String returns a short lowercase name of the class.
func (c Class) String() string {
	switch c {
	case ClassResolution:
		return "resolution"
	case ClassFetch:
		return "fetch"
	case ClassVerification:
		return "verification"
	case ClassApply:
		return "apply"
	case ClassRollback:
		return "rollback"
	case ClassSession:
		return "session"
	default:
		return "unknown"
	}
}

// Retryable reports whether retrying the whole update is safe once the root cause is fixed.
func (c Class) Retryable() bool {
	return c != ClassRollback
}

// kindError is a sentinel tagged with its class.
type kindError struct {
	// msg is the error text.
	msg string
	// class is the taxonomy bucket.
	class Class
}

// Error implements error.
func (e *kindError) Error() string {
	return e.msg
}

func newKind(msg string, class Class) error {
	return &kindError{msg: msg, class: class}
}

var (
	// ErrUnreachable is returned when the release manifest cannot be fetched or parsed.
	ErrUnreachable = newKind("release manifest unreachable", ClassResolution)
	// ErrNotFound is returned when the requested version is absent from the index.
	ErrNotFound = newKind("release not found", ClassResolution)
	// ErrInvalidVersion is returned for a version string that is not a semantic version.
	ErrInvalidVersion = newKind("invalid version", ClassResolution)

	// ErrFetchFailed is returned when a download keeps failing after every retry.
	ErrFetchFailed = newKind("fetch failed", ClassFetch)
	// ErrArchiveMalformed is returned for unreadable packages, unsafe entry names or missing entries.
	ErrArchiveMalformed = newKind("archive malformed", ClassFetch)

	// ErrVerificationFailed is returned when staged content does not match the target catalog.
	ErrVerificationFailed = newKind("verification failed", ClassVerification)
	// ErrPostApplyVerificationFailed is returned when live content does not match after apply.
	ErrPostApplyVerificationFailed = newKind("post-apply verification failed", ClassVerification)
	// ErrIntegrityMismatch is returned when one path has the same digest but different sizes.
	ErrIntegrityMismatch = newKind("integrity mismatch", ClassVerification)

	// ErrBackupFailed is returned when the backup area could not be fully populated.
	ErrBackupFailed = newKind("backup failed", ClassApply)
	// ErrFileLocked is returned when exclusive access to a live file could not be obtained.
	ErrFileLocked = newKind("file locked", ClassApply)
	// ErrDeleteFailed is returned when a removed path could not be deleted.
	ErrDeleteFailed = newKind("delete failed", ClassApply)
	// ErrMoveFailed is returned when a staged file could not be moved into place.
	ErrMoveFailed = newKind("move failed", ClassApply)

	// ErrRollbackFailed is returned when a rollback left the live tree inconsistent.
	ErrRollbackFailed = newKind("rollback failed", ClassRollback)

	// ErrUpdateInProgress is returned when another session already holds the installation.
	ErrUpdateInProgress = newKind("update in progress", ClassSession)

	// ErrInvalidPath is returned for catalog paths that are empty, absolute or escape the root.
	ErrInvalidPath = errors.New("invalid catalog path")
)

// ClassOf returns the class of the first taxonomy error found in err's chain.
// A failed rollback always wins over the failure that triggered it.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, ErrRollbackFailed) {
		return ClassRollback
	}

	var kind *kindError
	if errors.As(err, &kind) {
		return kind.class
	}

	return ClassUnknown
}
