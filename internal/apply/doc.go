// Package apply commits a verified staging area to the live installation.
//
// Apply backs up every live file the change touches, records a journal,
// deletes removed paths, moves new content into place with go-update and
// re-hashes the result. Any failure restores the backup; restore failures are
// aggregated into a RollbackError instead of stopping at the first one. The
// journal lets Recover finish or undo an apply interrupted by a crash.
package apply
