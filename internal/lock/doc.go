// Package lock provides the per-installation session lock and a probe for
// files held open by other processes.
//
// The session lock is an exclusive, non-blocking OS file lock (flock on Unix,
// LockFileEx on Windows); a second session fails fast instead of queuing.
package lock
