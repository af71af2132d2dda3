// Package updater drives an installation from its recorded version to a target
// release, one committed release at a time.
//
// Engine holds the update logic over injected collaborators (release index,
// fetcher, applier, version store). Run, Status and Deactivate are the CLI entry
// points: they load settings, wire the concrete adapters and take the session
// lock.
package updater
