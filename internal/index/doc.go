// Package index reads the remote release manifest and resolves update chains.
//
// The manifest lists releases per branch (stable, beta, nightly). It is
// fetched once per session into an immutable Snapshot, which answers every
// later question about versions without touching the network again.
package index
