// Package fetch downloads release packages and stages their changed files.
//
// A Fetcher downloads the package archive with bounded retries, checks its
// published checksum, extracts only the added and modified paths into a
// private staging directory and verifies every staged file against the target
// catalog. A Staging is considered complete only after Verify succeeds.
package fetch
