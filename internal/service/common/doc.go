// Package common holds helpers shared by several services.
//
// It provides an HTTP client that stamps the updater User-Agent, a bounded
// retry loop with exponential backoff and per-attempt timeouts, and a helper
// to detect the current system actor (hostname/username) for telemetry.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
