// Package progress delivers per-step phase changes of an update run to an
// observer without ever blocking the run.
package progress
