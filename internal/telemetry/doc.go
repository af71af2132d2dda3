// Package telemetry reports lifecycle events (install, update, activate,
// deactivate) to a collector.
//
// Sinks never fail the updater: HTTPSink and FileSink return errors, and Async
// wraps any sink so delivery happens in the background and is dropped when the
// queue is full.
package telemetry
