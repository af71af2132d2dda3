package state

import (
	"context"
	"errors"
)

// KeyInstalledVersion holds the version of the last committed release.
const KeyInstalledVersion = "installed_version"

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("state not found")

// Store is the persistent version store consumed by the updater.
// Set must be durable when it returns.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Closer is implemented by stores holding resources.
type Closer interface {
	Close() error
}
