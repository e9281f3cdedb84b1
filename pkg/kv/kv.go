// Package kv provides the opaque key-value persistence primitive backing
// the parami service. Records are whole JSON values written atomically
// under a dedicated key; the store never interprets them.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no value exists under a key.
	ErrNotFound = errors.New("kv: key not found")

	// ErrStoreClosed indicates the underlying store is unavailable.
	ErrStoreClosed = errors.New("kv: store closed")
)

// Store is the persistence contract. Implementations must be safe for
// concurrent use and must treat each Set as a full-record replacement.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases underlying resources.
	Close() error
}

// Well-known record keys.
const (
	KeyPreferences       = "preferences"
	KeyContentCache      = "contentCache"
	KeyVAPIDKeys         = "pushVapidKeys"
	KeyPushSubscriptions = "pushSubscriptions"
)
