// Package presence provides the shared presence store: cross-instance
// visibility into per-device connection membership, pairing code lookup,
// and last-seen timestamps. Every operation is fallible and callers must
// treat failures as non-fatal; the local connection registry stays
// authoritative for local delivery.
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("not found")

// Store is the shared presence store interface.
type Store interface {
	// Per-device connection membership.
	AddConnection(ctx context.Context, deviceID, connID string) error
	RemoveConnection(ctx context.Context, deviceID, connID string) error
	Connections(ctx context.Context, deviceID string) ([]string, error)

	// Pairing code fast path. TakePairingCode atomically deletes on read,
	// so concurrent redemptions of the same code resolve to one winner.
	SetPairingCode(ctx context.Context, code, deviceID string, ttl time.Duration) error
	TakePairingCode(ctx context.Context, code string) (string, error)
	DeletePairingCode(ctx context.Context, code string) error

	// Scalar last-seen timestamp per device.
	TouchLastSeen(ctx context.Context, deviceID string, t time.Time) error
	LastSeen(ctx context.Context, deviceID string) (time.Time, error)

	Close() error
}
