package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(id string) (*Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(id string, fn func(dev *Device) error) error

	// FindDeviceByPairingCode returns the device whose durable pairing code
	// matches. Expiry is not checked here; callers own that.
	FindDeviceByPairingCode(code string) (*Device, error)

	// Session operations
	SaveSession(sess *Session) error
	GetSession(id string) (*Session, error)
	UpdateSession(id string, fn func(sess *Session) error) error
	ListSessions(deviceID string) ([]*Session, error)

	// Close the store
	Close() error
}
