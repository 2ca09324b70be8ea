package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"playerhub/internal/presence"
)

// CloseStatus is a transport-neutral close disposition. The web layer maps
// it onto WebSocket close codes.
type CloseStatus int

const (
	CloseNormal CloseStatus = iota
	CloseServerError
	CloseGoingAway
)

// Conn is a live connection to a player held by this process.
type Conn interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close(status CloseStatus, reason string) error
}

// Registry maps device ids to their live local connections and mirrors
// membership into the shared presence store. It is the only component that
// can actually write bytes to a device attached to this process; the
// presence store only provides cross-instance visibility. Entirely
// volatile on restart: devices re-handshake.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn

	presence presence.Store
	logger   *slog.Logger
}

// NewRegistry creates an empty registry backed by the given presence store.
func NewRegistry(ps presence.Store, logger *slog.Logger) *Registry {
	return &Registry{
		conns:    make(map[string]map[string]Conn),
		presence: ps,
		logger:   logger.With("component", "registry"),
	}
}

// Add inserts a connection into the device's local set and mirrors it into
// the presence store. A presence store failure is logged and never blocks
// local registration.
func (r *Registry) Add(ctx context.Context, deviceID string, conn Conn) {
	r.mu.Lock()
	set, ok := r.conns[deviceID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[deviceID] = set
	}
	set[conn.ID()] = conn
	total := len(set)
	r.mu.Unlock()

	if err := r.presence.AddConnection(ctx, deviceID, conn.ID()); err != nil {
		r.logger.Warn("mirror connection add", "device", deviceID, "err", err)
	}
	r.TouchLastSeen(ctx, deviceID)
	r.logger.Debug("connection added", "device", deviceID, "conn", conn.ID(), "local", total)
}

// Remove deletes a connection from the local set and the presence store.
func (r *Registry) Remove(ctx context.Context, deviceID, connID string) {
	r.mu.Lock()
	if set, ok := r.conns[deviceID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.conns, deviceID)
		}
	}
	r.mu.Unlock()

	if err := r.presence.RemoveConnection(ctx, deviceID, connID); err != nil {
		r.logger.Warn("mirror connection remove", "device", deviceID, "err", err)
	}
	r.logger.Debug("connection removed", "device", deviceID, "conn", connID)
}

// HasAny reports whether the device has at least one live connection,
// locally or (per the presence store) on another instance.
func (r *Registry) HasAny(ctx context.Context, deviceID string) bool {
	r.mu.RLock()
	local := len(r.conns[deviceID]) > 0
	r.mu.RUnlock()
	if local {
		return true
	}

	members, err := r.presence.Connections(ctx, deviceID)
	if err != nil {
		r.logger.Warn("presence lookup", "device", deviceID, "err", err)
		return false
	}
	return len(members) > 0
}

// Local returns a snapshot copy of the connections this process holds for
// the device. Only local connections can be written to.
func (r *Registry) Local(deviceID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[deviceID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// TouchLastSeen updates the device's last-seen timestamp in the presence
// store. Best-effort.
func (r *Registry) TouchLastSeen(ctx context.Context, deviceID string) {
	if err := r.presence.TouchLastSeen(ctx, deviceID, time.Now()); err != nil {
		r.logger.Warn("touch last seen", "device", deviceID, "err", err)
	}
}

// Counts returns the number of distinct devices with a live local
// connection and the total local connection count.
func (r *Registry) Counts() (devices, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, set := range r.conns {
		if len(set) > 0 {
			devices++
			connections += len(set)
		}
	}
	return devices, connections
}
