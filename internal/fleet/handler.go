package fleet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"playerhub/internal/store"
)

// ConnMeta is the metadata the handshake authenticator attaches to an
// admitted connection.
type ConnMeta struct {
	Token     string
	DeviceID  string
	IPAddress string
	UserAgent string
}

// ConnHandler is the per-connection protocol state machine. The transport
// layer drives it: Admit once after the handshake, HandleFrame per inbound
// frame, Close exactly once when the connection ends.
//
// A connection whose handshake device id does not resolve stays unpaired:
// the only frame it can usefully send is a pairing-request, which binds a
// device identity and completes registration.
type ConnHandler struct {
	f    *Fleet
	conn Conn
	meta ConnMeta

	// deviceID is empty while unpaired. Written during Admit or a
	// successful pairing redemption, both on the connection's read
	// goroutine; Close may run from another goroutine, hence the mutex.
	mu        sync.Mutex
	deviceID  string
	sessionID string

	closeOnce sync.Once
	logger    *slog.Logger
	now       func() time.Time
}

// NewConnHandler creates a handler for a freshly accepted connection.
func NewConnHandler(f *Fleet, conn Conn, meta ConnMeta) *ConnHandler {
	return &ConnHandler{
		f:      f,
		conn:   conn,
		meta:   meta,
		logger: f.logger.With("component", "handler", "conn", conn.ID()),
		now:    time.Now,
	}
}

// DeviceID returns the bound device id, or "" while unpaired.
func (h *ConnHandler) DeviceID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceID
}

// SessionID returns the session row id, or "" before registration.
func (h *ConnHandler) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Admit resolves the handshake device id and, when it resolves, registers
// the connection. An unknown device id leaves the connection open but
// unpaired. Store failures other than not-found are returned so the
// transport can refuse the connection.
func (h *ConnHandler) Admit(ctx context.Context) error {
	dev, err := h.f.store.GetDevice(h.meta.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Info("unpaired connection admitted", "device", h.meta.DeviceID)
		return nil
	}
	if err != nil {
		return err
	}
	h.register(ctx, dev.ID)
	return nil
}

// register binds the device id, adds the connection to the registry, marks
// the device online, opens a session row, and sends the welcome frame.
// Everything after the registry add is best-effort: a store or write
// failure must not undo local delivery capability.
func (h *ConnHandler) register(ctx context.Context, deviceID string) {
	sessionID := uuid.NewString()
	h.mu.Lock()
	h.deviceID = deviceID
	h.sessionID = sessionID
	h.mu.Unlock()

	h.f.registry.Add(ctx, deviceID, h.conn)
	h.f.metrics.ConnectionsActive.Inc()

	err := h.f.store.UpdateDevice(deviceID, func(dev *store.Device) error {
		dev.Online = true
		dev.Status = store.StatusOnline
		dev.LastSeenAt = h.now()
		return nil
	})
	if err != nil {
		h.logger.Error("mark device online", "device", deviceID, "err", err)
	}

	sess := &store.Session{
		ID:          sessionID,
		DeviceID:    deviceID,
		IPAddress:   h.meta.IPAddress,
		UserAgent:   h.meta.UserAgent,
		ConnectedAt: h.now(),
		Active:      true,
		LastPingAt:  h.now(),
	}
	if err := h.f.store.SaveSession(sess); err != nil {
		h.logger.Error("open session", "device", deviceID, "err", err)
	}

	h.sendEnvelope(ctx, &Envelope{
		MessageID: uuid.NewString(),
		Type:      MessageHeartbeatPing,
		Payload:   map[string]any{"welcome": true, "session_id": sessionID},
		Timestamp: h.now(),
		DeviceID:  deviceID,
	})

	h.f.events.Emit(Event{Type: EventDeviceOnline, Data: map[string]interface{}{
		"device_id":  deviceID,
		"session_id": sessionID,
	}})
	h.logger.Info("device connected", "device", deviceID, "session", sessionID, "ip", h.meta.IPAddress)
}

// HandleFrame decodes and dispatches one inbound frame. A decode failure
// is answered with an error envelope and otherwise ignored; the connection
// stays open.
func (h *ConnHandler) HandleFrame(ctx context.Context, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		h.f.metrics.FramesTotal.WithLabelValues("invalid").Inc()
		h.logger.Warn("undecodable frame", "err", err)
		h.sendEnvelope(ctx, &Envelope{
			MessageID: uuid.NewString(),
			Type:      MessageError,
			Payload:   map[string]any{"error": "invalid message"},
			Timestamp: h.now(),
		})
		return
	}
	h.f.metrics.FramesTotal.WithLabelValues(string(env.Type)).Inc()

	if deviceID := h.DeviceID(); deviceID != "" {
		h.f.registry.TouchLastSeen(ctx, deviceID)
	}

	switch env.Type {
	case MessageStatus:
		h.handleStatus(ctx, env)
	case MessageAck:
		h.logger.Debug("ack", "message_id", env.MessageID)
	case MessageHeartbeatPing:
		h.sendEnvelope(ctx, &Envelope{
			MessageID: uuid.NewString(),
			Type:      MessageHeartbeatPong,
			Timestamp: h.now(),
			DeviceID:  h.DeviceID(),
		})
	case MessageHeartbeatPong:
		h.handlePong()
	case MessageError:
		h.logger.Warn("client error frame", "message_id", env.MessageID, "payload", env.Payload)
	case MessagePairingRequest:
		h.handlePairingRequest(ctx, env)
	case MessagePairingResponse, MessageCommand:
		h.logger.Warn("unexpected message type from player", "type", env.Type)
	default:
		h.logger.Warn("unknown message type", "type", env.Type)
	}
}

// handleStatus merges recognized status fields into the device record.
// Unrecognized status strings are ignored with a warning.
func (h *ConnHandler) handleStatus(ctx context.Context, env *Envelope) {
	deviceID := h.DeviceID()
	if deviceID == "" {
		h.logger.Warn("status frame from unpaired connection")
		return
	}

	var track, status string
	volume := -1
	if v, ok := env.Payload["now_playing"].(string); ok {
		track = v
	}
	if v, ok := env.Payload["volume"].(float64); ok {
		volume = clampVolume(int(v))
	}
	if v, ok := env.Payload["status"].(string); ok {
		if store.DeviceStatus(v).Valid() {
			status = v
		} else {
			h.logger.Warn("unrecognized status", "device", deviceID, "status", v)
		}
	}

	err := h.f.store.UpdateDevice(deviceID, func(dev *store.Device) error {
		if track != "" {
			dev.CurrentTrack = track
		}
		if volume >= 0 {
			dev.Volume = volume
		}
		if status != "" {
			dev.Status = store.DeviceStatus(status)
		}
		dev.LastSeenAt = h.now()
		return nil
	})
	if err != nil {
		h.logger.Error("merge status", "device", deviceID, "err", err)
		return
	}

	h.f.events.Emit(Event{Type: EventStatusUpdate, Data: map[string]interface{}{
		"device_id": deviceID,
		"payload":   env.Payload,
	}})
}

func (h *ConnHandler) handlePong() {
	h.mu.Lock()
	deviceID, sessionID := h.deviceID, h.sessionID
	h.mu.Unlock()
	if sessionID == "" {
		return
	}
	err := h.f.store.UpdateSession(sessionID, func(sess *store.Session) error {
		sess.LastPingAt = h.now()
		return nil
	})
	if err != nil {
		h.logger.Warn("record pong", "device", deviceID, "err", err)
	}
}

// handlePairingRequest redeems the supplied code. Success binds the device
// identity to this connection and replies with the device id; failure
// replies with a generic failure envelope that does not distinguish the
// reason.
func (h *ConnHandler) handlePairingRequest(ctx context.Context, env *Envelope) {
	code, _ := env.Payload["code"].(string)
	name, _ := env.Payload["name"].(string)

	deviceID, err := h.f.pairing.Redeem(ctx, code, name, h.conn.ID())
	if err != nil {
		if !errors.Is(err, ErrCodeInvalid) {
			h.logger.Error("pairing redemption", "err", err)
		}
		h.sendEnvelope(ctx, &Envelope{
			MessageID: uuid.NewString(),
			Type:      MessagePairingResponse,
			Payload:   map[string]any{"success": false},
			Timestamp: h.now(),
		})
		return
	}

	if h.DeviceID() == "" {
		h.register(ctx, deviceID)
	}

	h.sendEnvelope(ctx, &Envelope{
		MessageID: uuid.NewString(),
		Type:      MessagePairingResponse,
		Payload:   map[string]any{"success": true, "device_id": deviceID},
		Timestamp: h.now(),
		DeviceID:  deviceID,
	})
}

// Close removes the connection from the registry, reconciles the device's
// online flag, and closes the session row. Safe to call multiple times;
// every step is best-effort so one failure cannot block the rest.
func (h *ConnHandler) Close(ctx context.Context) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		deviceID, sessionID := h.deviceID, h.sessionID
		h.mu.Unlock()
		if deviceID == "" {
			h.logger.Debug("unpaired connection closed")
			return
		}

		h.f.registry.Remove(ctx, deviceID, h.conn.ID())
		h.f.metrics.ConnectionsActive.Dec()

		if !h.f.registry.HasAny(ctx, deviceID) {
			err := h.f.store.UpdateDevice(deviceID, func(dev *store.Device) error {
				dev.Online = false
				dev.Status = store.StatusOffline
				return nil
			})
			if err != nil {
				h.logger.Error("mark device offline", "device", deviceID, "err", err)
			}
			h.f.events.Emit(Event{Type: EventDeviceOffline, Data: map[string]interface{}{
				"device_id": deviceID,
			}})
		}

		if sessionID != "" {
			err := h.f.store.UpdateSession(sessionID, func(sess *store.Session) error {
				now := h.now()
				sess.Active = false
				sess.DisconnectedAt = &now
				return nil
			})
			if err != nil {
				h.logger.Error("close session", "session", sessionID, "err", err)
			}
		}

		h.logger.Info("device disconnected", "device", deviceID, "session", sessionID)
	})
}

func (h *ConnHandler) sendEnvelope(ctx context.Context, env *Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("encode outbound envelope", "type", env.Type, "err", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.conn.Send(sendCtx, data); err != nil {
		h.logger.Warn("outbound write failed", "type", env.Type, "err", err)
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
