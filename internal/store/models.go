package store

import "time"

// Platform identifies the client platform a player runs on.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformDesktop Platform = "desktop"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformDesktop, PlatformAndroid, PlatformIOS:
		return true
	}
	return false
}

// Capability is a feature a player advertises.
type Capability string

const (
	CapabilityAudioPlayback      Capability = "audio_playback"
	CapabilityTTSPlayback        Capability = "tts_playback"
	CapabilityRemoteControl      Capability = "remote_control"
	CapabilityOfflineMode        Capability = "offline_mode"
	CapabilityBackgroundPlayback Capability = "background_playback"
)

// DefaultCapabilities is applied when a device is created without an
// explicit capability set.
var DefaultCapabilities = []Capability{CapabilityAudioPlayback, CapabilityRemoteControl}

// DeviceStatus is the playback status reported by a player.
type DeviceStatus string

const (
	StatusOffline   DeviceStatus = "offline"
	StatusOnline    DeviceStatus = "online"
	StatusPlaying   DeviceStatus = "playing"
	StatusPaused    DeviceStatus = "paused"
	StatusBuffering DeviceStatus = "buffering"
	StatusError     DeviceStatus = "error"
)

// Valid reports whether s is a known device status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusPlaying, StatusPaused, StatusBuffering, StatusError:
		return true
	}
	return false
}

// Device represents a remote playback device.
type Device struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	Name             string       `json:"name,omitempty"`
	Platform         Platform     `json:"platform"`
	Capabilities     []Capability `json:"capabilities,omitempty"`
	Status           DeviceStatus `json:"status"`
	Volume           int          `json:"volume"`
	PairingCode      string       `json:"pairing_code,omitempty"`
	PairingExpiresAt *time.Time   `json:"pairing_expires_at,omitempty"`
	CurrentTrack     string       `json:"current_track,omitempty"`
	Online           bool         `json:"online"`
	LastSeenAt       time.Time    `json:"last_seen_at"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Session records a single physical connection of a device.
// Active=false is terminal; a reconnecting device gets a new session.
type Session struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	IPAddress      string     `json:"ip_address,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Active         bool       `json:"active"`
	LastPingAt     time.Time  `json:"last_ping_at"`
}
