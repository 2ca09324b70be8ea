package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		ID:           "dev-1",
		TenantID:     "tenant-1",
		Name:         "Lobby Speaker",
		Platform:     PlatformAndroid,
		Capabilities: []Capability{CapabilityAudioPlayback, CapabilityRemoteControl},
		Status:       StatusOffline,
		Volume:       50,
		CreatedAt:    time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != dev.ID {
		t.Errorf("id = %q, want %q", got.ID, dev.ID)
	}
	if got.TenantID != dev.TenantID {
		t.Errorf("tenant = %q, want %q", got.TenantID, dev.TenantID)
	}
	if got.Platform != PlatformAndroid {
		t.Errorf("platform = %q, want %q", got.Platform, PlatformAndroid)
	}
	if got.Volume != 50 {
		t.Errorf("volume = %d, want 50", got.Volume)
	}
	if len(got.Capabilities) != 2 {
		t.Fatalf("capabilities = %d, want 2", len(got.Capabilities))
	}
	if got.UpdatedAt.IsZero() {
		t.Error("updated_at not set on save")
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{ID: "dev-1", Platform: PlatformWeb}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.ID); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{ID: "dev-1", Platform: PlatformWeb},
		{ID: "dev-2", Platform: PlatformIOS},
		{ID: "dev-3", Platform: PlatformDesktop},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, d := range list {
		found[d.ID] = true
	}
	for _, d := range devs {
		if !found[d.ID] {
			t.Errorf("device %s not in list", d.ID)
		}
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{ID: "dev-1", Status: StatusOffline}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("dev-1", func(dev *Device) error {
		dev.Online = true
		dev.Status = StatusOnline
		dev.Volume = 80
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Online {
		t.Error("online = false, want true")
	}
	if got.Status != StatusOnline {
		t.Errorf("status = %q, want %q", got.Status, StatusOnline)
	}
	if got.Volume != 80 {
		t.Errorf("volume = %d, want 80", got.Volume)
	}
}

func TestUpdateDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDevice("missing", func(dev *Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFindDeviceByPairingCode(t *testing.T) {
	s := newTestStore(t)

	exp := time.Now().Add(5 * time.Minute)
	if err := s.SaveDevice(&Device{ID: "dev-1", PairingCode: "048213", PairingExpiresAt: &exp}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDevice(&Device{ID: "dev-2"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindDeviceByPairingCode("048213")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "dev-1" {
		t.Errorf("id = %q, want dev-1", got.ID)
	}

	if _, err := s.FindDeviceByPairingCode("000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown code err = %v, want ErrNotFound", err)
	}
	if _, err := s.FindDeviceByPairingCode(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty code err = %v, want ErrNotFound", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	sess := &Session{
		ID:          "sess-1",
		DeviceID:    "dev-1",
		IPAddress:   "203.0.113.7",
		UserAgent:   "player/1.0",
		ConnectedAt: time.Now(),
		Active:      true,
		LastPingAt:  time.Now(),
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateSession("sess-1", func(sess *Session) error {
		now := time.Now()
		sess.Active = false
		sess.DisconnectedAt = &now
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("active = true, want false")
	}
	if got.DisconnectedAt == nil {
		t.Error("disconnected_at not set")
	}
}

func TestListSessionsByDevice(t *testing.T) {
	s := newTestStore(t)

	for _, sess := range []*Session{
		{ID: "s1", DeviceID: "dev-1", Active: true},
		{ID: "s2", DeviceID: "dev-1", Active: false},
		{ID: "s3", DeviceID: "dev-2", Active: true},
	} {
		if err := s.SaveSession(sess); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListSessions("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}

	all, err := s.ListSessions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all sessions = %d, want 3", len(all))
	}
}
