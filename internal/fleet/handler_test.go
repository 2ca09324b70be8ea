package fleet

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"playerhub/internal/store"
)

func frame(t *testing.T, msgType, payload string) []byte {
	t.Helper()
	raw := `{"messageId":"m1","type":"` + msgType + `","payload":` + payload + `}`
	if !json.Valid([]byte(raw)) {
		t.Fatalf("test frame is not valid JSON: %s", raw)
	}
	return []byte(raw)
}

func admitConn(t *testing.T, f *Fleet, connID, deviceID string) (*ConnHandler, *fakeConn) {
	t.Helper()
	conn := newFakeConn(connID)
	h := NewConnHandler(f, conn, ConnMeta{
		Token:     "tok",
		DeviceID:  deviceID,
		IPAddress: "203.0.113.7",
		UserAgent: "player/1.0",
	})
	if err := h.Admit(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h, conn
}

func TestAdmitRegistersAndWelcomes(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")

	h, conn := admitConn(t, f, "c1", "dev-1")

	if h.DeviceID() != "dev-1" {
		t.Fatalf("bound device = %q, want dev-1", h.DeviceID())
	}
	if len(f.Registry().Local("dev-1")) != 1 {
		t.Fatal("connection not registered")
	}

	dev, err := f.Devices().GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !dev.Online || dev.Status != store.StatusOnline {
		t.Errorf("device online=%v status=%q, want online", dev.Online, dev.Status)
	}

	sessions, err := f.Devices().ListSessions("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if !sessions[0].Active {
		t.Error("session not active")
	}
	if sessions[0].IPAddress != "203.0.113.7" {
		t.Errorf("session ip = %q", sessions[0].IPAddress)
	}

	welcome := conn.lastEnvelope(t)
	if welcome.Type != MessageHeartbeatPing {
		t.Errorf("welcome type = %q, want heartbeat-ping", welcome.Type)
	}
	if ok, _ := welcome.Payload["welcome"].(bool); !ok {
		t.Error("welcome flag missing")
	}
}

func TestAdmitUnknownDeviceStaysUnpaired(t *testing.T) {
	f, _ := newTestFleet(t)

	h, conn := admitConn(t, f, "c1", "no-such-device")

	if h.DeviceID() != "" {
		t.Fatalf("bound device = %q, want unpaired", h.DeviceID())
	}
	if devices, _ := f.Registry().Counts(); devices != 0 {
		t.Fatal("unpaired connection registered")
	}
	if len(conn.envelopes(t)) != 0 {
		t.Fatal("unpaired connection received a welcome")
	}
}

func TestMalformedFrameRepliesErrorAndStaysOpen(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")
	h, conn := admitConn(t, f, "c1", "dev-1")

	h.HandleFrame(context.Background(), []byte(`{not json`))

	reply := conn.lastEnvelope(t)
	if reply.Type != MessageError {
		t.Errorf("reply type = %q, want error", reply.Type)
	}
	if conn.closed {
		t.Error("connection closed on malformed frame")
	}
	if len(f.Registry().Local("dev-1")) != 1 {
		t.Error("registry entry lost on malformed frame")
	}
}

func TestStatusMerge(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")
	h, _ := admitConn(t, f, "c1", "dev-1")

	h.HandleFrame(context.Background(), frame(t, "status",
		`{"now_playing":"track-42","volume":80,"status":"playing"}`))

	dev, err := f.Devices().GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.CurrentTrack != "track-42" {
		t.Errorf("track = %q, want track-42", dev.CurrentTrack)
	}
	if dev.Volume != 80 {
		t.Errorf("volume = %d, want 80", dev.Volume)
	}
	if dev.Status != store.StatusPlaying {
		t.Errorf("status = %q, want playing", dev.Status)
	}
}

func TestStatusMergeClampsVolume(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")
	h, _ := admitConn(t, f, "c1", "dev-1")

	h.HandleFrame(context.Background(), frame(t, "status", `{"volume":150}`))

	dev, _ := f.Devices().GetDevice("dev-1")
	if dev.Volume != 100 {
		t.Errorf("volume = %d, want clamped 100", dev.Volume)
	}
}

func TestStatusMergeIgnoresUnknownStatus(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")
	h, _ := admitConn(t, f, "c1", "dev-1")

	h.HandleFrame(context.Background(), frame(t, "status", `{"status":"melting"}`))

	dev, _ := f.Devices().GetDevice("dev-1")
	if dev.Status != store.StatusOnline {
		t.Errorf("status = %q, unknown status must be ignored", dev.Status)
	}
}

func TestHeartbeatPongRefreshesSession(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")
	h, _ := admitConn(t, f, "c1", "dev-1")

	later := time.Now().Add(45 * time.Second)
	h.now = func() time.Time { return later }
	h.HandleFrame(context.Background(), frame(t, "heartbeat-pong", `{}`))

	sess, err := f.Devices().GetSession(h.SessionID())
	if err != nil {
		t.Fatal(err)
	}
	if !sess.LastPingAt.Equal(later) {
		t.Errorf("last ping = %v, want %v", sess.LastPingAt, later)
	}
}

func TestHeartbeatPingAnswered(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")
	h, conn := admitConn(t, f, "c1", "dev-1")

	h.HandleFrame(context.Background(), frame(t, "heartbeat-ping", `{}`))

	if conn.lastEnvelope(t).Type != MessageHeartbeatPong {
		t.Errorf("reply type = %q, want heartbeat-pong", conn.lastEnvelope(t).Type)
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	f, _ := newTestFleet(t)
	seedDevice(t, f, "dev-1")
	h, conn := admitConn(t, f, "c1", "dev-1")
	before := len(conn.envelopes(t))

	h.HandleFrame(context.Background(), frame(t, "telemetry", `{}`))

	if len(conn.envelopes(t)) != before {
		t.Error("unknown type produced a reply")
	}
	if conn.closed {
		t.Error("unknown type closed the connection")
	}
}

func TestPairingRequestBindsConnection(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()
	seedDevice(t, f, "D1")

	code, _, err := f.Pairing().Issue(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}

	// The connection dialed in with an unknown device id and is unpaired.
	h, conn := admitConn(t, f, "c1", "not-yet-paired")
	h.HandleFrame(ctx, frame(t, "pairing-request", `{"code":"`+code+`","name":"Lobby Speaker"}`))

	reply := conn.lastEnvelope(t)
	if reply.Type != MessagePairingResponse {
		t.Fatalf("reply type = %q, want pairing-response", reply.Type)
	}
	if ok, _ := reply.Payload["success"].(bool); !ok {
		t.Fatal("pairing reply not successful")
	}
	if id, _ := reply.Payload["device_id"].(string); id != "D1" {
		t.Errorf("reply device_id = %q, want D1", id)
	}

	if h.DeviceID() != "D1" {
		t.Fatalf("bound device = %q, want D1", h.DeviceID())
	}
	if len(f.Registry().Local("D1")) != 1 {
		t.Fatal("paired connection not registered")
	}

	dev, _ := f.Devices().GetDevice("D1")
	if !dev.Online || dev.Name != "Lobby Speaker" {
		t.Errorf("device after pairing: online=%v name=%q", dev.Online, dev.Name)
	}
}

func TestPairingRequestInvalidCode(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()

	h, conn := admitConn(t, f, "c1", "not-yet-paired")
	h.HandleFrame(ctx, frame(t, "pairing-request", `{"code":"000000"}`))

	reply := conn.lastEnvelope(t)
	if reply.Type != MessagePairingResponse {
		t.Fatalf("reply type = %q, want pairing-response", reply.Type)
	}
	if ok, _ := reply.Payload["success"].(bool); ok {
		t.Fatal("invalid code reported success")
	}
	if h.DeviceID() != "" {
		t.Error("invalid code bound a device")
	}
	if conn.closed {
		t.Error("pairing failure closed the connection")
	}
}

func TestCloseLastConnectionMarksOffline(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()
	seedDevice(t, f, "dev-1")
	h, _ := admitConn(t, f, "c1", "dev-1")
	sessionID := h.SessionID()

	h.Close(ctx)

	if len(f.Registry().Local("dev-1")) != 0 {
		t.Fatal("registry entry survives close")
	}
	dev, _ := f.Devices().GetDevice("dev-1")
	if dev.Online || dev.Status != store.StatusOffline {
		t.Errorf("device after close: online=%v status=%q, want offline", dev.Online, dev.Status)
	}

	sess, err := f.Devices().GetSession(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Active {
		t.Error("session still active")
	}
	if sess.DisconnectedAt == nil {
		t.Error("disconnected_at not set")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()
	seedDevice(t, f, "dev-1")
	h, _ := admitConn(t, f, "c1", "dev-1")

	h.Close(ctx)
	h.Close(ctx)

	if devices, conns := f.Registry().Counts(); devices != 0 || conns != 0 {
		t.Fatalf("counts = (%d, %d) after double close", devices, conns)
	}
}

func TestTwoConnectionsCloseOneStaysOnline(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()
	seedDevice(t, f, "D2")

	h1, _ := admitConn(t, f, "c1", "D2")
	h2, _ := admitConn(t, f, "c2", "D2")

	if len(f.Registry().Local("D2")) != 2 {
		t.Fatalf("local = %d, want 2", len(f.Registry().Local("D2")))
	}

	h1.Close(ctx)

	dev, _ := f.Devices().GetDevice("D2")
	if !dev.Online {
		t.Fatal("device offline while a connection remains")
	}
	if len(f.Registry().Local("D2")) != 1 {
		t.Fatalf("local = %d, want 1", len(f.Registry().Local("D2")))
	}

	h2.Close(ctx)

	dev, _ = f.Devices().GetDevice("D2")
	if dev.Online {
		t.Fatal("device online with no connections left")
	}
	if len(f.Registry().Local("D2")) != 0 {
		t.Fatalf("local = %d, want 0", len(f.Registry().Local("D2")))
	}
}
