package fleet

import (
	"context"
	"errors"
	"testing"
)

func TestSendNotConnected(t *testing.T) {
	f, _ := newTestFleet(t)

	if _, err := f.Dispatcher().Send(context.Background(), "unknown-device", Pause()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendDelivers(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()

	conn := newFakeConn("c1")
	f.Registry().Add(ctx, "dev-1", conn)

	messageID, err := f.Dispatcher().Send(ctx, "dev-1", Pause())
	if err != nil {
		t.Fatal(err)
	}
	if messageID == "" {
		t.Fatal("empty message id")
	}

	env := conn.lastEnvelope(t)
	if env.Type != MessageCommand {
		t.Errorf("type = %q, want command", env.Type)
	}
	if env.MessageID != messageID {
		t.Errorf("message id = %q, want %q", env.MessageID, messageID)
	}
	if env.DeviceID != "dev-1" {
		t.Errorf("device id = %q, want dev-1", env.DeviceID)
	}
	if cmd, _ := env.Payload["command"].(string); cmd != "pause" {
		t.Errorf("command = %q, want pause", cmd)
	}
	if prio, _ := env.Payload["priority"].(float64); prio != 1 {
		t.Errorf("priority = %v, want 1", env.Payload["priority"])
	}
}

func TestSendFansOutToAllLocalConnections(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()

	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	f.Registry().Add(ctx, "dev-1", c1)
	f.Registry().Add(ctx, "dev-1", c2)

	if _, err := f.Dispatcher().Send(ctx, "dev-1", Stop()); err != nil {
		t.Fatal(err)
	}
	if len(c1.envelopes(t)) != 1 || len(c2.envelopes(t)) != 1 {
		t.Fatal("command not delivered to every local connection")
	}
}

func TestSendPartialWriteFailure(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()

	bad := newFakeConn("bad")
	bad.sendErr = errors.New("broken pipe")
	good := newFakeConn("good")
	f.Registry().Add(ctx, "dev-1", bad)
	f.Registry().Add(ctx, "dev-1", good)

	// One failed write must not fail the send.
	if _, err := f.Dispatcher().Send(ctx, "dev-1", Resume()); err != nil {
		t.Fatal(err)
	}
	if len(good.envelopes(t)) != 1 {
		t.Fatal("surviving connection did not receive the command")
	}
}

func TestSendAllWritesFail(t *testing.T) {
	f, _ := newTestFleet(t)
	ctx := context.Background()

	bad := newFakeConn("bad")
	bad.sendErr = errors.New("broken pipe")
	f.Registry().Add(ctx, "dev-1", bad)

	_, err := f.Dispatcher().Send(ctx, "dev-1", Skip())
	if err == nil {
		t.Fatal("expected error when every write fails")
	}
	if errors.Is(err, ErrNotConnected) {
		t.Fatal("write failure must not report as not-connected")
	}
}

func TestCommandBuilders(t *testing.T) {
	if cmd := SetVolume(70); cmd.Payload["volume"] != 70 {
		t.Errorf("set volume payload = %v", cmd.Payload)
	}

	ad := PlayAd("ad-1", "https://cdn.example.com/ad.mp3", 0)
	if ad.Payload["duration_seconds"] != 30 {
		t.Errorf("ad duration = %v, want default 30", ad.Payload["duration_seconds"])
	}
	if ad.Priority <= 1 {
		t.Errorf("ad priority = %d, want elevated", ad.Priority)
	}

	tts := PlayTTS("store closes in ten minutes", "", "", 0)
	if tts.Payload["voice"] != "default" {
		t.Errorf("tts voice = %v, want default", tts.Payload["voice"])
	}
	if tts.Priority != 1 {
		t.Errorf("tts priority = %d, want 1", tts.Priority)
	}
	if _, ok := tts.Payload["audio_url"]; ok {
		t.Error("empty audio url included in payload")
	}

	tts = PlayTTS("hello", "https://cdn.example.com/tts.mp3", "nova", 3)
	if tts.Payload["voice"] != "nova" || tts.Priority != 3 {
		t.Errorf("tts overrides not applied: %+v", tts)
	}
}
