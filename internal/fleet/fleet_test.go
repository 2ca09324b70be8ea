package fleet

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"playerhub/internal/presence"
	"playerhub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFleet(t *testing.T) (*Fleet, *presence.MemoryStore) {
	t.Helper()
	logger := testLogger()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ps := presence.NewMemoryStore()
	events := NewEventBus(logger)
	metrics := NewMetrics(prometheus.NewRegistry())
	f := New(db, ps, events, metrics, Config{Pairing: PairingConfig{
		CodeLength: 6,
		TTL:        300 * time.Second,
	}}, logger)
	return f, ps
}

func seedDevice(t *testing.T, f *Fleet, id string) {
	t.Helper()
	if err := f.Devices().SaveDevice(&store.Device{
		ID:           id,
		TenantID:     "tenant-1",
		Platform:     store.PlatformAndroid,
		Capabilities: store.DefaultCapabilities,
		Status:       store.StatusOffline,
		Volume:       50,
		CreatedAt:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
}

// fakeConn implements Conn for tests, capturing outbound frames.
type fakeConn struct {
	id string

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
	status  CloseStatus
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *fakeConn) Close(status CloseStatus, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.status = status
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []*Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Envelope, 0, len(c.sent))
	for _, data := range c.sent {
		env, err := DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("sent frame does not decode: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// lastEnvelope returns the most recent frame written to the connection.
func (c *fakeConn) lastEnvelope(t *testing.T) *Envelope {
	t.Helper()
	envs := c.envelopes(t)
	if len(envs) == 0 {
		t.Fatal("no frames sent")
	}
	return envs[len(envs)-1]
}
