package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"playerhub/internal/presence"
	"playerhub/internal/store"
)

// ErrCodeInvalid is returned when a pairing code is unknown, already
// consumed, or expired. Callers must not distinguish these cases to the
// client.
var ErrCodeInvalid = errors.New("pairing code invalid or expired")

// Pairing issues and redeems one-time numeric pairing codes. A code lives
// in the presence store with a TTL (the fast path, with atomic
// delete-on-read) and on the device record as a durable fallback. There is
// a narrow window where a fallback-path redemption can double-fire if the
// cache delete is not yet visible on another instance; that gap is
// accepted, not fixed here.
type Pairing struct {
	store    store.Store
	presence presence.Store
	events   *EventBus
	metrics  *Metrics
	logger   *slog.Logger

	codeLength    int
	ttl           time.Duration
	sweepInterval time.Duration

	now func() time.Time
}

// PairingConfig configures code generation and expiry.
type PairingConfig struct {
	// CodeLength is the number of decimal digits; 6 gives a one-in-a-million
	// guess space per TTL window.
	CodeLength int
	TTL        time.Duration
	// SweepInterval is how often expired durable pairing fields are cleared.
	SweepInterval time.Duration
}

func newPairing(st store.Store, ps presence.Store, events *EventBus, metrics *Metrics, cfg PairingConfig, logger *slog.Logger) *Pairing {
	if cfg.CodeLength < 6 {
		cfg.CodeLength = 6
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Pairing{
		store:         st,
		presence:      ps,
		events:        events,
		metrics:       metrics,
		logger:        logger.With("component", "pairing"),
		codeLength:    cfg.CodeLength,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
	}
}

// Issue generates a one-time code for the device, stores it in the
// presence store with the configured TTL, and persists it on the device
// record as a durable fallback. Returns the code and its absolute expiry.
func (p *Pairing) Issue(ctx context.Context, deviceID string) (string, time.Time, error) {
	dev, err := p.store.GetDevice(deviceID)
	if err != nil {
		return "", time.Time{}, err
	}

	// At most one live code per device: drop the previous cache entry so
	// it cannot race the replacement.
	if dev.PairingCode != "" {
		if err := p.presence.DeletePairingCode(ctx, dev.PairingCode); err != nil {
			p.logger.Warn("invalidate previous pairing code", "device", deviceID, "err", err)
		}
	}

	code := p.generateCode()
	expiresAt := p.now().Add(p.ttl)

	// The cache entry is the fast path; a failure here degrades to the
	// durable fallback, so log and continue.
	if err := p.presence.SetPairingCode(ctx, code, deviceID, p.ttl); err != nil {
		p.logger.Warn("cache pairing code", "device", deviceID, "err", err)
	}

	err = p.store.UpdateDevice(deviceID, func(dev *store.Device) error {
		dev.PairingCode = code
		dev.PairingExpiresAt = &expiresAt
		return nil
	})
	if err != nil {
		// Roll back the cache entry so a code without a durable anchor
		// cannot be redeemed.
		if derr := p.presence.DeletePairingCode(ctx, code); derr != nil {
			p.logger.Warn("rollback pairing code", "code", code, "err", derr)
		}
		return "", time.Time{}, fmt.Errorf("persist pairing code: %w", err)
	}

	p.metrics.PairingIssued.Inc()
	p.logger.Info("pairing code issued", "device", deviceID, "expires_at", expiresAt)
	return code, expiresAt, nil
}

// Redeem resolves a code to its device exactly once. The presence store is
// consulted first; on a miss the durable device field is checked along
// with its stored expiry. On success both the cache entry and the durable
// fields are cleared, the device is optionally renamed, and it is marked
// online. Misses and expired codes return ErrCodeInvalid.
func (p *Pairing) Redeem(ctx context.Context, code, newName, sessionID string) (string, error) {
	deviceID, err := p.takeCode(ctx, code)
	if err != nil {
		p.metrics.PairingRedeemed.WithLabelValues("invalid").Inc()
		return "", err
	}

	// Clear the cache entry even when the fallback path resolved the code,
	// so a stale cached mapping cannot be redeemed again.
	if err := p.presence.DeletePairingCode(ctx, code); err != nil {
		p.logger.Warn("clear pairing code cache", "code", code, "err", err)
	}

	err = p.store.UpdateDevice(deviceID, func(dev *store.Device) error {
		dev.PairingCode = ""
		dev.PairingExpiresAt = nil
		if newName != "" {
			dev.Name = newName
		}
		dev.Online = true
		dev.Status = store.StatusOnline
		dev.LastSeenAt = p.now()
		return nil
	})
	if err != nil {
		p.metrics.PairingRedeemed.WithLabelValues("error").Inc()
		return "", fmt.Errorf("clear pairing fields: %w", err)
	}

	p.metrics.PairingRedeemed.WithLabelValues("success").Inc()
	p.events.Emit(Event{Type: EventDevicePaired, Data: map[string]interface{}{
		"device_id":  deviceID,
		"session_id": sessionID,
	}})
	p.logger.Info("pairing code redeemed", "device", deviceID, "session", sessionID)
	return deviceID, nil
}

// takeCode resolves and consumes the code: presence store first, durable
// fallback second.
func (p *Pairing) takeCode(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", ErrCodeInvalid
	}

	deviceID, err := p.presence.TakePairingCode(ctx, code)
	if err == nil {
		return deviceID, nil
	}
	if !errors.Is(err, presence.ErrNotFound) {
		p.logger.Warn("pairing cache lookup", "err", err)
	}

	dev, err := p.store.FindDeviceByPairingCode(code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrCodeInvalid
		}
		return "", fmt.Errorf("pairing fallback lookup: %w", err)
	}
	if dev.PairingExpiresAt == nil || !p.now().Before(*dev.PairingExpiresAt) {
		return "", ErrCodeInvalid
	}
	return dev.ID, nil
}

// Run sweeps expired pairing codes until ctx is cancelled. Redemption of
// an expired code fails regardless of whether the sweep has run.
func (p *Pairing) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepExpired(ctx)
		}
	}
}

// sweepExpired clears pairing fields on devices whose code expiry has
// passed, along with the corresponding cache entries.
func (p *Pairing) sweepExpired(ctx context.Context) {
	devices, err := p.store.ListDevices()
	if err != nil {
		p.logger.Error("sweep: list devices", "err", err)
		return
	}
	now := p.now()
	for _, dev := range devices {
		if dev.PairingCode == "" || dev.PairingExpiresAt == nil || now.Before(*dev.PairingExpiresAt) {
			continue
		}
		code := dev.PairingCode
		if err := p.presence.DeletePairingCode(ctx, code); err != nil {
			p.logger.Warn("sweep: clear cache entry", "code", code, "err", err)
		}
		err := p.store.UpdateDevice(dev.ID, func(d *store.Device) error {
			// Re-check inside the transaction; a concurrent redeem or
			// re-issue may have changed the fields.
			if d.PairingCode != code {
				return nil
			}
			d.PairingCode = ""
			d.PairingExpiresAt = nil
			return nil
		})
		if err != nil {
			p.logger.Warn("sweep: clear device fields", "device", dev.ID, "err", err)
			continue
		}
		p.logger.Debug("expired pairing code swept", "device", dev.ID)
	}
}

func (p *Pairing) generateCode() string {
	var sb strings.Builder
	sb.Grow(p.codeLength)
	for i := 0; i < p.codeLength; i++ {
		sb.WriteByte(byte('0' + rand.IntN(10)))
	}
	return sb.String()
}
