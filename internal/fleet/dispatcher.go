package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrNotConnected is returned when the device has no live connection on
// this instance. The device may still be online elsewhere in the fleet;
// commands are not forwarded across instances.
var ErrNotConnected = errors.New("player is not connected")

// CommandType identifies an outbound player command.
type CommandType string

const (
	CommandPlay      CommandType = "play"
	CommandPause     CommandType = "pause"
	CommandResume    CommandType = "resume"
	CommandSkip      CommandType = "skip"
	CommandStop      CommandType = "stop"
	CommandSetVolume CommandType = "set_volume"
	CommandPlayAd    CommandType = "play_ad"
	CommandPlayTTS   CommandType = "play_tts"
)

// Command is an instruction to a player. Priority is advisory metadata
// only; no queue enforces ordering by it.
type Command struct {
	Type     CommandType
	Payload  map[string]any
	Priority int
}

// Pause builds a pause command.
func Pause() Command { return Command{Type: CommandPause} }

// Resume builds a resume command.
func Resume() Command { return Command{Type: CommandResume} }

// Skip builds a skip-track command.
func Skip() Command { return Command{Type: CommandSkip} }

// Stop builds a stop command.
func Stop() Command { return Command{Type: CommandStop} }

// SetVolume builds a volume command. The value is passed through as-is;
// the REST layer owns range validation.
func SetVolume(volume int) Command {
	return Command{Type: CommandSetVolume, Payload: map[string]any{"volume": volume}}
}

// PlayAd builds an ad injection command. A non-positive duration defaults
// to 30 seconds. Ads carry an elevated advisory priority.
func PlayAd(adID, audioURL string, durationSeconds int) Command {
	if durationSeconds <= 0 {
		durationSeconds = 30
	}
	return Command{
		Type: CommandPlayAd,
		Payload: map[string]any{
			"ad_id":            adID,
			"audio_url":        audioURL,
			"duration_seconds": durationSeconds,
		},
		Priority: 2,
	}
}

// PlayTTS builds a text-to-speech injection command. Voice defaults to
// "default", priority to 1.
func PlayTTS(text, audioURL, voice string, priority int) Command {
	if voice == "" {
		voice = "default"
	}
	if priority <= 0 {
		priority = 1
	}
	payload := map[string]any{
		"text":  text,
		"voice": voice,
	}
	if audioURL != "" {
		payload["audio_url"] = audioURL
	}
	return Command{Type: CommandPlayTTS, Payload: payload, Priority: priority}
}

// Dispatcher builds command envelopes and transmits them over the
// device's live local connections. Invoked inline from request handlers;
// no queuing, no retry — callers own retry policy.
type Dispatcher struct {
	registry *Registry
	events   *EventBus
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func newDispatcher(registry *Registry, events *EventBus, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		events:   events,
		metrics:  metrics,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
	}
}

// Send delivers the command to every local connection of the device,
// serializing once. Returns the message id when at least one write lands.
// Returns ErrNotConnected when this instance holds no connection for the
// device; there is no cross-instance forwarding, so delivery can fail even
// though the device is online elsewhere.
func (d *Dispatcher) Send(ctx context.Context, deviceID string, cmd Command) (string, error) {
	priority := cmd.Priority
	if priority <= 0 {
		priority = 1
	}
	env := &Envelope{
		MessageID: uuid.NewString(),
		Type:      MessageCommand,
		Payload: map[string]any{
			"command":  string(cmd.Type),
			"payload":  cmd.Payload,
			"priority": priority,
		},
		Timestamp: d.now(),
		DeviceID:  deviceID,
	}

	conns := d.registry.Local(deviceID)
	if len(conns) == 0 {
		d.metrics.CommandsTotal.WithLabelValues(string(cmd.Type), "not_connected").Inc()
		return "", ErrNotConnected
	}

	data, err := env.Encode()
	if err != nil {
		d.metrics.CommandsTotal.WithLabelValues(string(cmd.Type), "error").Inc()
		return "", err
	}

	delivered := 0
	var lastErr error
	for _, conn := range conns {
		if err := conn.Send(ctx, data); err != nil {
			// A failed write to one connection must not abort the others.
			d.logger.Warn("command write failed", "device", deviceID, "conn", conn.ID(), "err", err)
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		d.metrics.CommandsTotal.WithLabelValues(string(cmd.Type), "error").Inc()
		return "", fmt.Errorf("command delivery: %w", lastErr)
	}

	d.metrics.CommandsTotal.WithLabelValues(string(cmd.Type), "delivered").Inc()
	d.events.Emit(Event{Type: EventCommandSent, Data: map[string]interface{}{
		"device_id":  deviceID,
		"command":    string(cmd.Type),
		"message_id": env.MessageID,
	}})
	d.logger.Debug("command delivered", "device", deviceID, "command", cmd.Type, "connections", delivered)
	return env.MessageID, nil
}
