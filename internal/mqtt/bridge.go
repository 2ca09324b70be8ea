package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"playerhub/internal/fleet"
	"playerhub/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Bridge mirrors player state onto MQTT and accepts simple commands back.
// It publishes retained per-player state documents and forwards commands
// published to {prefix}/{playerID}/set through the dispatcher. It is pure
// sugar around the fleet: delivery semantics do not change.
type Bridge struct {
	client pahomqtt.Client
	fleet  *fleet.Fleet
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(f *fleet.Fleet, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "playerhub"
	}
	b := &Bridge{
		fleet:  f,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to fleet events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.fleet.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event fleet.Event) {
	switch event.Type {
	case fleet.EventDeviceOnline, fleet.EventDeviceOffline,
		fleet.EventStatusUpdate, fleet.EventDevicePaired:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		deviceID, _ := data["device_id"].(string)
		if deviceID == "" {
			return
		}
		b.publishDeviceState(deviceID)
	}
}

func (b *Bridge) publishDeviceState(deviceID string) {
	dev, err := b.fleet.Devices().GetDevice(deviceID)
	if err != nil {
		b.logger.Warn("state publish for unknown player", "player", deviceID)
		return
	}
	b.publish(b.prefix+"/"+deviceID, statePayload(dev), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllStates() {
	devices, err := b.fleet.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list players for state publish", "err", err)
		return
	}
	for _, dev := range devices {
		b.publish(b.prefix+"/"+dev.ID, statePayload(dev), true)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	deviceID := deviceIDFromTopic(b.prefix, topic)
	if deviceID == "" {
		return
	}

	cmd, err := parseSetCommand(payload)
	if err != nil {
		b.logger.Warn("invalid set payload", "player", deviceID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.fleet.Dispatcher().Send(ctx, deviceID, cmd); err != nil {
		b.logger.Warn("mqtt command failed", "player", deviceID, "command", cmd.Type, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// statePayload builds the retained state document for a player.
func statePayload(dev *store.Device) []byte {
	state := map[string]any{
		"online": dev.Online,
		"status": string(dev.Status),
		"volume": dev.Volume,
		"track":  dev.CurrentTrack,
	}
	if !dev.LastSeenAt.IsZero() {
		state["last_seen"] = dev.LastSeenAt.Format(time.RFC3339)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// deviceIDFromTopic extracts the player id from a {prefix}/{id}/set topic.
// Returns "" when the topic does not match.
func deviceIDFromTopic(prefix, topic string) string {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// parseSetCommand maps a set payload to a dispatcher command. Accepted
// forms: {"command":"pause"|"resume"|"skip"|"stop"} and {"volume": n}.
func parseSetCommand(payload []byte) (fleet.Command, error) {
	var req struct {
		Command string `json:"command"`
		Volume  *int   `json:"volume"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fleet.Command{}, err
	}

	if req.Volume != nil {
		if *req.Volume < 0 || *req.Volume > 100 {
			return fleet.Command{}, errors.New("volume out of range")
		}
		return fleet.SetVolume(*req.Volume), nil
	}

	switch req.Command {
	case "pause":
		return fleet.Pause(), nil
	case "resume":
		return fleet.Resume(), nil
	case "skip":
		return fleet.Skip(), nil
	case "stop":
		return fleet.Stop(), nil
	case "":
		return fleet.Command{}, errors.New("missing command")
	default:
		return fleet.Command{}, fmt.Errorf("unsupported command %q", req.Command)
	}
}
