//go:build !no_mqtt

// Package mqttbridge publishes device-state snapshots from the event bus to
// an MQTT broker, mirroring the teacher's internal/mqtt.Bridge: one retained
// JSON message per device, topic keyed by serial, reconnect handled by the
// paho client's own backoff.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/VVlasy/loxone-link-go/internal/events"
)

// Config holds MQTT bridge configuration (SPEC_FULL.md §6d).
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge subscribes to an events.Bus and publishes per-device state
// snapshots to MQTT.
type Bridge struct {
	client pahomqtt.Client
	bus    *events.Bus
	prefix string
	logger *slog.Logger
	unsub  func()

	mu     sync.Mutex
	states map[uint32]map[string]any // serial -> property map
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		bus:    bus,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqttbridge"),
		states: make(map[uint32]map[string]any),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("natlink-emu").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
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
		return nil, fmt.Errorf("mqttbridge: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttbridge: connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to the event bus and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("mqtt bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("mqtt bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	switch data := event.Data.(type) {
	case events.DeviceStateChangedData:
		b.updateAndPublish(data.Serial, "state", data.To)
	case events.DeviceAssignedData:
		b.updateAndPublish(data.Serial, "parked", data.Parked)
	case events.SinkAppliedData:
		switch data.Effect {
		case "rgbw":
			b.updateAndPublish(data.Serial, "rgbw", data.RGBW)
		case "digital_input":
			b.mu.Lock()
			state, ok := b.states[data.Serial]
			if !ok {
				state = make(map[string]any)
				b.states[data.Serial] = state
			}
			state[fmt.Sprintf("input_%d", data.Channel)] = data.High
			payload := mustJSON(state)
			b.mu.Unlock()
			b.publish(b.topic(data.Serial), payload)
		}
	}
}

func (b *Bridge) updateAndPublish(serial uint32, prop string, value any) {
	b.mu.Lock()
	state, ok := b.states[serial]
	if !ok {
		state = make(map[string]any)
		b.states[serial] = state
	}
	state[prop] = value
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.topic(serial), payload)
}

func (b *Bridge) topic(serial uint32) string {
	return fmt.Sprintf("%s/%08x/state", b.prefix, serial)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state))
}

func (b *Bridge) publish(topic string, payload []byte) {
	token := b.client.Publish(topic, 1, true, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
