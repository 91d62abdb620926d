//go:build no_mqtt

package mqttbridge

import (
	"log/slog"

	"github.com/VVlasy/loxone-link-go/internal/events"
)

// Config holds MQTT bridge configuration (unused in this build).
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge is a no-op stub when MQTT is disabled.
type Bridge struct{}

// NewBridge returns a no-op Bridge when MQTT is disabled.
func NewBridge(_ *events.Bus, _ Config, _ *slog.Logger) (*Bridge, error) {
	return &Bridge{}, nil
}

func (b *Bridge) Start() {}
func (b *Bridge) Stop()  {}
