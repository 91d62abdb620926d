// Package events implements the in-process pub/sub bus every device, the
// MQTT bridge, and the Lua sink scripting engine publish to and consume
// from (SPEC_FULL.md §6c).
package events

import (
	"log/slog"
	"sync"
)

// Event types published by the NAT protocol engine.
const (
	TypeDeviceStateChanged = "device_state_changed"
	TypeDeviceAssigned     = "device_assigned"
	TypeConfigApplied      = "config_applied"
	TypeFirmwareApplied    = "firmware_applied"
	TypeChallengeSolved    = "challenge_solved"
	TypeSinkApplied        = "sink_applied"
)

// Event is a single published occurrence.
type Event struct {
	Type string
	Data interface{}
}

// DeviceStateChangedData is carried in a TypeDeviceStateChanged event.
type DeviceStateChangedData struct {
	Serial uint32
	From   string
	To     string
	Reason string
}

// DeviceAssignedData is carried in a TypeDeviceAssigned event.
type DeviceAssignedData struct {
	Serial uint32
	NatID  uint8
	Parked bool
}

// SinkAppliedData is carried in a TypeSinkApplied event, published whenever
// a concrete device (internal/devices) drives its Sink.
type SinkAppliedData struct {
	Serial  uint32
	Effect  string // "rgbw" or "digital_input"
	RGBW    [4]uint8
	Channel int
	High    bool
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for protocol-engine events. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger.With("component", "events"),
	}
}

// On registers a handler for a specific event type. Returns an unsubscribe
// function.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives every event. Returns an
// unsubscribe function.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers, synchronously, recovering
// any handler panic so one bad subscriber can't take the device down.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		hs = append(hs, h)
	}
	for _, h := range b.allHandlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
