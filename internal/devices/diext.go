package devices

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/VVlasy/loxone-link-go/internal/can"
	"github.com/VVlasy/loxone-link-go/internal/device"
	"github.com/VVlasy/loxone-link-go/internal/devicestore"
	"github.com/VVlasy/loxone-link-go/internal/dispatch"
	"github.com/VVlasy/loxone-link-go/internal/events"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
)

// digitalInputCount is the number of digital inputs a DIExtension exposes
// (SPEC_FULL.md §4.9, "exposing 8 digital inputs").
const digitalInputCount = 8

// DIExtension is an Extension-side device (owns the CAN adapter directly,
// not behind a Tree router) exposing 8 digital inputs. Edge transitions
// call Sink.ApplyDigitalInput and emit CmdInputStatusChanged.
type DIExtension struct {
	*device.Device
	sink   Sink
	events *events.Bus

	mu     sync.Mutex
	levels uint8 // bit i set => input i currently high
}

// DIExtensionConfig builds a DIExtension.
type DIExtensionConfig struct {
	Serial    uint32
	HWVersion uint8
	FWVersion uint32

	Logger  *slog.Logger
	Crypto  natcrypto.Config
	Events  *events.Bus
	Adapter can.Adapter
	Store   devicestore.Store

	Sink Sink
}

// NewDIExtension builds an idle DIExtension; call Start to begin processing.
func NewDIExtension(cfg DIExtensionConfig) *DIExtension {
	sink := cfg.Sink
	if sink == nil {
		sink = NewNoopSink(cfg.Logger)
	}
	e := &DIExtension{sink: sink, events: cfg.Events}

	devCfg := device.Config{
		Identity: dispatch.Identity{
			Serial:     cfg.Serial,
			DeviceType: TypeDIExtension,
			HWVersion:  cfg.HWVersion,
			FWVersion:  cfg.FWVersion,
		},
		Logger:  cfg.Logger,
		Crypto:  cfg.Crypto,
		Events:  cfg.Events,
		Adapter: cfg.Adapter,
	}
	wireStore(&devCfg, cfg.Store, cfg.Serial, false)
	e.Device = device.New(devCfg)
	return e
}

// SetInput reports a digital input edge transition on channel (0-7). It
// updates the tracked level bitmap, drives the Sink, and emits
// CmdInputStatusChanged if the level actually changed.
func (e *DIExtension) SetInput(ctx context.Context, channel int, high bool) error {
	if channel < 0 || channel >= digitalInputCount {
		return fmt.Errorf("devices: digital input channel %d out of range [0,%d)", channel, digitalInputCount)
	}

	e.mu.Lock()
	bit := uint8(1) << uint(channel)
	was := e.levels&bit != 0
	if was == high {
		e.mu.Unlock()
		return nil
	}
	if high {
		e.levels |= bit
	} else {
		e.levels &^= bit
	}
	levels := e.levels
	e.mu.Unlock()

	e.sink.ApplyDigitalInput(channel, high)
	if e.events != nil {
		e.events.Emit(events.Event{
			Type: events.TypeSinkApplied,
			Data: events.SinkAppliedData{
				Serial:  e.Identity().Serial,
				Effect:  "digital_input",
				Channel: channel,
				High:    high,
			},
		})
	}

	payload := make([]byte, 7)
	payload[0] = bit
	payload[1] = levels
	return e.Send(ctx, dispatch.CmdInputStatusChanged, payload)
}
