package devices

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/VVlasy/loxone-link-go/internal/device"
	"github.com/VVlasy/loxone-link-go/internal/devicestore"
	"github.com/VVlasy/loxone-link-go/internal/dispatch"
	"github.com/VVlasy/loxone-link-go/internal/events"
	"github.com/VVlasy/loxone-link-go/internal/fragment"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
)

// Lighting-control sub-commands, carried in data[0] of a CmdLightingControl
// fragmented payload (SPEC_FULL.md §4.9): the analogue of the teacher's
// ZCL LevelControl/ColorControl cluster commands, collapsed onto one wire
// command since there's no ZCL-style cluster addressing here.
const (
	LightingSetRGBW       uint8 = 0x01 // data[1..5) = r, g, b, w.
	LightingSetBrightness uint8 = 0x02 // data[1] = level (0-255), applied to w.
)

// Lighting is a Tree-side RGBW/LED-spot device: RGBW24V-Dimmer-Tree,
// LEDSpotRgbw-Tree, or LEDSpotWw-Tree, distinguished only by DeviceType.
// It embeds the device base and layers a CmdLightingControl handler on top
// of the core table.
type Lighting struct {
	*device.Device
	sink   Sink
	events *events.Bus
}

// LightingConfig builds a Lighting device.
type LightingConfig struct {
	Serial     uint32
	DeviceType uint16
	HWVersion  uint8
	FWVersion  uint32

	Logger *slog.Logger
	Crypto natcrypto.Config
	Events *events.Bus
	Store  devicestore.Store

	// Parent is the Tree extension this device hangs off; always required,
	// since every lighting device SPEC_FULL.md §4.9 names is Tree-side.
	Parent    *device.Device
	BranchTag uint8

	Sink Sink
}

// NewLighting builds an idle Lighting device; call Start to begin
// processing.
func NewLighting(cfg LightingConfig) *Lighting {
	sink := cfg.Sink
	if sink == nil {
		sink = NewNoopSink(cfg.Logger)
	}
	l := &Lighting{sink: sink, events: cfg.Events}

	table := dispatch.NewCoreTable()
	table.OnFragmented(dispatch.CmdLightingControl, l.handleLightingControl)

	devCfg := device.Config{
		Identity: dispatch.Identity{
			Serial:     cfg.Serial,
			DeviceType: cfg.DeviceType,
			HWVersion:  cfg.HWVersion,
			FWVersion:  cfg.FWVersion,
		},
		Logger:      cfg.Logger,
		Crypto:      cfg.Crypto,
		Events:      cfg.Events,
		Parent:      cfg.Parent,
		IsTreeChild: true,
		BranchTag:   cfg.BranchTag,
		Table:       table,
	}
	wireStore(&devCfg, cfg.Store, cfg.Serial, true)
	l.Device = device.New(devCfg)
	return l
}

func (l *Lighting) handleLightingControl(ctx context.Context, dev dispatch.Device, p fragment.Payload) error {
	if len(p.Data) < 2 {
		return fmt.Errorf("devices: lighting control payload too short: %d bytes", len(p.Data))
	}
	switch p.Data[0] {
	case LightingSetRGBW:
		if len(p.Data) < 5 {
			return fmt.Errorf("devices: lighting SetRGBW payload too short: %d bytes", len(p.Data))
		}
		r, g, b, w := p.Data[1], p.Data[2], p.Data[3], p.Data[4]
		l.sink.ApplyRGBW(r, g, b, w)
		l.emitSinkApplied(r, g, b, w)
	case LightingSetBrightness:
		level := p.Data[1]
		l.sink.ApplyRGBW(0, 0, 0, level)
		l.emitSinkApplied(0, 0, 0, level)
	default:
		l.Logger().Debug("unknown lighting sub-command", "subcommand", p.Data[0])
	}
	return nil
}

func (l *Lighting) emitSinkApplied(r, g, b, w uint8) {
	if l.events == nil {
		return
	}
	l.events.Emit(events.Event{
		Type: events.TypeSinkApplied,
		Data: events.SinkAppliedData{
			Serial: l.Identity().Serial,
			Effect: "rgbw",
			RGBW:   [4]uint8{r, g, b, w},
		},
	})
}
