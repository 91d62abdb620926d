// Package devices implements the concrete Loxone-Link device types that
// plug into the NAT protocol engine's device base (internal/device): the
// Tree-side lighting devices, the Touch/Motion scaffolding, and the
// Extension-side digital-input device. Each wraps a *device.Device and
// drives a pluggable Sink for whatever hardware effect it represents
// (SPEC_FULL.md §4.9).
package devices

import (
	"log/slog"

	"github.com/VVlasy/loxone-link-go/internal/device"
	"github.com/VVlasy/loxone-link-go/internal/dispatch"
	"github.com/VVlasy/loxone-link-go/internal/devicestore"
)

// Device type identifiers, as carried in dispatch.Identity.DeviceType and
// advertised in NatOfferRequest payloads (SPEC_FULL.md §6).
const (
	TypeTreeBaseExtension uint16 = 0x0013
	TypeDIExtension       uint16 = 0x0014
	TypeRGBW24VDimmerTree uint16 = 0x800C
	TypeLEDSpotRgbwTree   uint16 = 0x8016
	TypeLEDSpotWwTree     uint16 = 0x8017
	TypeTouchTree         uint16 = 0x8003
	TypeMotionTree        uint16 = 0x8002
)

// Sink is the pluggable interface every concrete device drives for its
// simulated hardware effect. The default NoopSink just logs; a Lua-scripted
// sink (internal/sinkscript) runs a script instead.
type Sink interface {
	// ApplyRGBW is called with logical 0-255 channel levels.
	ApplyRGBW(r, g, b, w uint8)
	// ApplyDigitalInput is called on every input edge transition, reporting
	// the new level.
	ApplyDigitalInput(channel int, high bool)
}

// NoopSink logs the effect it was asked to apply and does nothing else; the
// default Sink for any device not given one explicitly.
type NoopSink struct {
	Logger *slog.Logger
}

// NewNoopSink returns a NoopSink logging through logger, or slog.Default if
// logger is nil.
func NewNoopSink(logger *slog.Logger) NoopSink {
	if logger == nil {
		logger = slog.Default()
	}
	return NoopSink{Logger: logger.With("component", "sink")}
}

func (s NoopSink) ApplyRGBW(r, g, b, w uint8) {
	s.Logger.Debug("apply rgbw", "r", r, "g", g, "b", b, "w", w)
}

func (s NoopSink) ApplyDigitalInput(channel int, high bool) {
	s.Logger.Debug("apply digital input", "channel", channel, "high", high)
}

// wireStore fills in cfg's persistence hooks against store for one device,
// identified by serial/isTreeChild, so every concrete device type persists
// its assignment/config/firmware the same way (SPEC_FULL.md §6b). A nil
// store leaves cfg untouched — persistence is optional.
func wireStore(cfg *device.Config, store devicestore.Store, serial uint32, isTreeChild bool) {
	if store == nil {
		return
	}

	load := func() *devicestore.Assignment {
		a, err := store.GetAssignment(serial)
		if err != nil {
			return &devicestore.Assignment{Serial: serial, IsTreeChild: isTreeChild}
		}
		return a
	}

	cfg.OnAssignmentApplied = func(natID uint8, parked bool) {
		a := load()
		a.Serial, a.IsTreeChild, a.Parked = serial, isTreeChild, parked
		if isTreeChild {
			a.DeviceNat = natID
		} else {
			a.NatId = natID
		}
		_ = store.SaveAssignment(a)
	}
	cfg.OnConfigApplied = func(rec dispatch.ConfigRecord) {
		a := load()
		a.Serial, a.IsTreeChild = serial, isTreeChild
		a.ConfigurationCrc = rec.ConfigurationCrc()
		_ = store.SaveAssignment(a)
	}
	cfg.OnFirmwareApplied = func(newFwVersion uint32) {
		a := load()
		a.Serial, a.IsTreeChild = serial, isTreeChild
		a.FirmwareVersion = newFwVersion
		_ = store.SaveAssignment(a)
	}
}
