package devices

import (
	"log/slog"

	"github.com/VVlasy/loxone-link-go/internal/device"
	"github.com/VVlasy/loxone-link-go/internal/devicestore"
	"github.com/VVlasy/loxone-link-go/internal/dispatch"
	"github.com/VVlasy/loxone-link-go/internal/events"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
)

// ScaffoldConfig builds a Touch-Tree or Motion-Tree device: identity and
// lifecycle only, no control commands beyond the core table, per
// SPEC_FULL.md §4.9 ("registered as scaffolding only").
type ScaffoldConfig struct {
	Serial     uint32
	DeviceType uint16
	HWVersion  uint8
	FWVersion  uint32

	Logger *slog.Logger
	Crypto natcrypto.Config
	Events *events.Bus
	Store  devicestore.Store

	Parent    *device.Device
	BranchTag uint8
}

// NewTouch builds an idle Touch-Tree device; call Start to begin processing.
func NewTouch(cfg ScaffoldConfig) *device.Device {
	cfg.DeviceType = TypeTouchTree
	return newScaffold(cfg)
}

// NewMotion builds an idle Motion-Tree device; call Start to begin
// processing.
func NewMotion(cfg ScaffoldConfig) *device.Device {
	cfg.DeviceType = TypeMotionTree
	return newScaffold(cfg)
}

func newScaffold(cfg ScaffoldConfig) *device.Device {
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
	}
	wireStore(&devCfg, cfg.Store, cfg.Serial, true)
	return device.New(devCfg)
}
