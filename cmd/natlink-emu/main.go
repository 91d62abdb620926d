// Command natlink-emu boots the Loxone-Link device emulator: it reads a
// YAML configuration file, opens one CAN adapter, builds the configured
// extensions and their Tree children, and runs until interrupted. Shape
// (temporary boot logger, config → validate → configured logger → open
// store → build → start → signal-driven shutdown) mirrors the teacher's
// cmd/zigbee-home/main.go end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/VVlasy/loxone-link-go/internal/appconfig"
	"github.com/VVlasy/loxone-link-go/internal/can"
	"github.com/VVlasy/loxone-link-go/internal/caniface/slcan"
	"github.com/VVlasy/loxone-link-go/internal/caniface/socketcan"
	"github.com/VVlasy/loxone-link-go/internal/device"
	"github.com/VVlasy/loxone-link-go/internal/devices"
	"github.com/VVlasy/loxone-link-go/internal/devicestore"
	"github.com/VVlasy/loxone-link-go/internal/dispatch"
	"github.com/VVlasy/loxone-link-go/internal/events"
	"github.com/VVlasy/loxone-link-go/internal/mqttbridge"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
	"github.com/VVlasy/loxone-link-go/internal/natframe"
	"github.com/VVlasy/loxone-link-go/internal/sinkscript"
	"github.com/VVlasy/loxone-link-go/internal/tree"
)

var version = "dev"

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("natlink-emu starting", "version", version)

	crypto, err := cfg.BuildCrypto()
	if err != nil {
		logger.Error("build crypto config", "err", err)
		os.Exit(1)
	}

	store, err := devicestore.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	adapter, err := openAdapter(cfg.Adapter, logger)
	if err != nil {
		logger.Error("open adapter", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)

	runtime, err := buildExtensions(cfg, adapter, crypto, bus, store, logger)
	if err != nil {
		logger.Error("build extensions", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runtime.Start(ctx); err != nil {
		logger.Error("start runtime", "err", err)
		os.Exit(1)
	}

	mqtt := initMQTT(bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	mqtt.Stop()
	runtime.Stop()
	for _, sink := range runtime.scriptSinks {
		sink.Close()
	}
	logger.Info("goodbye")
}

func newLogger(cfg *appconfig.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func openAdapter(cfg appconfig.AdapterConfig, logger *slog.Logger) (can.Adapter, error) {
	switch cfg.Type {
	case "socketcan":
		logger.Info("using SocketCAN adapter", "interface", cfg.Port)
		return socketcan.Open(cfg.Port, logger)
	default:
		logger.Info("using slcan adapter", "port", cfg.Port, "baud", cfg.Baud)
		return slcan.Open(cfg.Port, cfg.Baud, logger)
	}
}

// runtime holds everything buildExtensions assembled, so main can start,
// stop, and release it uniformly regardless of how many extensions (plain
// routers vs. standalone DIExtensions) were configured.
type runtime struct {
	adapter     can.Adapter
	routers     []*tree.Router
	standalone  []*standaloneRoute
	scriptSinks []*sinkscript.Sink
}

// standaloneRoute pairs a routerless extension with its own private
// sequence counter: each device's reorder buffer needs a contiguous
// per-device sequence, so sharing one counter across multiple standalone
// extensions on the same bus would stall it exactly as it would for a
// router's children (see internal/tree.childRoute).
type standaloneRoute struct {
	dev *device.Device
	seq atomic.Uint64
}

func (s *standaloneRoute) nextSeq() uint64 {
	return s.seq.Add(1) - 1
}

func (r *runtime) Start(ctx context.Context) error {
	for _, router := range r.routers {
		if err := router.Start(ctx); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
	}
	if len(r.standalone) > 0 {
		r.adapter.OnReceive(r.handleStandaloneFrame)
		for _, s := range r.standalone {
			s.dev.Start(ctx)
		}
		if len(r.routers) == 0 {
			if err := r.adapter.Start(ctx); err != nil {
				return fmt.Errorf("start adapter: %w", err)
			}
		}
	}
	return nil
}

func (r *runtime) Stop() {
	for _, router := range r.routers {
		router.Stop()
	}
	for _, s := range r.standalone {
		s.dev.Stop()
	}
	if len(r.standalone) > 0 && len(r.routers) == 0 {
		r.adapter.Stop()
	}
}

// handleStandaloneFrame decodes one raw CAN frame and delivers it to every
// standalone (routerless) extension whose NatId matches, mirroring the
// addressing filter in internal/tree.Router.handleRawFrame minus the
// Tree-child fan-out.
func (r *runtime) handleStandaloneFrame(raw can.RawFrame) {
	f, err := natframe.Decode(raw.ID, raw.Data)
	if err != nil {
		return
	}
	for _, s := range r.standalone {
		if f.NatId == s.dev.NatId() || f.NatId == 0xFF {
			s.dev.Accept(f, s.nextSeq())
		}
	}
}

func buildExtensions(cfg *appconfig.Config, adapter can.Adapter, crypto natcrypto.Config, bus *events.Bus, store devicestore.Store, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{adapter: adapter}

	for _, extCfg := range cfg.Extensions {
		sink, err := buildSink(cfg, extCfg.Serial, logger)
		if err != nil {
			return nil, err
		}
		if sink != nil {
			if s, ok := sink.(*sinkscript.Sink); ok {
				rt.scriptSinks = append(rt.scriptSinks, s)
			}
		}

		if extCfg.DeviceType == devices.TypeDIExtension {
			ext := devices.NewDIExtension(devices.DIExtensionConfig{
				Serial:    extCfg.Serial,
				HWVersion: extCfg.HWVersion,
				FWVersion: extCfg.FWVersion,
				Logger:    logger,
				Crypto:    crypto,
				Events:    bus,
				Adapter:   adapter,
				Store:     store,
				Sink:      sink,
			})
			rt.standalone = append(rt.standalone, &standaloneRoute{dev: ext.Device})
			continue
		}

		router := tree.NewRouter(logger, adapter)
		ext := device.New(device.Config{
			Identity: dispatch.Identity{
				Serial:     extCfg.Serial,
				DeviceType: extCfg.DeviceType,
				HWVersion:  extCfg.HWVersion,
				FWVersion:  extCfg.FWVersion,
			},
			Logger:             logger,
			Crypto:             crypto,
			Events:             bus,
			Adapter:            adapter,
			ForwardToChild:     router.ForwardToChild,
			CascadeChildOffers: router.CascadeChildOffers,
		})
		router.BindExtension(ext)

		for _, treeCfg := range extCfg.Tree {
			childSink, err := buildSink(cfg, treeCfg.Serial, logger)
			if err != nil {
				return nil, err
			}
			if s, ok := childSink.(*sinkscript.Sink); ok {
				rt.scriptSinks = append(rt.scriptSinks, s)
			}

			child, err := buildTreeChild(treeCfg, ext, crypto, bus, store, childSink, logger)
			if err != nil {
				return nil, err
			}
			router.AddChild(child)
		}

		rt.routers = append(rt.routers, router)
	}

	return rt, nil
}

func buildTreeChild(cfg appconfig.TreeDeviceConfig, parent *device.Device, crypto natcrypto.Config, bus *events.Bus, store devicestore.Store, sink devices.Sink, logger *slog.Logger) (*device.Device, error) {
	switch cfg.DeviceType {
	case devices.TypeRGBW24VDimmerTree, devices.TypeLEDSpotRgbwTree, devices.TypeLEDSpotWwTree:
		l := devices.NewLighting(devices.LightingConfig{
			Serial:     cfg.Serial,
			DeviceType: cfg.DeviceType,
			HWVersion:  cfg.HWVersion,
			FWVersion:  cfg.FWVersion,
			Logger:     logger,
			Crypto:     crypto,
			Events:     bus,
			Store:      store,
			Parent:     parent,
			BranchTag:  cfg.BranchTag,
			Sink:       sink,
		})
		return l.Device, nil
	case devices.TypeTouchTree:
		return devices.NewTouch(devices.ScaffoldConfig{
			Serial: cfg.Serial, HWVersion: cfg.HWVersion, FWVersion: cfg.FWVersion,
			Logger: logger, Crypto: crypto, Events: bus, Store: store,
			Parent: parent, BranchTag: cfg.BranchTag,
		}), nil
	case devices.TypeMotionTree:
		return devices.NewMotion(devices.ScaffoldConfig{
			Serial: cfg.Serial, HWVersion: cfg.HWVersion, FWVersion: cfg.FWVersion,
			Logger: logger, Crypto: crypto, Events: bus, Store: store,
			Parent: parent, BranchTag: cfg.BranchTag,
		}), nil
	default:
		return nil, fmt.Errorf("natlink-emu: unknown tree device_type 0x%04X for serial 0x%08X", cfg.DeviceType, cfg.Serial)
	}
}

// buildSink returns the Lua-scripted sink when automation is enabled, or
// nil (letting the concrete device type fall back to its NoopSink) when
// it's disabled, matching the teacher's "no-op when feature disabled"
// wiring style.
func buildSink(cfg *appconfig.Config, serial uint32, logger *slog.Logger) (devices.Sink, error) {
	if !cfg.Automation.Enabled {
		return nil, nil
	}
	s, err := sinkscript.Load(cfg.Automation.ScriptsDir, serial, logger)
	if err != nil {
		return nil, fmt.Errorf("natlink-emu: load sink script for serial 0x%08X: %w", serial, err)
	}
	return s, nil
}

func initMQTT(bus *events.Bus, cfg *appconfig.Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(bus, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}
