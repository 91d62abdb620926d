// Package device implements the NAT protocol engine's device base: identity,
// lifecycle state, the fragment assembler, dispatch table, the inbound
// reorder buffer and processing loop, and the offer/keep-alive timers. A
// Device is either a top-level extension (owns a can.Adapter directly) or a
// Tree child (borrows its parent's adapter and NatId).
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VVlasy/loxone-link-go/internal/can"
	"github.com/VVlasy/loxone-link-go/internal/devicestate"
	"github.com/VVlasy/loxone-link-go/internal/dispatch"
	"github.com/VVlasy/loxone-link-go/internal/events"
	"github.com/VVlasy/loxone-link-go/internal/fragment"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
	"github.com/VVlasy/loxone-link-go/internal/natframe"
)

// reorderCapacity is the target reorder-buffer depth from SPEC_FULL.md §5.
const reorderCapacity = 100

// Config builds a Device. Adapter must be set for a top-level extension and
// left nil for a Tree child (which instead sets Parent).
type Config struct {
	Identity              dispatch.Identity
	Logger                *slog.Logger
	Crypto                natcrypto.Config
	Adapter               can.Adapter
	Parent                *Device
	IsTreeChild           bool
	BranchTag             uint8
	Events                *events.Bus
	ChunkDelay            time.Duration
	OfflineTimeoutSeconds uint32
	Table                 *dispatch.Table

	// ForwardToChild and CascadeChildOffers are wired in by the owning
	// Tree router (internal/tree) for an extension with children; nil for
	// everything else.
	ForwardToChild     func(f natframe.Frame) bool
	CascadeChildOffers func(ctx context.Context)

	// OnConfigApplied and OnFirmwareApplied let a concrete device type
	// (internal/devices/*) react to SendConfig/FirmwareUpdate completion.
	OnConfigApplied  func(dispatch.ConfigRecord)
	OnFirmwareApplied func(newFwVersion uint32)
	// OnAssignmentApplied lets a concrete device type persist a fresh
	// NAT/Tree assignment (internal/devicestore, §6b) as soon as it lands.
	OnAssignmentApplied func(natID uint8, parked bool)
}

// Device is the owning base for one NAT endpoint: codec/assembler/state
// machine/dispatch/queue, per SPEC_FULL.md §3 "Ownership".
type Device struct {
	identity dispatch.Identity
	logger   *slog.Logger
	crypto   natcrypto.Config

	adapter     can.Adapter
	parent      *Device
	isTreeChild bool
	branchTag   uint8

	events     *events.Bus
	chunkDelay time.Duration
	table      *dispatch.Table

	forwardToChild      func(f natframe.Frame) bool
	cascadeChildOffers  func(ctx context.Context)
	onConfigApplied     func(dispatch.ConfigRecord)
	onFirmwareApplied   func(newFwVersion uint32)
	onAssignmentApplied func(natID uint8, parked bool)

	mu        sync.Mutex
	natID     uint8 // extension only; dispatch.UnassignedNatId until assigned
	deviceNat uint8 // tree child only; 0 until assigned
	cfgRecord dispatch.ConfigRecord

	state     *devicestate.Machine
	assembler *fragment.Assembler
	firmware  *dispatch.FirmwareSession

	reorderMu sync.Mutex
	reorder   *reorderBuffer

	queue  chan queuedFrame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queuedFrame struct {
	f   natframe.Frame
	seq uint64
}

// New builds an idle Device; call Start to begin processing.
func New(cfg Config) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "device", "serial", cfg.Identity.Serial)

	table := cfg.Table
	if table == nil {
		table = dispatch.NewCoreTable()
	}

	d := &Device{
		identity:           cfg.Identity,
		logger:             logger,
		crypto:             cfg.Crypto,
		adapter:            cfg.Adapter,
		parent:             cfg.Parent,
		isTreeChild:        cfg.IsTreeChild,
		branchTag:          cfg.BranchTag,
		events:             cfg.Events,
		chunkDelay:         cfg.ChunkDelay,
		table:              table,
		forwardToChild:     cfg.ForwardToChild,
		cascadeChildOffers: cfg.CascadeChildOffers,
		onConfigApplied:     cfg.OnConfigApplied,
		onFirmwareApplied:   cfg.OnFirmwareApplied,
		onAssignmentApplied: cfg.OnAssignmentApplied,
		natID:              dispatch.UnassignedNatId,
		assembler:          fragment.NewAssembler(),
		firmware:           dispatch.NewFirmwareSession(),
		queue:              make(chan queuedFrame, reorderCapacity),
	}
	d.state = devicestate.New(logger, cfg.OfflineTimeoutSeconds, d.onStateTransition)
	d.reorder = newReorderBuffer(reorderCapacity, func(seq uint64) {
		logger.Warn("reorder buffer overflow, dropping oldest frame", "seq", seq)
	})
	return d
}

func (d *Device) onStateTransition(tr devicestate.Transition) {
	if d.events == nil {
		return
	}
	d.events.Emit(events.Event{
		Type: events.TypeDeviceStateChanged,
		Data: events.DeviceStateChangedData{
			Serial: d.identity.Serial,
			From:   tr.From.String(),
			To:     tr.To.String(),
			Reason: string(tr.Reason),
		},
	})
}

// --- dispatch.Device ---

func (d *Device) Identity() dispatch.Identity        { return d.identity }
func (d *Device) State() *devicestate.Machine         { return d.state }
func (d *Device) Crypto() natcrypto.Config            { return d.crypto }
func (d *Device) Logger() *slog.Logger                { return d.logger }

func (d *Device) Send(ctx context.Context, command uint8, data []byte) error {
	f := natframe.New(d.NatId(), d.DeviceNat(), command, natframe.DirectionDevice, false, data)
	return d.rawSend(ctx, f)
}

func (d *Device) SendFragmented(ctx context.Context, command uint8, data []byte) error {
	return fragment.Emit(ctx, frameSender{d}, d.NatId(), d.DeviceNat(), command, data, d.chunkDelay)
}

// NatId returns the extension's (or, for a Tree child, the parent's)
// current NAT address.
func (d *Device) NatId() uint8 {
	if d.parent != nil {
		return d.parent.NatId()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.natID
}

// DeviceNat returns this device's DeviceId on the bus.
func (d *Device) DeviceNat() uint8 {
	if !d.isTreeChild {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceNat
}

func (d *Device) IsTreeChild() bool { return d.isTreeChild }
func (d *Device) BranchTag() uint8  { return d.branchTag }

func (d *Device) ApplyAssignment(natID uint8, parked bool) {
	d.mu.Lock()
	if d.isTreeChild {
		d.deviceNat = natID
	} else {
		d.natID = natID
	}
	d.mu.Unlock()
	d.state.OfferConfirmed(parked)
	if d.onAssignmentApplied != nil {
		d.onAssignmentApplied(natID, parked)
	}
	if d.events != nil {
		d.events.Emit(events.Event{
			Type: events.TypeDeviceAssigned,
			Data: events.DeviceAssignedData{
				Serial: d.identity.Serial,
				NatID:  natID,
				Parked: parked,
			},
		})
	}
}

func (d *Device) ForwardToChild(f natframe.Frame) bool {
	if d.forwardToChild == nil {
		return false
	}
	return d.forwardToChild(f)
}

func (d *Device) CascadeChildOffers(ctx context.Context) {
	if d.cascadeChildOffers != nil {
		d.cascadeChildOffers(ctx)
	}
}

func (d *Device) ConfigRecord() dispatch.ConfigRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgRecord
}

func (d *Device) ApplyConfigRecord(rec dispatch.ConfigRecord) {
	d.mu.Lock()
	d.cfgRecord = rec
	d.mu.Unlock()
	if d.onConfigApplied != nil {
		d.onConfigApplied(rec)
	}
	if d.events != nil {
		d.events.Emit(events.Event{Type: events.TypeConfigApplied, Data: d.identity.Serial})
	}
}

func (d *Device) Firmware() *dispatch.FirmwareSession { return d.firmware }

func (d *Device) ApplyFirmwareUpdate(newFwVersion uint32) {
	d.mu.Lock()
	d.identity.FWVersion = newFwVersion
	d.mu.Unlock()
	if d.onFirmwareApplied != nil {
		d.onFirmwareApplied(newFwVersion)
	}
	if d.events != nil {
		d.events.Emit(events.Event{Type: events.TypeFirmwareApplied, Data: newFwVersion})
	}
}

// --- transport ---

type frameSender struct{ dev *Device }

func (s frameSender) Send(ctx context.Context, f natframe.Frame) error {
	return s.dev.rawSend(ctx, f)
}

func (d *Device) rawSend(ctx context.Context, f natframe.Frame) error {
	if d.parent != nil {
		return d.parent.rawSend(ctx, f)
	}
	if d.adapter == nil {
		return fmt.Errorf("device: serial %d has no adapter and no parent", d.identity.Serial)
	}
	canID, data := natframe.Encode(f)
	return d.adapter.Send(ctx, canID, data)
}

// --- inbound path ---

// Accept admits a frame already addressed to this device (post Tree
// addressing filter), tagged with the next number of the per-device sequence
// counter its router keeps for this device.
func (d *Device) Accept(f natframe.Frame, seq uint64) {
	d.reorderMu.Lock()
	released := d.reorder.Push(queuedFrame{f: f, seq: seq})
	d.reorderMu.Unlock()

	for _, qf := range released {
		select {
		case d.queue <- qf:
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Device) handleFrame(f natframe.Frame) {
	d.state.ResetOfflineCountdown()

	switch f.Command {
	case fragment.CmdFragmentStart:
		d.assembler.HandleStart(f)
		return
	case fragment.CmdFragmentData:
		payload, ok := d.assembler.HandleData(d.NatId(), d.DeviceNat(), f)
		if !ok {
			return
		}
		handled, err := d.table.DispatchFragmented(d.ctx, d, payload)
		if err != nil {
			d.logger.Error("fragmented handler failed", "command", payload.Command, "err", err)
		} else if !handled {
			d.logger.Debug("no fragmented handler registered", "command", payload.Command)
		}
		return
	}

	handled, err := d.table.Dispatch(d.ctx, d, f)
	if err != nil {
		d.logger.Error("handler failed", "command", f.Command, "err", err)
	} else if !handled {
		d.logger.Debug("no handler registered", "command", f.Command)
	}
}

func (d *Device) run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case qf := <-d.queue:
			d.handleFrame(qf.f)
		}
	}
}

// --- timers ---

func (d *Device) canOffer() bool {
	if d.state.State() != devicestate.Offline {
		return false
	}
	if d.state.OffersSuppressed() {
		return false
	}
	if d.isTreeChild && d.parent != nil && d.parent.State().State() != devicestate.Online {
		return false
	}
	return true
}

func (d *Device) sendOffer(ctx context.Context) {
	id := d.identity
	var payload []byte
	if d.isTreeChild {
		payload = []byte{
			byte(id.DeviceType >> 8), byte(id.DeviceType), byte(id.DeviceType >> 8),
			byte(id.Serial), byte(id.Serial >> 8), byte(id.Serial >> 16), byte(id.Serial >> 24),
		}
	} else {
		payload = []byte{
			0x00,
			byte(id.DeviceType), byte(id.DeviceType >> 8),
			byte(id.Serial), byte(id.Serial >> 8), byte(id.Serial >> 16), byte(id.Serial >> 24),
		}
	}
	if err := d.Send(ctx, dispatch.CmdNatOfferRequest, payload); err != nil {
		d.logger.Warn("send offer", "err", err)
	}
}

func (d *Device) offerLoop(ctx context.Context) {
	for {
		if !d.canOffer() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		delay := d.state.RecordOffer()
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if !d.canOffer() {
				continue
			}
		}
		d.sendOffer(ctx)
	}
}

func (d *Device) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(d.state.KeepAliveInterval())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.state.Tick()
			if d.state.State() == devicestate.Offline {
				continue
			}
			if now.After(deadline) {
				if err := d.Send(ctx, dispatch.CmdAlive, dispatch.BuildAlivePayload(d)); err != nil {
					d.logger.Warn("send keep-alive", "err", err)
				}
				deadline = now.Add(d.state.KeepAliveInterval())
			}
		}
	}
}

// --- lifecycle ---

// Start begins the processing loop and the offer/keep-alive timers.
func (d *Device) Start(parentCtx context.Context) {
	d.ctx, d.cancel = context.WithCancel(parentCtx)
	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.run() }()
	go func() { defer d.wg.Done(); d.offerLoop(d.ctx) }()
	go func() { defer d.wg.Done(); d.keepAliveLoop(d.ctx) }()
}

// Stop signals the processing task, emits SetOffline if currently Online,
// and waits for all goroutines to exit. In-flight fragmented sessions are
// discarded (SPEC_FULL.md §5, "Cancellation").
func (d *Device) Stop() {
	prior := d.state.Stop()
	if prior == devicestate.Online {
		_ = d.Send(context.Background(), dispatch.CmdSetOffline, make([]byte, natframe.PayloadSize))
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.assembler.Reset()
}
