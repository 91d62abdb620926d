// Package socketcan implements can.Adapter over a Linux SocketCAN interface
// (e.g. "can0") using github.com/FabianPetersen/can, the same raw Frame{ID,
// Length, Data} wire shape exercised by the canopen helpers in the reference
// pack.
package socketcan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	fcan "github.com/FabianPetersen/can"

	"github.com/VVlasy/loxone-link-go/internal/can"
)

// Adapter bridges can.Adapter onto a SocketCAN bus. Unlike the serial-based
// slcan.Adapter, FabianPetersen/can's Bus owns its own receive goroutine
// internally (via ConnectAndPublish); Open subscribes to the bus and Start
// just kicks that goroutine off.
type Adapter struct {
	ifname string
	bus    *fcan.Bus
	logger *slog.Logger

	seq atomic.Uint64

	handlerMu sync.RWMutex
	onReceive func(can.RawFrame)
	onSent    func(can.RawFrame)

	runErrCh chan error
}

// Open binds to the named SocketCAN interface without starting delivery;
// call Start to begin receiving.
func Open(ifname string, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bus, err := fcan.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open %s: %w", ifname, err)
	}
	a := &Adapter{
		ifname:   ifname,
		bus:      bus,
		logger:   logger,
		runErrCh: make(chan error, 1),
	}
	bus.SubscribeFunc(a.handleFrame)
	return a, nil
}

func (a *Adapter) OnReceive(f func(can.RawFrame)) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.onReceive = f
}

func (a *Adapter) OnSent(f func(can.RawFrame)) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.onSent = f
}

func (a *Adapter) handleFrame(frm fcan.Frame) {
	raw := can.RawFrame{
		ID:             frm.ID,
		SequenceNumber: a.seq.Add(1),
	}
	n := int(frm.Length)
	if n > 8 {
		n = 8
	}
	copy(raw.Data[:n], frm.Data[:n])

	a.handlerMu.RLock()
	onReceive := a.onReceive
	a.handlerMu.RUnlock()
	if onReceive != nil {
		onReceive(raw)
	}
}

// Start begins ConnectAndPublish in the background; the bus library owns the
// read loop from here on.
func (a *Adapter) Start(ctx context.Context) error {
	go func() {
		if err := a.bus.ConnectAndPublish(); err != nil {
			a.logger.Error("socketcan bus exited", "interface", a.ifname, "err", err)
			select {
			case a.runErrCh <- err:
			default:
			}
		}
	}()
	return nil
}

func (a *Adapter) Stop() error {
	return a.bus.Disconnect()
}

// Send transmits a single 29-bit extended CAN frame.
func (a *Adapter) Send(ctx context.Context, id uint32, data [8]byte) error {
	frm := fcan.Frame{
		ID:     id | fcanExtendedFlag,
		Length: 8,
	}
	copy(frm.Data[:], data[:])

	if err := a.bus.Publish(frm); err != nil {
		return fmt.Errorf("socketcan: publish: %w", err)
	}

	a.handlerMu.RLock()
	onSent := a.onSent
	a.handlerMu.RUnlock()
	if onSent != nil {
		onSent(can.RawFrame{ID: id, Data: data, SequenceNumber: a.seq.Add(1)})
	}
	return nil
}

// fcanExtendedFlag marks a CAN_ID as 29-bit extended format (CAN_EFF_FLAG),
// required so the kernel frames these as extended rather than 11-bit
// standard IDs. Loxone-Link IDs (prefix 0x10000000) fit in 29 bits and do
// not carry this bit, so Send ORs it into every outbound ID.
const fcanExtendedFlag uint32 = 0x80000000
