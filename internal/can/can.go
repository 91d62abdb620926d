// Package can defines the CAN transport boundary the NAT protocol engine is
// built on: a single Adapter interface with two concrete implementations
// (internal/caniface/slcan, internal/caniface/socketcan).
package can

import "context"

// RawFrame is a transport-level 29-bit extended CAN frame, tagged with the
// adapter's monotonic sequence number. Device reorder buffers do not read
// this field: the Tree router and the standalone routing in
// cmd/natlink-emu give each device its own per-device sequence instead.
type RawFrame struct {
	ID             uint32
	Data           [8]byte
	SequenceNumber uint64
}

// Adapter is the CAN transport boundary: send one frame, and be notified of
// every frame received or successfully sent. Implementations must
// serialize concurrent Send calls themselves (SPEC_FULL.md §5, "Shared
// resources").
type Adapter interface {
	// Send transmits a single 29-bit extended CAN frame.
	Send(ctx context.Context, id uint32, data [8]byte) error
	// OnReceive registers the callback invoked for every inbound frame, in
	// arrival order, each tagged with a monotonically increasing sequence
	// number. Only one callback is supported; registering again replaces
	// it.
	OnReceive(func(RawFrame))
	// OnSent registers the callback invoked after every successful Send,
	// for sniffer/console consumption (SPEC_FULL.md §1 Non-goals — this
	// hook is the full extent of what this repo owns of that surface).
	OnSent(func(RawFrame))
	// Start begins delivering received frames to the OnReceive callback.
	Start(ctx context.Context) error
	// Stop releases the underlying transport.
	Stop() error
}
