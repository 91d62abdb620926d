// Package tree implements the Tree-extension router: the addressing filter
// that decides whether an inbound frame targets the extension, one specific
// child, or every child, plus the offer-propagation cascade triggered by
// IdentifyUnknown (SPEC_FULL.md §4.8).
package tree

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VVlasy/loxone-link-go/internal/can"
	"github.com/VVlasy/loxone-link-go/internal/devicestate"
	"github.com/VVlasy/loxone-link-go/internal/dispatch"
	"github.com/VVlasy/loxone-link-go/internal/device"
	"github.com/VVlasy/loxone-link-go/internal/natframe"
)

// cascadeSpacing is the inter-child delay the offer-propagation cascade
// uses, per SPEC_FULL.md §4.8 ("spaced ~50ms apart").
const cascadeSpacing = 50 * time.Millisecond

// Router owns one top-level extension's Tree children and is the sole
// consumer of the extension's CAN adapter. Construct with NewRouter, then
// wire its ForwardToChild/CascadeChildOffers methods into the extension's
// device.Config before building the extension (resolving what would
// otherwise be a cyclic device<->tree ownership, per SPEC_FULL.md §9).
type Router struct {
	logger    *slog.Logger
	adapter   can.Adapter
	extension *device.Device

	// extSeq is the extension's own private monotonic counter. Each device's
	// reorderBuffer requires a contiguous per-device sequence, so this must
	// never be shared with any child: a broadcast consumes one number here
	// and a separate number on every child's own counter, instead of
	// carving non-contiguous gaps out of one shared counter.
	extSeq atomic.Uint64

	mu       sync.RWMutex
	children []*childRoute
}

// childRoute pairs a Tree child with its own private sequence counter.
type childRoute struct {
	dev *device.Device
	seq atomic.Uint64
}

func (c *childRoute) nextSeq() uint64 {
	return c.seq.Add(1) - 1
}

func (r *Router) nextExtSeq() uint64 {
	return r.extSeq.Add(1) - 1
}

// NewRouter returns a Router that has not yet been bound to an extension or
// any children; call BindExtension and AddChild before Start.
func NewRouter(logger *slog.Logger, adapter can.Adapter) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger.With("component", "tree"),
		adapter: adapter,
	}
}

// BindExtension records the extension this router fans frames out from.
// Call once, after constructing the extension with this Router's
// ForwardToChild/CascadeChildOffers already wired into its Config.
func (r *Router) BindExtension(ext *device.Device) {
	r.extension = ext
}

// AddChild registers a Tree child. Call before Start.
func (r *Router) AddChild(child *device.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = append(r.children, &childRoute{dev: child})
}

func (r *Router) childrenSnapshot() []*childRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*childRoute, len(r.children))
	copy(out, r.children)
	return out
}

// Start subscribes to the adapter and begins the extension's and every
// child's processing loops.
func (r *Router) Start(ctx context.Context) error {
	r.adapter.OnReceive(r.handleRawFrame)
	r.extension.Start(ctx)
	for _, c := range r.childrenSnapshot() {
		c.dev.Start(ctx)
	}
	return r.adapter.Start(ctx)
}

// Stop stops every child then the extension, and releases the adapter.
func (r *Router) Stop() error {
	for _, c := range r.childrenSnapshot() {
		c.dev.Stop()
	}
	r.extension.Stop()
	return r.adapter.Stop()
}

func (r *Router) handleRawFrame(raw can.RawFrame) {
	f, err := natframe.Decode(raw.ID, raw.Data)
	if err != nil {
		return
	}

	extNat := r.extension.NatId()
	if f.NatId != extNat && f.NatId != 0xFF {
		return
	}

	switch {
	case f.Command == dispatch.CmdIdentifyUnknown:
		// Handled locally only; the extension's own handler triggers the
		// cascade through CascadeChildOffers.
		r.extension.Accept(f, r.nextExtSeq())
	case f.DeviceId == 0:
		r.extension.Accept(f, r.nextExtSeq())
	case f.DeviceId == 0xFF:
		// Extension-local handling runs before fan-out (SPEC_FULL.md §4.8).
		r.extension.Accept(f, r.nextExtSeq())
		for _, c := range r.childrenSnapshot() {
			c.dev.Accept(f, c.nextSeq())
		}
	default:
		if !r.ForwardToChild(f) {
			r.logger.Debug("no child matched addressed frame", "device_id", f.DeviceId, "command", f.Command)
		}
	}
}

// ForwardToChild delivers f to the first child matching it: exact DeviceId
// match, a parked-range match against a currently-Parked child, or (for
// NatOfferConfirm) a serial match in the payload. It satisfies
// dispatch.Device.ForwardToChild for the extension.
func (r *Router) ForwardToChild(f natframe.Frame) bool {
	for _, c := range r.childrenSnapshot() {
		if childMatches(c.dev, f) {
			c.dev.Accept(f, c.nextSeq())
			return true
		}
	}
	return false
}

func childMatches(c *device.Device, f natframe.Frame) bool {
	devNat := c.DeviceNat()
	if devNat != 0 && f.DeviceId == devNat {
		return true
	}
	if f.DeviceId&0x80 != 0 && c.State().State() == devicestate.Parked && f.DeviceId&0x7F == devNat&0x7F {
		return true
	}
	if f.Command == dispatch.CmdNatOfferConfirm && f.Val32() == c.Identity().Serial {
		return true
	}
	return false
}

// CascadeChildOffers asks each child, in registration order, to resume
// offering: it resets each child's offer backoff so an Offline child's
// offer loop sends its next offer immediately, spaced cascadeSpacing apart.
// It satisfies dispatch.Device.CascadeChildOffers for the extension.
func (r *Router) CascadeChildOffers(ctx context.Context) {
	for _, c := range r.childrenSnapshot() {
		c.dev.State().ResumeOffers()
		select {
		case <-ctx.Done():
			return
		case <-time.After(cascadeSpacing):
		}
	}
}
