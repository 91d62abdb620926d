package dispatch

import (
	"context"
	"sync"

	"github.com/VVlasy/loxone-link-go/internal/fragment"
	"github.com/VVlasy/loxone-link-go/internal/natframe"
)

// Handler processes a non-fragmented NAT frame already addressed to dev.
type Handler func(ctx context.Context, dev Device, f natframe.Frame) error

// FragmentHandler processes a fully reassembled fragmented payload.
type FragmentHandler func(ctx context.Context, dev Device, p fragment.Payload) error

// Table is a pair of command-byte-keyed handler registries, one for
// ordinary frames and one for reassembled fragmented payloads. Safe for
// concurrent registration and dispatch, mirroring the teacher's
// zcl.Registry mutex discipline.
type Table struct {
	mu         sync.RWMutex
	simple     map[uint8]Handler
	fragmented map[uint8]FragmentHandler
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		simple:     make(map[uint8]Handler),
		fragmented: make(map[uint8]FragmentHandler),
	}
}

// On registers h for a non-fragmented command, overwriting any prior
// registration for the same byte.
func (t *Table) On(command uint8, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.simple[command] = h
}

// OnFragmented registers h for a fragmented command.
func (t *Table) OnFragmented(command uint8, h FragmentHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fragmented[command] = h
}

// Dispatch runs the registered simple handler for f.Command, if any. It
// reports ok=false when no handler is registered so the caller can log and
// drop the frame.
func (t *Table) Dispatch(ctx context.Context, dev Device, f natframe.Frame) (ok bool, err error) {
	t.mu.RLock()
	h, found := t.simple[f.Command]
	t.mu.RUnlock()
	if !found {
		return false, nil
	}
	return true, h(ctx, dev, f)
}

// DispatchFragmented runs the registered fragmented handler for p.Command.
func (t *Table) DispatchFragmented(ctx context.Context, dev Device, p fragment.Payload) (ok bool, err error) {
	t.mu.RLock()
	h, found := t.fragmented[p.Command]
	t.mu.RUnlock()
	if !found {
		return false, nil
	}
	return true, h(ctx, dev, p)
}
