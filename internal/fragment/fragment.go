// Package fragment implements the Loxone-Link fragmented-message protocol:
// a FragmentStart header carrying the original command, total size and
// expected CRC32, followed by 7-byte FragmentData chunks. The Assembler
// reconstructs inbound payloads; Emit splits an outbound payload into the
// same shape.
package fragment

import (
	"context"
	"sync"
	"time"

	"github.com/VVlasy/loxone-link-go/internal/natframe"
	"github.com/VVlasy/loxone-link-go/internal/stm32crc"
)

// Command bytes consumed by the assembler; they never reach the dispatch
// tables directly.
const (
	CmdFragmentStart uint8 = 0xF0
	CmdFragmentData  uint8 = 0xF1
)

// DefaultChunkDelay is the inter-chunk pacing used by Emit when the caller
// doesn't override it; see SPEC_FULL.md §9 ("tunable rather than a
// constant").
const DefaultChunkDelay = 100 * time.Millisecond

// Payload is a fully reassembled (or about-to-be-split) fragmented NAT
// payload.
type Payload struct {
	NatId    uint8
	DeviceId uint8
	Command  uint8
	Data     []byte
}

// Assembler reconstructs one in-flight fragmented payload per device. At
// most one session is ever in flight; a new FragmentStart restarts it
// unconditionally.
type Assembler struct {
	mu sync.Mutex

	active          bool
	originalCommand uint8
	size            uint16
	expectedCrc     uint32
	buf             []byte
}

// NewAssembler returns an idle assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// HandleStart processes a FragmentStart frame, discarding any in-flight
// session.
func (a *Assembler) HandleStart(f natframe.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.originalCommand = f.B0()
	a.size = f.Val16()
	// Val16 covers data[1..3); the CRC starts at data[3], reuse Val32's
	// little-endian reader over the trailing 4 bytes.
	a.expectedCrc = f.Val32()
	a.buf = make([]byte, 0, a.size)
	a.active = true
}

// HandleData processes a FragmentData frame. It returns the reassembled
// Payload and true once the expected size has been reached and its CRC32
// matches; on CRC mismatch it silently drops the session (no ack, no nack)
// and returns false. If there's no active session, the frame is ignored.
func (a *Assembler) HandleData(natID, deviceID uint8, f natframe.Frame) (Payload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return Payload{}, false
	}

	remaining := int(a.size) - len(a.buf)
	if remaining > 0 {
		n := remaining
		if n > natframe.PayloadSize {
			n = natframe.PayloadSize
		}
		a.buf = append(a.buf, f.Data[:n]...)
	}

	if len(a.buf) < int(a.size) {
		return Payload{}, false
	}

	a.active = false
	got := stm32crc.Checksum(stm32crc.Pad(a.buf))
	if got != a.expectedCrc {
		return Payload{}, false
	}

	return Payload{
		NatId:    natID,
		DeviceId: deviceID,
		Command:  a.originalCommand,
		Data:     a.buf,
	}, true
}

// Reset discards any in-flight session.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.buf = nil
}

// Sender is the narrow send capability the emitter needs; the device base
// satisfies it.
type Sender interface {
	Send(ctx context.Context, f natframe.Frame) error
}

// Emit splits data into a FragmentStart plus 7-byte FragmentData chunks and
// sends them through sender, pausing chunkDelay between chunks. If
// chunkDelay is zero, DefaultChunkDelay is used.
func Emit(ctx context.Context, sender Sender, natID, deviceID, command uint8, data []byte, chunkDelay time.Duration) error {
	if chunkDelay == 0 {
		chunkDelay = DefaultChunkDelay
	}

	crc := stm32crc.Checksum(stm32crc.Pad(data))
	size := uint16(len(data))

	start := natframe.New(natID, deviceID, CmdFragmentStart, natframe.DirectionDevice, true, []byte{
		command,
		byte(size), byte(size >> 8),
		byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24),
	})
	if err := sender.Send(ctx, start); err != nil {
		return err
	}

	for i := 0; i < len(data); i += natframe.PayloadSize {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkDelay):
			}
		}
		end := i + natframe.PayloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[i:end]
		f := natframe.New(natID, deviceID, CmdFragmentData, natframe.DirectionDevice, true, chunk)
		if err := sender.Send(ctx, f); err != nil {
			return err
		}
	}
	// A zero-length payload emits only the FragmentStart, with no
	// FragmentData chunks. Assembler.HandleStart never completes a session
	// by itself, so a receiving Assembler delivers a zero-size session only
	// once a FragmentData frame follows.
	return nil
}
