package fragment

import (
	"context"
	"testing"
	"time"

	"github.com/VVlasy/loxone-link-go/internal/natframe"
	"github.com/VVlasy/loxone-link-go/internal/stm32crc"
)

type recordingSender struct {
	frames []natframe.Frame
}

func (r *recordingSender) Send(ctx context.Context, f natframe.Frame) error {
	r.frames = append(r.frames, f)
	return nil
}

func TestAssemblerRoundTripsThroughEmit(t *testing.T) {
	payload := []byte("this payload is longer than seven bytes, it spans several chunks")

	sender := &recordingSender{}
	if err := Emit(context.Background(), sender, 0x05, 0x01, 0x42, payload, time.Millisecond); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(sender.frames) < 2 {
		t.Fatalf("expected a FragmentStart plus at least one FragmentData frame, got %d", len(sender.frames))
	}
	if sender.frames[0].Command != CmdFragmentStart {
		t.Fatalf("first frame should be FragmentStart, got command %#x", sender.frames[0].Command)
	}

	a := NewAssembler()
	a.HandleStart(sender.frames[0])

	var (
		got Payload
		ok  bool
	)
	for _, f := range sender.frames[1:] {
		got, ok = a.HandleData(0x05, 0x01, f)
		if ok {
			break
		}
	}
	if !ok {
		t.Fatalf("assembler did not complete after consuming all chunks")
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("reassembled payload mismatch: got %q want %q", got.Data, payload)
	}
	if got.Command != 0x42 {
		t.Fatalf("original command not preserved: got %#x", got.Command)
	}
}

func TestAssemblerShortPayloadCompletesOnFirstChunk(t *testing.T) {
	payload := []byte{1, 2, 3}
	crc := stm32crc.Checksum(stm32crc.Pad(payload))

	start := natframe.New(0x01, 0x01, CmdFragmentStart, natframe.DirectionDevice, true, []byte{
		0x10, 3, 0,
		byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24),
	})
	data := natframe.New(0x01, 0x01, CmdFragmentData, natframe.DirectionDevice, true, payload)

	a := NewAssembler()
	a.HandleStart(start)
	got, ok := a.HandleData(0x01, 0x01, data)
	if !ok {
		t.Fatalf("expected completion on first chunk")
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("payload mismatch: got %v want %v", got.Data, payload)
	}
}

func TestAssemblerDropsSessionOnCrcMismatch(t *testing.T) {
	payload := []byte{1, 2, 3}
	badCrc := uint32(0xDEADBEEF)

	start := natframe.New(0x01, 0x01, CmdFragmentStart, natframe.DirectionDevice, true, []byte{
		0x10, 3, 0,
		byte(badCrc), byte(badCrc >> 8), byte(badCrc >> 16), byte(badCrc >> 24),
	})
	data := natframe.New(0x01, 0x01, CmdFragmentData, natframe.DirectionDevice, true, payload)

	a := NewAssembler()
	a.HandleStart(start)
	if _, ok := a.HandleData(0x01, 0x01, data); ok {
		t.Fatalf("expected CRC mismatch to drop the session")
	}
	if a.active {
		t.Fatalf("session should no longer be active after a CRC mismatch")
	}
}

func TestAssemblerIgnoresDataWithoutStart(t *testing.T) {
	a := NewAssembler()
	f := natframe.New(0x01, 0x01, CmdFragmentData, natframe.DirectionDevice, true, []byte{1, 2, 3})
	if _, ok := a.HandleData(0x01, 0x01, f); ok {
		t.Fatalf("expected no completion without a prior FragmentStart")
	}
}

func TestAssemblerNewStartAbandonsPriorSession(t *testing.T) {
	a := NewAssembler()
	first := natframe.New(0x01, 0x01, CmdFragmentStart, natframe.DirectionDevice, true, []byte{0x10, 20, 0, 0, 0, 0, 0})
	a.HandleStart(first)

	payload := []byte{9, 9, 9}
	crc := stm32crc.Checksum(stm32crc.Pad(payload))
	second := natframe.New(0x01, 0x01, CmdFragmentStart, natframe.DirectionDevice, true, []byte{
		0x20, 3, 0,
		byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24),
	})
	a.HandleStart(second)

	data := natframe.New(0x01, 0x01, CmdFragmentData, natframe.DirectionDevice, true, payload)
	got, ok := a.HandleData(0x01, 0x01, data)
	if !ok {
		t.Fatalf("second session should complete on its own 3-byte payload")
	}
	if got.Command != 0x20 {
		t.Fatalf("expected second session's command 0x20, got %#x", got.Command)
	}
}

func TestEmitPacesChunksWithDelay(t *testing.T) {
	sender := &recordingSender{}
	payload := make([]byte, natframe.PayloadSize*3)
	delay := 5 * time.Millisecond

	start := time.Now()
	if err := Emit(context.Background(), sender, 0x01, 0x01, 0x10, payload, delay); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	elapsed := time.Since(start)
	// 3 chunks -> 2 inter-chunk delays.
	if elapsed < 2*delay {
		t.Fatalf("expected Emit to pace chunks by at least %v, took %v", 2*delay, elapsed)
	}
}

func TestEmitZeroLengthPayload(t *testing.T) {
	sender := &recordingSender{}
	if err := Emit(context.Background(), sender, 0x01, 0x01, 0x10, nil, time.Millisecond); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("expected exactly the FragmentStart frame for an empty payload, got %d frames", len(sender.frames))
	}
}
