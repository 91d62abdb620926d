// Package slcan implements can.Adapter over a Lawicel/slcan-speaking serial
// CAN interface (e.g. an USBtin or candleLight running slcan firmware). The
// transport shape — serial.Open with DTR/RTS asserted, a bufio.Reader fed by
// a dedicated read-loop goroutine with backoff, a writeMu serializing writes,
// and a done channel/WaitGroup pair for shutdown — is grounded on
// internal/ncp/nrf52840.go's serial transport.
package slcan

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/VVlasy/loxone-link-go/internal/can"
)

// Adapter speaks the Lawicel/slcan ASCII protocol over a serial port:
// extended-frame transmit/receive lines of the form "T" + 8 hex ID digits +
// 1 hex DLC digit + up to 16 hex data digits, terminated by '\r'.
type Adapter struct {
	port     serial.Port
	portName string
	portMode *serial.Mode
	reader   *bufio.Reader
	logger   *slog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	handlerMu sync.RWMutex
	onReceive func(can.RawFrame)
	onSent    func(can.RawFrame)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens portName at baud and asserts DTR/RTS, matching the nRF52840 NCP
// transport's USB-CDC-ACM handshake. It does not start the slcan session
// (opening the CAN channel with "O") or the read loop; call Start for that.
func Open(portName string, baud int, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return &Adapter{
		port:     port,
		portName: portName,
		portMode: mode,
		reader:   bufio.NewReader(port),
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
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

// Start opens the slcan channel at a fixed CAN bitrate ("S8", 1 Mbit/s — the
// rate Loxone-Link runs at) and begins the read loop.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.writeLine("S8"); err != nil {
		return fmt.Errorf("slcan: set bitrate: %w", err)
	}
	if err := a.writeLine("O"); err != nil {
		return fmt.Errorf("slcan: open channel: %w", err)
	}
	a.wg.Add(1)
	go a.readLoop()
	return nil
}

func (a *Adapter) Stop() error {
	a.closeOnce.Do(func() { close(a.done) })
	_ = a.writeLine("C")
	err := a.port.Close()
	a.wg.Wait()
	return err
}

// Send transmits one 29-bit extended CAN frame as an slcan "T" line:
// "T" + 8 hex ID digits + 1 hex DLC digit + 16 hex data digits + "\r".
func (a *Adapter) Send(ctx context.Context, id uint32, data [8]byte) error {
	line := fmt.Sprintf("T%08X8%s", id&0x1FFFFFFF, hex.EncodeToString(data[:]))
	if err := a.writeLine(line); err != nil {
		return err
	}
	a.handlerMu.RLock()
	onSent := a.onSent
	a.handlerMu.RUnlock()
	if onSent != nil {
		onSent(can.RawFrame{ID: id, Data: data, SequenceNumber: a.seq.Add(1)})
	}
	return nil
}

func (a *Adapter) writeLine(line string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.port.Write([]byte(line + "\r"))
	return err
}

func (a *Adapter) readLoop() {
	defer a.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-a.done:
			return
		default:
		}

		line, err := a.reader.ReadString('\r')
		if err != nil {
			select {
			case <-a.done:
				return
			default:
				a.logger.Error("slcan read error", "err", err)
				select {
				case <-time.After(backoff):
				case <-a.done:
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
				continue
			}
		}
		backoff = 10 * time.Millisecond

		frame, ok := parseFrameLine(strings.TrimRight(line, "\r\n"))
		if !ok {
			continue
		}
		frame.SequenceNumber = a.seq.Add(1)

		a.handlerMu.RLock()
		onReceive := a.onReceive
		a.handlerMu.RUnlock()
		if onReceive != nil {
			onReceive(frame)
		}
	}
}

// parseFrameLine parses an slcan extended-frame receive line ("T" + 8 hex ID
// digits + 1 hex DLC digit + up to 16 hex data digits). Non-"T" lines (bare
// "z"/"Z" ACKs, bell on error) are ignored.
func parseFrameLine(line string) (can.RawFrame, bool) {
	if len(line) < 10 || line[0] != 'T' {
		return can.RawFrame{}, false
	}
	idBytes, err := hex.DecodeString(line[1:9])
	if err != nil {
		return can.RawFrame{}, false
	}
	id := uint32(idBytes[0])<<24 | uint32(idBytes[1])<<16 | uint32(idBytes[2])<<8 | uint32(idBytes[3])

	dlcDigit := line[9]
	if dlcDigit < '0' || dlcDigit > '8' {
		return can.RawFrame{}, false
	}
	dlc := int(dlcDigit - '0')

	dataHex := line[10:]
	if len(dataHex) < dlc*2 {
		return can.RawFrame{}, false
	}
	raw, err := hex.DecodeString(dataHex[:dlc*2])
	if err != nil {
		return can.RawFrame{}, false
	}
	var data [8]byte
	copy(data[:], raw)
	return can.RawFrame{ID: id, Data: data}, true
}
