package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/VVlasy/loxone-link-go/internal/stm32crc"
)

// Firmware sub-commands, carried inside a reassembled FirmwareUpdate
// payload (SPEC_FULL.md §4.7) — a separate numbering space from the
// top-level NAT command bytes in commands.go.
const (
	FwSubFirmwareData     uint8 = 0x01
	FwSubFirmwareCrc      uint8 = 0x02
	FwSubVerifyUpdate     uint8 = 0x03
	FwSubVerifyAndRestart uint8 = 0x04
)

// FirmwareState is one stage of the firmware-update session.
type FirmwareState uint8

const (
	FirmwareIdle FirmwareState = iota
	FirmwareReceiving
	FirmwareReceivingCrc
	FirmwareVerifying
	FirmwareCompleted
	FirmwareFailed
)

// ErrShortFirmwarePayload is returned when a reassembled FirmwareUpdate
// payload is shorter than its fixed 12-byte header.
var ErrShortFirmwarePayload = errors.New("dispatch: firmware payload shorter than 12 bytes")

type firmwareHeader struct {
	dataSize     uint8
	subCommand   uint8
	deviceType   uint16
	newFwVersion uint32
	pageNumber   uint16
	index        uint16
}

func parseFirmwareHeader(data []byte) (firmwareHeader, []byte, error) {
	if len(data) < 12 {
		return firmwareHeader{}, nil, ErrShortFirmwarePayload
	}
	h := firmwareHeader{
		dataSize:     data[0],
		subCommand:   data[1],
		deviceType:   binary.LittleEndian.Uint16(data[2:4]),
		newFwVersion: binary.LittleEndian.Uint32(data[4:8]),
		pageNumber:   binary.LittleEndian.Uint16(data[8:10]),
		index:        binary.LittleEndian.Uint16(data[10:12]),
	}
	return h, data[12:], nil
}

type firmwarePage struct {
	data        []byte
	expectedCrc uint32
	haveCrc     bool
}

// FirmwareSession tracks one device's in-progress firmware update. Only one
// session is live per device at a time; a FirmwareData sub-command while
// idle, or after a session ended Completed or Failed, starts a new one.
type FirmwareSession struct {
	mu sync.Mutex

	state        FirmwareState
	deviceType   uint16
	newFwVersion uint32
	pages        map[uint16]*firmwarePage
}

// NewFirmwareSession returns an idle session.
func NewFirmwareSession() *FirmwareSession {
	return &FirmwareSession{state: FirmwareIdle, pages: make(map[uint16]*firmwarePage)}
}

// State returns the current session stage.
func (s *FirmwareSession) State() FirmwareState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FirmwareSession) resetLocked() {
	s.state = FirmwareIdle
	s.deviceType = 0
	s.newFwVersion = 0
	s.pages = make(map[uint16]*firmwarePage)
}

// Apply processes one reassembled FirmwareUpdate payload against dev's own
// device type. It returns a reply payload and true when a reply must be
// emitted as a fragmented FirmwareUpdate frame (VerifyUpdate only); on
// success it also calls dev.ApplyFirmwareUpdate.
func (s *FirmwareSession) Apply(ctx context.Context, dev Device, payload []byte) (reply []byte, shouldReply bool, err error) {
	hdr, body, err := parseFirmwareHeader(payload)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if hdr.deviceType != dev.Identity().DeviceType {
		dev.Logger().Warn("firmware update device type mismatch", "got", hdr.deviceType, "want", dev.Identity().DeviceType)
		return nil, false, nil
	}

	// A heartbeat is emitted after each sub-command, independent of the
	// fragmented reply VerifyUpdate also sends.
	defer func() {
		if sendErr := dev.Send(ctx, CmdAlive, BuildAlivePayload(dev)); sendErr != nil {
			dev.Logger().Warn("firmware heartbeat", "err", sendErr)
		}
	}()

	switch hdr.subCommand {
	case FwSubFirmwareData:
		if s.state == FirmwareIdle || s.state == FirmwareCompleted || s.state == FirmwareFailed {
			s.deviceType = hdr.deviceType
			s.newFwVersion = hdr.newFwVersion
			s.state = FirmwareReceiving
		}
		page := s.pages[hdr.pageNumber]
		if page == nil {
			page = &firmwarePage{}
			s.pages[hdr.pageNumber] = page
		}
		page.data = append(page.data, body...)
		return nil, false, nil

	case FwSubFirmwareCrc:
		if s.state != FirmwareReceiving && s.state != FirmwareReceivingCrc {
			dev.Logger().Warn("firmware CRC sub-command out of sequence", "state", s.state)
			return nil, false, nil
		}
		if len(body) < 4 {
			return nil, false, ErrShortFirmwarePayload
		}
		page := s.pages[hdr.pageNumber]
		if page == nil {
			page = &firmwarePage{}
			s.pages[hdr.pageNumber] = page
		}
		page.expectedCrc = binary.LittleEndian.Uint32(body[0:4])
		page.haveCrc = true
		s.state = FirmwareReceivingCrc
		return nil, false, nil

	case FwSubVerifyUpdate, FwSubVerifyAndRestart:
		if s.state != FirmwareReceivingCrc {
			dev.Logger().Warn("firmware verify out of sequence", "state", s.state)
			return nil, false, nil
		}
		s.state = FirmwareVerifying
		return s.verifyLocked(dev, hdr, hdr.subCommand == FwSubVerifyUpdate)

	default:
		dev.Logger().Warn("unknown firmware sub-command", "sub", hdr.subCommand)
		return nil, false, nil
	}
}

func (s *FirmwareSession) verifyLocked(dev Device, hdr firmwareHeader, wantReply bool) ([]byte, bool, error) {
	var imageData []byte
	var failedPage uint16
	failed := false

	pageNumbers := make([]uint16, 0, len(s.pages))
	for n := range s.pages {
		pageNumbers = append(pageNumbers, n)
	}
	// Verify in ascending page order so both the image CRC and any
	// reported failedPage are deterministic across runs.
	for i := 0; i < len(pageNumbers); i++ {
		for j := i + 1; j < len(pageNumbers); j++ {
			if pageNumbers[j] < pageNumbers[i] {
				pageNumbers[i], pageNumbers[j] = pageNumbers[j], pageNumbers[i]
			}
		}
	}

	for _, n := range pageNumbers {
		page := s.pages[n]
		if !page.haveCrc {
			failed = true
			failedPage = n
			break
		}
		got := stm32crc.Checksum(stm32crc.Pad(page.data))
		if got != page.expectedCrc {
			failed = true
			failedPage = n
			break
		}
		imageData = append(imageData, page.data...)
	}

	imageCrc := stm32crc.Checksum(stm32crc.Pad(imageData))

	status := byte(0x80)
	if failed {
		status = 0x81
		s.state = FirmwareFailed
	} else {
		s.state = FirmwareCompleted
	}

	reply := make([]byte, 0, 16)
	reply = append(reply, 0) // totalLen placeholder, patched below
	reply = append(reply, status)
	var tmp2 [2]byte
	var tmp4 [4]byte
	binary.LittleEndian.PutUint16(tmp2[:], s.deviceType)
	reply = append(reply, tmp2[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], s.newFwVersion)
	reply = append(reply, tmp4[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], failedPage)
	reply = append(reply, tmp2[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], hdr.index)
	reply = append(reply, tmp2[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], imageCrc)
	reply = append(reply, tmp4[:]...)
	reply[0] = byte(len(reply))

	if !failed {
		dev.ApplyFirmwareUpdate(s.newFwVersion)
	}
	// Clear the session data but keep the outcome (Completed or Failed)
	// visible through State until the next FirmwareData.
	outcome := s.state
	s.resetLocked()
	s.state = outcome

	return reply, wantReply, nil
}
