package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/VVlasy/loxone-link-go/internal/devicestate"
	"github.com/VVlasy/loxone-link-go/internal/natcrypto"
	"github.com/VVlasy/loxone-link-go/internal/natframe"
	"github.com/VVlasy/loxone-link-go/internal/stm32crc"
)

// Identity is a device's fixed, boot-time identity.
type Identity struct {
	Serial     uint32
	DeviceType uint16
	HWVersion  uint8
	FWVersion  uint32
	DeviceID   [12]byte
}

// Device is the narrow API handlers use to act on the device they were
// dispatched for. A concrete implementation lives in internal/device; this
// interface exists so dispatch never imports it back, matching the shape
// of the teacher's zcl.Registry handlers taking a narrow cluster-level
// context rather than the whole Coordinator.
type Device interface {
	Identity() Identity
	State() *devicestate.Machine
	Crypto() natcrypto.Config
	Logger() *slog.Logger

	// Send emits a single non-fragmented NAT frame carrying this device's
	// current NatId/DeviceId, direction always device->server.
	Send(ctx context.Context, command uint8, data []byte) error
	// SendFragmented emits command/data through the fragment emitter.
	SendFragmented(ctx context.Context, command uint8, data []byte) error

	// NatId is the extension's (or, for a Tree child, the parent's) current
	// NAT address; UnassignedNatId before assignment.
	NatId() uint8
	// DeviceNat is this device's DeviceId on the bus: 0 for an extension,
	// the Tree-assigned value for a Tree child.
	DeviceNat() uint8
	// IsTreeChild reports whether this device hangs off a parent extension
	// rather than owning the adapter directly.
	IsTreeChild() bool
	// BranchTag is the left/right branch indicator Tree children report in
	// SearchDevicesResponse; meaningless for extensions.
	BranchTag() uint8

	// ApplyAssignment stores a NatOfferConfirm's NAT/parked assignment and
	// drives the lifecycle transition; called only when the confirm's
	// serial matches this device.
	ApplyAssignment(natID uint8, parked bool)
	// ForwardToChild attempts to deliver f to whichever Tree child's serial
	// matches data[3..7]; returns false if no child matched (extensions
	// only — Tree children always return false).
	ForwardToChild(f natframe.Frame) bool
	// CascadeChildOffers asks each Tree child, in order, to emit an offer;
	// no-op for devices with no children.
	CascadeChildOffers(ctx context.Context)

	// ConfigRecord returns the last applied configuration, or the zero
	// value before any SendConfig has been received.
	ConfigRecord() ConfigRecord
	// ApplyConfigRecord stores rec and notifies the concrete device/sink.
	ApplyConfigRecord(rec ConfigRecord)

	// Firmware returns this device's firmware-update session.
	Firmware() *FirmwareSession
	// ApplyFirmwareUpdate is called once VerifyUpdate succeeds, letting the
	// concrete device persist and adopt the new firmware version.
	ApplyFirmwareUpdate(newFwVersion uint32)
}

// ConfigRecord is the parsed wire-level configuration record (SPEC_FULL.md
// §3, "Configuration record").
type ConfigRecord struct {
	ConfigSize            uint8
	ConfigVersion         uint8
	LedSyncOffset         uint8
	OfflineTimeoutSeconds uint32
	Trailer               []byte
}

// ErrShortConfigRecord is returned by ParseConfigRecord when data is
// shorter than the fixed 8-byte header.
var ErrShortConfigRecord = errors.New("dispatch: configuration record shorter than 8 bytes")

// ParseConfigRecord decodes a SendConfig payload. Any bytes beyond the
// 8-byte header, minus a trailing 4-byte CRC32 the Miniserver appends, are
// kept verbatim as Trailer for the concrete device to interpret.
func ParseConfigRecord(data []byte) (ConfigRecord, error) {
	if len(data) < 8 {
		return ConfigRecord{}, ErrShortConfigRecord
	}
	r := ConfigRecord{
		ConfigSize:            data[0],
		ConfigVersion:         data[1],
		LedSyncOffset:         data[2],
		OfflineTimeoutSeconds: binary.LittleEndian.Uint32(data[4:8]),
	}
	if rest := data[8:]; len(rest) > 4 {
		r.Trailer = append([]byte(nil), rest[:len(rest)-4]...)
	}
	return r, nil
}

// CanonicalHeader returns the 12-byte buffer the device's advertised
// ConfigurationCrc is computed over: the 8-byte header followed by 4 zero
// bytes, independent of the trailer (SPEC_FULL.md §3 invariant).
func (r ConfigRecord) CanonicalHeader() [12]byte {
	var h [12]byte
	h[0] = r.ConfigSize
	h[1] = r.ConfigVersion
	h[2] = r.LedSyncOffset
	binary.LittleEndian.PutUint32(h[4:8], r.OfflineTimeoutSeconds)
	return h
}

// ConfigurationCrc is the STM32 CRC the device advertises in StartInfo and
// VersionInfo: the CRC over CanonicalHeader, already a multiple of 4.
func (r ConfigRecord) ConfigurationCrc() uint32 {
	h := r.CanonicalHeader()
	return stm32crc.Checksum(stm32crc.Pad(h[:]))
}
