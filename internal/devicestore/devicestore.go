// Package devicestore persists per-device NAT assignment state across
// restarts: assigned NatId/DeviceNat, parked status, the advertised
// configuration CRC, and firmware version (SPEC_FULL.md §6b). The core NAT
// protocol engine (internal/device, internal/dispatch, internal/tree) never
// imports this package — it is consulted only by the concrete device layer
// (internal/devices) and the boot wiring in cmd/.
package devicestore

import "errors"

// ErrNotFound is returned when a requested assignment does not exist.
var ErrNotFound = errors.New("devicestore: not found")

// Assignment is the persisted state for one device, keyed by its serial.
type Assignment struct {
	Serial           uint32
	IsTreeChild      bool
	NatId            uint8
	DeviceNat        uint8
	Parked           bool
	ConfigurationCrc uint32
	FirmwareVersion  uint32
}

// Store defines the persistence interface.
type Store interface {
	SaveAssignment(a *Assignment) error
	GetAssignment(serial uint32) (*Assignment, error)
	DeleteAssignment(serial uint32) error
	ListAssignments() ([]*Assignment, error)
	Close() error
}
