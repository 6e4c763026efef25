// Package nvme drives NVM Express controllers by polling.
//
// A Controller owns one admin queue pair and one I/O queue pair in DMA memory.
// Commands are written to a submission ring, announced with a doorbell write,
// and retired by watching the phase tag of the paired completion ring; no
// interrupts are used. Each namespace the controller reports becomes a Drive
// registered with a blockdev.Registry.
package nvme

import (
	"errors"
	"fmt"
)

const (
	PageSize  = 4096 // host memory page size used for queues and PRPs
	PageShift = 12

	// prpEntries is the number of 8-byte entries in one PRP list page.
	prpEntries = PageSize / 8

	// MaxTransferBytes is the most one command can move with a single PRP list.
	MaxTransferBytes = prpEntries * PageSize
)

const (
	adminQueueID = 0
	ioQueueID    = 1

	adminQueueDepth = 2 // init commands are issued one at a time

	// IOQueueDepthMax is the I/O queue ceiling: one page of submission entries.
	IOQueueDepthMax = PageSize / CommandSize

	// numIOQueues is the I/O queue count requested with Set Features.
	numIOQueues = 1
)

var (
	ErrInvalidParameter = errors.New("nvme: invalid parameter")
	ErrTimeout          = errors.New("nvme: timeout")
	ErrOutOfResources   = errors.New("nvme: out of resources")
	ErrUnsupported      = errors.New("nvme: unsupported")
	ErrDeviceError      = errors.New("nvme: device error")
)

// StatusError is a completion with a non-zero status field.
type StatusError struct {
	Opcode uint8
	CID    uint16
	SCT    uint8 // status code type
	SC     uint8 // status code
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nvme: command %#02x (cid %d) failed: sct %#x sc %#02x",
		e.Opcode, e.CID, e.SCT, e.SC)
}

// Unwrap makes every StatusError match ErrDeviceError.
func (e *StatusError) Unwrap() error {
	return ErrDeviceError
}
