// Package pci describes PCI functions through their configuration space.
package pci

import (
	"errors"
	"fmt"

	"github.com/c35s/nvmeboot/mmio"
)

// Addr is a bus/device/function triple.
type Addr struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// Device is a PCI function as seen by a driver.
type Device interface {

	// Addr returns the function's location.
	Addr() Addr

	ReadConfig8(off uint8) uint8
	ReadConfig16(off uint8) uint16
	ReadConfig32(off uint8) uint32
	WriteConfig16(off uint8, v uint16)

	// Resource resolves a memory BAR to its register window.
	Resource(bar int) (mmio.Regs, error)
}

// Class is the class code triple at config offsets 0x09-0x0b.
type Class struct {
	Class    uint8
	Subclass uint8
	ProgIF   uint8
}

// config space offsets

const (
	RegVendorID = 0x00 // vendor id (R)
	RegDeviceID = 0x02 // device id (R)
	RegCommand  = 0x04 // command (RW)
	RegStatus   = 0x06 // status (R)
	RegRevision = 0x08 // revision id (R)
	RegProgIF   = 0x09 // programming interface (R)
	RegSubclass = 0x0a // subclass (R)
	RegClass    = 0x0b // base class (R)
	RegHeader   = 0x0e // header type (R)
	RegBAR0     = 0x10 // first base address register (RW)
)

// command register bits

const (
	CommandIOSpace     = 1 << 0 // respond to I/O space accesses
	CommandMemorySpace = 1 << 1 // respond to memory space accesses
	CommandBusMaster   = 1 << 2 // may issue memory requests
)

// base address register bits

const (
	barIO       = 1 << 0
	barType     = 0x6 // memory BAR type field
	barType64   = 0x4 // 64-bit memory BAR
	barAddrMask = ^uint64(0xf)
)

// mass storage class codes

const (
	ClassMassStorage = 0x01
	SubclassNVM      = 0x08
	ProgIFNVMe       = 0x02
)

// NVMe is the class code of an NVM Express controller.
var NVMe = Class{ClassMassStorage, SubclassNVM, ProgIFNVMe}

var (
	ErrNoResource = errors.New("pci: BAR not implemented")
	ErrIOResource = errors.New("pci: BAR is in I/O space")
)

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

func (c Class) String() string {
	return fmt.Sprintf("%02x%02x%02x", c.Class, c.Subclass, c.ProgIF)
}

// ClassOf reads the device's class code.
func ClassOf(d Device) Class {
	return Class{
		Class:    d.ReadConfig8(RegClass),
		Subclass: d.ReadConfig8(RegSubclass),
		ProgIF:   d.ReadConfig8(RegProgIF),
	}
}

// SetBusMaster lets the device issue DMA and decode its memory BARs.
func SetBusMaster(d Device) {
	cmd := d.ReadConfig16(RegCommand)
	d.WriteConfig16(RegCommand, cmd|CommandMemorySpace|CommandBusMaster)
}

// BARAddr decodes the bus address of a memory BAR. A 64-bit BAR consumes the
// following register as its high word.
func BARAddr(d Device, bar int) (uint64, error) {
	if bar < 0 || bar > 5 {
		return 0, fmt.Errorf("%w: BAR%d", ErrNoResource, bar)
	}

	off := uint8(RegBAR0 + 4*bar)
	lo := d.ReadConfig32(off)

	if lo&barIO != 0 {
		return 0, fmt.Errorf("%w: BAR%d", ErrIOResource, bar)
	}

	addr := uint64(lo)
	if lo&barType == barType64 {
		if bar == 5 {
			return 0, fmt.Errorf("%w: 64-bit BAR5", ErrNoResource)
		}

		addr |= uint64(d.ReadConfig32(off+4)) << 32
	}

	addr &= barAddrMask
	if addr == 0 {
		return 0, fmt.Errorf("%w: BAR%d is unassigned", ErrNoResource, bar)
	}

	return addr, nil
}
