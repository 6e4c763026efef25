// Package mmio provides access to memory-mapped device registers.
//
// Drivers see registers through the Regs interface. A Bus routes register
// accesses by physical address to the emulated devices installed on it, and
// a Window is the Regs view of one address range on a bus.
package mmio

import "encoding/binary"

// Regs is a window of 32-bit little-endian device registers. Offsets are
// relative to the start of the window.
type Regs interface {

	// Read32 reads the register at off.
	Read32(off uint32) uint32

	// Write32 writes v to the register at off. The write has reached the
	// device when Write32 returns.
	Write32(off uint32, v uint32)
}

// Handler is an emulated device installed on a Bus.
type Handler interface {

	// HandleMMIO reads or writes the register at off. The length of data is
	// the access width in bytes.
	HandleMMIO(off uint64, data []byte, isWrite bool) error
}

// DeviceInfo describes an installed device.
type DeviceInfo struct {
	Name string
	Addr uint64
	Size uint64
}

// Unclaimed is the value read from an address no device responds to.
const Unclaimed = 0xffffffff

var le = binary.LittleEndian

// Read64 reads a 64-bit register as two 32-bit accesses, low word first.
func Read64(r Regs, off uint32) uint64 {
	lo := r.Read32(off)
	hi := r.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Write64 writes a 64-bit register as two 32-bit accesses, low word first.
func Write64(r Regs, off uint32, v uint64) {
	r.Write32(off, uint32(v))
	r.Write32(off+4, uint32(v>>32))
}
