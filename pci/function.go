package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/c35s/nvmeboot/mmio"
)

// Function is an emulated type 0 PCI function whose memory BARs are ranges
// on an mmio.Bus.
type Function struct {
	addr Addr
	bus  *mmio.Bus

	mu   sync.Mutex
	cfg  [256]byte
	bars [6]uint64 // BAR sizes
}

// ID holds the identification registers of an emulated function.
type ID struct {
	Vendor   uint16
	Device   uint16
	Revision uint8
	Class    Class
}

var le = binary.LittleEndian

// NewFunction creates a function at addr. Each device in bars becomes a 64-bit
// memory BAR, starting at BAR0.
func NewFunction(addr Addr, id ID, bus *mmio.Bus, bars ...mmio.DeviceInfo) (*Function, error) {
	if len(bars) > 3 {
		return nil, fmt.Errorf("pci: %d 64-bit BARs don't fit in a type 0 header", len(bars))
	}

	f := &Function{addr: addr, bus: bus}

	le.PutUint16(f.cfg[RegVendorID:], id.Vendor)
	le.PutUint16(f.cfg[RegDeviceID:], id.Device)
	f.cfg[RegRevision] = id.Revision
	f.cfg[RegProgIF] = id.Class.ProgIF
	f.cfg[RegSubclass] = id.Class.Subclass
	f.cfg[RegClass] = id.Class.Class

	for i, di := range bars {
		off := RegBAR0 + 8*i
		le.PutUint32(f.cfg[off:], uint32(di.Addr)|barType64)
		le.PutUint32(f.cfg[off+4:], uint32(di.Addr>>32))
		f.bars[2*i] = di.Size
	}

	return f, nil
}

func (f *Function) Addr() Addr {
	return f.addr
}

func (f *Function) ReadConfig8(off uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cfg[off]
}

func (f *Function) ReadConfig16(off uint8) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off > 254 {
		return 0xffff
	}

	return le.Uint16(f.cfg[off:])
}

func (f *Function) ReadConfig32(off uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off > 252 {
		return 0xffffffff
	}

	return le.Uint32(f.cfg[off:])
}

// WriteConfig16 writes a config register. Only the command register is
// writable.
func (f *Function) WriteConfig16(off uint8, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off == RegCommand {
		le.PutUint16(f.cfg[RegCommand:], v&(CommandIOSpace|CommandMemorySpace|CommandBusMaster))
	}
}

// Resource returns the bus window of a memory BAR.
func (f *Function) Resource(bar int) (mmio.Regs, error) {
	addr, err := BARAddr(f, bar)
	if err != nil {
		return nil, err
	}

	return f.bus.Window(addr, f.bars[bar]), nil
}

// BusMaster reports whether the driver enabled bus mastering.
func (f *Function) BusMaster() bool {
	return f.ReadConfig16(RegCommand)&CommandBusMaster != 0
}
