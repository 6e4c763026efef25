package mmio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus routes MMIO accesses to installed devices by address.
type Bus struct {
	mu      sync.RWMutex
	next    uint64
	devices []*device
	log     *logrus.Entry
}

type device struct {
	info DeviceInfo

	mu      sync.Mutex
	handler Handler
}

// Window is the Regs view of an address range on a bus.
type Window struct {
	bus  *Bus
	addr uint64
	size uint64
}

// BaseAddr is where NewBus starts assigning device addresses.
const BaseAddr = 0xe0000000

const pageSize = 0x1000

var (
	ErrNoDevice  = errors.New("mmio: no device at address")
	ErrAccess    = errors.New("mmio: invalid access")
	ErrOverlap   = errors.New("mmio: address range in use")
	ErrZeroSized = errors.New("mmio: zero-sized device")
)

// NewBus creates an empty bus. Devices installed with Install are assigned
// consecutive page-aligned regions starting at BaseAddr.
func NewBus(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Bus{
		next: BaseAddr,
		log:  log.WithField("component", "mmio"),
	}
}

// Install assigns the handler an address range of at least size bytes,
// rounded up to whole pages.
func (b *Bus) Install(name string, h Handler, size uint64) (DeviceInfo, error) {
	if size == 0 {
		return DeviceInfo{}, fmt.Errorf("%w: %s", ErrZeroSized, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size = (size + pageSize - 1) &^ (pageSize - 1)

	info := DeviceInfo{
		Name: name,
		Addr: b.next,
		Size: size,
	}

	b.devices = append(b.devices, &device{info: info, handler: h})
	b.next += size

	b.log.WithFields(logrus.Fields{
		"device": name,
		"addr":   fmt.Sprintf("%#x", info.Addr),
		"size":   fmt.Sprintf("%#x", info.Size),
	}).Debug("installed mmio device")

	return info, nil
}

// InstallAt installs the handler at a fixed address range.
func (b *Bus) InstallAt(name string, h Handler, addr, size uint64) (DeviceInfo, error) {
	if size == 0 {
		return DeviceInfo{}, fmt.Errorf("%w: %s", ErrZeroSized, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if addr < d.info.Addr+d.info.Size && d.info.Addr < addr+size {
			return DeviceInfo{}, fmt.Errorf("%w: %s overlaps %s", ErrOverlap, name, d.info.Name)
		}
	}

	info := DeviceInfo{Name: name, Addr: addr, Size: size}
	b.devices = append(b.devices, &device{info: info, handler: h})

	if end := addr + size; end > b.next {
		b.next = (end + pageSize - 1) &^ (pageSize - 1)
	}

	return info, nil
}

// HandleMMIO routes an MMIO access to the device claiming addr.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	dev := b.lookup(addr)
	if dev == nil {
		return false, nil
	}

	if addr+uint64(len(data)) > dev.info.Addr+dev.info.Size {
		return true, fmt.Errorf("%w: %d bytes at %#x crosses the end of %s",
			ErrAccess, len(data), addr, dev.info.Name)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	return true, dev.handler.HandleMMIO(addr-dev.info.Addr, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Window returns the Regs view of size bytes at addr.
func (b *Bus) Window(addr, size uint64) *Window {
	return &Window{bus: b, addr: addr, size: size}
}

func (b *Bus) lookup(addr uint64) *device {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			return d
		}
	}

	return nil
}

// Read32 reads the register at off. Reads the bus can't complete return
// Unclaimed, like a PCI master abort.
func (w *Window) Read32(off uint32) uint32 {
	var p [4]byte
	if err := w.access(off, p[:], false); err != nil {
		w.bus.log.WithError(err).WithField("off", fmt.Sprintf("%#x", off)).Warn("mmio read failed")
		return Unclaimed
	}

	return le.Uint32(p[:])
}

// Write32 writes v to the register at off. Failed writes are logged and dropped.
func (w *Window) Write32(off uint32, v uint32) {
	var p [4]byte
	le.PutUint32(p[:], v)

	if err := w.access(off, p[:], true); err != nil {
		w.bus.log.WithError(err).WithField("off", fmt.Sprintf("%#x", off)).Warn("mmio write failed")
	}
}

// Addr returns the bus address of the window.
func (w *Window) Addr() uint64 {
	return w.addr
}

func (w *Window) access(off uint32, p []byte, isWrite bool) error {
	if off%4 != 0 || uint64(off)+4 > w.size {
		return fmt.Errorf("%w: offset %#x in a %#x byte window", ErrAccess, off, w.size)
	}

	found, err := w.bus.HandleMMIO(w.addr+uint64(off), p, isWrite)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: %#x", ErrNoDevice, w.addr+uint64(off))
	}

	return nil
}
