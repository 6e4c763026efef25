// Package dma allocates memory that devices can address directly.
//
// An Arena hands out page-aligned, zero-filled buffers from one anonymous
// mapping. A buffer's device address is its virtual address, so a driver can
// put Buffer.Addr straight into a hardware descriptor and an emulated device
// can resolve it again with MemAt.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the allocation granule and alignment.
const PageSize = 4096

// Memory is the allocator contract consumed by drivers.
type Memory interface {

	// Alloc returns a zero-filled, page-aligned buffer of at least size bytes.
	Alloc(size int) (Buffer, error)

	// Free releases a buffer returned by Alloc.
	Free(b Buffer) error

	// MemAt returns the size bytes at device address addr.
	MemAt(addr uint64, size int) ([]byte, error)

	// AddrOf returns the device address of p, which must lie inside memory
	// returned by Alloc.
	AddrOf(p []byte) (uint64, error)
}

// Buffer is an allocated region.
type Buffer struct {
	Addr  uint64
	Bytes []byte
}

// Arena is a Memory backed by an anonymous mapping.
type Arena struct {
	mu    sync.Mutex
	mem   []byte
	base  uint64
	used  []bool         // per page
	spans map[uint64]int // allocation addr:pages
}

const (
	ArenaSizeMin     = PageSize
	ArenaSizeDefault = 64 << 20 // 64M
)

var (
	ErrConfig      = errors.New("dma: invalid arena size")
	ErrMap         = errors.New("dma: map arena failed")
	ErrOutOfMemory = errors.New("dma: out of memory")
	ErrBadAddress  = errors.New("dma: address outside arena")
	ErrNotAlloc    = errors.New("dma: buffer was not allocated")
)

// NewArena maps size bytes of anonymous memory. If size is 0 the arena is
// ArenaSizeDefault bytes.
func NewArena(size int) (*Arena, error) {
	if size == 0 {
		size = ArenaSizeDefault
	}

	if size < ArenaSizeMin || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: %d is not a positive multiple of %d", ErrConfig, size, PageSize)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	return &Arena{
		mem:   mem,
		base:  uint64(uintptr(unsafe.Pointer(&mem[0]))),
		used:  make([]bool, size/PageSize),
		spans: make(map[uint64]int),
	}, nil
}

// Alloc returns the first run of free pages large enough for size bytes.
func (a *Arena) Alloc(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("%w: size %d", ErrOutOfMemory, size)
	}

	n := (size + PageSize - 1) / PageSize

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return Buffer{}, fmt.Errorf("%w: arena is closed", ErrOutOfMemory)
	}

	run := 0
	for i := range a.used {
		if a.used[i] {
			run = 0
			continue
		}

		if run++; run < n {
			continue
		}

		first := i - n + 1
		for j := first; j <= i; j++ {
			a.used[j] = true
		}

		off := first * PageSize
		b := Buffer{
			Addr:  a.base + uint64(off),
			Bytes: a.mem[off : off+size : off+n*PageSize],
		}

		clear(a.mem[off : off+n*PageSize])
		a.spans[b.Addr] = n

		return b, nil
	}

	return Buffer{}, fmt.Errorf("%w: no run of %d free pages", ErrOutOfMemory, n)
}

// Free returns the buffer's pages to the arena.
func (a *Arena) Free(b Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.spans[b.Addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotAlloc, b.Addr)
	}

	first := int(b.Addr-a.base) / PageSize
	for i := first; i < first+n; i++ {
		a.used[i] = false
	}

	delete(a.spans, b.Addr)
	return nil
}

// MemAt returns the size bytes at addr.
func (a *Arena) MemAt(addr uint64, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size < 0 || addr < a.base || addr+uint64(size) > a.base+uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: %d bytes at %#x", ErrBadAddress, size, addr)
	}

	off := addr - a.base
	return a.mem[off : off+uint64(size)], nil
}

// AddrOf returns the device address of the first byte of p.
func (a *Arena) AddrOf(p []byte) (uint64, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrBadAddress)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	addr := uint64(uintptr(unsafe.Pointer(&p[0])))
	if addr < a.base || addr+uint64(len(p)) > a.base+uint64(len(a.mem)) {
		return 0, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}

	return addr, nil
}

// InUse returns the number of allocated pages.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, pages := range a.spans {
		n += pages
	}

	return n
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Close unmaps the arena. Buffers must not be used after Close.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil
	a.used = nil
	a.spans = nil

	return err
}
