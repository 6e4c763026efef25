package dma_test

import (
	"errors"
	"testing"

	"github.com/c35s/nvmeboot/dma"
)

func newArena(t *testing.T, pages int) *dma.Arena {
	t.Helper()

	a, err := dma.NewArena(pages * dma.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { a.Close() })
	return a
}

func TestArena(t *testing.T) {
	t.Run("buffers are page aligned and zeroed", func(t *testing.T) {
		a := newArena(t, 4)

		b, err := a.Alloc(100)
		if err != nil {
			t.Fatal(err)
		}

		if b.Addr%dma.PageSize != 0 {
			t.Errorf("addr %#x is not page aligned", b.Addr)
		}

		if len(b.Bytes) != 100 {
			t.Errorf("len %d != 100", len(b.Bytes))
		}

		for i := range b.Bytes {
			b.Bytes[i] = 0xff
		}

		if err := a.Free(b); err != nil {
			t.Fatal(err)
		}

		b, err = a.Alloc(dma.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		for i, v := range b.Bytes {
			if v != 0 {
				t.Fatalf("byte %d is %#x after realloc", i, v)
			}
		}
	})

	t.Run("addresses round trip", func(t *testing.T) {
		a := newArena(t, 4)

		b, err := a.Alloc(2 * dma.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		addr, err := a.AddrOf(b.Bytes[10:])
		if err != nil {
			t.Fatal(err)
		}

		if addr != b.Addr+10 {
			t.Errorf("addr %#x != %#x", addr, b.Addr+10)
		}

		p, err := a.MemAt(b.Addr+dma.PageSize, 8)
		if err != nil {
			t.Fatal(err)
		}

		p[0] = 0x5a
		if b.Bytes[dma.PageSize] != 0x5a {
			t.Error("MemAt doesn't alias the buffer")
		}
	})

	t.Run("foreign memory", func(t *testing.T) {
		a := newArena(t, 1)

		if _, err := a.AddrOf(make([]byte, 16)); !errors.Is(err, dma.ErrBadAddress) {
			t.Fatalf("%v isn't ErrBadAddress", err)
		}

		if _, err := a.MemAt(0x10, 4); !errors.Is(err, dma.ErrBadAddress) {
			t.Fatalf("%v isn't ErrBadAddress", err)
		}
	})

	t.Run("exhaustion and reuse", func(t *testing.T) {
		a := newArena(t, 3)

		x, err := a.Alloc(dma.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := a.Alloc(dma.PageSize); err != nil {
			t.Fatal(err)
		}

		if _, err := a.Alloc(2 * dma.PageSize); !errors.Is(err, dma.ErrOutOfMemory) {
			t.Fatalf("%v isn't ErrOutOfMemory", err)
		}

		if err := a.Free(x); err != nil {
			t.Fatal(err)
		}

		if err := a.Free(x); !errors.Is(err, dma.ErrNotAlloc) {
			t.Fatalf("double free: %v isn't ErrNotAlloc", err)
		}

		if n := a.InUse(); n != 1 {
			t.Errorf("in use %d != 1", n)
		}
	})

	t.Run("bad size", func(t *testing.T) {
		if _, err := dma.NewArena(100); !errors.Is(err, dma.ErrConfig) {
			t.Fatalf("%v isn't ErrConfig", err)
		}
	})
}
