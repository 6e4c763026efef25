package nvme

import (
	"errors"
	"testing"
)

func TestFillPRP(t *testing.T) {
	const (
		listAddr = 0x100000
		bufAddr  = 0x200000
	)

	// covered walks the descriptors the way a controller would and returns
	// the number of bytes they address, failing if the pages aren't
	// contiguous from addr.
	covered := func(t *testing.T, list []byte, addr, size, prp1, prp2 uint64) uint64 {
		t.Helper()

		if prp1 != addr {
			t.Fatalf("prp1 %#x != %#x", prp1, addr)
		}

		n := min(size, PageSize-addr%PageSize)
		next := addr + n

		rest := size - n
		switch {
		case rest == 0:
			if prp2 != 0 {
				t.Fatalf("prp2 %#x for a single page transfer", prp2)
			}

		case rest <= PageSize:
			if prp2 != next {
				t.Fatalf("prp2 %#x != %#x", prp2, next)
			}

			n += rest

		default:
			if prp2 != listAddr {
				t.Fatalf("prp2 %#x isn't the list", prp2)
			}

			for i := 0; rest > 0; i++ {
				e := le.Uint64(list[i*8:])
				if e != next {
					t.Fatalf("entry %d: %#x != %#x", i, e, next)
				}

				m := min(rest, PageSize)
				n += m
				rest -= m
				next += m
			}
		}

		return n
	}

	t.Run("descriptors cover the buffer exactly", func(t *testing.T) {
		offsets := []uint64{0, 8, 512, 4000, 4095}
		sizes := []uint64{1, 511, 512, 4096 - 512, 4096, 4097, 8192, 8193, 3 * 4096, 100 * 4096, MaxTransferBytes - 4096, MaxTransferBytes}

		for _, off := range offsets {
			for _, size := range sizes {
				list := make([]byte, PageSize)
				addr := bufAddr + off

				prp1, prp2, err := fillPRP(list, listAddr, addr, size)

				pages := (off + size + PageSize - 1) / PageSize
				if pages-1 > prpEntries {
					if !errors.Is(err, ErrInvalidParameter) {
						t.Fatalf("off %d size %d: err %v != %v", off, size, err, ErrInvalidParameter)
					}

					continue
				}

				if err != nil {
					t.Fatalf("off %d size %d: %v", off, size, err)
				}

				if n := covered(t, list, addr, size, prp1, prp2); n != size {
					t.Fatalf("off %d size %d: covered %d", off, size, n)
				}
			}
		}
	})

	t.Run("a page or less needs no list", func(t *testing.T) {
		list := make([]byte, PageSize)

		_, prp2, err := fillPRP(list, listAddr, bufAddr, PageSize)
		if err != nil {
			t.Fatal(err)
		}

		if prp2 != 0 {
			t.Errorf("prp2 %#x != 0", prp2)
		}

		for i, b := range list {
			if b != 0 {
				t.Fatalf("list byte %d written", i)
			}
		}
	})

	t.Run("more pages than one list holds", func(t *testing.T) {
		list := make([]byte, PageSize)

		_, _, err := fillPRP(list, listAddr, bufAddr, MaxTransferBytes+2*PageSize)
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("err %v != %v", err, ErrInvalidParameter)
		}
	})

	t.Run("zero length", func(t *testing.T) {
		if _, _, err := fillPRP(nil, listAddr, bufAddr, 0); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("err %v != %v", err, ErrInvalidParameter)
		}
	})

	t.Run("unaligned list", func(t *testing.T) {
		list := make([]byte, PageSize)

		if _, _, err := fillPRP(list, listAddr+8, bufAddr, 3*PageSize); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("err %v != %v", err, ErrInvalidParameter)
		}
	})
}

func TestMaxTransferBlocks(t *testing.T) {
	tests := []struct {
		name string
		mdts uint8
		cap  Cap
		bs   uint32
		want uint32
	}{
		{"unlimited", 0, 0, 512, MaxTransferBytes / 512},
		{"two pages", 1, 0, 512, 16},
		{"4K blocks", 0, 0, 4096, MaxTransferBytes / 4096},
		{"MDTS beyond one list", 10, 0, 512, MaxTransferBytes / 512},
		{"implausible MDTS", 40, 0, 512, MaxTransferBytes / 512},
		{"large minimum page", 1, Cap(CapMPSMIN.Set(0, 1)), 4096, 4},
		{"block bigger than limit", 1, 0, 1 << 21, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxTransferBlocks(tt.mdts, tt.cap, tt.bs); got != tt.want {
				t.Errorf("blocks %d != %d", got, tt.want)
			}
		})
	}
}
