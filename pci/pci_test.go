package pci_test

import (
	"errors"
	"testing"

	"github.com/c35s/nvmeboot/mmio"
	"github.com/c35s/nvmeboot/pci"
)

type scratch struct {
	regs [0x2000]byte
}

func (s *scratch) HandleMMIO(off uint64, data []byte, isWrite bool) error {
	if isWrite {
		copy(s.regs[off:], data)
	} else {
		copy(data, s.regs[off:])
	}

	return nil
}

func TestFunction(t *testing.T) {
	bus := mmio.NewBus(nil)

	info, err := bus.InstallAt("nvme", new(scratch), 0x1_2000_0000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}

	id := pci.ID{Vendor: 0x1b36, Device: 0x0010, Class: pci.NVMe}
	f, err := pci.NewFunction(pci.Addr{Bus: 0, Device: 4, Function: 0}, id, bus, info)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("identification", func(t *testing.T) {
		if c := pci.ClassOf(f); c != pci.NVMe {
			t.Errorf("class %v != %v", c, pci.NVMe)
		}

		if v := f.ReadConfig16(pci.RegVendorID); v != 0x1b36 {
			t.Errorf("vendor %#x != 0x1b36", v)
		}

		if s := f.Addr().String(); s != "00:04.0" {
			t.Errorf("addr %q != 00:04.0", s)
		}
	})

	t.Run("bus master", func(t *testing.T) {
		if f.BusMaster() {
			t.Fatal("bus master is enabled before SetBusMaster")
		}

		pci.SetBusMaster(f)

		if !f.BusMaster() {
			t.Fatal("bus master is disabled after SetBusMaster")
		}
	})

	t.Run("64-bit BAR", func(t *testing.T) {
		addr, err := pci.BARAddr(f, 0)
		if err != nil {
			t.Fatal(err)
		}

		if addr != info.Addr {
			t.Errorf("BAR0 %#x != %#x", addr, info.Addr)
		}

		regs, err := f.Resource(0)
		if err != nil {
			t.Fatal(err)
		}

		regs.Write32(0x1000, 7)
		if v := regs.Read32(0x1000); v != 7 {
			t.Errorf("%d != 7", v)
		}
	})

	t.Run("unassigned BAR", func(t *testing.T) {
		if _, err := f.Resource(2); !errors.Is(err, pci.ErrNoResource) {
			t.Fatalf("%v isn't ErrNoResource", err)
		}
	})
}
