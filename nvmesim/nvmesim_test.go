package nvmesim_test

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/mmio"
	"github.com/c35s/nvmeboot/nvme"
	"github.com/c35s/nvmeboot/nvmesim"
	"github.com/google/go-cmp/cmp"
)

// host drives a simulated controller by hand through an admin queue of
// depth 4.
type host struct {
	t     *testing.T
	sim   *nvmesim.Controller
	regs  mmio.Regs
	asq   dma.Buffer
	acq   dma.Buffer
	tail  uint16
	head  uint16
	phase uint8
	arena *dma.Arena
}

func newHost(t *testing.T, cfg nvmesim.Config) *host {
	t.Helper()

	arena, err := dma.NewArena(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { arena.Close() })

	cfg.Memory = arena

	sim, err := nvmesim.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	bus := mmio.NewBus(nil)

	info, err := bus.Install("nvme", sim, sim.BARSize())
	if err != nil {
		t.Fatal(err)
	}

	h := &host{t: t, sim: sim, regs: bus.Window(info.Addr, info.Size), phase: 1, arena: arena}

	h.asq = h.alloc(nvme.PageSize)
	h.acq = h.alloc(nvme.PageSize)

	h.regs.Write32(nvme.RegAQA, 3|3<<16)
	mmio.Write64(h.regs, nvme.RegASQ, h.asq.Addr)
	mmio.Write64(h.regs, nvme.RegACQ, h.acq.Addr)
	h.regs.Write32(nvme.RegCC, 1)

	if csts := h.regs.Read32(nvme.RegCSTS); csts&1 != 1 {
		t.Fatalf("CSTS %#x not ready", csts)
	}

	return h
}

func (h *host) alloc(size int) dma.Buffer {
	b, err := h.arena.Alloc(size)
	if err != nil {
		h.t.Fatal(err)
	}

	return b
}

// admin runs one admin command and returns its completion.
func (h *host) admin(cmd nvme.Command) nvme.Completion {
	h.t.Helper()

	cmd.CID = h.tail
	cmd.Put(h.asq.Bytes[int(h.tail)*nvme.CommandSize:])

	h.tail = (h.tail + 1) % 4
	h.regs.Write32(nvme.DoorbellOffset(0, false, 0), uint32(h.tail))

	var cpl nvme.Completion
	cpl.Get(h.acq.Bytes[int(h.head)*nvme.CompletionSize:])

	if cpl.Phase() != h.phase {
		h.t.Fatalf("no completion in slot %d", h.head)
	}

	if h.head = (h.head + 1) % 4; h.head == 0 {
		h.phase ^= 1
	}

	h.regs.Write32(nvme.DoorbellOffset(0, true, 0), uint32(h.head))

	return cpl
}

func TestController(t *testing.T) {
	t.Run("capabilities", func(t *testing.T) {
		h := newHost(t, nvmesim.Config{MQES: 31, TO: 4, DSTRD: 0})

		c := nvme.Cap(mmio.Read64(h.regs, nvme.RegCAP))
		if c.MQES() != 31 || c.TO() != 4 || c.CSS() != nvme.CSSNVM {
			t.Errorf("CAP %#x", uint64(c))
		}
	})

	t.Run("command status", func(t *testing.T) {
		h := newHost(t, nvmesim.Config{Namespaces: []nvmesim.Namespace{
			{Storage: &nvmesim.MemStorage{Bytes: make([]byte, 8*512)}},
		}})

		page := h.alloc(nvme.PageSize)

		tests := []struct {
			name    string
			cmd     nvme.Command
			sct, sc uint8
		}{
			{"unknown opcode", nvme.Command{Opcode: 0x7f}, nvme.SCTGeneric, nvme.SCInvalidOpcode},
			{"identify bad namespace", nvme.Command{Opcode: nvme.AdminIdentify, NSID: 2, PRP1: page.Addr}, nvme.SCTGeneric, nvme.SCInvalidNamespace},
			{"SQ without CQ", nvme.Command{Opcode: nvme.AdminCreateIOSQ, PRP1: page.Addr, CDW10: 1 | 7<<16, CDW11: 1 | 1<<16}, nvme.SCTCommandSpecific, nvme.SCInvalidCQ},
			{"CQ too deep", nvme.Command{Opcode: nvme.AdminCreateIOCQ, PRP1: page.Addr, CDW10: 1 | 1000<<16, CDW11: 1}, nvme.SCTCommandSpecific, nvme.SCMaxQueueSizeExceeded},
		}

		for _, tt := range tests {
			cpl := h.admin(tt.cmd)

			if cpl.SCT() != tt.sct || cpl.SC() != tt.sc {
				t.Errorf("%s: status %#x/%#x != %#x/%#x", tt.name, cpl.SCT(), cpl.SC(), tt.sct, tt.sc)
			}

			if cpl.SQID != 0 || cpl.SQHD != h.tail {
				t.Errorf("%s: sqid %d sqhd %d", tt.name, cpl.SQID, cpl.SQHD)
			}
		}

		if n := h.sim.Stats().Errors; n != len(tests) {
			t.Errorf("errors %d != %d", n, len(tests))
		}
	})

	t.Run("identify controller", func(t *testing.T) {
		h := newHost(t, nvmesim.Config{Serial: "SN42", Model: "Sim Model", MDTS: 5})
		page := h.alloc(nvme.PageSize)

		if cpl := h.admin(nvme.Command{Opcode: nvme.AdminIdentify, PRP1: page.Addr, CDW10: nvme.CNSController}); !cpl.OK() {
			t.Fatalf("status %#x", cpl.Status)
		}

		want := "SN42" + strings.Repeat(" ", 16)
		if got := string(page.Bytes[4:24]); got != want {
			t.Errorf("serial %q != %q", got, want)
		}

		if page.Bytes[77] != 5 {
			t.Errorf("MDTS %d != 5", page.Bytes[77])
		}
	})

	t.Run("disable drops the queues", func(t *testing.T) {
		h := newHost(t, nvmesim.Config{})

		h.regs.Write32(nvme.RegCC, 0)

		if csts := h.regs.Read32(nvme.RegCSTS); csts != 0 {
			t.Errorf("CSTS %#x != 0", csts)
		}

		if h.regs.Read32(nvme.RegCC) != 0 {
			t.Error("CC.EN still set")
		}
	})
}

func TestNew(t *testing.T) {
	arena, err := dma.NewArena(dma.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	defer arena.Close()

	tests := []struct {
		name string
		cfg  nvmesim.Config
	}{
		{"no memory", nvmesim.Config{}},
		{"no storage", nvmesim.Config{Memory: arena, Namespaces: []nvmesim.Namespace{{}}}},
		{"tiny blocks", nvmesim.Config{Memory: arena, Namespaces: []nvmesim.Namespace{{Storage: &nvmesim.MemStorage{}, LBADS: 8}}}},
	}

	for _, tt := range tests {
		if _, err := nvmesim.New(tt.cfg); !errors.Is(err, nvmesim.ErrConfig) {
			t.Errorf("%s: err %v != %v", tt.name, err, nvmesim.ErrConfig)
		}
	}
}

func TestStorage(t *testing.T) {
	data := make([]byte, 64<<10)
	for i := range data {
		data[i] = byte(i * 7)
	}

	t.Run("memory", func(t *testing.T) {
		ms := &nvmesim.MemStorage{Bytes: bytes.Clone(data)}

		if _, err := ms.WriteAt([]byte("hello"), int64(len(data))-2); err == nil {
			t.Error("write past the end succeeded")
		}

		p := make([]byte, 16)
		if n, err := ms.ReadAt(p, int64(len(data))-8); n != 8 || err != io.EOF {
			t.Errorf("short read: %d, %v", n, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "disk.img")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			t.Fatal(err)
		}

		defer f.Close()

		fs := &nvmesim.FileStorage{File: f}

		if n, err := fs.Size(); err != nil || n != int64(len(data)) {
			t.Fatalf("size %d, %v", n, err)
		}

		if _, err := fs.WriteAt([]byte{1, 2, 3}, 100); err != nil {
			t.Fatal(err)
		}

		p := make([]byte, 3)
		if _, err := fs.ReadAt(p, 100); err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]byte{1, 2, 3}, p); diff != "" {
			t.Errorf("read differs: %s", diff)
		}
	})

	t.Run("http", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.ServeContent(w, r, "disk.img", time.Time{}, bytes.NewReader(data))
		}))

		defer srv.Close()

		hs := &nvmesim.HTTPStorage{URL: srv.URL, Client: srv.Client()}

		n, err := hs.Size()
		if err != nil {
			t.Fatal(err)
		}

		if n != int64(len(data)) {
			t.Fatalf("size %d != %d", n, len(data))
		}

		p := make([]byte, 4096)
		if _, err := hs.ReadAt(p, 8192); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(p, data[8192:8192+4096]) {
			t.Error("ranged read differs")
		}
	})
}
