package board_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/c35s/nvmeboot/board"
	"github.com/c35s/nvmeboot/cleanup"
	"github.com/c35s/nvmeboot/nvme"
	"github.com/c35s/nvmeboot/pci"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func testLog(t *testing.T) *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	log.SetOutput(testWriter{t})
	return logrus.NewEntry(log)
}

func TestDefault(t *testing.T) {
	cfg, err := board.Default()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Metadata.Name != "default" || len(cfg.Controllers) != 1 {
		t.Fatalf("config %+v", cfg)
	}

	c := cfg.Controllers[0]
	if c.Vendor != 0x1b36 || c.Device != 0x0010 || c.MQES != 63 {
		t.Errorf("controller %+v", c)
	}

	want := []board.NamespaceConfig{{Blocks: 65536, LBADS: 9}}
	if diff := cmp.Diff(want, c.Namespaces); diff != "" {
		t.Errorf("namespaces differ: %s", diff)
	}
}

func TestParse(t *testing.T) {
	t.Run("durations and overrides", func(t *testing.T) {
		cfg, err := board.Parse([]byte(`
controllers:
  - slot: "01:1f.7"
    ioQueueDepth: 16
    commandTimeout: 250ms
    namespaces:
      - blocks: 8
`))

		if err != nil {
			t.Fatal(err)
		}

		c := cfg.Controllers[0]
		if c.IOQueueDepth != 16 || c.CommandTimeout.Milliseconds() != 250 {
			t.Errorf("controller %+v", c)
		}
	})

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "arena: 1"},
		{"bad slot", "controllers: [{slot: nope}]"},
		{"device out of range", `controllers: [{slot: "00:20.0"}]`},
		{"duplicate slot", `controllers: [{slot: "00:04.0"}, {slot: "0:4.0"}]`},
		{"file and url", `controllers: [{slot: "00:04.0", namespaces: [{file: a, url: b}]}]`},
		{"memory without blocks", `controllers: [{slot: "00:04.0", namespaces: [{lbads: 9}]}]`},
		{"tiny blocks", `controllers: [{slot: "00:04.0", namespaces: [{blocks: 1, lbads: 8}]}]`},
		{"negative arena", "arenaSize: -1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := board.Parse([]byte(tt.yaml)); !errors.Is(err, board.ErrConfig) {
				t.Errorf("err %v != %v", err, board.ErrConfig)
			}
		})
	}
}

func TestParseSlot(t *testing.T) {
	addr, err := board.ParseSlot("0a:1f.3")
	if err != nil {
		t.Fatal(err)
	}

	if want := (pci.Addr{Bus: 0x0a, Device: 0x1f, Function: 3}); addr != want {
		t.Errorf("addr %v != %v", addr, want)
	}
}

func TestBoard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	cfg, err := board.Parse([]byte(fmt.Sprintf(`
metadata:
  name: test
arenaSize: 16777216
controllers:
  - slot: "00:04.0"
    vendor: 0x1b36
    device: 0x0010
    namespaces:
      - blocks: 2048
      - blocks: 256
        lbads: 12
  - slot: "00:05.0"
    vendor: 0x1b36
    device: 0x0010
    ioQueueDepth: 8
    namespaces:
      - file: %q
        blocks: 4096
`, path)))

	if err != nil {
		t.Fatal(err)
	}

	b, err := board.New(cfg, testLog(t))
	if err != nil {
		t.Fatal(err)
	}

	if fi, err := os.Stat(path); err != nil || fi.Size() != 4096*512 {
		t.Fatalf("backing file: %v, %v", fi, err)
	}

	if err := b.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, d := range b.Registry.Devices() {
		got = append(got, fmt.Sprintf("%s/%d/%d", d.Name(), d.BlockSize(), d.BlockCount()))
	}

	want := []string{
		"NVMe Namespace 1/512/2048",
		"NVMe Namespace 2/4096/256",
		"NVMe Namespace 1/512/4096",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("devices differ: %s", diff)
	}

	if d := b.Slots[1].Driver.IOQueueDepth(); d != 8 {
		t.Errorf("depth %d != 8", d)
	}

	// writes land in the backing file
	drv := b.Slots[1].Driver.Drives()[0]

	buf, err := b.Arena.Alloc(512)
	if err != nil {
		t.Fatal(err)
	}

	copy(buf.Bytes, "nvmeboot")

	if _, err := drv.WriteBlocks(7, 1, buf.Bytes[:512]); err != nil {
		t.Fatal(err)
	}

	if err := b.Arena.Free(buf); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if s := string(data[7*512 : 7*512+8]); s != "nvmeboot" {
		t.Errorf("block 7 starts with %q", s)
	}

	if err := b.Cleanup.Run(cleanup.OnHandoff); err != nil {
		t.Fatal(err)
	}

	if n := b.Arena.InUse(); n != 0 {
		t.Errorf("%d pages still allocated", n)
	}

	if n := len(b.Registry.Devices()); n != 0 {
		t.Errorf("%d devices still registered", n)
	}

	if err := b.Shutdown(cleanup.OnHandoff); err != nil {
		t.Fatal(err)
	}
}

func TestInitFailure(t *testing.T) {
	cfg, err := board.Parse([]byte(`
controllers:
  - slot: "00:04.0"
    namespaces: [{blocks: 64}]
  - slot: "00:05.0"
    mpsmin: 1
    namespaces: [{blocks: 64}]
`))

	if err != nil {
		t.Fatal(err)
	}

	b, err := board.New(cfg, testLog(t))
	if err != nil {
		t.Fatal(err)
	}

	defer b.Shutdown(cleanup.OnAny)

	err = b.Init(context.Background())
	if !errors.Is(err, board.ErrInit) || !errors.Is(err, nvme.ErrUnsupported) {
		t.Errorf("err %v is not %v and %v", err, board.ErrInit, nvme.ErrUnsupported)
	}

	if b.Slots[0].Driver.State() != nvme.Ready || b.Slots[1].Driver.State() != nvme.Failed {
		t.Errorf("states %v, %v", b.Slots[0].Driver.State(), b.Slots[1].Driver.State())
	}

	if n := len(b.Registry.Devices()); n != 1 {
		t.Errorf("%d devices != 1", n)
	}
}

func TestInitOrder(t *testing.T) {
	cfg, err := board.Parse([]byte(`
arenaSize: 8388608
controllers:
  - slot: "00:04.0"
    namespaces: [{blocks: 100}, {blocks: 101}]
  - slot: "00:05.0"
    namespaces: [{blocks: 200}]
  - slot: "00:06.0"
    namespaces: [{blocks: 300}]
`))

	if err != nil {
		t.Fatal(err)
	}

	want := []uint64{100, 101, 200, 300}

	for i := 0; i < 20; i++ {
		b, err := board.New(cfg, testLog(t))
		if err != nil {
			t.Fatal(err)
		}

		if err := b.Init(context.Background()); err != nil {
			t.Fatal(err)
		}

		var got []uint64
		for _, d := range b.Registry.Devices() {
			got = append(got, d.BlockCount())
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round %d: registry not in slot order: %s", i, diff)
		}

		if err := b.Shutdown(cleanup.OnLegacy); err != nil {
			t.Fatal(err)
		}
	}
}

func TestInitCanceled(t *testing.T) {
	cfg, err := board.Default()
	if err != nil {
		t.Fatal(err)
	}

	b, err := board.New(cfg, testLog(t))
	if err != nil {
		t.Fatal(err)
	}

	defer b.Shutdown(cleanup.OnAny)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Init(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err %v != %v", err, context.Canceled)
	}

	if !b.Slots[0].Driver.NeedsUpdate() {
		t.Error("controller was brought up after cancellation")
	}
}
