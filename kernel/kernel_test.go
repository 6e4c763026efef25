package kernel_test

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/c35s/nvmeboot/blockdev"
	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/kernel"
	"github.com/cavaliergopher/cpio"
)

// bzImage returns a minimal image with a valid setup header and version
// string.
func bzImage(ver string) []byte {
	img := make([]byte, 0x2000)

	binary.LittleEndian.PutUint32(img[0x202:], kernel.SetupHeaderMagic)
	binary.LittleEndian.PutUint16(img[0x206:], 0x020f)
	binary.LittleEndian.PutUint16(img[0x20e:], 0x400)
	copy(img[0x600:], ver+"\x00")

	return img
}

type entry struct {
	name string
	data []byte
}

func archive(t *testing.T, gz bool, entries ...entry) []byte {
	t.Helper()

	buf := new(bytes.Buffer)

	var zw *gzip.Writer
	var cw *cpio.Writer

	if gz {
		zw = gzip.NewWriter(buf)
		cw = cpio.NewWriter(zw)
	} else {
		cw = cpio.NewWriter(buf)
	}

	for _, e := range entries {
		err := cw.WriteHeader(&cpio.Header{
			Name: e.name,
			Mode: 0644,
			Size: int64(len(e.data)),
		})

		if err != nil {
			t.Fatal(err)
		}

		if _, err := cw.Write(e.data); err != nil {
			t.Fatal(err)
		}
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}

	return buf.Bytes()
}

func TestParseBzImage(t *testing.T) {
	hdr, err := kernel.ParseBzImage(bzImage("6.1.0"))
	if err != nil {
		t.Fatal(err)
	}

	if hdr.Version != 0x020f {
		t.Errorf("protocol %#x != 0x20f", hdr.Version)
	}

	if _, err := kernel.ParseBzImage(make([]byte, 0x1000)); !errors.Is(err, kernel.ErrBzImageMagic) {
		t.Errorf("err %v != %v", err, kernel.ErrBzImageMagic)
	}

	if _, err := kernel.ParseBzImage(make([]byte, 0x10)); !errors.Is(err, kernel.ErrBzImageMagic) {
		t.Errorf("short image: err %v != %v", err, kernel.ErrBzImageMagic)
	}
}

func TestLocate(t *testing.T) {
	t.Run("first valid candidate wins", func(t *testing.T) {
		for _, gz := range []bool{false, true} {
			a := archive(t, gz,
				entry{"etc/motd", []byte("hello")},
				entry{"./vmlinuz", []byte("not a kernel at all")},
				entry{"boot/vmlinuz", bzImage("6.1.0-test")},
				entry{"bzImage", bzImage("5.0.0")},
			)

			img, err := kernel.Locate(bytes.NewReader(a), nil, nil)
			if err != nil {
				t.Fatalf("gzip %v: %v", gz, err)
			}

			if img.Name != "boot/vmlinuz" || img.Version != "6.1.0-test" {
				t.Errorf("gzip %v: found %q version %q", gz, img.Name, img.Version)
			}
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		a := archive(t, false, entry{"init", []byte("#!/bin/sh")})

		if _, err := kernel.Locate(bytes.NewReader(a), []string{"vmlinuz"}, nil); !errors.Is(err, kernel.ErrNotFound) {
			t.Errorf("err %v != %v", err, kernel.ErrNotFound)
		}
	})
}

// memDevice is a block device backed by a byte slice.
type memDevice struct {
	name string
	data []byte
}

func (d *memDevice) Name() string       { return d.name }
func (d *memDevice) BlockSize() uint32  { return 512 }
func (d *memDevice) BlockCount() uint64 { return uint64(len(d.data)) / 512 }
func (d *memDevice) Removable() bool    { return false }

func (d *memDevice) ReadBlocks(lba, count uint64, buf []byte) (uint64, error) {
	copy(buf, d.data[lba*512:(lba+count)*512])
	return count, nil
}

func (d *memDevice) WriteBlocks(lba, count uint64, buf []byte) (uint64, error) {
	copy(d.data[lba*512:], buf[:count*512])
	return count, nil
}

func TestFind(t *testing.T) {
	arena, err := dma.NewArena(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	defer arena.Close()

	a := archive(t, true, entry{"vmlinuz", bzImage("6.6.6")})

	boot := &memDevice{name: "boot", data: make([]byte, 1<<20)}
	copy(boot.data, a)

	reg := blockdev.NewRegistry(nil)

	for _, d := range []blockdev.Device{&memDevice{name: "empty", data: make([]byte, 64<<10)}, boot} {
		if err := reg.Add(d); err != nil {
			t.Fatal(err)
		}
	}

	img, err := kernel.Find(reg, arena, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if img.Device != "boot" || img.Version != "6.6.6" {
		t.Errorf("found %q on %q", img.Version, img.Device)
	}

	if n := arena.InUse(); n != 0 {
		t.Errorf("%d pages still allocated", n)
	}
}
