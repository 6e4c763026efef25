// Package kernel finds a bootable Linux kernel on a block device.
//
// A boot drive holds a cpio archive, optionally gzipped, starting at block 0.
// The kernel is the first archive entry with one of the candidate names whose
// bzImage setup header is valid.
package kernel

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"

	"github.com/c35s/nvmeboot/blockdev"
	"github.com/c35s/nvmeboot/dma"
	"github.com/cavaliergopher/cpio"
	"github.com/sirupsen/logrus"
)

// SetupHeader is the leading part of struct setup_header, through
// cmdline_size. It is read in place from offset 0x1f1 of the image to check
// the magic and find the version string; nothing is copied into a zero page.
type SetupHeader struct {
	SetupSects        uint8  // __u8 setup_sects
	RootFlags         uint16 // __u16 root_flags
	Syssize           uint32 // __u32 syssize
	RamSize           uint16 // __u16 ram_size
	VidMode           uint16 // __u16 vid_mode
	RootDev           uint16 // __u16 root_dev
	BootFlag          uint16 // __u16 boot_flag
	Jump              uint16 // __u16 jump
	Header            uint32 // __u32 header
	Version           uint16 // __u16 version
	RealmodeSwtch     uint32 // __u32 realmode_swtch
	StartSysSeg       uint16 // __u16 start_sys_seg
	KernelVersion     uint16 // __u16 kernel_version
	TypeOfLoader      uint8  // __u8 type_of_loader
	Loadflags         uint8  // __u8 loadflags
	SetupMoveSize     uint16 // __u16 setup_move_size
	Code32Start       uint32 // __u32 code32_start
	RamdiskImage      uint32 // __u32 ramdisk_image
	RamdiskSize       uint32 // __u32 ramdisk_size
	BootsectKludge    uint32 // __u32 bootsect_kludge
	HeapEndPtr        uint16 // __u16 heap_end_ptr
	ExtLoaderVer      uint8  // __u8 ext_loader_ver
	ExtLoaderType     uint8  // __u8 ext_loader_type
	CmdLinePtr        uint32 // __u32 cmd_line_ptr
	InitrdAddrMax     uint32 // __u32 initrd_addr_max
	KernelAlignment   uint32 // __u32 kernel_alignment
	RelocatableKernel uint8  // __u8 relocatable_kernel
	MinAlignment      uint8  // __u8 min_alignment
	Xloadflags        uint16 // __u16 xloadflags
	CmdlineSize       uint32 // __u32 cmdline_size
}

// Image is a kernel found in an archive.
type Image struct {
	Name    string // archive entry name
	Device  string // block device the archive was read from
	Header  SetupHeader
	Version string // from the kernel_version field; may be empty
	Data    []byte
}

const (
	// SetupHeaderMagic is the required value of SetupHeader.Header.
	SetupHeaderMagic = 0x53726448 // "HdrS"

	setupHeaderOffset = 0x1f1
	kernelVersionBase = 0x200
	versionMax        = 64
)

// DefaultNames are the archive entries tried when no names are given.
var DefaultNames = []string{"vmlinuz", "boot/vmlinuz", "bzImage", "boot/bzImage"}

var (
	ErrBzImageMagic = errors.New("kernel: parse bzImage: bad header magic")
	ErrNotFound     = errors.New("kernel: no bootable kernel")
)

// ParseBzImage parses the setup header of the bzImage in data.
func ParseBzImage(data []byte) (*SetupHeader, error) {
	hdr := new(SetupHeader)

	if len(data) < setupHeaderOffset+binary.Size(hdr) {
		return nil, fmt.Errorf("%w: %d byte image", ErrBzImageMagic, len(data))
	}

	r := bytes.NewReader(data[setupHeaderOffset:])
	if err := binary.Read(r, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}

	if hdr.Header != SetupHeaderMagic {
		return nil, fmt.Errorf("%w: %#x != %#x", ErrBzImageMagic, hdr.Header, SetupHeaderMagic)
	}

	return hdr, nil
}

// Locate reads a cpio archive from r and returns the first entry named in
// names that is a bzImage. Names are matched without a leading "./" or "/".
func Locate(r io.Reader, names []string, log *logrus.Entry) (*Image, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if len(names) == 0 {
		names = DefaultNames
	}

	br := bufio.NewReader(r)

	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}

		defer zr.Close()
		r = zr
	} else {
		r = br
	}

	cr := cpio.NewReader(r)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("kernel: read archive: %w", err)
		}

		name := path.Clean("/" + hdr.Name)[1:]
		if hdr.Size == 0 || !slices.Contains(names, name) {
			continue
		}

		data, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("kernel: read %s: %w", name, err)
		}

		sh, err := ParseBzImage(data)
		if err != nil {
			log.WithError(err).WithField("entry", name).Warn("skipping archive entry")
			continue
		}

		img := &Image{
			Name:    name,
			Header:  *sh,
			Version: version(data, sh),
			Data:    data,
		}

		log.WithFields(logrus.Fields{
			"entry":   name,
			"size":    len(data),
			"version": img.Version,
			"proto":   fmt.Sprintf("%d.%02d", sh.Version>>8, sh.Version&0xff),
		}).Info("found kernel")

		return img, nil
	}

	return nil, fmt.Errorf("%w: none of %q in archive", ErrNotFound, names)
}

// Find brings up every pending block controller in reg and searches its
// devices in order, fixed devices first, for a kernel.
func Find(reg *blockdev.Registry, mem dma.Memory, names []string, log *logrus.Entry) (*Image, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if err := reg.Update(); err != nil {
		log.WithError(err).Warn("some block controllers failed")
	}

	for _, dev := range reg.Devices() {
		dlog := log.WithField("device", dev.Name())

		img, err := locateOn(dev, mem, names, dlog)
		if err != nil {
			dlog.WithError(err).Debug("no kernel on device")
			continue
		}

		img.Device = dev.Name()
		return img, nil
	}

	return nil, ErrNotFound
}

func locateOn(dev blockdev.Device, mem dma.Memory, names []string, log *logrus.Entry) (*Image, error) {
	s, err := blockdev.NewStream(dev, mem, 0)
	if err != nil {
		return nil, err
	}

	defer s.Close()

	return Locate(s, names, log)
}

// version returns the NUL terminated version string kernel_version points
// to, relative to the end of the boot sector.
func version(data []byte, sh *SetupHeader) string {
	if sh.KernelVersion == 0 {
		return ""
	}

	off := kernelVersionBase + int(sh.KernelVersion)
	if off >= len(data) {
		return ""
	}

	v := data[off:min(len(data), off+versionMax)]
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}

	return string(v)
}
