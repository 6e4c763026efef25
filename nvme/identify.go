package nvme

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/HewlettPackard/structex"
)

// IdentifySize is the size of an Identify data structure.
const IdentifySize = 4096

// IdCtrl is the Identify Controller data structure, as far as this driver
// reads it.
type IdCtrl struct {
	PCIVendorID          uint16   // VID
	PCISubsystemVendorID uint16   // SSVID
	SerialNumber         [20]byte // SN
	ModelNumber          [40]byte // MN
	FirmwareRevision     [8]byte  // FR
	ArbitrationBurst     uint8    // RAB
	IEEEOUI              [3]byte  // IEEE
	MultiPath            struct {
		MultiPort       uint8 `bitfield:"1"`
		MultiController uint8 `bitfield:"1"`
		SRIOV           uint8 `bitfield:"1"`
		ANA             uint8 `bitfield:"1"`
		Reserved        uint8 `bitfield:"4"`
	} // CMIC
	MaxDataTransferSize uint8     // MDTS, log2 of CAP.MPSMIN units; 0 is unlimited
	ControllerID        uint16    // CNTLID
	Version             uint32    // VER
	RTD3ResumeLatency   uint32    // RTD3R
	RTD3EntryLatency    uint32    // RTD3E
	AsyncEvents         uint32    // OAES
	Attributes          uint32    // CTRATT
	Reserved100         [412]byte // admin command set attributes
	SQEntrySize         uint8     // SQES
	CQEntrySize         uint8     // CQES
	MaxCmd              uint16    // MAXCMD
	NumNamespaces       uint32    // NN
	OptionalNVMCommands uint16    // ONCS
	FusedOperations     uint16    // FUSES
	FormatAttributes    uint8     // FNA
	VolatileWriteCache  uint8     // VWC
	AtomicWriteUnit     uint16    // AWUN
	AtomicWriteFail     uint16    // AWUPF
	VendorCommandConfig uint8     // NVSCC
	WriteProtectCaps    uint8     // NWPC
	AtomicCompareWrite  uint16    // ACWU
	Reserved534         [3562]byte
}

// LBAFormat is one entry of the Identify Namespace LBA format table.
type LBAFormat struct {
	MetadataSize uint16 // MS
	DataSize     uint8  // LBADS, log2 of the block size
	Performance  uint8  // RP
}

// IdNs is the Identify Namespace data structure, as far as this driver
// reads it.
type IdNs struct {
	Size             uint64 // NSZE, in blocks
	Capacity         uint64 // NCAP, in blocks
	Utilization      uint64 // NUSE, in blocks
	Features         uint8  // NSFEAT
	NumFormats       uint8  // NLBAF, 0's based
	FormattedLBASize struct {
		Format   uint8 `bitfield:"4"` // index into LBAFormats
		Metadata uint8 `bitfield:"1"`
		Reserved uint8 `bitfield:"3"`
	} // FLBAS
	MetadataCaps       uint8    // MC
	ProtectionCaps     uint8    // DPC
	ProtectionSettings uint8    // DPS
	Sharing            uint8    // NMIC
	ReservationCaps    uint8    // RESCAP
	FormatProgress     uint8    // FPI
	DeallocateFeatures uint8    // DLFEAT
	Reserved34         [70]byte // atomicity, NVMCAP and granularity hints
	NGUID              [16]byte // namespace globally unique identifier
	EUI64              [8]byte
	LBAFormats         [16]LBAFormat
	Reserved192        [3904]byte
}

// Serial returns the serial number with padding removed.
func (id *IdCtrl) Serial() string {
	return trimASCII(id.SerialNumber[:])
}

// Model returns the model number with padding removed.
func (id *IdCtrl) Model() string {
	return trimASCII(id.ModelNumber[:])
}

// Firmware returns the firmware revision with padding removed.
func (id *IdCtrl) Firmware() string {
	return trimASCII(id.FirmwareRevision[:])
}

// ActiveFormat returns the LBA format the namespace is formatted with.
func (id *IdNs) ActiveFormat() LBAFormat {
	return id.LBAFormats[id.FormattedLBASize.Format&0xf]
}

// decodeIdentify decodes a 4 KiB Identify page into v.
func decodeIdentify(page []byte, v any) error {
	if len(page) < IdentifySize {
		return fmt.Errorf("%w: identify page is %d bytes", ErrInvalidParameter, len(page))
	}

	return structex.DecodeByteBuffer(bytes.NewBuffer(page[:IdentifySize]), v)
}

// EncodeIdentify encodes an Identify data structure into a 4 KiB page.
func EncodeIdentify(v any) ([]byte, error) {
	buf := structex.NewBuffer(v)
	if err := structex.Encode(buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func trimASCII(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return strings.TrimSpace(string(b))
}
