package nvme

// controller register offsets

const (
	RegCAP   = 0x00 // controller capabilities (R, 64-bit)
	RegVS    = 0x08 // version (R)
	RegINTMS = 0x0c // interrupt mask set (RW)
	RegINTMC = 0x10 // interrupt mask clear (RW)
	RegCC    = 0x14 // controller configuration (RW)
	RegCSTS  = 0x1c // controller status (R)
	RegAQA   = 0x24 // admin queue attributes (RW)
	RegASQ   = 0x28 // admin submission queue base address (RW, 64-bit)
	RegACQ   = 0x30 // admin completion queue base address (RW, 64-bit)

	RegDoorbellBase = 0x1000 // first submission queue tail doorbell
)

// Field is a bit range within a controller register.
type Field struct {
	Shift uint
	Width uint
}

// CAP fields

var (
	CapMQES   = Field{0, 16} // maximum queue entries supported, 0's based
	CapCQR    = Field{16, 1} // contiguous queues required
	CapTO     = Field{24, 8} // ready timeout in 500ms units
	CapDSTRD  = Field{32, 4} // doorbell stride, 4 << DSTRD bytes
	CapNSSRS  = Field{36, 1} // subsystem reset supported
	CapCSS    = Field{37, 8} // command sets supported
	CapMPSMIN = Field{48, 4} // minimum page size, 4096 << MPSMIN bytes
	CapMPSMAX = Field{52, 4} // maximum page size, 4096 << MPSMAX bytes
)

// CSSNVM is the CAP.CSS bit for the NVM command set.
const CSSNVM = 1 << 0

// CC fields

var (
	CcEN     = Field{0, 1}  // enable
	CcCSS    = Field{4, 3}  // I/O command set selected
	CcMPS    = Field{7, 4}  // memory page size, 4096 << MPS bytes
	CcSHN    = Field{14, 2} // shutdown notification
	CcIOSQES = Field{16, 4} // I/O submission queue entry size, log2
	CcIOCQES = Field{20, 4} // I/O completion queue entry size, log2
)

// CSTS fields

var (
	CstsRDY = Field{0, 1} // ready
	CstsCFS = Field{1, 1} // controller fatal status
)

// AQA fields

var (
	AqaASQS = Field{0, 12}  // admin submission queue size, 0's based
	AqaACQS = Field{16, 12} // admin completion queue size, 0's based
)

// Get extracts the field from a register value.
func (f Field) Get(v uint64) uint64 {
	return v >> f.Shift & f.mask()
}

// Set returns v with the field replaced by x. Bits of x beyond the field's
// width are dropped.
func (f Field) Set(v, x uint64) uint64 {
	return v&^(f.mask()<<f.Shift) | (x&f.mask())<<f.Shift
}

func (f Field) mask() uint64 {
	return 1<<f.Width - 1
}

// DoorbellOffset returns the register offset of a queue's submission tail
// doorbell (completion=false) or completion head doorbell (completion=true).
func DoorbellOffset(qid uint16, completion bool, dstrd uint8) uint32 {
	n := 2 * uint32(qid)
	if completion {
		n++
	}

	return RegDoorbellBase + n*(4<<dstrd)
}

// Cap is a decoded CAP register.
type Cap uint64

func (c Cap) MQES() uint16        { return uint16(CapMQES.Get(uint64(c))) }
func (c Cap) TO() uint8           { return uint8(CapTO.Get(uint64(c))) }
func (c Cap) DSTRD() uint8        { return uint8(CapDSTRD.Get(uint64(c))) }
func (c Cap) CSS() uint8          { return uint8(CapCSS.Get(uint64(c))) }
func (c Cap) MPSMIN() uint8       { return uint8(CapMPSMIN.Get(uint64(c))) }
func (c Cap) MinPageSize() uint64 { return PageSize << c.MPSMIN() }
