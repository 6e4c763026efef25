package nvme

import "encoding/binary"

const (
	CommandSize    = 64 // submission queue entry size
	CompletionSize = 16 // completion queue entry size

	// log2 entry sizes programmed into CC.IOSQES and CC.IOCQES
	commandSizeShift    = 6
	completionSizeShift = 4
)

// admin opcodes

const (
	AdminCreateIOSQ  = 0x01
	AdminCreateIOCQ  = 0x05
	AdminIdentify    = 0x06
	AdminSetFeatures = 0x09
)

// NVM command set opcodes

const (
	IOWrite = 0x01
	IORead  = 0x02
)

// Identify CNS values

const (
	CNSNamespace  = 0x00
	CNSController = 0x01
)

// FeatureNumQueues is the Set Features id that requests I/O queues.
const FeatureNumQueues = 0x07

// queue creation flags in CDW11

const (
	QueuePhysContig = 1 << 0 // the queue is one physically contiguous buffer
)

// status code types

const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
)

// generic status codes

const (
	SCSuccess           = 0x00
	SCInvalidOpcode     = 0x01
	SCInvalidField      = 0x02
	SCDataTransferError = 0x04
	SCInvalidNamespace  = 0x0b
	SCLBAOutOfRange     = 0x80
)

// command specific status codes

const (
	SCInvalidCQ            = 0x00
	SCInvalidQueueID       = 0x01
	SCMaxQueueSizeExceeded = 0x02
)

// Command is a submission queue entry. Words 2-5 (reserved and metadata
// pointer) and 13-15 are not used by this driver and are written as zero.
type Command struct {
	Opcode uint8
	CID    uint16
	NSID   uint32
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
}

// Completion is a completion queue entry.
type Completion struct {
	DW0    uint32 // command specific
	SQHD   uint16 // submission queue head pointer
	SQID   uint16 // submission queue identifier
	CID    uint16
	Status uint16 // phase tag in bit 0, status field above it
}

var le = binary.LittleEndian

// Put encodes the command into a 64-byte entry.
func (c *Command) Put(p []byte) {
	_ = p[CommandSize-1]
	clear(p[:CommandSize])

	p[0] = c.Opcode
	le.PutUint16(p[2:], c.CID)
	le.PutUint32(p[4:], c.NSID)
	le.PutUint64(p[24:], c.PRP1)
	le.PutUint64(p[32:], c.PRP2)
	le.PutUint32(p[40:], c.CDW10)
	le.PutUint32(p[44:], c.CDW11)
	le.PutUint32(p[48:], c.CDW12)
}

// Get decodes a 64-byte entry into the command.
func (c *Command) Get(p []byte) {
	_ = p[CommandSize-1]

	*c = Command{
		Opcode: p[0],
		CID:    le.Uint16(p[2:]),
		NSID:   le.Uint32(p[4:]),
		PRP1:   le.Uint64(p[24:]),
		PRP2:   le.Uint64(p[32:]),
		CDW10:  le.Uint32(p[40:]),
		CDW11:  le.Uint32(p[44:]),
		CDW12:  le.Uint32(p[48:]),
	}
}

// Put encodes the completion into a 16-byte entry.
func (c *Completion) Put(p []byte) {
	_ = p[CompletionSize-1]

	le.PutUint32(p[0:], c.DW0)
	le.PutUint32(p[4:], 0)
	le.PutUint16(p[8:], c.SQHD)
	le.PutUint16(p[10:], c.SQID)
	le.PutUint16(p[12:], c.CID)
	le.PutUint16(p[14:], c.Status)
}

// Get decodes a 16-byte entry into the completion.
func (c *Completion) Get(p []byte) {
	_ = p[CompletionSize-1]

	*c = Completion{
		DW0:    le.Uint32(p[0:]),
		SQHD:   le.Uint16(p[8:]),
		SQID:   le.Uint16(p[10:]),
		CID:    le.Uint16(p[12:]),
		Status: le.Uint16(p[14:]),
	}
}

// Phase returns the phase tag.
func (c *Completion) Phase() uint8 {
	return uint8(c.Status & 1)
}

// SC returns the status code.
func (c *Completion) SC() uint8 {
	return uint8(c.Status >> 1)
}

// SCT returns the status code type.
func (c *Completion) SCT() uint8 {
	return uint8(c.Status>>9) & 0x7
}

// OK reports whether the command succeeded.
func (c *Completion) OK() bool {
	return c.Status>>1 == 0
}

// MakeStatus builds a completion status halfword.
func MakeStatus(phase, sct, sc uint8) uint16 {
	return uint16(phase&1) | uint16(sc)<<1 | uint16(sct&0x7)<<9
}

// phaseAt reads the phase tag of the completion entry at p without decoding
// the rest of it.
func phaseAt(p []byte) uint8 {
	return p[14] & 1
}
