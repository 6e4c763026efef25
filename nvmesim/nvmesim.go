// Package nvmesim is a software NVMe controller.
//
// A Controller answers register accesses as an mmio.Handler and moves data
// through host memory it resolves with MemAt, so the nvme driver can run
// against it unchanged. Commands are processed synchronously when their
// submission doorbell is written.
package nvmesim

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/c35s/nvmeboot/mmio"
	"github.com/c35s/nvmeboot/nvme"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Memory resolves device addresses to host memory.
type Memory interface {
	MemAt(addr uint64, size int) ([]byte, error)
}

// Config describes the emulated controller.
type Config struct {

	// Memory resolves queue and PRP addresses. It is required.
	Memory Memory

	// MQES is CAP.MQES, the 0's based maximum queue size. If MQES is 0, 63 is
	// used.
	MQES uint16

	// TO is CAP.TO in 500ms units. If TO is 0, 1 is used.
	TO uint8

	DSTRD  uint8 // CAP.DSTRD
	MPSMIN uint8 // CAP.MPSMIN

	// CSS is CAP.CSS. If CSS is 0, only the NVM command set is reported.
	CSS uint8

	// MDTS is the Identify Controller transfer limit. 0 is unlimited.
	MDTS uint8

	VID, SSVID              uint16
	Serial, Model, Firmware string

	Namespaces []Namespace

	// ReadyDelay is the number of CSTS reads that still show the old RDY
	// value after CC.EN changes.
	ReadyDelay int

	NeverReady bool // CSTS.RDY never follows CC.EN=1
	Fatal      bool // CSTS.CFS is set once enabled
	StuckReady bool // CSTS.RDY stays set after CC.EN is cleared
	Stall      bool // commands are fetched but never completed

	// Log is the parent logger. If Log is nil, the standard logger is used.
	Log *logrus.Entry
}

// Namespace is an emulated namespace.
type Namespace struct {
	Storage Storage

	// LBADS is log2 of the block size. If LBADS is 0, 9 is used.
	LBADS uint8

	// NGUID is reported by Identify Namespace. If NGUID is zero, a random
	// one is generated.
	NGUID uuid.UUID

	// ZeroCapacity makes Identify Namespace report no capacity.
	ZeroCapacity bool
}

// Stats counts the commands the controller has completed.
type Stats struct {
	AdminCommands int
	ReadCommands  int
	WriteCommands int
	Errors        int // completions with a non-zero status

	BlocksRead    uint64
	BlocksWritten uint64

	// MaxBlocks is the largest block count of a single I/O command.
	MaxBlocks uint64
}

// Controller is an emulated NVMe controller.
type Controller struct {
	cfg Config
	log *logrus.Entry
	ns  []namespace

	mu    sync.Mutex
	cc    uint32
	csts  uint32
	aqa   uint32
	asq   uint64
	acq   uint64
	intms uint32

	delay int // CSTS reads until RDY follows EN
	stall bool
	sqs   map[uint16]*subQueue
	cqs   map[uint16]*compQueue
	stats Stats
}

type namespace struct {
	Namespace
	blocks uint64
	w      io.WriterAt
}

type subQueue struct {
	id    uint16
	cqid  uint16
	addr  uint64
	depth uint16
	head  uint16
	tail  uint16
}

type compQueue struct {
	id    uint16
	addr  uint64
	depth uint16
	tail  uint16
	head  uint16
	phase uint8
}

// maxIOQueues is the number of I/O queue pairs the controller grants.
const maxIOQueues = 1

var ErrConfig = errors.New("nvmesim: invalid config")

// New creates a controller in the reset state.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if cfg.Memory == nil {
		return nil, fmt.Errorf("%w: memory is not set", ErrConfig)
	}

	c := &Controller{
		cfg:   cfg,
		log:   cfg.Log.WithField("component", "nvmesim"),
		stall: cfg.Stall,
	}

	for i, n := range cfg.Namespaces {
		if n.Storage == nil {
			return nil, fmt.Errorf("%w: namespace %d has no storage", ErrConfig, i+1)
		}

		if n.LBADS < 9 || n.LBADS > 21 {
			return nil, fmt.Errorf("%w: namespace %d: LBADS %d", ErrConfig, i+1, n.LBADS)
		}

		size, err := n.Storage.Size()
		if err != nil {
			return nil, fmt.Errorf("nvmesim: namespace %d: %w", i+1, err)
		}

		ns := namespace{Namespace: n, blocks: uint64(size) >> n.LBADS}
		ns.w, _ = n.Storage.(io.WriterAt)

		c.ns = append(c.ns, ns)
	}

	c.reset()
	return c, nil
}

// BARSize returns the size of the register window: the registers and the
// doorbells of the admin and I/O queue pairs.
func (c *Controller) BARSize() uint64 {
	return nvme.RegDoorbellBase + 2*(1+maxIOQueues)*(4<<uint64(c.cfg.DSTRD))
}

// Stats returns the command counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

// ResetStats zeroes the command counters.
func (c *Controller) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats = Stats{}
}

// SetStall starts or stops completing commands. Commands submitted while
// stalled are processed on the next doorbell write after the stall ends.
func (c *Controller) SetStall(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stall = on
}

// HandleMMIO implements mmio.Handler. Registers are accessed 32 bits at a time.
func (c *Controller) HandleMMIO(off uint64, data []byte, isWrite bool) error {
	if len(data) != 4 || off%4 != 0 {
		return fmt.Errorf("nvmesim: %d byte access at %#x", len(data), off)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if isWrite {
		return c.write(uint32(off), le.Uint32(data))
	}

	le.PutUint32(data, c.read(uint32(off)))
	return nil
}

func (c *Controller) read(off uint32) uint32 {
	switch off {
	case nvme.RegCAP:
		return uint32(c.capValue())
	case nvme.RegCAP + 4:
		return uint32(c.capValue() >> 32)
	case nvme.RegVS:
		return 0x00010000 // 1.0
	case nvme.RegINTMS, nvme.RegINTMC:
		return c.intms
	case nvme.RegCC:
		return c.cc
	case nvme.RegCSTS:
		return c.readCSTS()
	case nvme.RegAQA:
		return c.aqa
	case nvme.RegASQ:
		return uint32(c.asq)
	case nvme.RegASQ + 4:
		return uint32(c.asq >> 32)
	case nvme.RegACQ:
		return uint32(c.acq)
	case nvme.RegACQ + 4:
		return uint32(c.acq >> 32)
	}

	return 0
}

func (c *Controller) write(off uint32, v uint32) error {
	switch off {
	case nvme.RegINTMS:
		c.intms |= v
	case nvme.RegINTMC:
		c.intms &^= v
	case nvme.RegCC:
		c.writeCC(v)
	case nvme.RegAQA:
		c.aqa = v
	case nvme.RegASQ:
		c.asq = c.asq&^0xffffffff | uint64(v)
	case nvme.RegASQ + 4:
		c.asq = c.asq&0xffffffff | uint64(v)<<32
	case nvme.RegACQ:
		c.acq = c.acq&^0xffffffff | uint64(v)
	case nvme.RegACQ + 4:
		c.acq = c.acq&0xffffffff | uint64(v)<<32

	default:
		if off >= nvme.RegDoorbellBase {
			return c.doorbell(off, uint16(v))
		}

		c.log.WithField("off", fmt.Sprintf("%#x", off)).Debug("write to read-only or reserved register")
	}

	return nil
}

func (c *Controller) capValue() uint64 {
	var v uint64
	v = nvme.CapMQES.Set(v, uint64(c.cfg.MQES))
	v = nvme.CapCQR.Set(v, 1)
	v = nvme.CapTO.Set(v, uint64(c.cfg.TO))
	v = nvme.CapDSTRD.Set(v, uint64(c.cfg.DSTRD))
	v = nvme.CapCSS.Set(v, uint64(c.cfg.CSS))
	v = nvme.CapMPSMIN.Set(v, uint64(c.cfg.MPSMIN))
	v = nvme.CapMPSMAX.Set(v, uint64(c.cfg.MPSMIN))
	return v
}

// readCSTS returns CSTS, letting RDY follow CC.EN once the ready delay has
// run out.
func (c *Controller) readCSTS() uint32 {
	if c.delay > 0 {
		c.delay--
		return c.csts
	}

	en := nvme.CcEN.Get(uint64(c.cc)) == 1

	switch {
	case !en && c.cfg.StuckReady:
		c.csts = uint32(nvme.CstsCFS.Set(uint64(c.csts), 0))
	case !en:
		c.csts = 0
	case c.cfg.NeverReady:
	default:
		c.csts = uint32(nvme.CstsRDY.Set(uint64(c.csts), 1))
	}

	if en && c.cfg.Fatal {
		c.csts = uint32(nvme.CstsCFS.Set(uint64(c.csts), 1))
	}

	return c.csts
}

func (c *Controller) writeCC(v uint32) {
	was := nvme.CcEN.Get(uint64(c.cc)) == 1
	en := nvme.CcEN.Get(uint64(v)) == 1
	c.cc = v

	switch {
	case en && !was:
		c.delay = c.cfg.ReadyDelay

		aqa := uint64(c.aqa)
		c.sqs[0] = &subQueue{addr: c.asq, depth: uint16(nvme.AqaASQS.Get(aqa)) + 1}
		c.cqs[0] = &compQueue{addr: c.acq, depth: uint16(nvme.AqaACQS.Get(aqa)) + 1, phase: 1}

		c.log.WithFields(logrus.Fields{
			"asq": fmt.Sprintf("%#x", c.asq),
			"acq": fmt.Sprintf("%#x", c.acq),
			"aqa": fmt.Sprintf("%#x", c.aqa),
		}).Debug("controller enabled")

	case !en && was:
		c.delay = c.cfg.ReadyDelay
		c.reset()
		c.cc = v

		c.log.Debug("controller disabled")
	}
}

// reset drops every queue.
func (c *Controller) reset() {
	c.cc = 0
	c.sqs = make(map[uint16]*subQueue)
	c.cqs = make(map[uint16]*compQueue)
}

// doorbell handles a submission tail or completion head doorbell write.
func (c *Controller) doorbell(off uint32, v uint16) error {
	stride := uint32(4) << c.cfg.DSTRD
	idx := (off - nvme.RegDoorbellBase) / stride
	qid := uint16(idx / 2)

	if (off-nvme.RegDoorbellBase)%stride != 0 {
		return fmt.Errorf("nvmesim: doorbell write at %#x is not on a %d byte stride", off, stride)
	}

	if idx%2 == 1 {
		cq, ok := c.cqs[qid]
		if !ok || v >= cq.depth {
			return fmt.Errorf("nvmesim: completion doorbell %d: invalid head %d", qid, v)
		}

		cq.head = v

		// completions may have been held back by a full ring
		for _, sq := range c.sqs {
			if sq.cqid == qid {
				c.process(sq)
			}
		}

		return nil
	}

	sq, ok := c.sqs[qid]
	if !ok || v >= sq.depth {
		return fmt.Errorf("nvmesim: submission doorbell %d: invalid tail %d", qid, v)
	}

	sq.tail = v
	c.process(sq)

	return nil
}

// process executes sq's commands until it is empty or its completion ring is
// full.
func (c *Controller) process(sq *subQueue) {
	cq := c.cqs[sq.cqid]
	if cq == nil || c.stall {
		return
	}

	for sq.head != sq.tail {
		if (cq.tail+1)%cq.depth == cq.head {
			return
		}

		p, err := c.cfg.Memory.MemAt(sq.addr+uint64(sq.head)*nvme.CommandSize, nvme.CommandSize)
		if err != nil {
			c.log.WithError(err).WithField("sq", sq.id).Error("fetch command")
			return
		}

		var cmd nvme.Command
		cmd.Get(p)

		if sq.head++; sq.head == sq.depth {
			sq.head = 0
		}

		var cpl nvme.Completion
		if sq.id == 0 {
			c.stats.AdminCommands++
			cpl = c.admin(&cmd)
		} else {
			cpl = c.io(&cmd)
		}

		if !cpl.OK() {
			c.stats.Errors++
		}

		cpl.SQHD = sq.head
		cpl.SQID = sq.id
		cpl.CID = cmd.CID
		cpl.Status = cpl.Status&^1 | uint16(cq.phase)

		p, err = c.cfg.Memory.MemAt(cq.addr+uint64(cq.tail)*nvme.CompletionSize, nvme.CompletionSize)
		if err != nil {
			c.log.WithError(err).WithField("cq", cq.id).Error("post completion")
			return
		}

		cpl.Put(p)

		if cq.tail++; cq.tail == cq.depth {
			cq.tail = 0
			cq.phase ^= 1
		}
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.MQES == 0 {
		cfg.MQES = 63
	}

	if cfg.TO == 0 {
		cfg.TO = 1
	}

	if cfg.CSS == 0 {
		cfg.CSS = nvme.CSSNVM
	}

	if cfg.Serial == "" {
		cfg.Serial = "NVMESIM0001"
	}

	if cfg.Model == "" {
		cfg.Model = "nvmesim"
	}

	if cfg.Firmware == "" {
		cfg.Firmware = "1.0"
	}

	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	ns := make([]Namespace, len(cfg.Namespaces))
	for i, n := range cfg.Namespaces {
		if n.LBADS == 0 {
			n.LBADS = 9
		}

		if n.NGUID == uuid.Nil {
			n.NGUID = uuid.New()
		}

		ns[i] = n
	}

	cfg.Namespaces = ns

	return cfg
}

var _ mmio.Handler = (*Controller)(nil)
