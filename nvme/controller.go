package nvme

import (
	"errors"
	"fmt"
	"time"

	"github.com/c35s/nvmeboot/blockdev"
	"github.com/c35s/nvmeboot/cleanup"
	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/mmio"
	"github.com/c35s/nvmeboot/pci"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Config describes a controller to drive.
type Config struct {

	// PCI is the controller's PCI function. Its BAR0 holds the registers.
	PCI pci.Device

	// Memory provides the queues, PRP lists and Identify pages. Buffers passed
	// to Drive.ReadBlocks and Drive.WriteBlocks must be allocated from it too.
	Memory dma.Memory

	// Registry, if set, gets the controller for lazy update and its drives
	// once they are identified.
	Registry *blockdev.Registry

	// Cleanup, if set, gets a hook that shuts the controller down when the
	// payload exits.
	Cleanup *cleanup.Registry

	// IOQueueDepth is the I/O queue depth ceiling. The queue is never deeper
	// than CAP.MQES allows. If IOQueueDepth is 0, IOQueueDepthMax is used.
	IOQueueDepth int

	// CommandTimeout bounds each wait for completions. If CommandTimeout is 0,
	// CommandTimeoutDefault is used. Shorter timeouts are raised to
	// CommandTimeoutMin.
	CommandTimeout time.Duration

	// Clock reads the time for polling deadlines. If Clock is nil, the real
	// clock is used.
	Clock clock.PassiveClock

	// Log is the parent logger. If Log is nil, the standard logger is used.
	Log *logrus.Entry
}

// State is a step in controller bring-up.
type State int

const (
	Unconfigured State = iota
	Disabled
	QueuesMapped
	Enabled
	Identified
	NamespacesEnumerated
	Ready
	Failed
)

const (
	CommandTimeoutDefault = 5 * time.Second
	CommandTimeoutMin     = time.Millisecond

	// readyTimeoutUnit is the unit of CAP.TO.
	readyTimeoutUnit = 500 * time.Millisecond
)

var ErrConfig = errors.New("nvme: invalid config")

// Controller is an NVMe controller and the drives it exposes. Its methods,
// and the methods of its drives, must not be called concurrently.
type Controller struct {
	cfg  Config
	log  *logrus.Entry
	hook *cleanup.Hook

	state       State
	needsUpdate bool
	enabled     bool // CC.EN may be set

	regs mmio.Regs
	cap  Cap

	block  dma.Buffer   // admin SQ, admin CQ, I/O SQ, I/O CQ; one page each
	prp    []dma.Buffer // one PRP list per I/O command id
	idPage dma.Buffer
	id     IdCtrl

	adminQ *queue
	ioQ    *queue

	drives []*Drive
}

// New prepares a controller for bring-up. It doesn't touch the device:
// bring-up happens on the first Update, either directly or through
// Config.Registry.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	addr := cfg.PCI.Addr()

	c := &Controller{
		cfg:         cfg,
		log:         cfg.Log.WithField("ctrl", addr.String()),
		needsUpdate: true,
	}

	c.log.Info("new NVMe controller")

	c.addHook()

	if cfg.Registry != nil {
		cfg.Registry.AddController(c)
	}

	return c, nil
}

// NeedsUpdate reports whether the controller has yet to be brought up
// successfully.
func (c *Controller) NeedsUpdate() bool {
	return c.needsUpdate
}

// Update brings the controller up and publishes its drives. If bring-up
// fails, whatever it allocated is released, no drive is published, and the
// controller still needs an update, so Update can be called again.
func (c *Controller) Update() error {
	if !c.needsUpdate {
		return nil
	}

	err := c.bringUp()
	if err != nil {
		c.log.WithError(err).WithField("state", c.state).Error("NVMe controller bring-up failed")

		c.state = Failed
		if errs := c.teardown(); len(errs) > 0 {
			c.log.WithError(errors.Join(errs...)).Warn("release after failed bring-up")
		}

		return err
	}

	c.state = Ready
	c.needsUpdate = false
	c.addHook()

	return nil
}

// Shutdown disables the controller, unregisters its drives and frees its
// memory. Release is attempted even if the controller can't be disabled.
func (c *Controller) Shutdown() error {
	c.log.Info("shutting down NVMe controller")

	if c.hook != nil {
		c.cfg.Cleanup.Remove(c.hook)
		c.hook = nil
	}

	errs := c.teardown()

	c.state = Unconfigured
	c.needsUpdate = true

	return errors.Join(errs...)
}

// State returns the controller's bring-up state.
func (c *Controller) State() State {
	return c.state
}

// Cap returns the CAP register read during bring-up.
func (c *Controller) Cap() Cap {
	return c.cap
}

// Identity returns the Identify Controller data read during bring-up.
func (c *Controller) Identity() IdCtrl {
	return c.id
}

// IOQueueDepth returns the depth of the I/O queue pair, or 0 before bring-up.
func (c *Controller) IOQueueDepth() int {
	if c.ioQ == nil {
		return 0
	}

	return int(c.ioQ.depth)
}

// Drives returns the controller's drives in namespace id order.
func (c *Controller) Drives() []*Drive {
	return append([]*Drive(nil), c.drives...)
}

func (c *Controller) bringUp() error {
	dev := c.cfg.PCI

	if cls := pci.ClassOf(dev); cls != pci.NVMe {
		return fmt.Errorf("%w: PCI class %v isn't NVMe", ErrUnsupported, cls)
	}

	c.log.WithFields(logrus.Fields{
		"vendor": fmt.Sprintf("%04x", dev.ReadConfig16(pci.RegVendorID)),
		"device": fmt.Sprintf("%04x", dev.ReadConfig16(pci.RegDeviceID)),
	}).Info("initializing NVMe controller")

	pci.SetBusMaster(dev)

	regs, err := dev.Resource(0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}

	c.regs = regs
	c.cap = Cap(mmio.Read64(regs, RegCAP))

	if c.cap.CSS()&CSSNVM == 0 {
		return fmt.Errorf("%w: CAP.CSS %#x lacks the NVM command set", ErrUnsupported, c.cap.CSS())
	}

	if c.cap.MinPageSize() > PageSize {
		return fmt.Errorf("%w: minimum page size %d > %d", ErrUnsupported, c.cap.MinPageSize(), PageSize)
	}

	depth := min(uint16(c.cfg.IOQueueDepth), c.cap.MQES())
	if depth < 2 {
		return fmt.Errorf("%w: CAP.MQES %d allows no usable I/O queue", ErrUnsupported, c.cap.MQES())
	}

	c.log.WithFields(logrus.Fields{
		"cap":     fmt.Sprintf("%#016x", uint64(c.cap)),
		"ioDepth": depth,
	}).Debug("read controller capabilities")

	if err := c.allocate(depth); err != nil {
		return err
	}

	if err := c.disable(); err != nil {
		return err
	}

	c.state = Disabled

	c.mapAdminQueue()
	c.state = QueuesMapped

	if err := c.enable(); err != nil {
		return err
	}

	c.state = Enabled

	if err := c.setQueueCount(numIOQueues); err != nil {
		return fmt.Errorf("set queue count: %w", err)
	}

	if err := c.createCQ(c.ioQ); err != nil {
		return fmt.Errorf("create I/O completion queue: %w", err)
	}

	if err := c.createSQ(c.ioQ); err != nil {
		return fmt.Errorf("create I/O submission queue: %w", err)
	}

	if err := c.identifyController(); err != nil {
		return err
	}

	c.state = Identified

	drives, err := c.identifyNamespaces()
	if err != nil {
		return err
	}

	c.state = NamespacesEnumerated

	return c.publish(drives)
}

// allocate gets the PRP list pool, the queue block and the Identify page.
func (c *Controller) allocate(depth uint16) error {
	mem := c.cfg.Memory

	c.prp = make([]dma.Buffer, 0, depth)
	for i := uint16(0); i < depth; i++ {
		b, err := mem.Alloc(PageSize)
		if err != nil {
			return fmt.Errorf("%w: PRP list %d: %w", ErrOutOfResources, i, err)
		}

		c.prp = append(c.prp, b)
	}

	block, err := mem.Alloc(4 * PageSize)
	if err != nil {
		return fmt.Errorf("%w: queue block: %w", ErrOutOfResources, err)
	}

	c.block = block

	page, err := mem.Alloc(IdentifySize)
	if err != nil {
		return fmt.Errorf("%w: identify page: %w", ErrOutOfResources, err)
	}

	c.idPage = page

	var (
		b      = c.block.Bytes[:4*PageSize]
		addr   = c.block.Addr
		dstrd  = c.cap.DSTRD()
		region = func(i int) ([]byte, uint64) {
			return b[i*PageSize : (i+1)*PageSize], addr + uint64(i*PageSize)
		}
	)

	asq, asqAddr := region(0)
	acq, acqAddr := region(1)
	iosq, iosqAddr := region(2)
	iocq, iocqAddr := region(3)

	c.adminQ = newQueue(adminQueueID, adminQueueDepth, c.regs, dstrd, asq, acq, asqAddr, acqAddr)
	c.ioQ = newQueue(ioQueueID, depth, c.regs, dstrd, iosq, iocq, iosqAddr, iocqAddr)

	return nil
}

func (c *Controller) mapAdminQueue() {
	q := c.adminQ

	var aqa uint64
	aqa = AqaASQS.Set(aqa, uint64(q.depth-1))
	aqa = AqaACQS.Set(aqa, uint64(q.depth-1))

	c.regs.Write32(RegAQA, uint32(aqa))
	mmio.Write64(c.regs, RegASQ, q.sqAddr)
	mmio.Write64(c.regs, RegACQ, q.cqAddr)
}

// disable clears CC.EN and waits for CSTS.RDY to clear.
func (c *Controller) disable() error {
	cc := uint64(c.regs.Read32(RegCC))
	c.regs.Write32(RegCC, uint32(CcEN.Set(cc, 0)))

	if err := c.waitReady(false); err != nil {
		return fmt.Errorf("disable: %w", err)
	}

	c.enabled = false
	return nil
}

// enable sets CC.EN with the entry sizes this driver uses and waits for
// CSTS.RDY.
func (c *Controller) enable() error {
	var cc uint64
	cc = CcEN.Set(cc, 1)
	cc = CcIOSQES.Set(cc, commandSizeShift)
	cc = CcIOCQES.Set(cc, completionSizeShift)

	c.regs.Write32(RegCC, uint32(cc))
	c.enabled = true

	if err := c.waitReady(true); err != nil {
		return fmt.Errorf("enable: %w", err)
	}

	return nil
}

// waitReady polls CSTS.RDY until it equals ready. The budget is CAP.TO
// units of 500ms, at least one unit.
func (c *Controller) waitReady(ready bool) error {
	want := uint64(0)
	if ready {
		want = 1
	}

	timeout := time.Duration(max(c.cap.TO(), 1)) * readyTimeoutUnit
	dl := newDeadline(c.cfg.Clock, timeout)

	for {
		csts := c.regs.Read32(RegCSTS)
		if csts == mmio.Unclaimed {
			return fmt.Errorf("%w: controller stopped responding", ErrDeviceError)
		}

		if CstsRDY.Get(uint64(csts)) == want {
			return nil
		}

		if ready && CstsCFS.Get(uint64(csts)) == 1 {
			return fmt.Errorf("%w: controller fatal status", ErrDeviceError)
		}

		if dl.expired() {
			return fmt.Errorf("%w: CSTS.RDY != %d after %v", ErrTimeout, want, timeout)
		}
	}
}

func (c *Controller) identifyController() error {
	if err := c.identify(CNSController, 0, c.idPage.Addr); err != nil {
		return fmt.Errorf("identify controller: %w", err)
	}

	var id IdCtrl
	if err := decodeIdentify(c.idPage.Bytes, &id); err != nil {
		return fmt.Errorf("%w: identify controller: %w", ErrDeviceError, err)
	}

	c.id = id

	c.log.WithFields(logrus.Fields{
		"vid":    fmt.Sprintf("%#x", id.PCIVendorID),
		"ssvid":  fmt.Sprintf("%#x", id.PCISubsystemVendorID),
		"serial": id.Serial(),
		"model":  id.Model(),
		"fw":     id.Firmware(),
		"mdts":   id.MaxDataTransferSize,
		"nn":     id.NumNamespaces,
	}).Debug("identified controller")

	return nil
}

// publish registers the drives. Either all of them are published or none.
func (c *Controller) publish(drives []*Drive) error {
	if reg := c.cfg.Registry; reg != nil {
		for i, d := range drives {
			if err := reg.Add(d); err != nil {
				for _, added := range drives[:i] {
					reg.Remove(added)
				}

				return err
			}
		}
	}

	c.drives = drives

	for _, d := range drives {
		c.log.Infof("Added NVMe drive %q lbasize:%d, count:%#x", d.name, d.blockSize, d.blockCount)
	}

	return nil
}

// teardown disables the controller if it may be enabled, unpublishes the
// drives and frees everything allocated by bring-up.
func (c *Controller) teardown() []error {
	var errs []error

	if c.enabled {
		if err := c.disable(); err != nil {
			errs = append(errs, err)
		}
	}

	if reg := c.cfg.Registry; reg != nil {
		for _, d := range c.drives {
			reg.Remove(d)
		}
	}

	c.drives = nil

	free := func(b *dma.Buffer, what string) {
		if b.Bytes == nil {
			return
		}

		if err := c.cfg.Memory.Free(*b); err != nil {
			errs = append(errs, fmt.Errorf("free %s: %w", what, err))
		}

		*b = dma.Buffer{}
	}

	for i := range c.prp {
		free(&c.prp[i], "PRP list")
	}

	free(&c.block, "queue block")
	free(&c.idPage, "identify page")

	c.prp = nil
	c.adminQ = nil
	c.ioQ = nil
	c.enabled = false

	return errs
}

// addHook registers Shutdown to run when the payload exits, unless it is
// registered already.
func (c *Controller) addHook() {
	if c.cfg.Cleanup == nil || c.hook != nil {
		return
	}

	c.hook = c.cfg.Cleanup.Add("nvme "+c.cfg.PCI.Addr().String(), cleanup.OnAny, func(cleanup.Type) error {
		return c.Shutdown()
	})
}

func (c *Controller) deadline() deadline {
	return newDeadline(c.cfg.Clock, c.cfg.CommandTimeout)
}

func (cfg Config) validate() error {
	if cfg.PCI == nil {
		return errors.New("PCI device is not set")
	}

	if cfg.Memory == nil {
		return errors.New("DMA memory is not set")
	}

	if cfg.IOQueueDepth < 2 || cfg.IOQueueDepth > IOQueueDepthMax {
		return fmt.Errorf("%w: I/O queue depth %d not in [2, %d]", ErrUnsupported, cfg.IOQueueDepth, IOQueueDepthMax)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.IOQueueDepth == 0 {
		cfg.IOQueueDepth = IOQueueDepthMax
	}

	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = CommandTimeoutDefault
	}

	if cfg.CommandTimeout < CommandTimeoutMin {
		cfg.CommandTimeout = CommandTimeoutMin
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return cfg
}

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Disabled:
		return "disabled"
	case QueuesMapped:
		return "queues-mapped"
	case Enabled:
		return "enabled"
	case Identified:
		return "identified"
	case NamespacesEnumerated:
		return "namespaces-enumerated"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
