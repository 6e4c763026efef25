// Package board assembles the emulated machine the payload runs on: a DMA
// arena, an MMIO bus, and NVMe controllers on PCI functions, each driven by
// the nvme package.
package board

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/c35s/nvmeboot/blockdev"
	"github.com/c35s/nvmeboot/cleanup"
	"github.com/c35s/nvmeboot/dma"
	"github.com/c35s/nvmeboot/mmio"
	"github.com/c35s/nvmeboot/nvme"
	"github.com/c35s/nvmeboot/nvmesim"
	"github.com/c35s/nvmeboot/pci"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Board is an assembled machine.
type Board struct {
	Name     string
	Arena    *dma.Arena
	Bus      *mmio.Bus
	Registry *blockdev.Registry
	Cleanup  *cleanup.Registry
	Slots    []*Slot

	files []*os.File
	log   *logrus.Entry
}

// Slot is a populated PCI slot: the emulated controller and its driver.
type Slot struct {
	Addr   pci.Addr
	Sim    *nvmesim.Controller
	Func   *pci.Function
	Driver *nvme.Controller
}

var (
	ErrStorage = errors.New("board: namespace storage")
	ErrInit    = errors.New("board: controller bring-up failed")
)

// New builds the machine described by cfg. Controllers are not brought up
// until Init or the first Registry.Update.
func New(cfg *Config, log *logrus.Entry) (*Board, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	arena, err := dma.NewArena(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}

	b := &Board{
		Name:     cfg.Metadata.Name,
		Arena:    arena,
		Bus:      mmio.NewBus(log),
		Registry: blockdev.NewRegistry(log),
		Cleanup:  cleanup.NewRegistry(log),
		log:      log.WithField("board", cfg.Metadata.Name),
	}

	for _, cc := range cfg.Controllers {
		if err := b.addSlot(cc, log); err != nil {
			b.release()
			return nil, err
		}
	}

	b.log.WithFields(logrus.Fields{
		"arena": arena.Size(),
		"slots": len(b.Slots),
	}).Info("board ready")

	return b, nil
}

func (b *Board) addSlot(cc ControllerConfig, log *logrus.Entry) error {
	addr, err := ParseSlot(cc.Slot)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	scfg := nvmesim.Config{
		Memory:   b.Arena,
		MQES:     cc.MQES,
		TO:       cc.TO,
		DSTRD:    cc.DSTRD,
		MPSMIN:   cc.MPSMIN,
		MDTS:     cc.MDTS,
		VID:      cc.Vendor,
		SSVID:    cc.Vendor,
		Serial:   cc.Serial,
		Model:    cc.Model,
		Firmware: cc.Firmware,
		Log:      log.WithField("slot", addr.String()),
	}

	for i, nc := range cc.Namespaces {
		st, err := b.storage(nc)
		if err != nil {
			return fmt.Errorf("%w: %s namespace %d: %w", ErrStorage, addr, i+1, err)
		}

		scfg.Namespaces = append(scfg.Namespaces, nvmesim.Namespace{Storage: st, LBADS: nc.LBADS})
	}

	sim, err := nvmesim.New(scfg)
	if err != nil {
		return err
	}

	bar, err := b.Bus.Install("nvme "+addr.String(), sim, sim.BARSize())
	if err != nil {
		return err
	}

	fn, err := pci.NewFunction(addr, pci.ID{Vendor: cc.Vendor, Device: cc.Device, Class: pci.NVMe}, b.Bus, bar)
	if err != nil {
		return err
	}

	drv, err := nvme.New(nvme.Config{
		PCI:            fn,
		Memory:         b.Arena,
		Registry:       b.Registry,
		Cleanup:        b.Cleanup,
		IOQueueDepth:   cc.IOQueueDepth,
		CommandTimeout: cc.CommandTimeout,
		Log:            log,
	})

	if err != nil {
		return err
	}

	b.Slots = append(b.Slots, &Slot{Addr: addr, Sim: sim, Func: fn, Driver: drv})
	return nil
}

// storage opens the backing storage of a namespace.
func (b *Board) storage(nc NamespaceConfig) (nvmesim.Storage, error) {
	lbads := nc.LBADS
	if lbads == 0 {
		lbads = 9
	}

	size := int64(nc.Blocks) << lbads

	switch {
	case nc.URL != "":
		return &nvmesim.HTTPStorage{URL: nc.URL}, nil

	case nc.File != "":
		f, err := os.OpenFile(nc.File, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}

		b.files = append(b.files, f)

		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}

		if fi.Size() < size {
			if err := f.Truncate(size); err != nil {
				return nil, err
			}
		}

		return &nvmesim.FileStorage{File: f}, nil

	default:
		return &nvmesim.MemStorage{Bytes: make([]byte, size)}, nil
	}
}

// Init brings up every controller that needs it, concurrently, then
// re-registers all drives in slot order so the registry order doesn't depend
// on which controller finished first. A failing controller doesn't stop the
// others; the failures are joined.
func (b *Board) Init(ctx context.Context) error {
	errs := make([]error, len(b.Slots))

	var g errgroup.Group

	for i, s := range b.Slots {
		if !s.Driver.NeedsUpdate() {
			continue
		}

		if err := ctx.Err(); err != nil {
			errs[i] = err
			break
		}

		i, s := i, s

		g.Go(func() error {
			if err := s.Driver.Update(); err != nil {
				errs[i] = fmt.Errorf("%w: %s: %w", ErrInit, s.Addr, err)
			}

			return nil
		})
	}

	g.Wait()

	for _, s := range b.Slots {
		for _, d := range s.Driver.Drives() {
			b.Registry.Remove(d)
		}
	}

	for _, s := range b.Slots {
		for _, d := range s.Driver.Drives() {
			if err := b.Registry.Add(d); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// Shutdown runs the cleanup hooks for t and releases the board. The board
// can't be used afterwards.
func (b *Board) Shutdown(t cleanup.Type) error {
	err := b.Cleanup.Run(t)
	return errors.Join(err, b.release())
}

func (b *Board) release() error {
	var errs []error

	for _, f := range b.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	b.files = nil

	if b.Arena != nil {
		if err := b.Arena.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
