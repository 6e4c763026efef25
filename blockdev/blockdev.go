// Package blockdev is the registry of block devices a boot payload can load
// from.
package blockdev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Device is a block device. Transfers move whole blocks between the device and
// buf, which must be at least count*BlockSize bytes. They return the number
// of blocks moved, which is less than count if err != nil.
type Device interface {
	Name() string
	BlockSize() uint32
	BlockCount() uint64
	Removable() bool

	ReadBlocks(lba, count uint64, buf []byte) (uint64, error)
	WriteBlocks(lba, count uint64, buf []byte) (uint64, error)
}

// Controller is a device driver that populates the registry lazily.
type Controller interface {

	// NeedsUpdate reports whether Update should be called.
	NeedsUpdate() bool

	// Update brings the controller up and registers its devices.
	Update() error
}

// Registry tracks fixed and removable devices and the controllers that
// provide them.
type Registry struct {
	mu        sync.Mutex
	fixed     []Device
	removable []Device
	ctrls     []Controller
	log       *logrus.Entry
}

var (
	ErrExists   = errors.New("blockdev: device already registered")
	ErrNotFound = errors.New("blockdev: no such device")
)

// NewRegistry returns an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Registry{log: log.WithField("component", "blockdev")}
}

// Add registers a device.
func (r *Registry) Add(dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.fixed {
		if d == dev {
			return fmt.Errorf("%w: %q", ErrExists, dev.Name())
		}
	}

	for _, d := range r.removable {
		if d == dev {
			return fmt.Errorf("%w: %q", ErrExists, dev.Name())
		}
	}

	if dev.Removable() {
		r.removable = append(r.removable, dev)
	} else {
		r.fixed = append(r.fixed, dev)
	}

	r.log.WithFields(logrus.Fields{
		"device":     dev.Name(),
		"blockSize":  dev.BlockSize(),
		"blockCount": dev.BlockCount(),
	}).Debug("registered block device")

	return nil
}

// Remove unregisters a device. It reports whether the device was registered.
func (r *Registry) Remove(dev Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, list := range []*[]Device{&r.fixed, &r.removable} {
		for i, d := range *list {
			if d == dev {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return true
			}
		}
	}

	return false
}

// Devices returns the registered devices, fixed devices first, each group in
// registration order.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	dd := make([]Device, 0, len(r.fixed)+len(r.removable))
	dd = append(dd, r.fixed...)
	return append(dd, r.removable...)
}

// Find returns the first registered device with the given name. Names need
// not be unique: every NVMe controller numbers its namespaces from 1.
func (r *Registry) Find(name string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d := r.find(name); d != nil {
		return d, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// AddController registers a controller for Update.
func (r *Registry) AddController(c Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctrls = append(r.ctrls, c)
}

// Update calls Update on every controller that needs it. A failing
// controller doesn't stop the others; the failures are joined.
func (r *Registry) Update() error {
	r.mu.Lock()
	ctrls := append([]Controller(nil), r.ctrls...)
	r.mu.Unlock()

	var errs []error
	for _, c := range ctrls {
		if !c.NeedsUpdate() {
			continue
		}

		if err := c.Update(); err != nil {
			r.log.WithError(err).Error("block controller update failed")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Registry) find(name string) Device {
	for _, list := range [][]Device{r.fixed, r.removable} {
		for _, d := range list {
			if d.Name() == name {
				return d
			}
		}
	}

	return nil
}
