// Package cleanup runs shutdown hooks before control leaves the payload.
package cleanup

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Type says why the payload is exiting. Hooks subscribe to a set of types.
type Type uint32

const (
	OnHandoff Type = 1 << iota // booting the selected kernel
	OnLegacy                   // chaining to a legacy boot path

	OnAny = OnHandoff | OnLegacy
)

// Func is a shutdown hook. It is passed the exit type being run.
type Func func(t Type) error

// Hook is a registered shutdown hook.
type Hook struct {
	name  string
	types Type
	fn    Func
}

// Registry holds shutdown hooks.
type Registry struct {
	mu    sync.Mutex
	hooks []*Hook
	log   *logrus.Entry
}

var ErrHook = errors.New("cleanup: hook failed")

// NewRegistry returns an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Registry{log: log.WithField("component", "cleanup")}
}

// Add registers fn to run on exits of the given types.
func (r *Registry) Add(name string, types Type, fn Func) *Hook {
	h := &Hook{name: name, types: types, fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, h)
	return h
}

// Remove unregisters a hook. It reports whether the hook was registered.
func (r *Registry) Remove(h *Hook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, x := range r.hooks {
		if x == h {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return true
		}
	}

	return false
}

// Run calls every hook subscribed to t, newest first, and unregisters them.
// All hooks run even if some fail; the failures are joined.
func (r *Registry) Run(t Type) error {
	r.mu.Lock()

	var run, keep []*Hook
	for i := len(r.hooks) - 1; i >= 0; i-- {
		if h := r.hooks[i]; h.types&t != 0 {
			run = append(run, h)
		} else {
			keep = append([]*Hook{h}, keep...)
		}
	}

	r.hooks = keep
	r.mu.Unlock()

	var errs []error
	for _, h := range run {
		if err := h.fn(t); err != nil {
			r.log.WithError(err).WithField("hook", h.name).Error("cleanup hook failed")
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrHook, h.name, err))
		}
	}

	r.log.WithFields(logrus.Fields{
		"type":   t,
		"hooks":  len(run),
		"failed": len(errs),
	}).Info("exiting payload")

	return errors.Join(errs...)
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.hooks)
}

func (t Type) String() string {
	var s []string
	if t&OnHandoff != 0 {
		s = append(s, "handoff")
	}

	if t&OnLegacy != 0 {
		s = append(s, "legacy")
	}

	if len(s) == 0 {
		return fmt.Sprintf("Type(%d)", uint32(t))
	}

	return strings.Join(s, "|")
}
