package switcher

import (
	"errors"
	"sync/atomic"

	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/profile"
)

// Switcher is the module wrapping the profile applier.
type Switcher struct {
	m        *mgr.Manager
	instance instance

	*Applier
}

// Manager returns the module manager.
func (s *Switcher) Manager() *mgr.Manager {
	return s.m
}

// Start starts the apply loop.
func (s *Switcher) Start() error {
	s.m.Go("apply loop", func(w *mgr.WorkerCtx) error {
		return s.Applier.Run(w.Ctx())
	})
	return nil
}

// Stop stops the module.
func (s *Switcher) Stop() error {
	return nil
}

var (
	module     *Switcher
	shimLoaded atomic.Bool
)

// New returns a new Switcher module.
func New(instance instance, registry *profile.Registry, decider Decider, runner Runner) (*Switcher, error) {
	if !shimLoaded.CompareAndSwap(false, true) {
		return nil, errors.New("only one instance allowed")
	}

	m := mgr.New("Switcher")
	module = &Switcher{
		m:        m,
		instance: instance,

		Applier: NewApplier(registry, decider, runner, m.Logger()),
	}
	return module, nil
}

type instance interface{}
