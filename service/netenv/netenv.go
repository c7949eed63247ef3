package netenv

import (
	"errors"
	"sync/atomic"

	"github.com/tevino/abool"

	"github.com/netprofiles/netprofd/service/mgr"
)

// NetworkChangedEvent is submitted whenever the host network environment
// changes.
const NetworkChangedEvent = "network changed"

// NetEnv observes the host network environment and serves point-in-time
// snapshots of it.
type NetEnv struct {
	m        *mgr.Manager
	instance instance

	source Source
	online *abool.AtomicBool

	// networkChangeVersion increases on every observed change. Cached
	// reads compare against it instead of re-reading the host.
	networkChangeVersion atomic.Uint64

	EventNetworkChange *mgr.EventMgr[struct{}]
}

// Manager returns the module manager.
func (ne *NetEnv) Manager() *mgr.Manager {
	return ne.m
}

// Start starts the module.
func (ne *NetEnv) Start() error {
	ne.refreshOnlineStatus()
	ne.m.Go("monitor network changes", ne.monitorNetworkChanges)
	return nil
}

// Stop stops the module.
func (ne *NetEnv) Stop() error {
	return nil
}

// Snapshot returns a new snapshot bound to the current environment.
// All reads through one snapshot observe the same state.
func (ne *NetEnv) Snapshot() *Snapshot {
	return NewSnapshot(ne.source)
}

// Online reports the last observed connectivity.
// The value is refreshed on network changes, not per call.
func (ne *NetEnv) Online() bool {
	return ne.online.IsSet()
}

// ChangeVersion returns the current network change counter.
func (ne *NetEnv) ChangeVersion() uint64 {
	return ne.networkChangeVersion.Load()
}

func (ne *NetEnv) monitorNetworkChanges(w *mgr.WorkerCtx) error {
	changes, err := ne.source.Changes(w.Ctx())
	if err != nil {
		return err
	}

	for {
		select {
		case <-w.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			ne.networkChangeVersion.Add(1)
			ne.refreshOnlineStatus()
			ne.EventNetworkChange.Submit(struct{}{})
			w.Debug("network changed", "version", ne.networkChangeVersion.Load())
		}
	}
}

func (ne *NetEnv) refreshOnlineStatus() {
	connectivity, err := ne.source.Connectivity()
	if err != nil {
		ne.m.Debug("failed to get connectivity state", "err", err)
		return
	}
	ne.online.SetTo(connectivity.Online())
}

var (
	module     *NetEnv
	shimLoaded atomic.Bool
)

// New returns a new NetEnv module using the given source.
// A nil source selects the host reader.
func New(instance instance, source Source) (*NetEnv, error) {
	if !shimLoaded.CompareAndSwap(false, true) {
		return nil, errors.New("only one instance allowed")
	}
	if source == nil {
		source = newHostSource()
	}

	m := mgr.New("NetEnv")
	module = &NetEnv{
		m:        m,
		instance: instance,

		source: source,
		online: abool.NewBool(false),

		EventNetworkChange: mgr.NewEventMgr[struct{}](NetworkChangedEvent, m),
	}
	return module, nil
}

type instance interface{}
