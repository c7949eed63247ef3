package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/executor"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/netenv"
	"github.com/netprofiles/netprofd/service/profile"
	"github.com/netprofiles/netprofd/service/switcher"
)

// probeTimeout bounds a single connectivity probe.
const probeTimeout = 3 * time.Second

// stateConnectivityLost is set while the failure threshold is exceeded
// and removed on the next successful probe.
const stateConnectivityLost = "watchdog:connectivity-lost"

// Prober serves environment snapshots for connectivity probes.
type Prober interface {
	Snapshot() *netenv.Snapshot
}

// Submitter accepts activation requests.
type Submitter interface {
	Submit(profileID string, caller access.Caller) (*switcher.Request, error)
	ActiveProfile() string
}

// System is the host surface the watchdog needs.
type System interface {
	Run(ctx context.Context, argv []string, opts executor.RunOpts) (string, error)
	Notify(title, body, icon string) error
}

// Watchdog probes connectivity on a fixed cycle and runs the configured
// failure action once the failure counter reaches its threshold. The
// counter resets on every successful probe and after the action fired,
// so a persistent outage triggers the action once per threshold window.
type Watchdog struct {
	m        *mgr.Manager
	instance instance

	states *mgr.StateMgr

	cfg     Config
	env     Prober
	applier Submitter
	sys     System

	failures atomic.Uint32

	// Pause between networking off and on during reconnect.
	// Shortened in tests.
	reconnectPause time.Duration
}

// Manager returns the module manager.
func (wd *Watchdog) Manager() *mgr.Manager {
	return wd.m
}

// States returns the module states.
func (wd *Watchdog) States() *mgr.StateMgr {
	return wd.states
}

// Start starts the check cycle, if enabled.
func (wd *Watchdog) Start() error {
	if !wd.cfg.Enabled {
		wd.m.Debug("connection watchdog disabled")
		return nil
	}
	wd.m.Repeat("connectivity check", wd.cfg.Interval(), wd.check)
	wd.m.Info("connection watchdog started",
		"target", wd.cfg.Target(),
		"threshold", wd.cfg.Threshold(),
		"action", wd.cfg.Action(),
	)
	return nil
}

// Stop stops the module.
func (wd *Watchdog) Stop() error {
	return nil
}

// Failures returns the current consecutive failure count.
func (wd *Watchdog) Failures() int {
	return int(wd.failures.Load())
}

func (wd *Watchdog) check(w *mgr.WorkerCtx) error {
	snapshot := wd.env.Snapshot()
	if snapshot.Reachable(w.Ctx(), wd.cfg.Target(), probeTimeout) {
		if wd.failures.Swap(0) > 0 {
			wd.states.Remove(stateConnectivityLost)
			w.Info("connectivity restored", "target", wd.cfg.Target())
		}
		return nil
	}

	count := int(wd.failures.Add(1))
	w.Warn("connectivity check failed",
		"target", wd.cfg.Target(),
		"count", count,
		"threshold", wd.cfg.Threshold(),
	)
	if count < wd.cfg.Threshold() {
		return nil
	}

	wd.failures.Store(0)
	wd.states.Add(mgr.State{
		ID:   stateConnectivityLost,
		Name: "Connectivity lost",
		Message: fmt.Sprintf("%d consecutive probes of %s failed, running action %s",
			count, wd.cfg.Target(), wd.cfg.Action()),
		Type: mgr.StateTypeWarning,
		Time: time.Now(),
	})
	return wd.act(w)
}

func (wd *Watchdog) act(w *mgr.WorkerCtx) error {
	switch wd.cfg.Action() {
	case ActionNotify:
		return wd.sys.Notify("Connectivity lost",
			fmt.Sprintf("%s has been unreachable for %d checks.", wd.cfg.Target(), wd.cfg.Threshold()),
			"network-error")

	case ActionReconnect:
		w.Info("bouncing networking")
		if _, err := wd.sys.Run(w.Ctx(), []string{"nmcli", "networking", "off"}, executor.RunOpts{}); err != nil {
			return fmt.Errorf("failed to disable networking: %w", err)
		}
		select {
		case <-w.Done():
			return nil
		case <-time.After(wd.reconnectPause):
		}
		if _, err := wd.sys.Run(w.Ctx(), []string{"nmcli", "networking", "on"}, executor.RunOpts{}); err != nil {
			return fmt.Errorf("failed to enable networking: %w", err)
		}
		return nil

	case ActionSwitchProfile:
		if wd.applier.ActiveProfile() == wd.cfg.FallbackProfile {
			w.Debug("fallback profile already active")
			return nil
		}
		w.Info("switching to fallback profile", "profile", wd.cfg.FallbackProfile)
		_, err := wd.applier.Submit(wd.cfg.FallbackProfile,
			access.Caller{Provenance: profile.ProvenanceWatchdog})
		if errors.Is(err, profile.ErrBusy) {
			// The next threshold window retries.
			w.Debug("applier busy, fallback activation skipped")
			return nil
		}
		return err

	case ActionRestartNetwork:
		w.Info("restarting NetworkManager")
		_, err := wd.sys.Run(w.Ctx(), []string{"systemctl", "restart", "NetworkManager"}, executor.RunOpts{})
		return err
	}
	return nil
}

var (
	module     *Watchdog
	shimLoaded atomic.Bool
)

// New returns a new Watchdog module.
func New(instance instance, cfg Config, env Prober, applier Submitter, sys System) (*Watchdog, error) {
	if !shimLoaded.CompareAndSwap(false, true) {
		return nil, errors.New("only one instance allowed")
	}

	m := mgr.New("Watchdog")
	module = &Watchdog{
		m:        m,
		instance: instance,

		states: mgr.NewStateMgr(m),

		cfg:            cfg,
		env:            env,
		applier:        applier,
		sys:            sys,
		reconnectPause: 2 * time.Second,
	}
	return module, nil
}

type instance interface{}
