package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/autoswitch"
	"github.com/netprofiles/netprofd/service/dbusapi"
	"github.com/netprofiles/netprofd/service/executor"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/netenv"
	"github.com/netprofiles/netprofd/service/profile"
	"github.com/netprofiles/netprofd/service/switcher"
	"github.com/netprofiles/netprofd/service/watchdog"
)

// Instance is an instance of the netprofd service.
type Instance struct {
	*mgr.Group

	version       string
	serviceConfig *ServiceConfig

	registry *profile.Registry
	exec     *executor.Executor

	netenv     *netenv.NetEnv
	switcher   *switcher.Switcher
	autoswitch *autoswitch.Engine
	watchdog   *watchdog.Watchdog
	dbusapi    *dbusapi.DBusAPI
}

// New returns a new netprofd service instance.
func New(version string, svcCfg *ServiceConfig) (*Instance, error) {
	// Create instance to pass it to modules.
	instance := &Instance{
		version:       version,
		serviceConfig: svcCfg,
		registry:      profile.NewRegistry(),
	}

	// The polkit authority and the IPC surface share the system bus.
	sysConn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	authority := access.NewPolkitAuthority(sysConn)
	authorizer := access.NewAuthorizer(authority, slog.Default().With("module", "access"))

	system := executor.NewHostSystem()
	instance.exec = executor.New(system, slog.Default().With("module", "executor"))

	instance.netenv, err = netenv.New(instance, nil)
	if err != nil {
		return nil, fmt.Errorf("create netenv module: %w", err)
	}
	instance.switcher, err = switcher.New(instance, instance.registry, authorizer, instance.exec)
	if err != nil {
		return nil, fmt.Errorf("create switcher module: %w", err)
	}
	instance.autoswitch, err = autoswitch.New(
		instance, instance.registry, instance.netenv, instance.switcher,
		svcCfg.EvalInterval(),
	)
	if err != nil {
		return nil, fmt.Errorf("create autoswitch module: %w", err)
	}
	instance.watchdog, err = watchdog.New(
		instance, svcCfg.Watchdog, instance.netenv, instance.switcher, system,
	)
	if err != nil {
		return nil, fmt.Errorf("create watchdog module: %w", err)
	}
	instance.dbusapi, err = dbusapi.New(
		instance, instance.registry, instance.switcher, instance.netenv,
		authority, system, instance.switcher.EventResult,
	)
	if err != nil {
		return nil, fmt.Errorf("create dbusapi module: %w", err)
	}

	// Re-evaluate rules right away when the network changes.
	instance.netenv.EventNetworkChange.AddCallback("trigger rule evaluation",
		func(_ *mgr.WorkerCtx, _ struct{}) (bool, error) {
			instance.autoswitch.TriggerEvaluation()
			return false, nil
		})

	// Add all modules to instance group.
	instance.Group = mgr.NewGroup(
		instance.netenv,
		instance.switcher,
		instance.autoswitch,
		instance.watchdog,
		instance.dbusapi,
	)

	// Surface module failure states in the daemon log.
	instance.Group.AddStatesCallback("log module states",
		func(_ *mgr.WorkerCtx, update mgr.StateUpdate) (bool, error) {
			for _, s := range update.States {
				switch s.Type {
				case mgr.StateTypeWarning, mgr.StateTypeError:
					slog.Warn("module state",
						"module", update.Name,
						"state", s.Name,
						"message", s.Message,
					)
				}
			}
			return false, nil
		})

	return instance, nil
}

// Stop stops the service and cleans up launched programs.
func (i *Instance) Stop() error {
	err := i.Group.Stop()
	i.exec.Shutdown(context.Background())
	return err
}

// Version returns the version.
func (i *Instance) Version() string {
	return i.version
}

// ServiceConfig returns the service configuration.
func (i *Instance) ServiceConfig() *ServiceConfig {
	return i.serviceConfig
}

// Registry returns the profile registry.
func (i *Instance) Registry() *profile.Registry {
	return i.registry
}

// NetEnv returns the netenv module.
func (i *Instance) NetEnv() *netenv.NetEnv {
	return i.netenv
}

// Switcher returns the switcher module.
func (i *Instance) Switcher() *switcher.Switcher {
	return i.switcher
}

// AutoSwitch returns the autoswitch module.
func (i *Instance) AutoSwitch() *autoswitch.Engine {
	return i.autoswitch
}

// Watchdog returns the watchdog module.
func (i *Instance) Watchdog() *watchdog.Watchdog {
	return i.watchdog
}

// DBusAPI returns the dbusapi module.
func (i *Instance) DBusAPI() *dbusapi.DBusAPI {
	return i.dbusapi
}
