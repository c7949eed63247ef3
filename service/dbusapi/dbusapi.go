package dbusapi

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/profile"
	"github.com/netprofiles/netprofd/service/switcher"
)

// Bus surface. The GUI, CLI and storage collaborators talk to these.
const (
	BusName    = "net.profiles.Daemon1"
	ObjectPath = dbus.ObjectPath("/net/profiles/Daemon1")

	InterfaceManager  = "net.profiles.Manager"
	InterfaceProfiles = "net.profiles.Profiles"
	InterfaceStatus   = "net.profiles.Status"

	SignalActivated        = InterfaceManager + ".ProfileActivated"
	SignalActivationFailed = InterfaceManager + ".ProfileActivationFailed"
)

// D-Bus error names.
const (
	errDenied     = "net.profiles.Error.AccessDenied"
	errBusy       = "net.profiles.Error.Busy"
	errUnknown    = "net.profiles.Error.UnknownProfile"
	errWithdrawn  = "net.profiles.Error.Withdrawn"
	errBadPayload = "net.profiles.Error.InvalidPayload"
)

// Applier is the switcher surface the API needs.
type Applier interface {
	Submit(profileID string, caller access.Caller) (*switcher.Request, error)
	Withdraw(profileID string) bool
	ActiveProfile() string
	Deactivate()
	State() switcher.State
	QueueLen() int
}

// Notifier shows desktop notifications.
type Notifier interface {
	Notify(title, body, icon string) error
}

// Env reports ambient network state for the status surface.
type Env interface {
	Online() bool
	ChangeVersion() uint64
}

// DBusAPI exports the daemon on the system bus.
type DBusAPI struct {
	m        *mgr.Manager
	instance instance

	registry  *profile.Registry
	applier   Applier
	env       Env
	authority access.Authority
	notifier  Notifier
	results   *mgr.EventMgr[*profile.ApplyResult]

	conn *dbus.Conn

	// lookupUID resolves a bus sender to its unix user. Replaced in
	// tests; Start wires the real bus query.
	lookupUID func(sender string) (uint32, error)
}

// Manager returns the module manager.
func (api *DBusAPI) Manager() *mgr.Manager {
	return api.m
}

// Start connects to the system bus, claims the bus name and exports the
// daemon objects.
func (api *DBusAPI) Start() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	api.conn = conn
	api.lookupUID = func(sender string) (uint32, error) {
		var uid uint32
		err := conn.BusObject().Call(
			"org.freedesktop.DBus.GetConnectionUnixUser", 0, sender,
		).Store(&uid)
		return uid, err
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", BusName)
	}

	if err := conn.Export(&managerObject{api: api}, ObjectPath, InterfaceManager); err != nil {
		return fmt.Errorf("failed to export manager interface: %w", err)
	}
	if err := conn.Export(&profilesObject{api: api}, ObjectPath, InterfaceProfiles); err != nil {
		return fmt.Errorf("failed to export profiles interface: %w", err)
	}
	if err := conn.Export(&statusObject{api: api}, ObjectPath, InterfaceStatus); err != nil {
		return fmt.Errorf("failed to export status interface: %w", err)
	}

	api.m.Go("broadcast activation results", api.broadcastResults)
	return nil
}

// Stop releases the bus name.
func (api *DBusAPI) Stop() error {
	if api.conn == nil {
		return nil
	}
	_, _ = api.conn.ReleaseName(BusName)
	return api.conn.Close()
}

// broadcastResults forwards terminal activation results as bus signals
// and desktop notifications.
func (api *DBusAPI) broadcastResults(w *mgr.WorkerCtx) error {
	sub := api.results.Subscribe("dbusapi", 8)
	defer sub.Cancel()

	for {
		select {
		case <-w.Done():
			return nil
		case result := <-sub.Events():
			api.broadcast(w, result)
		}
	}
}

func (api *DBusAPI) broadcast(w *mgr.WorkerCtx, result *profile.ApplyResult) {
	payload, err := encodeResult(result)
	if err != nil {
		w.Error("failed to encode activation result", "err", err)
		return
	}

	signal := SignalActivated
	if !result.Succeeded() {
		signal = SignalActivationFailed
	}
	if api.conn != nil {
		if err := api.conn.Emit(ObjectPath, signal, result.ProfileID, payload); err != nil {
			w.Warn("failed to emit activation signal", "err", err)
		}
	}

	if api.notifier != nil {
		title, body := notificationText(result)
		if err := api.notifier.Notify(title, body, "network-workgroup"); err != nil {
			w.Debug("failed to show notification", "err", err)
		}
	}
}

func notificationText(result *profile.ApplyResult) (title, body string) {
	switch result.Outcome {
	case profile.OutcomeFullyApplied:
		return "Profile activated", fmt.Sprintf("%q is now active.", result.ProfileName)
	case profile.OutcomeRolledBack:
		return "Profile activation failed",
			fmt.Sprintf("%q could not be applied, all changes were reverted.", result.ProfileName)
	case profile.OutcomePartiallyApplied:
		return "Profile partially applied",
			fmt.Sprintf("%q was only partially applied, check the daemon log.", result.ProfileName)
	case profile.OutcomeRejected:
		return "Profile activation denied", fmt.Sprintf("Activation of %q was not authorized.", result.ProfileName)
	default:
		return "Profile activation finished", result.ProfileName
	}
}

// caller resolves the transport identity of a request. Identity never
// comes from the payload.
func (api *DBusAPI) caller(sender dbus.Sender) (access.Caller, *dbus.Error) {
	uid, err := api.lookupUID(string(sender))
	if err != nil {
		return access.Caller{}, dbus.MakeFailedError(
			fmt.Errorf("failed to resolve caller identity: %w", err))
	}
	return access.Caller{
		Sender:     string(sender),
		UID:        uid,
		Provenance: profile.ProvenanceManual,
	}, nil
}

func mapError(err error) *dbus.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, profile.ErrDenied):
		return dbus.NewError(errDenied, []interface{}{err.Error()})
	case errors.Is(err, profile.ErrBusy):
		return dbus.NewError(errBusy, []interface{}{err.Error()})
	case errors.Is(err, profile.ErrUnknownProfile):
		return dbus.NewError(errUnknown, []interface{}{err.Error()})
	case errors.Is(err, profile.ErrWithdrawn):
		return dbus.NewError(errWithdrawn, []interface{}{err.Error()})
	default:
		return dbus.MakeFailedError(err)
	}
}

var (
	module     *DBusAPI
	shimLoaded atomic.Bool
)

// New returns a new DBusAPI module.
func New(instance instance, registry *profile.Registry, applier Applier, env Env, authority access.Authority, notifier Notifier, results *mgr.EventMgr[*profile.ApplyResult]) (*DBusAPI, error) {
	if !shimLoaded.CompareAndSwap(false, true) {
		return nil, errors.New("only one instance allowed")
	}

	m := mgr.New("DBusAPI")
	module = &DBusAPI{
		m:        m,
		instance: instance,

		registry:  registry,
		applier:   applier,
		env:       env,
		authority: authority,
		notifier:  notifier,
		results:   results,
	}
	return module, nil
}

type instance interface {
	GetStates() []mgr.StateUpdate
}
