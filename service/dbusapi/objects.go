package dbusapi

import (
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/profile"
)

// DaemonStatus is the JSON payload of Status.Get.
type DaemonStatus struct {
	State             string `json:"state"`
	ActiveProfileID   string `json:"active_profile_id,omitempty"`
	ActiveProfileName string `json:"active_profile_name,omitempty"`
	QueuedRequests    int    `json:"queued_requests"`
	ProfileCount      int    `json:"profile_count"`

	// Ambient network state. The change version lets clients detect
	// missed change signals between two status reads.
	Online               bool   `json:"online"`
	NetworkChangeVersion uint64 `json:"network_change_version"`

	// Failures lists warning and error states of the daemon modules.
	Failures []string `json:"failures,omitempty"`
}

func encodeResult(result *profile.ApplyResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// managerObject implements net.profiles.Manager.
type managerObject struct {
	api *DBusAPI
}

// Ping answers liveness checks.
func (o *managerObject) Ping() (string, *dbus.Error) {
	return "pong", nil
}

// ActivateProfile queues an activation for the calling user and waits for
// its terminal result, returned as a JSON ApplyResult.
func (o *managerObject) ActivateProfile(id string, sender dbus.Sender) (string, *dbus.Error) {
	caller, dbusErr := o.api.caller(sender)
	if dbusErr != nil {
		return "", dbusErr
	}

	req, err := o.api.applier.Submit(id, caller)
	if err != nil {
		return "", mapError(err)
	}

	result, err := req.Wait(o.api.m.Ctx())
	if result == nil {
		return "", mapError(err)
	}
	payload, encErr := encodeResult(result)
	if encErr != nil {
		return "", dbus.MakeFailedError(encErr)
	}
	// A denied or rolled-back activation still returns its result body;
	// the error name tells the client what happened.
	return payload, mapError(err)
}

// DeactivateProfile clears the active profile marker.
func (o *managerObject) DeactivateProfile(sender dbus.Sender) *dbus.Error {
	if _, dbusErr := o.api.caller(sender); dbusErr != nil {
		return dbusErr
	}
	o.api.applier.Deactivate()
	return nil
}

// WithdrawQueued removes a queued activation request.
func (o *managerObject) WithdrawQueued(id string, sender dbus.Sender) (bool, *dbus.Error) {
	if _, dbusErr := o.api.caller(sender); dbusErr != nil {
		return false, dbusErr
	}
	return o.api.applier.Withdraw(id), nil
}

// profilesObject implements net.profiles.Profiles.
type profilesObject struct {
	api *DBusAPI
}

// ReplaceAll swaps in a complete profile set pushed by the storage
// collaborator. The payload is a JSON array of profiles, already
// decrypted; it is validated before anything is replaced.
func (o *profilesObject) ReplaceAll(payload string, sender dbus.Sender) *dbus.Error {
	caller, dbusErr := o.api.caller(sender)
	if dbusErr != nil {
		return dbusErr
	}

	// Replacing the profile set is a system configuration operation.
	if caller.UID != 0 {
		granted, err := o.api.authority.CheckAuthorization(
			o.api.m.Ctx(), caller, access.ClassConfigureSystem)
		if err != nil {
			return dbus.MakeFailedError(err)
		}
		if !granted {
			return dbus.NewError(errDenied,
				[]interface{}{"replacing profiles requires " + access.ClassConfigureSystem})
		}
	}

	var profiles []*profile.Profile
	if err := json.Unmarshal([]byte(payload), &profiles); err != nil {
		return dbus.NewError(errBadPayload,
			[]interface{}{fmt.Sprintf("invalid profile payload: %s", err)})
	}
	if err := o.api.registry.ReplaceAll(profiles); err != nil {
		return dbus.NewError(errBadPayload, []interface{}{err.Error()})
	}

	o.api.m.Info("profile set replaced",
		"count", len(profiles),
		"sender", string(sender),
	)
	return nil
}

// List returns all loaded profiles as JSON.
func (o *profilesObject) List() (string, *dbus.Error) {
	data, err := json.Marshal(o.api.registry.List())
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

// statusObject implements net.profiles.Status.
type statusObject struct {
	api *DBusAPI
}

// Get returns the daemon status as JSON.
func (o *statusObject) Get() (string, *dbus.Error) {
	status := DaemonStatus{
		State:           string(o.api.applier.State()),
		ActiveProfileID: o.api.applier.ActiveProfile(),
		QueuedRequests:  o.api.applier.QueueLen(),
		ProfileCount:    o.api.registry.Len(),
	}
	if status.ActiveProfileID != "" {
		if p, ok := o.api.registry.Get(status.ActiveProfileID); ok {
			status.ActiveProfileName = p.Name
		}
	}
	if o.api.env != nil {
		status.Online = o.api.env.Online()
		status.NetworkChangeVersion = o.api.env.ChangeVersion()
	}
	if o.api.instance != nil {
		for _, update := range o.api.instance.GetStates() {
			for _, s := range update.States {
				switch s.Type {
				case mgr.StateTypeWarning, mgr.StateTypeError:
					status.Failures = append(status.Failures, update.Name+": "+s.Name)
				}
			}
		}
	}

	data, err := json.Marshal(status)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

// GetActiveProfile returns the active profile ID, or "".
func (o *statusObject) GetActiveProfile() (string, *dbus.Error) {
	return o.api.applier.ActiveProfile(), nil
}
