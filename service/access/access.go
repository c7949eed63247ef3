package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/netprofiles/netprofd/service/profile"
)

// Operation classes. Each maps to a polkit action id shipped with the
// daemon's policy file.
const (
	ClassConfigureNetwork = "net.profiles.configure-network"
	ClassConfigureSystem  = "net.profiles.configure-system"
	ClassRunScripts       = "net.profiles.run-scripts"
)

// Caller identifies who requested an activation. Identity always comes
// from the transport, never from the request payload.
type Caller struct {
	// Sender is the unique D-Bus name of the requesting connection.
	// Empty for daemon-internal callers.
	Sender     string
	UID        uint32
	Provenance profile.Provenance
}

// Internal reports whether the caller is the daemon itself. Rule,
// schedule and watchdog activations carry no transport identity.
func (c Caller) Internal() bool {
	switch c.Provenance {
	case profile.ProvenanceRule, profile.ProvenanceSchedule, profile.ProvenanceWatchdog:
		return true
	}
	return false
}

// ClassForKind maps an action kind to its operation class.
func ClassForKind(kind profile.ActionKind) string {
	switch kind {
	case profile.ActionSetIPv4, profile.ActionSetIPv6, profile.ActionSetRoute,
		profile.ActionSetDNS, profile.ActionSetMTU, profile.ActionSetMAC,
		profile.ActionWifiConnect, profile.ActionVPNConnect, profile.ActionVPNDisconnect:
		return ClassConfigureNetwork
	case profile.ActionRunScript, profile.ActionLaunchProgram:
		return ClassRunScripts
	default:
		return ClassConfigureSystem
	}
}

// RequiredClasses returns the deduplicated operation classes of an action
// list, in first-use order.
func RequiredClasses(actions []profile.Action) []string {
	seen := make(map[string]struct{}, 3)
	classes := make([]string, 0, 3)
	for i := range actions {
		class := ClassForKind(actions[i].Kind)
		if _, ok := seen[class]; ok {
			continue
		}
		seen[class] = struct{}{}
		classes = append(classes, class)
	}
	return classes
}

// Authority answers a single operation class check for a caller.
type Authority interface {
	CheckAuthorization(ctx context.Context, caller Caller, class string) (bool, error)
}

// Authorizer decides whether a caller may activate a profile.
// Decisions are single-use: every activation is checked again, nothing is
// cached.
type Authorizer struct {
	authority Authority
	log       *slog.Logger
}

// NewAuthorizer returns an authorizer backed by the given authority.
func NewAuthorizer(authority Authority, log *slog.Logger) *Authorizer {
	if log == nil {
		log = slog.Default()
	}
	return &Authorizer{
		authority: authority,
		log:       log,
	}
}

// Authorize checks every operation class the profile's actions require.
// Any denial is terminal and returns ErrDenied.
func (a *Authorizer) Authorize(ctx context.Context, caller Caller, p *profile.Profile) error {
	classes := RequiredClasses(p.Actions)

	// The daemon's own rule engine and root are implicitly trusted. The
	// result still goes through the same applier path; only the policy
	// check is skipped.
	if caller.Internal() || caller.UID == 0 {
		a.log.Debug("activation implicitly authorized",
			"profile", p.Name,
			"uid", caller.UID,
			"provenance", caller.Provenance,
			"classes", classes,
		)
		return nil
	}

	for _, class := range classes {
		granted, err := a.authority.CheckAuthorization(ctx, caller, class)
		if err != nil {
			return fmt.Errorf("authorization check for %s failed: %w", class, err)
		}
		if !granted {
			a.log.Info("activation denied",
				"profile", p.Name,
				"uid", caller.UID,
				"class", class,
			)
			return fmt.Errorf("%w: %s requires %s", profile.ErrDenied, p.Name, class)
		}
	}

	a.log.Debug("activation authorized",
		"profile", p.Name,
		"uid", caller.UID,
		"classes", classes,
	)
	return nil
}
