package profile

import (
	"fmt"
	"slices"
	"time"

	"github.com/gofrs/uuid"
)

// FailurePolicy decides how an activation continues after an action failure.
type FailurePolicy string

// Failure policies.
const (
	// FailureAbortRollback stops at the first failure and reverts all
	// previously applied, revertible actions in reverse order. Default.
	FailureAbortRollback FailurePolicy = "abort-rollback"
	// FailureContinue keeps applying the remaining actions and reports a
	// partially-applied outcome.
	FailureContinue FailurePolicy = "continue"
)

// ScheduleEntry activates the owning profile on a cron schedule.
// Format: "minute hour day-of-month month day-of-week" with support for
// "*", lists, ranges and steps.
type ScheduleEntry struct {
	Cron    string `json:"cron"`
	Enabled bool   `json:"enabled"`
}

// Profile is a named bundle of ordered actions plus the rules and schedules
// that may activate it. Profiles are authored and persisted by the
// unprivileged side; the daemon receives them already validated and
// decrypted and treats them as immutable for the duration of an activation.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Actions apply in authored order: later actions may depend on state
	// established by earlier ones.
	Actions   []Action        `json:"actions"`
	Rules     []Rule          `json:"rules,omitempty"`
	Schedules []ScheduleEntry `json:"schedules,omitempty"`

	// Priority breaks ties when multiple rules match simultaneously.
	Priority  int           `json:"priority,omitempty"`
	OnFailure FailurePolicy `json:"on_failure,omitempty"`

	// Activation summary, reported outward only; persistence is owned by
	// the storage collaborator.
	LastApplied time.Time `json:"last_applied,omitempty"`
	LastResult  string    `json:"last_result,omitempty"`
}

// New returns a new empty profile with a random ID.
func New(name string) *Profile {
	id, _ := uuid.NewV4()
	return &Profile{
		ID:        id.String(),
		Name:      name,
		OnFailure: FailureAbortRollback,
	}
}

// Policy returns the failure policy with the default applied.
func (p *Profile) Policy() FailurePolicy {
	if p.OnFailure == "" {
		return FailureAbortRollback
	}
	return p.OnFailure
}

// Validate checks the profile and everything it owns.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile without id")
	}
	if p.Name == "" {
		return fmt.Errorf("profile %s: name is required", p.ID)
	}
	switch p.OnFailure {
	case "", FailureAbortRollback, FailureContinue:
	default:
		return fmt.Errorf("profile %s: unknown failure policy %q", p.ID, p.OnFailure)
	}
	for i := range p.Actions {
		if err := p.Actions[i].Validate(); err != nil {
			return fmt.Errorf("profile %s action %d: %w", p.ID, i, err)
		}
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.ID, err)
		}
	}
	return nil
}

// Clone returns a copy of the profile with its own action and rule slices.
// Action parameters are shared; callers must not mutate them, per the
// immutable-for-one-activation contract.
func (p *Profile) Clone() *Profile {
	copied := *p
	copied.Actions = slices.Clone(p.Actions)
	copied.Rules = slices.Clone(p.Rules)
	copied.Schedules = slices.Clone(p.Schedules)
	return &copied
}
