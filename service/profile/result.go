package profile

import "time"

// ActionStatus is the outcome of a single action within an activation.
type ActionStatus string

// Action statuses.
const (
	StatusSucceeded ActionStatus = "succeeded"
	StatusFailed    ActionStatus = "failed"
	StatusSkipped   ActionStatus = "skipped"
)

// Outcome is the aggregate result of one activation attempt.
type Outcome string

// Outcomes.
const (
	// OutcomeFullyApplied: every action succeeded.
	OutcomeFullyApplied Outcome = "fully-applied"
	// OutcomePartiallyApplied: some actions failed without full reversal,
	// either by policy or because the rollback itself failed.
	OutcomePartiallyApplied Outcome = "partially-applied"
	// OutcomeRolledBack: a failure triggered a full, successful reversal.
	OutcomeRolledBack Outcome = "rolled-back"
	// OutcomeRejected: authorization denied, nothing was mutated.
	OutcomeRejected Outcome = "rejected"
)

// Provenance records what triggered an activation. It is used for logging
// and reporting only, never for authorization decisions.
type Provenance string

// Provenances.
const (
	ProvenanceManual   Provenance = "manual"
	ProvenanceRule     Provenance = "rule"
	ProvenanceSchedule Provenance = "schedule"
	ProvenanceWatchdog Provenance = "watchdog"
)

// ActionResult is the outcome of a single action.
type ActionResult struct {
	Kind       ActionKind   `json:"kind"`
	Name       string       `json:"name"`
	Status     ActionStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	Reverted   bool         `json:"reverted,omitempty"`
	DurationMs int64        `json:"duration_ms"`
}

// ApplyResult is the full, structured result of one activation attempt.
// It is reported to the caller and then discarded; only the summary is
// retained in the profile's activation metadata.
type ApplyResult struct {
	ProfileID   string         `json:"profile_id"`
	ProfileName string         `json:"profile_name"`
	Outcome     Outcome        `json:"outcome"`
	Message     string         `json:"message,omitempty"`
	Actions     []ActionResult `json:"actions"`
	Provenance  Provenance     `json:"provenance"`
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished"`
}

// NewApplyResult returns a result in progress for the given profile.
func NewApplyResult(p *Profile, provenance Provenance) *ApplyResult {
	return &ApplyResult{
		ProfileID:   p.ID,
		ProfileName: p.Name,
		Provenance:  provenance,
		Started:     time.Now(),
	}
}

// Record appends one action outcome.
func (r *ApplyResult) Record(a *Action, status ActionStatus, err error, duration time.Duration) {
	ar := ActionResult{
		Kind:       a.Kind,
		Name:       a.Name(),
		Status:     status,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		ar.Error = err.Error()
	}
	r.Actions = append(r.Actions, ar)
}

// Succeeded reports whether the activation applied fully.
func (r *ApplyResult) Succeeded() bool {
	return r.Outcome == OutcomeFullyApplied
}

// FailedCount returns the number of failed actions.
func (r *ApplyResult) FailedCount() int {
	n := 0
	for _, a := range r.Actions {
		if a.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Finalize sets the aggregate outcome and summary message.
func (r *ApplyResult) Finalize(outcome Outcome, message string) {
	r.Outcome = outcome
	r.Message = message
	r.Finished = time.Now()
}
