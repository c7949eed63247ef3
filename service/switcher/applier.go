package switcher

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/profile"
)

// State is the applier's current phase.
type State string

// Applier states.
const (
	StateIdle        State = "idle"
	StateAuthorizing State = "authorizing"
	StateApplying    State = "applying"
	StateRollingBack State = "rolling-back"
)

// MaxQueueDepth bounds pending activation requests. Overflow is ErrBusy,
// not a growing backlog: profile switches are user-facing and stale
// requests are worthless.
const MaxQueueDepth = 4

// Runner executes single actions.
type Runner interface {
	CaptureUndo(ctx context.Context, a *profile.Action) (*profile.Action, error)
	Apply(ctx context.Context, a *profile.Action) error
}

// Decider authorizes activations.
type Decider interface {
	Authorize(ctx context.Context, caller access.Caller, p *profile.Profile) error
}

// Request is a pending activation. Callers holding the same Request share
// one outcome.
type Request struct {
	ProfileID string
	Caller    access.Caller

	done   chan struct{}
	result *profile.ApplyResult
	err    error
}

// Wait blocks until the activation finished or ctx is canceled.
// The request itself keeps running when the waiter gives up.
func (r *Request) Wait(ctx context.Context) (*profile.ApplyResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return r.result, r.err
	}
}

func (r *Request) finish(result *profile.ApplyResult, err error) {
	r.result = result
	r.err = err
	close(r.done)
}

// Applier serializes all profile activations through a single loop.
// Every host mutation of the daemon goes through here.
type Applier struct {
	log      *slog.Logger
	registry *profile.Registry
	decider  Decider
	runner   Runner

	lock     sync.Mutex
	queue    []*Request
	current  *Request
	active   string
	state    State
	stopping bool

	wake chan struct{}

	// EventResult delivers every terminal activation result.
	EventResult *mgr.EventMgr[*profile.ApplyResult]
}

// NewApplier returns an applier. The loop must be started via Run.
func NewApplier(registry *profile.Registry, decider Decider, runner Runner, log *slog.Logger) *Applier {
	if log == nil {
		log = slog.Default()
	}
	return &Applier{
		log:         log,
		registry:    registry,
		decider:     decider,
		runner:      runner,
		state:       StateIdle,
		wake:        make(chan struct{}, 1),
		EventResult: mgr.NewEventMgr[*profile.ApplyResult]("activation result", nil),
	}
}

// Submit queues an activation. A request for a profile that is already
// queued or in flight coalesces onto the existing request.
func (a *Applier) Submit(profileID string, caller access.Caller) (*Request, error) {
	if _, ok := a.registry.Get(profileID); !ok {
		return nil, fmt.Errorf("%w: %s", profile.ErrUnknownProfile, profileID)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.stopping {
		return nil, profile.ErrShuttingDown
	}
	if a.current != nil && a.current.ProfileID == profileID {
		return a.current, nil
	}
	for _, queued := range a.queue {
		if queued.ProfileID == profileID {
			return queued, nil
		}
	}
	if len(a.queue) >= MaxQueueDepth {
		return nil, fmt.Errorf("%w: %d requests queued", profile.ErrBusy, len(a.queue))
	}

	req := &Request{
		ProfileID: profileID,
		Caller:    caller,
		done:      make(chan struct{}),
	}
	a.queue = append(a.queue, req)

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return req, nil
}

// Withdraw removes a queued activation. In-flight activations cannot be
// withdrawn.
func (a *Applier) Withdraw(profileID string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	for i, queued := range a.queue {
		if queued.ProfileID == profileID {
			a.queue = slices.Delete(a.queue, i, i+1)
			queued.finish(nil, profile.ErrWithdrawn)
			return true
		}
	}
	return false
}

// ActiveProfile returns the ID of the active profile, or "".
func (a *Applier) ActiveProfile() string {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.active
}

// State returns the current applier state.
func (a *Applier) State() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// QueueLen returns the number of queued requests.
func (a *Applier) QueueLen() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.queue)
}

// Deactivate clears the active profile marker. The host keeps its current
// configuration; only the bookkeeping resets.
func (a *Applier) Deactivate() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.active = ""
}

// Run owns the apply loop until ctx is canceled. It must run exactly once.
func (a *Applier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return nil
		case <-a.wake:
			for {
				// A pending wake token can race shutdown. No activation may
				// start once the context is canceled.
				if ctx.Err() != nil {
					break
				}
				req := a.dequeue()
				if req == nil {
					break
				}
				a.process(ctx, req)
			}
		}
	}
}

func (a *Applier) dequeue() *Request {
	a.lock.Lock()
	defer a.lock.Unlock()

	if len(a.queue) == 0 {
		a.current = nil
		a.state = StateIdle
		return nil
	}
	a.current = a.queue[0]
	a.queue = a.queue[1:]
	a.state = StateAuthorizing
	return a.current
}

func (a *Applier) drain() {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.stopping = true
	for _, queued := range a.queue {
		queued.finish(nil, profile.ErrShuttingDown)
	}
	a.queue = nil
	a.state = StateIdle
}

func (a *Applier) setState(state State) {
	a.lock.Lock()
	a.state = state
	a.lock.Unlock()
}

func (a *Applier) process(ctx context.Context, req *Request) {
	prof, ok := a.registry.Get(req.ProfileID)
	if !ok {
		// Removed between submit and dequeue.
		req.finish(nil, fmt.Errorf("%w: %s", profile.ErrUnknownProfile, req.ProfileID))
		return
	}

	result := profile.NewApplyResult(prof, req.Caller.Provenance)

	if err := a.decider.Authorize(ctx, req.Caller, prof); err != nil {
		result.Finalize(profile.OutcomeRejected, err.Error())
		a.conclude(req, prof, result, err)
		return
	}

	a.setState(StateApplying)
	err := a.applyActions(ctx, prof, result)
	a.conclude(req, prof, result, err)
}

// applyActions runs the profile's actions in order, capturing undo state
// before each revertible action and rolling back on failure per policy.
func (a *Applier) applyActions(ctx context.Context, prof *profile.Profile, result *profile.ApplyResult) error {
	type appliedAction struct {
		index int
		undo  *profile.Action
	}
	applied := make([]appliedAction, 0, len(prof.Actions))

	abortAt := -1
	for i := range prof.Actions {
		act := &prof.Actions[i]
		started := time.Now()

		undo, err := a.runner.CaptureUndo(ctx, act)
		if err == nil {
			err = a.runner.Apply(ctx, act)
		}
		if err != nil {
			result.Record(act, profile.StatusFailed, err, time.Since(started))
			if prof.Policy() == profile.FailureContinue || act.ContinueOnError() {
				continue
			}
			abortAt = i
			break
		}

		result.Record(act, profile.StatusSucceeded, nil, time.Since(started))
		if undo != nil {
			applied = append(applied, appliedAction{index: i, undo: undo})
		}
	}

	if abortAt < 0 {
		if result.FailedCount() > 0 {
			result.Finalize(profile.OutcomePartiallyApplied,
				fmt.Sprintf("%d of %d actions failed", result.FailedCount(), len(prof.Actions)))
			return nil
		}
		result.Finalize(profile.OutcomeFullyApplied, "")
		return nil
	}

	// Abort: the remaining actions never ran.
	for i := abortAt + 1; i < len(prof.Actions); i++ {
		result.Record(&prof.Actions[i], profile.StatusSkipped, nil, 0)
	}

	a.setState(StateRollingBack)
	a.log.Warn("activation failed, rolling back",
		"profile", prof.Name,
		"failed_action", prof.Actions[abortAt].Name(),
	)

	var revertErrs *multierror.Error
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if err := a.runner.Apply(ctx, step.undo); err != nil {
			revertErrs = multierror.Append(revertErrs, fmt.Errorf(
				"failed to revert %s: %w", prof.Actions[step.index].Name(), err))
			continue
		}
		result.Actions[step.index].Reverted = true
	}

	if err := revertErrs.ErrorOrNil(); err != nil {
		result.Finalize(profile.OutcomePartiallyApplied,
			fmt.Sprintf("rollback incomplete: %s", err))
		return fmt.Errorf("%w: %w", profile.ErrRollbackIncomplete, err)
	}

	result.Finalize(profile.OutcomeRolledBack,
		fmt.Sprintf("%s failed, all changes reverted", prof.Actions[abortAt].Name()))
	return nil
}

// conclude performs the terminal transition: active marker, registry
// summary, metrics, events, and the caller's result.
func (a *Applier) conclude(req *Request, prof *profile.Profile, result *profile.ApplyResult, err error) {
	a.lock.Lock()
	switch result.Outcome {
	case profile.OutcomeFullyApplied, profile.OutcomePartiallyApplied:
		a.active = prof.ID
	}
	a.current = nil
	a.state = StateIdle
	a.lock.Unlock()

	a.registry.RecordResult(prof.ID, result.Finished, string(result.Outcome))
	metrics.GetOrCreateCounter(fmt.Sprintf(
		`netprofd_activations_total{outcome=%q,provenance=%q}`,
		result.Outcome, result.Provenance,
	)).Inc()

	a.log.Info("activation finished",
		"profile", prof.Name,
		"outcome", result.Outcome,
		"provenance", result.Provenance,
		"duration", result.Finished.Sub(result.Started),
	)

	a.EventResult.Submit(result)
	req.finish(result, err)
}
