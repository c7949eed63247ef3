package autoswitch

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/netenv"
	"github.com/netprofiles/netprofd/service/profile"
	"github.com/netprofiles/netprofd/service/switcher"
)

// DefaultEvalInterval is the rule evaluation cycle length.
const DefaultEvalInterval = 30 * time.Second

// patternCacheSize bounds the compiled glob/regex cache.
const patternCacheSize = 128

// offlineIntervalFactor slows the evaluation cycle while the host is
// offline. SSID, gateway and reachability conditions cannot change state
// until the network returns.
const offlineIntervalFactor = 4

// EnvSource serves environment snapshots and the current online state.
type EnvSource interface {
	Snapshot() *netenv.Snapshot
	Online() bool
}

// Submitter accepts activation requests.
type Submitter interface {
	Submit(profileID string, caller access.Caller) (*switcher.Request, error)
	ActiveProfile() string
}

// Engine evaluates auto-switch rules and cron schedules on a fixed cycle
// and submits winning activations with rule or schedule provenance.
type Engine struct {
	m        *mgr.Manager
	instance instance

	log      *slog.Logger
	registry *profile.Registry
	env      EnvSource
	applier  Submitter
	interval time.Duration

	// Compiled SSID patterns, keyed by mode and pattern text.
	patterns gcache.Cache

	// Per-rule match tracking across cycles. The cycle counter orders
	// false to true edges for the tie-break.
	cycle     uint64
	lastMatch map[string]bool
	edges     map[string]uint64

	// Last fired minute per schedule, so a cron entry fires once per
	// matching minute.
	lastFired map[string]time.Time

	kick chan struct{}
}

func newEngine(registry *profile.Registry, env EnvSource, applier Submitter, interval time.Duration, log *slog.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultEvalInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:       log,
		registry:  registry,
		env:       env,
		applier:   applier,
		interval:  interval,
		patterns:  gcache.New(patternCacheSize).LRU().Build(),
		lastMatch: make(map[string]bool),
		edges:     make(map[string]uint64),
		lastFired: make(map[string]time.Time),
		kick:      make(chan struct{}, 1),
	}
}

// Manager returns the module manager.
func (e *Engine) Manager() *mgr.Manager {
	return e.m
}

// Start starts the evaluation cycle.
func (e *Engine) Start() error {
	e.m.Go("evaluate rules", e.evalLoop)
	return nil
}

// Stop stops the module.
func (e *Engine) Stop() error {
	return nil
}

// TriggerEvaluation runs an evaluation cycle as soon as possible, used on
// network change events. A trigger arriving while one is already pending
// coalesces with it.
func (e *Engine) TriggerEvaluation() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// evalLoop drives the evaluation cycle. The ticker slows down while the
// host is offline and a network change event kicks an immediate cycle.
func (e *Engine) evalLoop(w *mgr.WorkerCtx) error {
	ticker := mgr.NewSleepyTicker(e.interval, e.interval*offlineIntervalFactor)
	defer ticker.Stop()

	for {
		select {
		case <-w.Done():
			return nil
		case <-ticker.Wait():
		case <-e.kick:
		}
		if err := e.evaluate(w); err != nil {
			w.Warn("rule evaluation failed", "err", err)
		}
		ticker.SetSleep(!e.env.Online())
	}
}

type ruleMatch struct {
	key      string
	target   string
	priority int
	edge     uint64
}

// evaluate runs one cycle: one snapshot, every enabled rule, then the
// cron schedules, against that same snapshot.
func (e *Engine) evaluate(w *mgr.WorkerCtx) error {
	e.cycle++
	snapshot := e.env.Snapshot()
	profiles := e.registry.List()
	active := e.applier.ActiveProfile()

	byID := make(map[string]*profile.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	var matches []ruleMatch
	for _, p := range profiles {
		for i := range p.Rules {
			rule := &p.Rules[i]
			if !rule.Enabled {
				continue
			}
			key := p.ID + "/" + rule.ID

			matched := e.evalExpr(w, snapshot, rule.Expression)
			if matched && !e.lastMatch[key] {
				e.edges[key] = e.cycle
			}
			e.lastMatch[key] = matched
			if !matched {
				continue
			}

			target, ok := byID[rule.TargetProfile]
			if !ok {
				w.Warn("rule targets unknown profile",
					"rule", rule.ID,
					"target", rule.TargetProfile,
				)
				continue
			}
			matches = append(matches, ruleMatch{
				key:      key,
				target:   target.ID,
				priority: target.Priority,
				edge:     e.edges[key],
			})
		}
	}

	if winner := pickWinner(matches, active); winner != nil {
		e.submit(w, winner.target, profile.ProvenanceRule, winner.key)
	}

	e.evaluateSchedules(w, snapshot.Time, profiles, active)
	return nil
}

// pickWinner selects among matching rules: highest target priority first,
// then the most recent false to true edge. A matching rule whose target
// is already active wins nothing and suppresses lower candidates too,
// because the environment still calls for the active profile.
func pickWinner(matches []ruleMatch, active string) *ruleMatch {
	var best *ruleMatch
	for i := range matches {
		m := &matches[i]
		if best == nil ||
			m.priority > best.priority ||
			(m.priority == best.priority && m.edge > best.edge) {
			best = m
		}
	}
	if best == nil || best.target == active {
		return nil
	}
	return best
}

func (e *Engine) evaluateSchedules(w *mgr.WorkerCtx, now time.Time, profiles []*profile.Profile, active string) {
	minute := now.Truncate(time.Minute)
	for _, p := range profiles {
		for _, entry := range p.Schedules {
			if !entry.Enabled {
				continue
			}
			spec, err := ParseCron(entry.Cron)
			if err != nil {
				w.Warn("invalid schedule",
					"profile", p.Name,
					"cron", entry.Cron,
					"err", err,
				)
				continue
			}
			if !spec.Matches(now) {
				continue
			}
			// An already active target is skipped without consuming the
			// minute: if it deactivates before the minute ends, the entry
			// still fires.
			if p.ID == active {
				continue
			}
			key := p.ID + "#" + entry.Cron
			if e.lastFired[key].Equal(minute) {
				continue
			}
			e.lastFired[key] = minute
			e.submit(w, p.ID, profile.ProvenanceSchedule, entry.Cron)
		}
	}
}

func (e *Engine) submit(w *mgr.WorkerCtx, profileID string, provenance profile.Provenance, trigger string) {
	_, err := e.applier.Submit(profileID, access.Caller{Provenance: provenance})
	switch {
	case err == nil:
		w.Info("submitted automatic activation",
			"profile", profileID,
			"provenance", provenance,
			"trigger", trigger,
		)
	case errors.Is(err, profile.ErrBusy):
		// The next cycle retries if the rule still matches.
		w.Debug("applier busy, skipping automatic activation", "profile", profileID)
	default:
		w.Warn("failed to submit automatic activation",
			"profile", profileID,
			"err", err,
		)
	}
}

var (
	module     *Engine
	shimLoaded atomic.Bool
)

// New returns a new Engine module.
func New(instance instance, registry *profile.Registry, env EnvSource, applier Submitter, interval time.Duration) (*Engine, error) {
	if !shimLoaded.CompareAndSwap(false, true) {
		return nil, errors.New("only one instance allowed")
	}

	m := mgr.New("AutoSwitch")
	module = newEngine(registry, env, applier, interval, m.Logger())
	module.m = m
	module.instance = instance
	return module, nil
}

type instance interface{}
