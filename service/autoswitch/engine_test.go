package autoswitch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/netenv"
	"github.com/netprofiles/netprofd/service/profile"
	"github.com/netprofiles/netprofd/service/switcher"
)

type fakeEnvSource struct {
	ssid      string
	ssidErr   error
	conn      netenv.Connectivity
	gateways  []net.IP
	macs      map[string]string
	ifaces    map[string]netenv.IfaceState
	reachable map[string]bool
	online    bool
}

func (f *fakeEnvSource) SSID() (string, error) {
	return f.ssid, f.ssidErr
}

func (f *fakeEnvSource) Connectivity() (netenv.Connectivity, error) {
	return f.conn, nil
}

func (f *fakeEnvSource) Gateways() ([]net.IP, error) {
	return f.gateways, nil
}

func (f *fakeEnvSource) HardwareAddr(ip net.IP) (net.HardwareAddr, error) {
	if mac, ok := f.macs[ip.String()]; ok {
		return net.ParseMAC(mac)
	}
	return nil, errors.New("no arp entry")
}

func (f *fakeEnvSource) InterfaceState(name string) (netenv.IfaceState, error) {
	return f.ifaces[name], nil
}

func (f *fakeEnvSource) Reachable(_ context.Context, target string, _ time.Duration) bool {
	return f.reachable[target]
}

func (f *fakeEnvSource) Changes(_ context.Context) (<-chan struct{}, error) {
	return make(chan struct{}), nil
}

func (f *fakeEnvSource) Snapshot() *netenv.Snapshot {
	return netenv.NewSnapshot(f)
}

func (f *fakeEnvSource) Online() bool {
	return f.online
}

type fakeSubmitter struct {
	active    string
	submitted []access.Caller
	profiles  []string
}

func (f *fakeSubmitter) Submit(profileID string, caller access.Caller) (*switcher.Request, error) {
	f.profiles = append(f.profiles, profileID)
	f.submitted = append(f.submitted, caller)
	return nil, nil
}

func (f *fakeSubmitter) ActiveProfile() string {
	return f.active
}

func runCycle(t *testing.T, e *Engine) {
	t.Helper()
	m := mgr.New("test")
	require.NoError(t, m.Do("evaluate", e.evaluate))
}

func ssidRuleProfile(name, ssid string, priority int) *profile.Profile {
	p := profile.New(name)
	p.Priority = priority
	p.Actions = []profile.Action{{Kind: profile.ActionSetHostname, Hostname: "h"}}
	p.Rules = []profile.Rule{{
		ID:            name + "-rule",
		TargetProfile: p.ID,
		Expression:    profile.NewLeaf(profile.Condition{Kind: profile.CondSSIDMatch, SSID: ssid}),
		Enabled:       true,
	}}
	return p
}

func TestRuleSubmitsMatchingProfile(t *testing.T) {
	home := ssidRuleProfile("Home", "HomeWiFi", 0)
	reg := profile.NewRegistry()
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{home}))

	env := &fakeEnvSource{ssid: "HomeWiFi"}
	applier := &fakeSubmitter{}
	e := newEngine(reg, env, applier, time.Minute, nil)

	runCycle(t, e)
	require.Equal(t, []string{home.ID}, applier.profiles)
	assert.Equal(t, profile.ProvenanceRule, applier.submitted[0].Provenance)
}

func TestRuleActiveProfileNotResubmitted(t *testing.T) {
	home := ssidRuleProfile("Home", "HomeWiFi", 0)
	reg := profile.NewRegistry()
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{home}))

	env := &fakeEnvSource{ssid: "HomeWiFi"}
	applier := &fakeSubmitter{active: home.ID}
	e := newEngine(reg, env, applier, time.Minute, nil)

	runCycle(t, e)
	assert.Empty(t, applier.profiles)
}

func TestRuleDisabledNotEvaluated(t *testing.T) {
	home := ssidRuleProfile("Home", "HomeWiFi", 0)
	home.Rules[0].Enabled = false
	reg := profile.NewRegistry()
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{home}))

	applier := &fakeSubmitter{}
	e := newEngine(reg, &fakeEnvSource{ssid: "HomeWiFi"}, applier, time.Minute, nil)

	runCycle(t, e)
	assert.Empty(t, applier.profiles)
}

func TestTieBreakByPriority(t *testing.T) {
	low := ssidRuleProfile("Low", "SharedNet", 1)
	high := ssidRuleProfile("High", "SharedNet", 5)
	reg := profile.NewRegistry()
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{low, high}))

	applier := &fakeSubmitter{}
	e := newEngine(reg, &fakeEnvSource{ssid: "SharedNet"}, applier, time.Minute, nil)

	runCycle(t, e)
	assert.Equal(t, []string{high.ID}, applier.profiles)
}

func TestTieBreakByNewestEdge(t *testing.T) {
	stale := ssidRuleProfile("Stale", "SharedNet", 3)
	fresh := ssidRuleProfile("Fresh", "fresh-only", 3)
	reg := profile.NewRegistry()
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{stale, fresh}))

	env := &fakeEnvSource{ssid: "SharedNet"}
	applier := &fakeSubmitter{active: stale.ID}
	e := newEngine(reg, env, applier, time.Minute, nil)

	// Cycle 1: only the stale rule matches and it is already active.
	runCycle(t, e)
	require.Empty(t, applier.profiles)

	// Cycle 2: both match; the fresh rule's edge is newer and wins the
	// equal-priority tie.
	fresh.Rules[0].Expression = profile.Or(
		profile.NewLeaf(profile.Condition{Kind: profile.CondSSIDMatch, SSID: "SharedNet"}),
	)
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{stale, fresh}))
	runCycle(t, e)
	assert.Equal(t, []string{fresh.ID}, applier.profiles)
}

func TestSSIDGlobAndRegex(t *testing.T) {
	m := mgr.New("test")
	e := newEngine(profile.NewRegistry(), &fakeEnvSource{}, &fakeSubmitter{}, time.Minute, nil)

	require.NoError(t, m.Do("match", func(w *mgr.WorkerCtx) error {
		snap := (&fakeEnvSource{ssid: "Guest-Lobby"}).Snapshot()

		assert.True(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondSSIDMatch, SSID: "Guest-*", Match: profile.MatchGlob,
		}))
		assert.False(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondSSIDMatch, SSID: "Office-*", Match: profile.MatchGlob,
		}))
		assert.True(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondSSIDMatch, SSID: "^Guest-[A-Za-z]+$", Match: profile.MatchRegex,
		}))
		assert.False(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondSSIDMatch, SSID: "(unclosed", Match: profile.MatchRegex,
		}), "invalid pattern counts as non-matching")
		return nil
	}))
}

func TestConditionEvaluation(t *testing.T) {
	m := mgr.New("test")
	e := newEngine(profile.NewRegistry(), &fakeEnvSource{}, &fakeSubmitter{}, time.Minute, nil)

	env := &fakeEnvSource{
		ssid:     "Office",
		conn:     netenv.ConnectivityFull,
		gateways: []net.IP{net.ParseIP("192.168.1.1")},
		macs:     map[string]string{"192.168.1.1": "AA:BB:CC:DD:EE:FF"},
		ifaces: map[string]netenv.IfaceState{
			"eth0": {Exists: true, Up: true, Carrier: true},
		},
		reachable: map[string]bool{"10.0.0.1": true},
	}

	require.NoError(t, m.Do("eval", func(w *mgr.WorkerCtx) error {
		snap := env.Snapshot()

		// MAC comparison is case insensitive.
		assert.True(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondGatewayMAC, MAC: "aa:bb:cc:dd:ee:ff",
		}))
		assert.False(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondGatewayMAC, MAC: "11:22:33:44:55:66",
		}))

		assert.True(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondInterfaceState, Interface: "eth0", State: profile.InterfaceUp,
		}))
		// A missing interface counts as down.
		assert.True(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondInterfaceState, Interface: "wlan9", State: profile.InterfaceDown,
		}))

		assert.True(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondPingReachable, Target: "10.0.0.1",
		}))
		assert.False(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondPingReachable, Target: "10.0.0.2",
		}))

		assert.True(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondNetworkAvailable,
		}))
		assert.False(t, e.evalCondition(w, snap, &profile.Condition{
			Kind: profile.CondNot, Child: &profile.Condition{Kind: profile.CondNetworkAvailable},
		}))
		return nil
	}))
}

func TestExprShortCircuit(t *testing.T) {
	m := mgr.New("test")
	e := newEngine(profile.NewRegistry(), &fakeEnvSource{}, &fakeSubmitter{}, time.Minute, nil)

	// The source errors on SSID reads; AND short-circuits on the first
	// false leaf, OR on the first true one.
	env := &fakeEnvSource{ssidErr: errors.New("dbus down"), conn: netenv.ConnectivityFull}

	require.NoError(t, m.Do("eval", func(w *mgr.WorkerCtx) error {
		snap := env.Snapshot()
		ssidCond := profile.NewLeaf(profile.Condition{Kind: profile.CondSSIDMatch, SSID: "X"})
		onlineCond := profile.NewLeaf(profile.Condition{Kind: profile.CondNetworkAvailable})

		assert.False(t, e.evalExpr(w, snap, profile.And(ssidCond, onlineCond)))
		assert.True(t, e.evalExpr(w, snap, profile.Or(onlineCond, ssidCond)))
		assert.True(t, e.evalExpr(w, snap, profile.Not(ssidCond)))
		return nil
	}))
}

func TestScheduleFiresOncePerMinute(t *testing.T) {
	nightly := profile.New("Nightly")
	nightly.Actions = []profile.Action{{Kind: profile.ActionSetHostname, Hostname: "h"}}
	nightly.Schedules = []profile.ScheduleEntry{{Cron: "30 2 * * *", Enabled: true}}
	reg := profile.NewRegistry()
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{nightly}))

	applier := &fakeSubmitter{}
	e := newEngine(reg, &fakeEnvSource{}, applier, time.Minute, nil)

	at := time.Date(2024, 3, 4, 2, 30, 5, 0, time.Local)
	m := mgr.New("test")
	require.NoError(t, m.Do("schedules", func(w *mgr.WorkerCtx) error {
		e.evaluateSchedules(w, at, reg.List(), "")
		e.evaluateSchedules(w, at.Add(20*time.Second), reg.List(), "")
		return nil
	}))

	require.Equal(t, []string{nightly.ID}, applier.profiles)
	assert.Equal(t, profile.ProvenanceSchedule, applier.submitted[0].Provenance)

	// Next day, same minute: fires again.
	require.NoError(t, m.Do("schedules", func(w *mgr.WorkerCtx) error {
		e.evaluateSchedules(w, at.AddDate(0, 0, 1), reg.List(), "")
		return nil
	}))
	assert.Len(t, applier.profiles, 2)
}

func TestScheduleActiveTargetDoesNotConsumeMinute(t *testing.T) {
	nightly := profile.New("Nightly")
	nightly.Actions = []profile.Action{{Kind: profile.ActionSetHostname, Hostname: "h"}}
	nightly.Schedules = []profile.ScheduleEntry{{Cron: "30 2 * * *", Enabled: true}}
	reg := profile.NewRegistry()
	require.NoError(t, reg.ReplaceAll([]*profile.Profile{nightly}))

	applier := &fakeSubmitter{}
	e := newEngine(reg, &fakeEnvSource{}, applier, time.Minute, nil)

	at := time.Date(2024, 3, 4, 2, 30, 5, 0, time.Local)
	m := mgr.New("test")
	require.NoError(t, m.Do("schedules", func(w *mgr.WorkerCtx) error {
		// The target is active when the minute begins: nothing fires.
		e.evaluateSchedules(w, at, reg.List(), nightly.ID)
		require.Empty(t, applier.profiles)

		// Deactivated later within the same minute: the entry still fires,
		// and only once.
		e.evaluateSchedules(w, at.Add(30*time.Second), reg.List(), "")
		e.evaluateSchedules(w, at.Add(50*time.Second), reg.List(), "")
		return nil
	}))
	assert.Equal(t, []string{nightly.ID}, applier.profiles)
}

func TestTriggerEvaluationCoalesces(t *testing.T) {
	e := newEngine(profile.NewRegistry(), &fakeEnvSource{}, &fakeSubmitter{}, time.Minute, nil)

	// A second trigger with one already pending must not block.
	e.TriggerEvaluation()
	e.TriggerEvaluation()
	assert.Len(t, e.kick, 1)
}
