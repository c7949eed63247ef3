package watchdog

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprofiles/netprofd/service/access"
	"github.com/netprofiles/netprofd/service/executor"
	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/netenv"
	"github.com/netprofiles/netprofd/service/profile"
	"github.com/netprofiles/netprofd/service/switcher"
)

type fakeEnvSource struct {
	reachable bool
}

func (f *fakeEnvSource) SSID() (string, error) { return "", nil }

func (f *fakeEnvSource) Connectivity() (netenv.Connectivity, error) {
	return netenv.ConnectivityFull, nil
}

func (f *fakeEnvSource) Gateways() ([]net.IP, error) { return nil, nil }

func (f *fakeEnvSource) HardwareAddr(net.IP) (net.HardwareAddr, error) {
	return nil, errors.New("no arp entry")
}

func (f *fakeEnvSource) InterfaceState(string) (netenv.IfaceState, error) {
	return netenv.IfaceState{}, nil
}

func (f *fakeEnvSource) Reachable(_ context.Context, _ string, _ time.Duration) bool {
	return f.reachable
}

func (f *fakeEnvSource) Changes(_ context.Context) (<-chan struct{}, error) {
	return make(chan struct{}), nil
}

func (f *fakeEnvSource) Snapshot() *netenv.Snapshot {
	return netenv.NewSnapshot(f)
}

type fakeSubmitter struct {
	active    string
	profiles  []string
	submitted []access.Caller
	submitErr error
}

func (f *fakeSubmitter) Submit(profileID string, caller access.Caller) (*switcher.Request, error) {
	f.profiles = append(f.profiles, profileID)
	f.submitted = append(f.submitted, caller)
	return nil, f.submitErr
}

func (f *fakeSubmitter) ActiveProfile() string { return f.active }

type fakeSys struct {
	runs     [][]string
	runErr   map[string]error
	notified []string
}

func (f *fakeSys) Run(_ context.Context, argv []string, _ executor.RunOpts) (string, error) {
	f.runs = append(f.runs, argv)
	if err := f.runErr[strings.Join(argv, " ")]; err != nil {
		return "", err
	}
	return "", nil
}

func (f *fakeSys) Notify(title, _, _ string) error {
	f.notified = append(f.notified, title)
	return nil
}

func newTestWatchdog(cfg Config, env *fakeEnvSource, applier *fakeSubmitter, sys *fakeSys) *Watchdog {
	m := mgr.New("test")
	return &Watchdog{
		m:              m,
		states:         mgr.NewStateMgr(m),
		cfg:            cfg,
		env:            env,
		applier:        applier,
		sys:            sys,
		reconnectPause: time.Millisecond,
	}
}

func runCheck(t *testing.T, wd *Watchdog) {
	t.Helper()
	require.NoError(t, mgr.New("test").Do("check", wd.check))
}

func lostStates(wd *Watchdog) []mgr.State {
	var lost []mgr.State
	for _, s := range wd.states.Export().States {
		if s.ID == stateConnectivityLost {
			lost = append(lost, s)
		}
	}
	return lost
}

func TestBelowThresholdOnlyCounts(t *testing.T) {
	sys := &fakeSys{}
	wd := newTestWatchdog(Config{Enabled: true}, &fakeEnvSource{}, &fakeSubmitter{}, sys)

	runCheck(t, wd)
	runCheck(t, wd)

	assert.Equal(t, 2, wd.Failures())
	assert.Empty(t, sys.notified)
	assert.Empty(t, lostStates(wd))
}

func TestThresholdNotifiesAndResetsCounter(t *testing.T) {
	sys := &fakeSys{}
	wd := newTestWatchdog(Config{Enabled: true}, &fakeEnvSource{}, &fakeSubmitter{}, sys)

	for i := 0; i < DefaultFailureThreshold; i++ {
		runCheck(t, wd)
	}

	assert.Equal(t, []string{"Connectivity lost"}, sys.notified)
	assert.Equal(t, 0, wd.Failures(), "the action consumes the counter")

	states := lostStates(wd)
	require.Len(t, states, 1)
	assert.Equal(t, mgr.StateTypeWarning, states[0].Type)
}

func TestRecoveryClearsCounterAndState(t *testing.T) {
	env := &fakeEnvSource{}
	sys := &fakeSys{}
	wd := newTestWatchdog(Config{Enabled: true}, env, &fakeSubmitter{}, sys)

	for i := 0; i < DefaultFailureThreshold; i++ {
		runCheck(t, wd)
	}
	require.NotEmpty(t, lostStates(wd))

	env.reachable = true
	runCheck(t, wd)

	assert.Equal(t, 0, wd.Failures())
	assert.Empty(t, lostStates(wd))
}

func TestSwitchProfileFallback(t *testing.T) {
	applier := &fakeSubmitter{}
	wd := newTestWatchdog(Config{
		Enabled:          true,
		FailureThreshold: 1,
		FailureAction:    ActionSwitchProfile,
		FallbackProfile:  "fallback-id",
	}, &fakeEnvSource{}, applier, &fakeSys{})

	runCheck(t, wd)
	require.Equal(t, []string{"fallback-id"}, applier.profiles)
	assert.Equal(t, profile.ProvenanceWatchdog, applier.submitted[0].Provenance)

	// Already active: no resubmission.
	applier.active = "fallback-id"
	runCheck(t, wd)
	assert.Len(t, applier.profiles, 1)
}

func TestSwitchProfileBusyApplierIsNotAnError(t *testing.T) {
	applier := &fakeSubmitter{submitErr: profile.ErrBusy}
	wd := newTestWatchdog(Config{
		Enabled:          true,
		FailureThreshold: 1,
		FailureAction:    ActionSwitchProfile,
		FallbackProfile:  "fallback-id",
	}, &fakeEnvSource{}, applier, &fakeSys{})

	runCheck(t, wd)
	assert.Len(t, applier.profiles, 1)
}

func TestReconnectBouncesNetworking(t *testing.T) {
	sys := &fakeSys{}
	wd := newTestWatchdog(Config{
		Enabled:          true,
		FailureThreshold: 1,
		FailureAction:    ActionReconnect,
	}, &fakeEnvSource{}, &fakeSubmitter{}, sys)

	runCheck(t, wd)
	require.Len(t, sys.runs, 2)
	assert.Equal(t, []string{"nmcli", "networking", "off"}, sys.runs[0])
	assert.Equal(t, []string{"nmcli", "networking", "on"}, sys.runs[1])
}

func TestRestartNetworkManager(t *testing.T) {
	sys := &fakeSys{}
	wd := newTestWatchdog(Config{
		Enabled:          true,
		FailureThreshold: 1,
		FailureAction:    ActionRestartNetwork,
	}, &fakeEnvSource{}, &fakeSubmitter{}, sys)

	runCheck(t, wd)
	require.Len(t, sys.runs, 1)
	assert.Equal(t, []string{"systemctl", "restart", "NetworkManager"}, sys.runs[0])
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	assert.Equal(t, DefaultCheckInterval, cfg.Interval())
	assert.Equal(t, DefaultPingTarget, cfg.Target())
	assert.Equal(t, DefaultFailureThreshold, cfg.Threshold())
	assert.Equal(t, ActionNotify, cfg.Action())
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	bad := Config{FailureAction: "panic"}
	assert.Error(t, bad.Validate())

	missingFallback := Config{FailureAction: ActionSwitchProfile}
	assert.Error(t, missingFallback.Validate())

	ok := Config{FailureAction: ActionSwitchProfile, FallbackProfile: "x"}
	assert.NoError(t, ok.Validate())
}
