package executor

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprofiles/netprofd/service/profile"
)

type fakeSystem struct {
	runs     [][]string
	outputs  map[string]string
	failWith map[string]error
	files    map[string]string
	binaries map[string]string
	started  [][]string
	notified []string
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		outputs:  make(map[string]string),
		failWith: make(map[string]error),
		files:    make(map[string]string),
		binaries: make(map[string]string),
	}
}

func (f *fakeSystem) Run(_ context.Context, argv []string, _ RunOpts) (string, error) {
	f.runs = append(f.runs, argv)
	key := strings.Join(argv, " ")
	for prefix, err := range f.failWith {
		if strings.HasPrefix(key, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeSystem) Start(argv []string, _ RunOpts) (int, error) {
	f.started = append(f.started, argv)
	return 4242, nil
}

func (f *fakeSystem) LookPath(name string) (string, error) {
	if path, ok := f.binaries[name]; ok {
		return path, nil
	}
	return "", errors.New("executable file not found in $PATH")
}

func (f *fakeSystem) ReadFile(path string) (string, error) {
	if content, ok := f.files[path]; ok {
		return content, nil
	}
	return "", fs.ErrNotExist
}

func (f *fakeSystem) WriteFile(path string, content string, _ fs.FileMode) error {
	f.files[path] = content
	return nil
}

func (f *fakeSystem) Notify(title, _, _ string) error {
	f.notified = append(f.notified, title)
	return nil
}

func (f *fakeSystem) lastRun() []string {
	if len(f.runs) == 0 {
		return nil
	}
	return f.runs[len(f.runs)-1]
}

func TestApplyDNSInvocation(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	e := New(sys, nil)

	err := e.Apply(context.Background(), &profile.Action{
		Kind:          profile.ActionSetDNS,
		Interface:     "eth0",
		Servers:       []string{"10.0.0.53", "10.0.0.54"},
		SearchDomains: []string{"corp.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"nmcli", "device", "modify", "eth0",
		"ipv4.ignore-auto-dns", "yes",
		"ipv4.dns", "10.0.0.53 10.0.0.54",
		"ipv4.dns-search", "corp.example",
	}, sys.lastRun())
}

func TestApplyFailureWrapsActionError(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.failWith["nmcli"] = &ExitError{Argv: []string{"nmcli"}, Code: 4}
	e := New(sys, nil)

	err := e.Apply(context.Background(), &profile.Action{
		Kind: profile.ActionVPNConnect, Connection: "office-vpn",
	})
	var actionErr *profile.ActionFailedError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, profile.ActionVPNConnect, actionErr.Kind)
}

func TestVPNDisconnectAlreadyDownIsNoop(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.failWith["nmcli connection down"] = &ExitError{Argv: []string{"nmcli"}, Code: 10}
	e := New(sys, nil)

	err := e.Apply(context.Background(), &profile.Action{
		Kind: profile.ActionVPNDisconnect, Connection: "office-vpn",
	})
	assert.NoError(t, err)
}

func TestCaptureUndoHostname(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.outputs["hostnamectl --static"] = "old-name\n"
	e := New(sys, nil)

	undo, err := e.CaptureUndo(context.Background(), &profile.Action{
		Kind: profile.ActionSetHostname, Hostname: "new-name",
	})
	require.NoError(t, err)
	require.NotNil(t, undo)
	assert.Equal(t, profile.ActionSetHostname, undo.Kind)
	assert.Equal(t, "old-name", undo.Hostname)
}

func TestCaptureUndoNoDefaultPrinter(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.outputs["lpstat -d"] = "no system default destination\n"
	e := New(sys, nil)

	undo, err := e.CaptureUndo(context.Background(), &profile.Action{
		Kind: profile.ActionSetDefaultPrinter, Printer: "office-laser",
	})
	require.NoError(t, err)
	require.NotNil(t, undo)
	assert.Empty(t, undo.Printer)

	// Applying that undo leaves the host alone: only the lpstat capture ran.
	require.NoError(t, e.Apply(context.Background(), undo))
	require.Len(t, sys.runs, 1)
	assert.Equal(t, []string{"lpstat", "-d"}, sys.runs[0])
}

func TestCaptureUndoIPConfig(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.outputs["nmcli --terse --get-values ipv4.method,ipv4.addresses,ipv4.gateway"] =
		"manual\n192.168.1.5/24\n192.168.1.1\n"
	e := New(sys, nil)

	undo, err := e.CaptureUndo(context.Background(), &profile.Action{
		Kind: profile.ActionSetIPv4, Interface: "eth0", Method: "auto",
	})
	require.NoError(t, err)
	assert.Equal(t, "manual", undo.Method)
	require.Len(t, undo.Addresses, 1)
	assert.Equal(t, profile.Address{Address: "192.168.1.5", Prefix: 24}, undo.Addresses[0])
	assert.Equal(t, "192.168.1.1", undo.Gateway)
}

func TestCaptureUndoNotRevertible(t *testing.T) {
	t.Parallel()

	e := New(newFakeSystem(), nil)
	undo, err := e.CaptureUndo(context.Background(), &profile.Action{
		Kind: profile.ActionNotify,
		Notification: &profile.NotifySpec{Title: "hi"},
	})
	require.NoError(t, err)
	assert.Nil(t, undo)
}

func TestHostsManagedBlock(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.files[DefaultHostsPath] = "127.0.0.1\tlocalhost\n"
	e := New(sys, nil)

	action := &profile.Action{
		Kind: profile.ActionSetHostsEntry,
		HostsEntries: []profile.HostsEntry{
			{IP: "10.0.0.5", Hostnames: []string{"intranet", "wiki"}, Comment: "office"},
		},
	}

	undo, err := e.CaptureUndo(context.Background(), action)
	require.NoError(t, err)
	require.NotNil(t, undo.Restore)

	require.NoError(t, e.Apply(context.Background(), action))
	content := sys.files[DefaultHostsPath]
	assert.Contains(t, content, "127.0.0.1\tlocalhost")
	assert.Contains(t, content, hostsBlockBegin)
	assert.Contains(t, content, "10.0.0.5\tintranet wiki\t# office")
	assert.Contains(t, content, hostsBlockEnd)

	// Re-applying the same entries leaves the file untouched.
	before := sys.files[DefaultHostsPath]
	require.NoError(t, e.Apply(context.Background(), action))
	assert.Equal(t, before, sys.files[DefaultHostsPath])

	// Applying the undo restores the original file byte for byte.
	require.NoError(t, e.Apply(context.Background(), undo))
	assert.Equal(t, "127.0.0.1\tlocalhost\n", sys.files[DefaultHostsPath])
}

func TestHostsBlockReplacesPrevious(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.files[DefaultHostsPath] = "127.0.0.1 localhost\n" +
		hostsBlockBegin + "\n10.1.1.1\told-entry\n" + hostsBlockEnd + "\n"
	e := New(sys, nil)

	require.NoError(t, e.Apply(context.Background(), &profile.Action{
		Kind:         profile.ActionSetHostsEntry,
		HostsEntries: []profile.HostsEntry{{IP: "10.2.2.2", Hostnames: []string{"new-entry"}}},
	}))
	content := sys.files[DefaultHostsPath]
	assert.NotContains(t, content, "old-entry")
	assert.Contains(t, content, "10.2.2.2\tnew-entry")
	assert.Equal(t, 1, strings.Count(content, hostsBlockBegin))
}

func TestEnvVarFile(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	e := New(sys, nil)

	require.NoError(t, e.Apply(context.Background(), &profile.Action{
		Kind: profile.ActionSetEnvVar,
		Vars: map[string]string{"HTTP_PROXY": "http://proxy:3128", "APP_MODE": "office"},
	}))
	content := sys.files[DefaultEnvFilePath]
	// Deterministic ordering, sorted by name.
	appIdx := strings.Index(content, "APP_MODE")
	proxyIdx := strings.Index(content, "HTTP_PROXY")
	require.GreaterOrEqual(t, appIdx, 0)
	require.GreaterOrEqual(t, proxyIdx, 0)
	assert.Less(t, appIdx, proxyIdx)
	assert.Contains(t, content, `export HTTP_PROXY="http://proxy:3128"`)
}

func TestProxyFileManualMode(t *testing.T) {
	t.Parallel()

	content := renderProxyFile(&profile.ProxyConfig{
		Mode:    profile.ProxyModeManual,
		HTTP:    "http://proxy:3128",
		NoProxy: []string{"localhost", "10.0.0.0/8"},
	})
	assert.Contains(t, content, `export http_proxy="http://proxy:3128"`)
	assert.Contains(t, content, `export HTTP_PROXY="http://proxy:3128"`)
	assert.Contains(t, content, `export no_proxy="localhost,10.0.0.0/8"`)
	assert.NotContains(t, content, "ftp_proxy")
}

func TestScriptSandboxMissingToolFails(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	e := New(sys, nil)

	err := e.Apply(context.Background(), &profile.Action{
		Kind:   profile.ActionRunScript,
		Script: &profile.ScriptSpec{Command: "echo hi", Sandbox: "bubblewrap"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bwrap is not installed")
	assert.Empty(t, sys.runs, "script must not run unsandboxed")
}

func TestScriptSandboxWrapsArgv(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	sys.binaries["firejail"] = "/usr/bin/firejail"
	e := New(sys, nil)

	require.NoError(t, e.Apply(context.Background(), &profile.Action{
		Kind:   profile.ActionRunScript,
		Script: &profile.ScriptSpec{Command: "backup.sh --fast", Sandbox: "firejail"},
	}))
	require.Len(t, sys.runs, 1)
	assert.Equal(t, []string{
		"/usr/bin/firejail", "--quiet", "--private-tmp", "--", "backup.sh", "--fast",
	}, sys.runs[0])
}

func TestLaunchProgramTracksForeground(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	e := New(sys, nil)

	require.NoError(t, e.Apply(context.Background(), &profile.Action{
		Kind:    profile.ActionLaunchProgram,
		Program: &profile.ProgramSpec{Command: "slack --startup"},
	}))
	require.Len(t, sys.started, 1)
	assert.Equal(t, []string{"slack", "--startup"}, sys.started[0])
	assert.Equal(t, []int32{4242}, e.pids)

	// Detached launches are not tracked for shutdown cleanup.
	require.NoError(t, e.Apply(context.Background(), &profile.Action{
		Kind:    profile.ActionLaunchProgram,
		Program: &profile.ProgramSpec{Command: "browser", Detach: true},
	}))
	assert.Equal(t, []int32{4242}, e.pids)
}

func TestNotifyAction(t *testing.T) {
	t.Parallel()

	sys := newFakeSystem()
	e := New(sys, nil)

	require.NoError(t, e.Apply(context.Background(), &profile.Action{
		Kind:         profile.ActionNotify,
		Notification: &profile.NotifySpec{Title: "Office profile active"},
	}))
	assert.Equal(t, []string{"Office profile active"}, sys.notified)
}

func TestApplyUnknownKind(t *testing.T) {
	t.Parallel()

	e := New(newFakeSystem(), nil)
	err := e.Apply(context.Background(), &profile.Action{Kind: "teleport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action kind")
}
