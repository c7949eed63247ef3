package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"
)

// RunOpts adjust a command invocation.
type RunOpts struct {
	Env        map[string]string
	WorkingDir string
}

// System is the boundary to the host. Production uses the real host;
// tests substitute a fake and assert on the recorded invocations.
type System interface {
	// Run executes argv and returns its combined output. A non-zero exit
	// yields an *ExitError carrying code and output tail.
	Run(ctx context.Context, argv []string, opts RunOpts) (string, error)

	// Start launches argv detached from the daemon and returns its pid.
	Start(argv []string, opts RunOpts) (int, error)

	// LookPath resolves an executable name.
	LookPath(name string) (string, error)

	ReadFile(path string) (string, error)
	WriteFile(path string, content string, perm fs.FileMode) error

	// Notify shows a desktop notification, best effort.
	Notify(title, body, icon string) error
}

// ExitError is a command that ran and exited non-zero.
type ExitError struct {
	Argv   []string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	if out == "" {
		return fmt.Sprintf("%s exited with code %d", e.Argv[0], e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Argv[0], e.Code, out)
}

// hostSystem runs against the live host.
type hostSystem struct{}

// NewHostSystem returns the live host implementation.
func NewHostSystem() System {
	return &hostSystem{}
}

func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // inherit
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (hostSystem) Run(ctx context.Context, argv []string, opts RunOpts) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv(opts.Env)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return output.String(), nil
	}
	if ctx.Err() != nil {
		return output.String(), fmt.Errorf("%s: %w", argv[0], ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output.String(), &ExitError{
			Argv:   argv,
			Code:   exitErr.ExitCode(),
			Output: output.String(),
		}
	}
	return output.String(), fmt.Errorf("failed to run %s: %w", argv[0], err)
}

func (hostSystem) Start(argv []string, opts RunOpts) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv(opts.Env)
	// New session, so the program survives daemon restarts and never
	// holds our terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to launch %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	// Reap in the background to avoid zombies for non-detached children.
	go func() {
		_ = cmd.Wait()
	}()
	return pid, nil
}

func (hostSystem) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (hostSystem) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (hostSystem) WriteFile(path string, content string, perm fs.FileMode) error {
	// Write-then-rename, so readers never observe a partial file.
	tmp := path + ".netprofd-tmp"
	if err := os.WriteFile(tmp, []byte(content), perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (hostSystem) Notify(title, body, icon string) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	obj := conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	call := obj.Call(
		"org.freedesktop.Notifications.Notify", 0,
		"netprofd", uint32(0), icon, title, body,
		[]string{}, map[string]dbus.Variant{}, int32(-1),
	)
	return call.Err
}
