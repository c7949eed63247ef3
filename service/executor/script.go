package executor

import (
	"context"
	"fmt"

	"github.com/google/shlex"

	"github.com/netprofiles/netprofd/service/profile"
)

func (e *Executor) runScript(ctx context.Context, spec *profile.ScriptSpec) error {
	argv, err := shlex.Split(spec.Command)
	if err != nil {
		return fmt.Errorf("failed to parse script command: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty script command")
	}

	argv, err = e.wrapSandbox(spec.Sandbox, argv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()

	_, err = e.sys.Run(ctx, argv, RunOpts{
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
	})
	return err
}

// wrapSandbox wraps argv with the configured isolation tool. A missing
// tool is an error, never a silent unsandboxed run.
func (e *Executor) wrapSandbox(sandbox string, argv []string) ([]string, error) {
	switch sandbox {
	case "":
		return argv, nil
	case "bubblewrap":
		path, err := e.sys.LookPath("bwrap")
		if err != nil {
			return nil, fmt.Errorf("sandbox bubblewrap requested but bwrap is not installed")
		}
		wrapped := []string{
			path,
			"--ro-bind", "/usr", "/usr",
			"--ro-bind", "/etc", "/etc",
			"--symlink", "usr/bin", "/bin",
			"--symlink", "usr/lib", "/lib",
			"--symlink", "usr/lib64", "/lib64",
			"--proc", "/proc",
			"--dev", "/dev",
			"--tmpfs", "/tmp",
			"--unshare-all",
			"--share-net",
			"--die-with-parent",
		}
		return append(wrapped, argv...), nil
	case "firejail":
		path, err := e.sys.LookPath("firejail")
		if err != nil {
			return nil, fmt.Errorf("sandbox firejail requested but firejail is not installed")
		}
		wrapped := []string{path, "--quiet", "--private-tmp", "--"}
		return append(wrapped, argv...), nil
	default:
		return nil, fmt.Errorf("unknown sandbox %q", sandbox)
	}
}

func (e *Executor) launchProgram(spec *profile.ProgramSpec) error {
	argv, err := shlex.Split(spec.Command)
	if err != nil {
		return fmt.Errorf("failed to parse program command: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty program command")
	}

	pid, err := e.sys.Start(argv, RunOpts{
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
	})
	if err != nil {
		return err
	}
	if !spec.Detach {
		e.trackPid(pid)
	}
	e.log.Debug("launched program", "argv0", argv[0], "pid", pid, "detach", spec.Detach)
	return nil
}
