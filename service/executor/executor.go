package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	processInfo "github.com/shirou/gopsutil/process"

	"github.com/netprofiles/netprofd/service/profile"
)

// Managed file locations. Overridable for tests.
const (
	DefaultHostsPath     = "/etc/hosts"
	DefaultEnvFilePath   = "/etc/profile.d/netprofd-env.sh"
	DefaultProxyFilePath = "/etc/profile.d/netprofd-proxy.sh"
)

// Executor applies and reverts single actions against the host.
// It holds no profile state; ordering and rollback policy live in the
// applier.
type Executor struct {
	sys System
	log *slog.Logger

	hostsPath string
	envPath   string
	proxyPath string

	// pids of launched programs without the detach flag, terminated on
	// shutdown.
	pidsLock sync.Mutex
	pids     []int32
}

// New returns an executor running against the given system.
func New(sys System, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		sys:       sys,
		log:       log,
		hostsPath: DefaultHostsPath,
		envPath:   DefaultEnvFilePath,
		proxyPath: DefaultProxyFilePath,
	}
}

// CaptureUndo reads host state and returns the action that restores it.
// It returns nil for non-revertible kinds. Capture happens before the
// action is applied; a capture failure aborts the action.
func (e *Executor) CaptureUndo(ctx context.Context, a *profile.Action) (*profile.Action, error) {
	if !a.Revertible() {
		return nil, nil
	}

	switch a.Kind {
	case profile.ActionSetIPv4:
		return e.captureIPConfig(ctx, a, "ipv4")
	case profile.ActionSetIPv6:
		return e.captureIPConfig(ctx, a, "ipv6")
	case profile.ActionSetRoute:
		return e.captureRoutes(ctx, a)
	case profile.ActionSetDNS:
		return e.captureDNS(ctx, a)
	case profile.ActionSetMTU:
		return e.captureMTU(a)
	case profile.ActionSetMAC:
		return e.captureMAC(a)
	case profile.ActionSetHostname:
		return e.captureHostname(ctx)
	case profile.ActionSetHostsEntry:
		return e.captureFile(profile.ActionSetHostsEntry, e.hostsPath)
	case profile.ActionSetProxy:
		return e.captureFile(profile.ActionSetProxy, e.proxyPath)
	case profile.ActionSetEnvVar:
		return e.captureFile(profile.ActionSetEnvVar, e.envPath)
	case profile.ActionSetFirewallZone:
		return e.captureFirewallZones(ctx, a)
	case profile.ActionSetDefaultPrinter:
		return e.captureDefaultPrinter(ctx)
	case profile.ActionSetTimezone:
		return e.captureTimezone(ctx)
	default:
		return nil, fmt.Errorf("no undo capture for action kind %q", a.Kind)
	}
}

// Apply executes one action. Reverts are applies of the captured undo
// action, so this is the single mutation entry point.
func (e *Executor) Apply(ctx context.Context, a *profile.Action) error {
	started := time.Now()
	err := e.apply(ctx, a)
	if err != nil {
		e.log.Warn("action failed",
			"action", a.Name(),
			"duration", time.Since(started),
			"err", err,
		)
		return &profile.ActionFailedError{Kind: a.Kind, Cause: err}
	}
	e.log.Debug("action applied",
		"action", a.Name(),
		"duration", time.Since(started),
	)
	return nil
}

func (e *Executor) apply(ctx context.Context, a *profile.Action) error {
	switch a.Kind {
	case profile.ActionSetIPv4:
		return e.applyIPConfig(ctx, a, "ipv4")
	case profile.ActionSetIPv6:
		return e.applyIPConfig(ctx, a, "ipv6")
	case profile.ActionSetRoute:
		return e.applyRoutes(ctx, a)
	case profile.ActionSetDNS:
		return e.applyDNS(ctx, a)
	case profile.ActionSetMTU:
		return e.run(ctx, "ip", "link", "set", "dev", a.Interface, "mtu", strconv.Itoa(a.MTU))
	case profile.ActionSetMAC:
		return e.applyMAC(ctx, a)
	case profile.ActionWifiConnect:
		return e.applyWifiConnect(ctx, a)
	case profile.ActionVPNConnect:
		return e.run(ctx, "nmcli", "connection", "up", "id", a.Connection)
	case profile.ActionVPNDisconnect:
		return e.applyVPNDisconnect(ctx, a)
	case profile.ActionSetHostname:
		return e.applyHostname(ctx, a)
	case profile.ActionSetHostsEntry:
		return e.applyHostsEntries(a)
	case profile.ActionSetProxy:
		return e.applyProxy(a)
	case profile.ActionSetFirewallZone:
		return e.applyFirewallZones(ctx, a)
	case profile.ActionSetDefaultPrinter:
		return e.applyDefaultPrinter(ctx, a)
	case profile.ActionSetTimezone:
		return e.run(ctx, "timedatectl", "set-timezone", a.Timezone)
	case profile.ActionSetEnvVar:
		return e.applyEnvVars(a)
	case profile.ActionRunScript:
		return e.runScript(ctx, a.Script)
	case profile.ActionLaunchProgram:
		return e.launchProgram(a.Program)
	case profile.ActionNotify:
		return e.sys.Notify(a.Notification.Title, a.Notification.Body, a.Notification.Icon)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

func (e *Executor) run(ctx context.Context, argv ...string) error {
	_, err := e.sys.Run(ctx, argv, RunOpts{})
	return err
}

// network actions

func (e *Executor) applyIPConfig(ctx context.Context, a *profile.Action, family string) error {
	argv := []string{"nmcli", "device", "modify", a.Interface, family + ".method", a.Method}
	if len(a.Addresses) > 0 {
		addrs := make([]string, 0, len(a.Addresses))
		for _, addr := range a.Addresses {
			addrs = append(addrs, fmt.Sprintf("%s/%d", addr.Address, addr.Prefix))
		}
		argv = append(argv, family+".addresses", strings.Join(addrs, ","))
	}
	if a.Gateway != "" {
		argv = append(argv, family+".gateway", a.Gateway)
	}
	return e.run(ctx, argv...)
}

func (e *Executor) applyRoutes(ctx context.Context, a *profile.Action) error {
	// The route list replaces the previous managed set, so the captured
	// undo restores it wholesale.
	routes := make([]string, 0, len(a.Routes))
	for _, r := range a.Routes {
		route := fmt.Sprintf("%s/%d %s", r.Destination, r.Prefix, r.Gateway)
		if r.Metric > 0 {
			route += " " + strconv.Itoa(r.Metric)
		}
		routes = append(routes, route)
	}
	return e.run(ctx, "nmcli", "device", "modify", a.Interface,
		"ipv4.routes", strings.Join(routes, ","))
}

func (e *Executor) applyDNS(ctx context.Context, a *profile.Action) error {
	argv := []string{"nmcli", "device", "modify", a.Interface,
		"ipv4.ignore-auto-dns", "yes",
		"ipv4.dns", strings.Join(a.Servers, " "),
	}
	if len(a.SearchDomains) > 0 {
		argv = append(argv, "ipv4.dns-search", strings.Join(a.SearchDomains, " "))
	}
	if len(a.Servers) == 0 {
		// Restoring an empty set hands DNS back to the connection.
		argv = []string{"nmcli", "device", "modify", a.Interface,
			"ipv4.ignore-auto-dns", "no", "ipv4.dns", ""}
	}
	return e.run(ctx, argv...)
}

func (e *Executor) applyMAC(ctx context.Context, a *profile.Action) error {
	// Changing the address requires the link to be down.
	if err := e.run(ctx, "ip", "link", "set", "dev", a.Interface, "down"); err != nil {
		return err
	}
	if err := e.run(ctx, "ip", "link", "set", "dev", a.Interface, "address", a.MAC); err != nil {
		// Bring the link back regardless.
		_ = e.run(ctx, "ip", "link", "set", "dev", a.Interface, "up")
		return err
	}
	return e.run(ctx, "ip", "link", "set", "dev", a.Interface, "up")
}

func (e *Executor) applyWifiConnect(ctx context.Context, a *profile.Action) error {
	argv := []string{"nmcli", "device", "wifi", "connect", a.SSID}
	if a.Interface != "" {
		argv = append(argv, "ifname", a.Interface)
	}
	return e.run(ctx, argv...)
}

func (e *Executor) applyVPNDisconnect(ctx context.Context, a *profile.Action) error {
	err := e.run(ctx, "nmcli", "connection", "down", "id", a.Connection)
	if exitErr, ok := asExitError(err); ok && exitErr.Code == 10 {
		// nmcli exit 10: connection not active. Already disconnected.
		return nil
	}
	return err
}

// system actions

func (e *Executor) applyHostname(ctx context.Context, a *profile.Action) error {
	if err := e.run(ctx, "hostnamectl", "set-hostname", a.Hostname); err != nil {
		return err
	}
	if a.PrettyHostname != "" {
		return e.run(ctx, "hostnamectl", "set-hostname", "--pretty", a.PrettyHostname)
	}
	return nil
}

func (e *Executor) applyFirewallZones(ctx context.Context, a *profile.Action) error {
	if a.DefaultZone != "" {
		if err := e.run(ctx, "firewall-cmd", "--set-default-zone="+a.DefaultZone); err != nil {
			return err
		}
	}
	for iface, zone := range a.InterfaceZones {
		err := e.run(ctx, "firewall-cmd", "--zone="+zone, "--change-interface="+iface)
		if err != nil {
			return err
		}
	}
	return nil
}

// undo capture

func (e *Executor) captureIPConfig(ctx context.Context, a *profile.Action, family string) (*profile.Action, error) {
	out, err := e.sys.Run(ctx, []string{
		"nmcli", "--terse", "--get-values",
		fmt.Sprintf("%s.method,%s.addresses,%s.gateway", family, family, family),
		"device", "show", a.Interface,
	}, RunOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to capture %s config of %s: %w", family, a.Interface, err)
	}

	lines := splitLines(out, 3)
	undo := &profile.Action{Kind: a.Kind, Interface: a.Interface, Method: lines[0]}
	if undo.Method == "" {
		undo.Method = "auto"
	}
	for _, addr := range splitList(lines[1]) {
		ip, prefix, ok := strings.Cut(addr, "/")
		if !ok {
			continue
		}
		p, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		undo.Addresses = append(undo.Addresses, profile.Address{Address: ip, Prefix: p})
	}
	undo.Gateway = lines[2]
	return undo, nil
}

func (e *Executor) captureRoutes(ctx context.Context, a *profile.Action) (*profile.Action, error) {
	out, err := e.sys.Run(ctx, []string{
		"nmcli", "--terse", "--get-values", "ipv4.routes",
		"device", "show", a.Interface,
	}, RunOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to capture routes of %s: %w", a.Interface, err)
	}

	undo := &profile.Action{Kind: profile.ActionSetRoute, Interface: a.Interface}
	for _, routeStr := range splitList(strings.TrimSpace(out)) {
		fields := strings.Fields(routeStr)
		if len(fields) < 2 {
			continue
		}
		dst, prefix, ok := strings.Cut(fields[0], "/")
		if !ok {
			continue
		}
		p, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		route := profile.Route{Destination: dst, Prefix: p, Gateway: fields[1]}
		if len(fields) > 2 {
			route.Metric, _ = strconv.Atoi(fields[2])
		}
		undo.Routes = append(undo.Routes, route)
	}
	return undo, nil
}

func (e *Executor) captureDNS(ctx context.Context, a *profile.Action) (*profile.Action, error) {
	out, err := e.sys.Run(ctx, []string{
		"nmcli", "--terse", "--get-values", "ipv4.dns,ipv4.dns-search",
		"device", "show", a.Interface,
	}, RunOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to capture dns config of %s: %w", a.Interface, err)
	}

	lines := splitLines(out, 2)
	return &profile.Action{
		Kind:          profile.ActionSetDNS,
		Interface:     a.Interface,
		Servers:       splitList(lines[0]),
		SearchDomains: splitList(lines[1]),
	}, nil
}

func (e *Executor) captureMTU(a *profile.Action) (*profile.Action, error) {
	content, err := e.sys.ReadFile("/sys/class/net/" + a.Interface + "/mtu")
	if err != nil {
		return nil, fmt.Errorf("failed to capture mtu of %s: %w", a.Interface, err)
	}
	mtu, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil {
		return nil, fmt.Errorf("unexpected mtu value %q on %s", content, a.Interface)
	}
	return &profile.Action{Kind: profile.ActionSetMTU, Interface: a.Interface, MTU: mtu}, nil
}

func (e *Executor) captureMAC(a *profile.Action) (*profile.Action, error) {
	content, err := e.sys.ReadFile("/sys/class/net/" + a.Interface + "/address")
	if err != nil {
		return nil, fmt.Errorf("failed to capture mac of %s: %w", a.Interface, err)
	}
	return &profile.Action{
		Kind:      profile.ActionSetMAC,
		Interface: a.Interface,
		MAC:       strings.TrimSpace(content),
	}, nil
}

func (e *Executor) captureHostname(ctx context.Context) (*profile.Action, error) {
	out, err := e.sys.Run(ctx, []string{"hostnamectl", "--static"}, RunOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to capture hostname: %w", err)
	}
	return &profile.Action{
		Kind:     profile.ActionSetHostname,
		Hostname: strings.TrimSpace(out),
	}, nil
}

func (e *Executor) captureFile(kind profile.ActionKind, path string) (*profile.Action, error) {
	content, err := e.sys.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			// Restoring to a missing file means removing our managed content.
			content = ""
		} else {
			return nil, fmt.Errorf("failed to capture %s: %w", path, err)
		}
	}
	return &profile.Action{Kind: kind, Restore: &content}, nil
}

func (e *Executor) captureFirewallZones(ctx context.Context, a *profile.Action) (*profile.Action, error) {
	undo := &profile.Action{Kind: profile.ActionSetFirewallZone}

	if a.DefaultZone != "" {
		out, err := e.sys.Run(ctx, []string{"firewall-cmd", "--get-default-zone"}, RunOpts{})
		if err != nil {
			return nil, fmt.Errorf("failed to capture default zone: %w", err)
		}
		undo.DefaultZone = strings.TrimSpace(out)
	}

	if len(a.InterfaceZones) > 0 {
		undo.InterfaceZones = make(map[string]string, len(a.InterfaceZones))
		for iface := range a.InterfaceZones {
			out, err := e.sys.Run(ctx, []string{
				"firewall-cmd", "--get-zone-of-interface=" + iface,
			}, RunOpts{})
			if err != nil {
				return nil, fmt.Errorf("failed to capture zone of %s: %w", iface, err)
			}
			undo.InterfaceZones[iface] = strings.TrimSpace(out)
		}
	}
	return undo, nil
}

func (e *Executor) captureDefaultPrinter(ctx context.Context) (*profile.Action, error) {
	out, err := e.sys.Run(ctx, []string{"lpstat", "-d"}, RunOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to capture default printer: %w", err)
	}
	// "system default destination: office-laser", or
	// "no system default destination" when none is set.
	_, printer, ok := strings.Cut(strings.TrimSpace(out), ": ")
	if !ok {
		// Undo restores the unset state.
		return &profile.Action{Kind: profile.ActionSetDefaultPrinter}, nil
	}
	return &profile.Action{Kind: profile.ActionSetDefaultPrinter, Printer: printer}, nil
}

// applyDefaultPrinter sets the CUPS default destination. An empty printer
// name means no default, which is what the undo of a host without one
// carries.
func (e *Executor) applyDefaultPrinter(ctx context.Context, a *profile.Action) error {
	if a.Printer == "" {
		return nil
	}
	return e.run(ctx, "lpadmin", "-d", a.Printer)
}

func (e *Executor) captureTimezone(ctx context.Context) (*profile.Action, error) {
	out, err := e.sys.Run(ctx, []string{
		"timedatectl", "show", "--property=Timezone", "--value",
	}, RunOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to capture timezone: %w", err)
	}
	return &profile.Action{
		Kind:     profile.ActionSetTimezone,
		Timezone: strings.TrimSpace(out),
	}, nil
}

// Shutdown terminates outstanding launched programs, giving each a short
// grace period before killing.
func (e *Executor) Shutdown(ctx context.Context) {
	e.pidsLock.Lock()
	pids := e.pids
	e.pids = nil
	e.pidsLock.Unlock()

	for _, pid := range pids {
		proc, err := processInfo.NewProcess(pid)
		if err != nil {
			continue // already gone
		}
		if err := proc.TerminateWithContext(ctx); err != nil {
			continue
		}
		deadline := time.After(3 * time.Second)
		for {
			running, err := proc.IsRunningWithContext(ctx)
			if err != nil || !running {
				break
			}
			select {
			case <-deadline:
				_ = proc.KillWithContext(ctx)
			case <-time.After(100 * time.Millisecond):
				continue
			}
			break
		}
		e.log.Debug("terminated launched program", "pid", pid)
	}
}

func (e *Executor) trackPid(pid int) {
	e.pidsLock.Lock()
	defer e.pidsLock.Unlock()
	e.pids = append(e.pids, int32(pid))
}

// helpers

func splitLines(out string, want int) []string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for len(lines) < want {
		lines = append(lines, "")
	}
	return lines
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func asExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
