package profile

import (
	"fmt"
	"net"
	"time"
)

// ActionKind identifies one kind of system mutation.
// The set is closed: every executor site must handle all kinds exhaustively.
type ActionKind string

// Action kinds.
const (
	ActionSetIPv4           ActionKind = "set_ipv4"
	ActionSetIPv6           ActionKind = "set_ipv6"
	ActionSetRoute          ActionKind = "set_route"
	ActionSetDNS            ActionKind = "set_dns"
	ActionSetMTU            ActionKind = "set_mtu"
	ActionSetMAC            ActionKind = "set_mac"
	ActionWifiConnect       ActionKind = "wifi_connect"
	ActionVPNConnect        ActionKind = "vpn_connect"
	ActionVPNDisconnect     ActionKind = "vpn_disconnect"
	ActionSetHostname       ActionKind = "set_hostname"
	ActionSetHostsEntry     ActionKind = "set_hosts_entry"
	ActionSetProxy          ActionKind = "set_proxy"
	ActionSetFirewallZone   ActionKind = "set_firewall_zone"
	ActionSetDefaultPrinter ActionKind = "set_default_printer"
	ActionSetTimezone       ActionKind = "set_timezone"
	ActionSetEnvVar         ActionKind = "set_env_var"
	ActionRunScript         ActionKind = "run_script"
	ActionLaunchProgram     ActionKind = "launch_program"
	ActionNotify            ActionKind = "notify"
)

// AllActionKinds lists every defined action kind.
var AllActionKinds = []ActionKind{
	ActionSetIPv4, ActionSetIPv6, ActionSetRoute, ActionSetDNS,
	ActionSetMTU, ActionSetMAC, ActionWifiConnect, ActionVPNConnect,
	ActionVPNDisconnect, ActionSetHostname, ActionSetHostsEntry,
	ActionSetProxy, ActionSetFirewallZone, ActionSetDefaultPrinter,
	ActionSetTimezone, ActionSetEnvVar, ActionRunScript,
	ActionLaunchProgram, ActionNotify,
}

// Address is an IP address with prefix length.
type Address struct {
	Address string `json:"address"`
	Prefix  int    `json:"prefix"`
}

// Route is a static route definition.
type Route struct {
	Destination string `json:"destination"`
	Prefix      int    `json:"prefix"`
	Gateway     string `json:"gateway"`
	Metric      int    `json:"metric,omitempty"`
}

// HostsEntry is one managed /etc/hosts entry.
type HostsEntry struct {
	IP        string   `json:"ip"`
	Hostnames []string `json:"hostnames"`
	Comment   string   `json:"comment,omitempty"`
}

// Proxy modes.
const (
	ProxyModeNone   = "none"
	ProxyModeManual = "manual"
	ProxyModeAuto   = "auto"
)

// ProxyConfig is a system proxy configuration.
type ProxyConfig struct {
	Mode    string   `json:"mode"`
	HTTP    string   `json:"http,omitempty"`
	HTTPS   string   `json:"https,omitempty"`
	FTP     string   `json:"ftp,omitempty"`
	SOCKS   string   `json:"socks,omitempty"`
	NoProxy []string `json:"no_proxy,omitempty"`
	PACURL  string   `json:"pac_url,omitempty"`
}

// ScriptSpec describes a script execution.
type ScriptSpec struct {
	// Command is the full command line; it is tokenized with shell rules.
	Command         string            `json:"command"`
	Env             map[string]string `json:"env,omitempty"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
	// Sandbox selects an isolation wrapper: "", "bubblewrap" or "firejail".
	// A configured wrapper that is not installed fails the action; there
	// is no silent fallback to unsandboxed execution.
	Sandbox string `json:"sandbox,omitempty"`
}

// Timeout returns the configured script timeout, or the 30s default.
func (s *ScriptSpec) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ProgramSpec describes a program launch.
type ProgramSpec struct {
	Command    string            `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	// Detach leaves the program running after launch instead of awaiting it.
	Detach bool `json:"detach,omitempty"`
}

// NotifySpec describes a desktop notification.
type NotifySpec struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// Action is one system-mutating operation within a profile.
// Exactly the parameter fields matching its Kind are set; all others stay
// at their zero value.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Network parameters.
	Interface     string    `json:"interface,omitempty"`
	Method        string    `json:"method,omitempty"` // auto|manual|link-local|disabled
	Addresses     []Address `json:"addresses,omitempty"`
	Gateway       string    `json:"gateway,omitempty"`
	Routes        []Route   `json:"routes,omitempty"`
	Servers       []string  `json:"servers,omitempty"`
	SearchDomains []string  `json:"search_domains,omitempty"`
	MTU           int       `json:"mtu,omitempty"`
	MAC           string    `json:"mac,omitempty"`
	SSID          string    `json:"ssid,omitempty"`
	Connection    string    `json:"connection,omitempty"`

	// System parameters.
	Hostname       string            `json:"hostname,omitempty"`
	PrettyHostname string            `json:"pretty_hostname,omitempty"`
	HostsEntries   []HostsEntry      `json:"hosts_entries,omitempty"`
	Proxy          *ProxyConfig      `json:"proxy,omitempty"`
	DefaultZone    string            `json:"default_zone,omitempty"`
	InterfaceZones map[string]string `json:"interface_zones,omitempty"`
	Printer        string            `json:"printer,omitempty"`
	Timezone       string            `json:"timezone,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`

	// Automation parameters.
	Script       *ScriptSpec  `json:"script,omitempty"`
	Program      *ProgramSpec `json:"program,omitempty"`
	Notification *NotifySpec  `json:"notification,omitempty"`

	// Restore holds previous managed-file content for undo actions of
	// file-backed kinds. Only ever set on actions produced by undo capture,
	// never on authored actions.
	Restore *string `json:"restore,omitempty"`
}

// Revertible reports whether the action kind participates in rollback.
// Fire-and-forget kinds and connection-switching kinds are excluded.
func (a *Action) Revertible() bool {
	switch a.Kind {
	case ActionWifiConnect, ActionVPNConnect, ActionVPNDisconnect,
		ActionRunScript, ActionLaunchProgram, ActionNotify:
		return false
	default:
		return true
	}
}

// ContinueOnError reports whether a failure of this action should not abort
// the remaining actions of the profile.
func (a *Action) ContinueOnError() bool {
	return a.Kind == ActionRunScript && a.Script != nil && a.Script.ContinueOnError
}

// Name returns a short human-readable name of the action.
func (a *Action) Name() string {
	switch a.Kind {
	case ActionSetIPv4:
		return "IPv4 Config"
	case ActionSetIPv6:
		return "IPv6 Config"
	case ActionSetRoute:
		return "Static Routes"
	case ActionSetDNS:
		return "DNS Servers"
	case ActionSetMTU:
		return "Set MTU"
	case ActionSetMAC:
		return "Set MAC Address"
	case ActionWifiConnect:
		return "Connect WiFi: " + a.SSID
	case ActionVPNConnect:
		return "Connect VPN: " + a.Connection
	case ActionVPNDisconnect:
		return "Disconnect VPN: " + a.Connection
	case ActionSetHostname:
		return "Set Hostname"
	case ActionSetHostsEntry:
		return "Hosts Entries"
	case ActionSetProxy:
		return "Proxy Config"
	case ActionSetFirewallZone:
		return "Firewall Zone"
	case ActionSetDefaultPrinter:
		return "Default Printer"
	case ActionSetTimezone:
		return "Set Timezone"
	case ActionSetEnvVar:
		return "Environment Variables"
	case ActionRunScript:
		return "Run Script"
	case ActionLaunchProgram:
		return "Launch Program"
	case ActionNotify:
		if a.Notification != nil {
			return "Notify: " + a.Notification.Title
		}
		return "Notify"
	default:
		return string(a.Kind)
	}
}

// String implements fmt.Stringer.
func (a *Action) String() string {
	return a.Name()
}

// Validate checks that the action kind is known and its required parameters
// are present and well-formed.
func (a *Action) Validate() error {
	switch a.Kind {
	case ActionSetIPv4, ActionSetIPv6:
		if a.Method == "" {
			return fmt.Errorf("%s: method is required", a.Kind)
		}
		for _, addr := range a.Addresses {
			if net.ParseIP(addr.Address) == nil {
				return fmt.Errorf("%s: invalid address %q", a.Kind, addr.Address)
			}
		}
		if a.Gateway != "" && net.ParseIP(a.Gateway) == nil {
			return fmt.Errorf("%s: invalid gateway %q", a.Kind, a.Gateway)
		}
	case ActionSetRoute:
		if len(a.Routes) == 0 {
			return fmt.Errorf("%s: at least one route is required", a.Kind)
		}
		for _, r := range a.Routes {
			if net.ParseIP(r.Gateway) == nil {
				return fmt.Errorf("%s: invalid route gateway %q", a.Kind, r.Gateway)
			}
		}
	case ActionSetDNS:
		for _, s := range a.Servers {
			if net.ParseIP(s) == nil {
				return fmt.Errorf("%s: invalid server %q", a.Kind, s)
			}
		}
	case ActionSetMTU:
		if a.MTU <= 0 || a.Interface == "" {
			return fmt.Errorf("%s: interface and positive mtu are required", a.Kind)
		}
	case ActionSetMAC:
		if a.Interface == "" {
			return fmt.Errorf("%s: interface is required", a.Kind)
		}
		if _, err := net.ParseMAC(a.MAC); err != nil {
			return fmt.Errorf("%s: invalid mac %q", a.Kind, a.MAC)
		}
	case ActionWifiConnect:
		if a.SSID == "" {
			return fmt.Errorf("%s: ssid is required", a.Kind)
		}
	case ActionVPNConnect, ActionVPNDisconnect:
		if a.Connection == "" {
			return fmt.Errorf("%s: connection name is required", a.Kind)
		}
	case ActionSetHostname:
		if a.Hostname == "" {
			return fmt.Errorf("%s: hostname is required", a.Kind)
		}
	case ActionSetHostsEntry:
		for _, e := range a.HostsEntries {
			if net.ParseIP(e.IP) == nil {
				return fmt.Errorf("%s: invalid ip %q", a.Kind, e.IP)
			}
			if len(e.Hostnames) == 0 {
				return fmt.Errorf("%s: entry without hostnames", a.Kind)
			}
		}
	case ActionSetProxy:
		if a.Proxy == nil {
			return fmt.Errorf("%s: proxy config is required", a.Kind)
		}
	case ActionSetFirewallZone:
		if a.DefaultZone == "" && len(a.InterfaceZones) == 0 {
			return fmt.Errorf("%s: zone configuration is required", a.Kind)
		}
	case ActionSetDefaultPrinter:
		if a.Printer == "" {
			return fmt.Errorf("%s: printer name is required", a.Kind)
		}
	case ActionSetTimezone:
		if a.Timezone == "" {
			return fmt.Errorf("%s: timezone is required", a.Kind)
		}
	case ActionSetEnvVar:
		if len(a.Vars) == 0 && a.Restore == nil {
			return fmt.Errorf("%s: at least one variable is required", a.Kind)
		}
	case ActionRunScript:
		if a.Script == nil || a.Script.Command == "" {
			return fmt.Errorf("%s: script command is required", a.Kind)
		}
		switch a.Script.Sandbox {
		case "", "bubblewrap", "firejail":
		default:
			return fmt.Errorf("%s: unknown sandbox %q", a.Kind, a.Script.Sandbox)
		}
	case ActionLaunchProgram:
		if a.Program == nil || a.Program.Command == "" {
			return fmt.Errorf("%s: program command is required", a.Kind)
		}
	case ActionNotify:
		if a.Notification == nil || a.Notification.Title == "" {
			return fmt.Errorf("%s: notification title is required", a.Kind)
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}
