package netenv

import (
	"context"
	"net"
	"time"
)

// Connectivity mirrors the NetworkManager connectivity states.
type Connectivity uint8

// Connectivity states.
const (
	ConnectivityUnknown Connectivity = iota
	ConnectivityNone
	ConnectivityPortal
	ConnectivityLimited
	ConnectivityFull
)

// Online reports whether the state counts as network-available.
// Portal and limited states do: a rule switching to a captive-portal
// profile must be able to fire.
func (c Connectivity) Online() bool {
	return c >= ConnectivityPortal
}

func (c Connectivity) String() string {
	switch c {
	case ConnectivityNone:
		return "offline"
	case ConnectivityPortal:
		return "portal"
	case ConnectivityLimited:
		return "limited"
	case ConnectivityFull:
		return "online"
	default:
		return "unknown"
	}
}

// IfaceState is the observed state of one network interface.
type IfaceState struct {
	Exists  bool
	Up      bool
	Carrier bool
}

// Source reads the host network environment.
// The host implementation talks to NetworkManager and procfs; tests
// substitute a fake.
type Source interface {
	// SSID returns the SSID of the active wifi connection, or "" when
	// not connected via wifi.
	SSID() (string, error)

	// Connectivity returns the current connectivity state.
	Connectivity() (Connectivity, error)

	// Gateways returns the current default gateways (v4 and v6).
	Gateways() ([]net.IP, error)

	// HardwareAddr returns the MAC address of the given neighbor IP.
	HardwareAddr(ip net.IP) (net.HardwareAddr, error)

	// InterfaceState returns the state of the named interface.
	InterfaceState(name string) (IfaceState, error)

	// Reachable probes the given IP or hostname within the timeout.
	Reachable(ctx context.Context, target string, timeout time.Duration) bool

	// Changes delivers a signal per observed network change until ctx is
	// canceled.
	Changes(ctx context.Context) (<-chan struct{}, error)
}
