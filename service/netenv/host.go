package netenv

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// cmdline tool for exploring:
// gdbus introspect --system --dest org.freedesktop.NetworkManager --object-path /org/freedesktop/NetworkManager
const (
	nmDest = "org.freedesktop.NetworkManager"
	nmPath = dbus.ObjectPath("/org/freedesktop/NetworkManager")
)

// hostSource reads the live host environment via NetworkManager and procfs.
type hostSource struct {
	dbusLock sync.Mutex
	dbusConn *dbus.Conn
}

func newHostSource() *hostSource {
	return &hostSource{}
}

func (h *hostSource) bus() (*dbus.Conn, error) {
	h.dbusLock.Lock()
	defer h.dbusLock.Unlock()

	if h.dbusConn != nil {
		return h.dbusConn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	h.dbusConn = conn
	return conn, nil
}

func nmProperty(conn *dbus.Conn, objectPath dbus.ObjectPath, property string) (dbus.Variant, error) {
	return conn.Object(nmDest, objectPath).GetProperty(property)
}

// SSID returns the SSID of the active wifi connection.
func (h *hostSource) SSID() (string, error) {
	conn, err := h.bus()
	if err != nil {
		return "", err
	}

	primaryVariant, err := nmProperty(conn, nmPath, "org.freedesktop.NetworkManager.PrimaryConnection")
	if err != nil {
		return "", err
	}
	primary, ok := primaryVariant.Value().(dbus.ObjectPath)
	if !ok {
		return "", errors.New("dbus: could not assert type of NetworkManager.PrimaryConnection")
	}
	if primary == "/" {
		return "", nil
	}

	typeVariant, err := nmProperty(conn, primary, "org.freedesktop.NetworkManager.Connection.Active.Type")
	if err != nil {
		return "", err
	}
	connType, ok := typeVariant.Value().(string)
	if !ok {
		return "", fmt.Errorf("dbus: could not assert type of %s:Connection.Active.Type", primary)
	}
	if !strings.Contains(connType, "wireless") {
		return "", nil
	}

	apVariant, err := nmProperty(conn, primary, "org.freedesktop.NetworkManager.Connection.Active.SpecificObject")
	if err != nil {
		return "", err
	}
	apPath, ok := apVariant.Value().(dbus.ObjectPath)
	if !ok || apPath == "/" {
		return "", nil
	}

	ssidVariant, err := nmProperty(conn, apPath, "org.freedesktop.NetworkManager.AccessPoint.Ssid")
	if err != nil {
		return "", err
	}
	ssid, ok := ssidVariant.Value().([]byte)
	if !ok {
		return "", fmt.Errorf("dbus: could not assert type of %s:AccessPoint.Ssid", apPath)
	}
	return string(ssid), nil
}

// Connectivity returns the NetworkManager connectivity state.
func (h *hostSource) Connectivity() (Connectivity, error) {
	conn, err := h.bus()
	if err != nil {
		return ConnectivityUnknown, err
	}

	variant, err := nmProperty(conn, nmPath, "org.freedesktop.NetworkManager.Connectivity")
	if err != nil {
		return ConnectivityUnknown, err
	}
	state, ok := variant.Value().(uint32)
	if !ok {
		return ConnectivityUnknown, errors.New("dbus: could not assert type of NetworkManager.Connectivity")
	}

	switch state {
	case 1:
		return ConnectivityNone, nil
	case 2:
		return ConnectivityPortal, nil
	case 3:
		return ConnectivityLimited, nil
	case 4:
		return ConnectivityFull, nil
	default:
		return ConnectivityUnknown, nil
	}
}

// Gateways returns the default gateways from /proc/net/route and
// /proc/net/ipv6_route.
func (h *hostSource) Gateways() ([]net.IP, error) {
	gateways := make([]net.IP, 0, 2)

	route, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, fmt.Errorf("could not read /proc/net/route: %w", err)
	}
	defer func() {
		_ = route.Close()
	}()

	scanner := bufio.NewScanner(route)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := strings.SplitN(scanner.Text(), "\t", 4)
		if len(line) < 4 {
			continue
		}
		if line[1] != "00000000" {
			continue
		}
		decoded, err := hex.DecodeString(line[2])
		if err != nil || len(decoded) != 4 {
			continue
		}
		gateways = append(gateways, net.IPv4(decoded[3], decoded[2], decoded[1], decoded[0]))
	}

	v6route, err := os.Open("/proc/net/ipv6_route")
	if err != nil {
		// IPv6 may be disabled; v4 gateways are still valid.
		return gateways, nil
	}
	defer func() {
		_ = v6route.Close()
	}()

	scanner = bufio.NewScanner(v6route)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := strings.SplitN(scanner.Text(), " ", 6)
		if len(line) < 6 {
			continue
		}
		if line[0] != "00000000000000000000000000000000" ||
			line[4] == "00000000000000000000000000000000" {
			continue
		}
		decoded, err := hex.DecodeString(line[4])
		if err != nil || len(decoded) != 16 {
			continue
		}
		gateways = append(gateways, net.IP(decoded))
	}

	return gateways, nil
}

// HardwareAddr looks up the MAC address of a neighbor IP in /proc/net/arp.
func (h *hostSource) HardwareAddr(ip net.IP) (net.HardwareAddr, error) {
	arp, err := os.Open("/proc/net/arp")
	if err != nil {
		return nil, fmt.Errorf("could not read /proc/net/arp: %w", err)
	}
	defer func() {
		_ = arp.Close()
	}()

	scanner := bufio.NewScanner(arp)
	scanner.Split(bufio.ScanLines)
	scanner.Scan() // header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		entryIP := net.ParseIP(fields[0])
		if entryIP == nil || !entryIP.Equal(ip) {
			continue
		}
		mac, err := net.ParseMAC(fields[3])
		if err != nil {
			continue
		}
		return mac, nil
	}

	return nil, fmt.Errorf("no arp entry for %s", ip)
}

// InterfaceState reads interface state from /sys/class/net.
func (h *hostSource) InterfaceState(name string) (IfaceState, error) {
	var state IfaceState

	operstate, err := os.ReadFile("/sys/class/net/" + name + "/operstate")
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, err
	}
	state.Exists = true
	state.Up = strings.TrimSpace(string(operstate)) == "up"

	// The carrier file is unreadable while the interface is down.
	carrier, err := os.ReadFile("/sys/class/net/" + name + "/carrier")
	if err == nil {
		state.Carrier = strings.TrimSpace(string(carrier)) == "1"
	}

	return state, nil
}

// Changes subscribes to NetworkManager state change signals.
func (h *hostSource) Changes(ctx context.Context) (<-chan struct{}, error) {
	conn, err := h.bus()
	if err != nil {
		return nil, err
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchSender(nmDest),
		dbus.WithMatchInterface(nmDest),
		dbus.WithMatchMember("StateChanged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to network state signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig == nil {
					continue
				}
				select {
				case changes <- struct{}{}:
				default:
					// A change is already pending.
				}
			}
		}
	}()

	return changes, nil
}

// Reachable probes the target with an ICMP echo, falling back to a TCP
// touch. Hostnames are resolved first, bounded by the same timeout.
func (h *hostSource) Reachable(ctx context.Context, target string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ip := net.ParseIP(target)
	if ip == nil {
		resolved, err := resolveProbeTarget(ctx, target)
		if err != nil {
			return false
		}
		ip = resolved
	}

	if pingEcho(ctx, ip) {
		return true
	}
	return tcpTouch(ctx, ip)
}
