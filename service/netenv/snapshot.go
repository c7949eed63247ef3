package netenv

import (
	"context"
	"net"
	"sync"
	"time"
)

// Snapshot is a memoizing view of the environment at one point in time.
// Every value is read from the source at most once, so all conditions
// evaluated against one snapshot observe identical state. Reachability
// probes are memoized per target.
type Snapshot struct {
	src Source

	// Time is captured eagerly; everything else on first use.
	Time time.Time

	lock sync.Mutex

	ssid     *memo[string]
	conn     *memo[Connectivity]
	gateways *memo[[]net.IP]
	macs     map[string]*memo[net.HardwareAddr]
	ifaces   map[string]*memo[IfaceState]
	probes   map[string]bool
}

type memo[T any] struct {
	value T
	err   error
}

// NewSnapshot returns a snapshot reading through the given source.
func NewSnapshot(src Source) *Snapshot {
	return &Snapshot{
		src:    src,
		Time:   time.Now(),
		macs:   make(map[string]*memo[net.HardwareAddr]),
		ifaces: make(map[string]*memo[IfaceState]),
		probes: make(map[string]bool),
	}
}

// SSID returns the active wifi SSID, or "" when not on wifi.
func (s *Snapshot) SSID() (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.ssid == nil {
		value, err := s.src.SSID()
		s.ssid = &memo[string]{value: value, err: err}
	}
	return s.ssid.value, s.ssid.err
}

// Connectivity returns the connectivity state.
func (s *Snapshot) Connectivity() (Connectivity, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conn == nil {
		value, err := s.src.Connectivity()
		s.conn = &memo[Connectivity]{value: value, err: err}
	}
	return s.conn.value, s.conn.err
}

// Gateways returns the default gateways.
func (s *Snapshot) Gateways() ([]net.IP, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.gateways == nil {
		value, err := s.src.Gateways()
		s.gateways = &memo[[]net.IP]{value: value, err: err}
	}
	return s.gateways.value, s.gateways.err
}

// GatewayMACs returns the MAC addresses of all default gateways that have
// a neighbor entry.
func (s *Snapshot) GatewayMACs() ([]net.HardwareAddr, error) {
	gateways, err := s.Gateways()
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	macs := make([]net.HardwareAddr, 0, len(gateways))
	for _, gw := range gateways {
		entry, ok := s.macs[gw.String()]
		if !ok {
			value, err := s.src.HardwareAddr(gw)
			entry = &memo[net.HardwareAddr]{value: value, err: err}
			s.macs[gw.String()] = entry
		}
		if entry.err == nil {
			macs = append(macs, entry.value)
		}
	}
	return macs, nil
}

// InterfaceState returns the state of the named interface.
func (s *Snapshot) InterfaceState(name string) (IfaceState, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry, ok := s.ifaces[name]
	if !ok {
		value, err := s.src.InterfaceState(name)
		entry = &memo[IfaceState]{value: value, err: err}
		s.ifaces[name] = entry
	}
	return entry.value, entry.err
}

// Reachable probes the target, memoized per target string.
func (s *Snapshot) Reachable(ctx context.Context, target string, timeout time.Duration) bool {
	s.lock.Lock()
	if result, ok := s.probes[target]; ok {
		s.lock.Unlock()
		return result
	}
	s.lock.Unlock()

	// Probe outside the lock; a slow target must not block other reads.
	result := s.src.Reachable(ctx, target, timeout)

	s.lock.Lock()
	s.probes[target] = result
	s.lock.Unlock()
	return result
}
