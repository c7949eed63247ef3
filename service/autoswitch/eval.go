package autoswitch

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/netprofiles/netprofd/service/mgr"
	"github.com/netprofiles/netprofd/service/netenv"
	"github.com/netprofiles/netprofd/service/profile"
)

// evalExpr evaluates a rule expression against one snapshot. AND and OR
// short-circuit; evaluation errors count as non-matching, never as an
// engine failure.
func (e *Engine) evalExpr(w *mgr.WorkerCtx, snapshot *netenv.Snapshot, expr *profile.RuleExpression) bool {
	switch expr.Op {
	case profile.OpLeaf:
		return e.evalCondition(w, snapshot, expr.Leaf)
	case profile.OpNot:
		return !e.evalExpr(w, snapshot, expr.Children[0])
	case profile.OpAnd:
		for _, child := range expr.Children {
			if !e.evalExpr(w, snapshot, child) {
				return false
			}
		}
		return true
	case profile.OpOr:
		for _, child := range expr.Children {
			if e.evalExpr(w, snapshot, child) {
				return true
			}
		}
		return false
	default:
		w.Warn("unknown expression operator", "op", expr.Op)
		return false
	}
}

func (e *Engine) evalCondition(w *mgr.WorkerCtx, snapshot *netenv.Snapshot, cond *profile.Condition) bool {
	switch cond.Kind {
	case profile.CondSSIDMatch:
		ssid, err := snapshot.SSID()
		if err != nil {
			w.Debug("could not read ssid", "err", err)
			return false
		}
		if ssid == "" {
			return false
		}
		return e.matchSSID(w, cond, ssid)

	case profile.CondGatewayMAC:
		want, err := net.ParseMAC(cond.MAC)
		if err != nil {
			w.Debug("invalid mac in condition", "mac", cond.MAC)
			return false
		}
		macs, err := snapshot.GatewayMACs()
		if err != nil {
			w.Debug("could not read gateway macs", "err", err)
			return false
		}
		for _, mac := range macs {
			if strings.EqualFold(mac.String(), want.String()) {
				return true
			}
		}
		return false

	case profile.CondInterfaceState:
		state, err := snapshot.InterfaceState(cond.Interface)
		if err != nil {
			w.Debug("could not read interface state",
				"interface", cond.Interface, "err", err)
			return false
		}
		switch cond.State {
		case profile.InterfaceUp:
			return state.Exists && state.Up
		case profile.InterfaceDown:
			return !state.Exists || !state.Up
		case profile.InterfaceCarrier:
			return state.Exists && state.Carrier
		case profile.InterfaceNoCarrier:
			return !state.Exists || !state.Carrier
		default:
			return false
		}

	case profile.CondPingReachable:
		return snapshot.Reachable(w.Ctx(), cond.Target, cond.Timeout())

	case profile.CondTimeWindow:
		return cond.Window != nil && cond.Window.Active(snapshot.Time)

	case profile.CondNetworkAvailable:
		connectivity, err := snapshot.Connectivity()
		if err != nil {
			w.Debug("could not read connectivity", "err", err)
			return false
		}
		return connectivity.Online()

	case profile.CondNot:
		return cond.Child != nil && !e.evalCondition(w, snapshot, cond.Child)

	default:
		w.Warn("unknown condition kind", "kind", cond.Kind)
		return false
	}
}

func (e *Engine) matchSSID(w *mgr.WorkerCtx, cond *profile.Condition, ssid string) bool {
	mode := cond.Match
	if mode == "" {
		mode = profile.MatchExact
	}
	if mode == profile.MatchExact {
		return ssid == cond.SSID
	}

	matcher, err := e.compiledPattern(mode, cond.SSID)
	if err != nil {
		w.Debug("invalid ssid pattern",
			"pattern", cond.SSID, "mode", mode, "err", err)
		return false
	}
	return matcher(ssid)
}

// compiledPattern returns a compiled matcher from the LRU cache,
// compiling on miss.
func (e *Engine) compiledPattern(mode profile.MatchMode, pattern string) (func(string) bool, error) {
	key := string(mode) + ":" + pattern
	if cached, err := e.patterns.Get(key); err == nil {
		return cached.(func(string) bool), nil
	}

	var matcher func(string) bool
	switch mode {
	case profile.MatchGlob:
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		matcher = compiled.Match
	case profile.MatchRegex:
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		matcher = compiled.MatchString
	default:
		return nil, fmt.Errorf("unknown match mode %q", mode)
	}

	_ = e.patterns.Set(key, matcher)
	return matcher, nil
}
