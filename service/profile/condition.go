package profile

import (
	"fmt"
	"slices"
	"time"
)

// ConditionKind identifies one kind of environment predicate.
// The set is closed, like ActionKind.
type ConditionKind string

// Condition kinds.
const (
	CondSSIDMatch        ConditionKind = "ssid_match"
	CondGatewayMAC       ConditionKind = "gateway_mac"
	CondInterfaceState   ConditionKind = "interface_state"
	CondPingReachable    ConditionKind = "ping_reachable"
	CondTimeWindow       ConditionKind = "time_window"
	CondNetworkAvailable ConditionKind = "network_available"
	CondNot              ConditionKind = "not"
)

// MatchMode defines how an SSID pattern is matched.
type MatchMode string

// Match modes.
const (
	MatchExact MatchMode = "exact"
	MatchGlob  MatchMode = "glob"
	MatchRegex MatchMode = "regex"
)

// InterfaceStateMatch is the expected state of an interface condition.
type InterfaceStateMatch string

// Interface states.
const (
	InterfaceUp        InterfaceStateMatch = "up"
	InterfaceDown      InterfaceStateMatch = "down"
	InterfaceCarrier   InterfaceStateMatch = "carrier"
	InterfaceNoCarrier InterfaceStateMatch = "no-carrier"
)

// DefaultPingTimeout bounds reachability probes without an explicit timeout.
const DefaultPingTimeout = time.Second

// Condition is a predicate over observable environment state.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// SSID match.
	SSID  string    `json:"ssid,omitempty"`
	Match MatchMode `json:"match,omitempty"`

	// Gateway MAC match.
	MAC string `json:"mac,omitempty"`

	// Interface state.
	Interface string              `json:"interface,omitempty"`
	State     InterfaceStateMatch `json:"state,omitempty"`

	// Reachability probe.
	Target    string `json:"target,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`

	// Time window.
	Window *TimeWindow `json:"window,omitempty"`

	// Negation.
	Child *Condition `json:"condition,omitempty"`
}

// Timeout returns the probe timeout with the default applied.
func (c *Condition) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultPingTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// String returns a human-readable description of the condition.
func (c *Condition) String() string {
	switch c.Kind {
	case CondSSIDMatch:
		return fmt.Sprintf("ssid %s %q", c.Match, c.SSID)
	case CondGatewayMAC:
		return "gateway mac " + c.MAC
	case CondInterfaceState:
		return fmt.Sprintf("%s is %s", c.Interface, c.State)
	case CondPingReachable:
		return "reachable " + c.Target
	case CondTimeWindow:
		if c.Window != nil {
			return fmt.Sprintf("time %s-%s", c.Window.Start, c.Window.End)
		}
		return "time window"
	case CondNetworkAvailable:
		return "network available"
	case CondNot:
		if c.Child != nil {
			return "not (" + c.Child.String() + ")"
		}
		return "not"
	default:
		return string(c.Kind)
	}
}

// Validate checks the condition parameters, following Child conditions.
func (c *Condition) Validate() error {
	switch c.Kind {
	case CondSSIDMatch:
		if c.SSID == "" {
			return fmt.Errorf("%s: ssid is required", c.Kind)
		}
		switch c.Match {
		case "", MatchExact, MatchGlob, MatchRegex:
		default:
			return fmt.Errorf("%s: unknown match mode %q", c.Kind, c.Match)
		}
	case CondGatewayMAC:
		if c.MAC == "" {
			return fmt.Errorf("%s: mac is required", c.Kind)
		}
	case CondInterfaceState:
		if c.Interface == "" {
			return fmt.Errorf("%s: interface is required", c.Kind)
		}
		switch c.State {
		case InterfaceUp, InterfaceDown, InterfaceCarrier, InterfaceNoCarrier:
		default:
			return fmt.Errorf("%s: unknown state %q", c.Kind, c.State)
		}
	case CondPingReachable:
		if c.Target == "" {
			return fmt.Errorf("%s: target is required", c.Kind)
		}
	case CondTimeWindow:
		if c.Window == nil {
			return fmt.Errorf("%s: window is required", c.Kind)
		}
		if err := c.Window.Validate(); err != nil {
			return fmt.Errorf("%s: %w", c.Kind, err)
		}
	case CondNetworkAvailable:
	case CondNot:
		if c.Child == nil {
			return fmt.Errorf("%s: child condition is required", c.Kind)
		}
		return c.Child.Validate()
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// TimeWindow is a daily time window, optionally limited to weekdays.
// Windows where End precedes Start wrap around midnight.
type TimeWindow struct {
	Start string         `json:"start"` // "15:04"
	End   string         `json:"end"`
	Days  []time.Weekday `json:"days,omitempty"` // empty = all days
}

const clockLayout = "15:04"

// Validate checks that the window times parse.
func (w *TimeWindow) Validate() error {
	if _, err := time.Parse(clockLayout, w.Start); err != nil {
		return fmt.Errorf("invalid start time %q", w.Start)
	}
	if _, err := time.Parse(clockLayout, w.End); err != nil {
		return fmt.Errorf("invalid end time %q", w.End)
	}
	return nil
}

// Active reports whether the given time falls within the window.
func (w *TimeWindow) Active(now time.Time) bool {
	if len(w.Days) > 0 && !slices.Contains(w.Days, now.Weekday()) {
		return false
	}

	start, err := time.Parse(clockLayout, w.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse(clockLayout, w.End)
	if err != nil {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes <= endMin
	}
	// Overnight window, e.g. 22:00-06:00.
	return minutes >= startMin || minutes <= endMin
}

// ExprOp combines rule expression nodes.
type ExprOp string

// Expression operators.
const (
	OpAnd  ExprOp = "and"
	OpOr   ExprOp = "or"
	OpNot  ExprOp = "not"
	OpLeaf ExprOp = "leaf"
)

// MaxExpressionDepth bounds rule expression trees to keep evaluation cost
// predictable.
const MaxExpressionDepth = 8

// RuleExpression is a finite tree of conditions combined with AND/OR/NOT.
type RuleExpression struct {
	Op       ExprOp            `json:"op"`
	Children []*RuleExpression `json:"children,omitempty"`
	Leaf     *Condition        `json:"condition,omitempty"`
}

// NewLeaf returns a leaf expression for the given condition.
func NewLeaf(c Condition) *RuleExpression {
	return &RuleExpression{Op: OpLeaf, Leaf: &c}
}

// And returns an AND expression over the given children.
func And(children ...*RuleExpression) *RuleExpression {
	return &RuleExpression{Op: OpAnd, Children: children}
}

// Or returns an OR expression over the given children.
func Or(children ...*RuleExpression) *RuleExpression {
	return &RuleExpression{Op: OpOr, Children: children}
}

// Not returns a NOT expression over the given child.
func Not(child *RuleExpression) *RuleExpression {
	return &RuleExpression{Op: OpNot, Children: []*RuleExpression{child}}
}

// Validate checks operator arity and bounds the tree depth.
func (e *RuleExpression) Validate() error {
	return e.validate(1)
}

func (e *RuleExpression) validate(depth int) error {
	if depth > MaxExpressionDepth {
		return fmt.Errorf("rule expression exceeds max depth %d", MaxExpressionDepth)
	}
	switch e.Op {
	case OpLeaf:
		if e.Leaf == nil {
			return fmt.Errorf("leaf expression without condition")
		}
		return e.Leaf.Validate()
	case OpNot:
		if len(e.Children) != 1 {
			return fmt.Errorf("not expression needs exactly one child")
		}
	case OpAnd, OpOr:
		if len(e.Children) == 0 {
			return fmt.Errorf("%s expression needs at least one child", e.Op)
		}
	default:
		return fmt.Errorf("unknown expression operator %q", e.Op)
	}
	for _, child := range e.Children {
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

// Rule binds a rule expression to the profile it activates when matching.
// Rules are owned by the profile they were authored in, but address their
// target by profile ID.
type Rule struct {
	ID            string          `json:"id"`
	TargetProfile string          `json:"target_profile"`
	Expression    *RuleExpression `json:"expression"`
	Enabled       bool            `json:"enabled"`
}

// Validate checks the rule.
func (r *Rule) Validate() error {
	if r.TargetProfile == "" {
		return fmt.Errorf("rule %s: target profile is required", r.ID)
	}
	if r.Expression == nil {
		return fmt.Errorf("rule %s: expression is required", r.ID)
	}
	if err := r.Expression.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}
