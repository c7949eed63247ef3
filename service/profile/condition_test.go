package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeWindowSameDay(t *testing.T) {
	t.Parallel()

	w := &TimeWindow{Start: "09:00", End: "17:00"}
	require.NoError(t, w.Validate())

	at := func(hour, minute int) time.Time {
		return time.Date(2024, 3, 4, hour, minute, 0, 0, time.Local) // a Monday
	}
	assert.False(t, w.Active(at(8, 59)))
	assert.True(t, w.Active(at(9, 0)))
	assert.True(t, w.Active(at(12, 30)))
	assert.True(t, w.Active(at(17, 0)))
	assert.False(t, w.Active(at(17, 1)))
}

func TestTimeWindowOvernightWrap(t *testing.T) {
	t.Parallel()

	w := &TimeWindow{Start: "22:00", End: "06:00"}
	require.NoError(t, w.Validate())

	at := func(hour, minute int) time.Time {
		return time.Date(2024, 3, 4, hour, minute, 0, 0, time.Local)
	}
	assert.True(t, w.Active(at(23, 30)))
	assert.True(t, w.Active(at(2, 0)))
	assert.True(t, w.Active(at(6, 0)))
	assert.False(t, w.Active(at(6, 1)))
	assert.False(t, w.Active(at(12, 0)))
	assert.True(t, w.Active(at(22, 0)))
	assert.False(t, w.Active(at(21, 59)))
}

func TestTimeWindowDays(t *testing.T) {
	t.Parallel()

	w := &TimeWindow{Start: "00:00", End: "23:59", Days: []time.Weekday{time.Saturday, time.Sunday}}
	monday := time.Date(2024, 3, 4, 12, 0, 0, 0, time.Local)
	saturday := time.Date(2024, 3, 9, 12, 0, 0, 0, time.Local)
	assert.False(t, w.Active(monday))
	assert.True(t, w.Active(saturday))
}

func TestTimeWindowValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, (&TimeWindow{Start: "9am", End: "17:00"}).Validate())
	assert.Error(t, (&TimeWindow{Start: "09:00", End: "25:00"}).Validate())
}

func TestConditionValidate(t *testing.T) {
	t.Parallel()

	valid := []Condition{
		{Kind: CondSSIDMatch, SSID: "HomeWiFi"},
		{Kind: CondSSIDMatch, SSID: "Guest-*", Match: MatchGlob},
		{Kind: CondSSIDMatch, SSID: "^corp-[0-9]+$", Match: MatchRegex},
		{Kind: CondGatewayMAC, MAC: "aa:bb:cc:dd:ee:ff"},
		{Kind: CondInterfaceState, Interface: "eth0", State: InterfaceUp},
		{Kind: CondPingReachable, Target: "10.0.0.1", TimeoutMs: 500},
		{Kind: CondTimeWindow, Window: &TimeWindow{Start: "09:00", End: "17:00"}},
		{Kind: CondNetworkAvailable},
		{Kind: CondNot, Child: &Condition{Kind: CondNetworkAvailable}},
	}
	for _, c := range valid {
		c := c
		assert.NoError(t, c.Validate(), "kind %s", c.Kind)
	}

	invalid := []Condition{
		{Kind: "moon_phase"},
		{Kind: CondSSIDMatch},
		{Kind: CondSSIDMatch, SSID: "x", Match: "fuzzy"},
		{Kind: CondGatewayMAC},
		{Kind: CondInterfaceState, Interface: "eth0", State: "sideways"},
		{Kind: CondPingReachable},
		{Kind: CondTimeWindow},
		{Kind: CondNot},
		{Kind: CondNot, Child: &Condition{Kind: CondSSIDMatch}},
	}
	for _, c := range invalid {
		c := c
		assert.Error(t, c.Validate(), "kind %s", c.Kind)
	}
}

func TestConditionTimeoutDefault(t *testing.T) {
	t.Parallel()

	c := &Condition{Kind: CondPingReachable, Target: "10.0.0.1"}
	assert.Equal(t, DefaultPingTimeout, c.Timeout())
	c.TimeoutMs = 250
	assert.Equal(t, 250*time.Millisecond, c.Timeout())
}

func TestRuleExpressionValidate(t *testing.T) {
	t.Parallel()

	expr := And(
		NewLeaf(Condition{Kind: CondSSIDMatch, SSID: "Office"}),
		Or(
			NewLeaf(Condition{Kind: CondGatewayMAC, MAC: "aa:bb:cc:dd:ee:ff"}),
			Not(NewLeaf(Condition{Kind: CondNetworkAvailable})),
		),
	)
	require.NoError(t, expr.Validate())

	assert.Error(t, (&RuleExpression{Op: OpAnd}).Validate())
	assert.Error(t, (&RuleExpression{Op: OpNot, Children: []*RuleExpression{
		NewLeaf(Condition{Kind: CondNetworkAvailable}),
		NewLeaf(Condition{Kind: CondNetworkAvailable}),
	}}).Validate())
	assert.Error(t, (&RuleExpression{Op: OpLeaf}).Validate())
	assert.Error(t, (&RuleExpression{Op: "xor"}).Validate())

	// Nesting beyond the depth bound is rejected.
	deep := NewLeaf(Condition{Kind: CondNetworkAvailable})
	for range MaxExpressionDepth {
		deep = Not(deep)
	}
	assert.Error(t, deep.Validate())
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()

	r := Rule{
		ID:            "r1",
		TargetProfile: "p1",
		Expression:    NewLeaf(Condition{Kind: CondSSIDMatch, SSID: "Office"}),
		Enabled:       true,
	}
	assert.NoError(t, r.Validate())
	assert.Error(t, (&Rule{ID: "r2", Expression: r.Expression}).Validate())
	assert.Error(t, (&Rule{ID: "r3", TargetProfile: "p1"}).Validate())
}
