package watchdog

import (
	"errors"
	"fmt"
	"time"
)

// Failure actions.
const (
	// ActionNotify shows a desktop notification and nothing else.
	ActionNotify = "notify"
	// ActionReconnect bounces NetworkManager networking off and on.
	ActionReconnect = "reconnect"
	// ActionSwitchProfile activates the configured fallback profile.
	ActionSwitchProfile = "switch_profile"
	// ActionRestartNetwork restarts the NetworkManager service.
	ActionRestartNetwork = "restart_network_manager"
)

// Defaults for unset config fields.
const (
	DefaultCheckInterval    = 30 * time.Second
	DefaultPingTarget       = "8.8.8.8"
	DefaultFailureThreshold = 3
)

// Config is the connection watchdog section of the service config.
// The watchdog is off unless explicitly enabled.
type Config struct {
	Enabled bool `yaml:"enabled"`

	CheckIntervalSeconds int    `yaml:"check_interval_seconds,omitempty"`
	PingTarget           string `yaml:"ping_target,omitempty"`
	FailureThreshold     int    `yaml:"failure_threshold,omitempty"`

	// FailureAction runs once the failure counter reaches the threshold.
	FailureAction string `yaml:"failure_action,omitempty"`

	// FallbackProfile is the profile ID activated by switch_profile.
	FallbackProfile string `yaml:"fallback_profile,omitempty"`
}

// Validate checks the action spelling and its requirements.
func (c *Config) Validate() error {
	switch c.FailureAction {
	case "", ActionNotify, ActionReconnect, ActionSwitchProfile, ActionRestartNetwork:
	default:
		return fmt.Errorf("unknown watchdog failure action %q", c.FailureAction)
	}
	if c.FailureAction == ActionSwitchProfile && c.FallbackProfile == "" {
		return errors.New("watchdog action switch_profile requires a fallback profile")
	}
	if c.CheckIntervalSeconds < 0 {
		return fmt.Errorf("invalid watchdog check interval %ds", c.CheckIntervalSeconds)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("invalid watchdog failure threshold %d", c.FailureThreshold)
	}
	return nil
}

// Interval returns the check cycle length.
func (c *Config) Interval() time.Duration {
	if c.CheckIntervalSeconds <= 0 {
		return DefaultCheckInterval
	}
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// Target returns the probe target.
func (c *Config) Target() string {
	if c.PingTarget == "" {
		return DefaultPingTarget
	}
	return c.PingTarget
}

// Threshold returns the failure count that triggers the action.
func (c *Config) Threshold() int {
	if c.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return c.FailureThreshold
}

// Action returns the configured failure action.
func (c *Config) Action() string {
	if c.FailureAction == "" {
		return ActionNotify
	}
	return c.FailureAction
}
