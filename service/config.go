package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netprofiles/netprofd/service/watchdog"
)

// ServiceConfig holds the daemon configuration. Flags fill it first, then
// an optional config file overlays unset fields, then Init applies
// platform defaults.
type ServiceConfig struct {
	ConfigDir string `yaml:"config_dir"`
	DataDir   string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`

	// EvalIntervalSeconds is the rule engine cycle length.
	EvalIntervalSeconds int `yaml:"eval_interval_seconds"`

	// Watchdog configures the connection watchdog, disabled by default.
	Watchdog watchdog.Config `yaml:"watchdog"`
}

// EvalInterval returns the rule engine cycle length, 0 meaning default.
func (sc *ServiceConfig) EvalInterval() time.Duration {
	return time.Duration(sc.EvalIntervalSeconds) * time.Second
}

// Init checks directories and applies platform defaults.
func (sc *ServiceConfig) Init() error {
	switch runtime.GOOS {
	case "linux":
		// Fall back to defaults.
		if sc.ConfigDir == "" {
			sc.ConfigDir = "/etc/netprofd"
		}
		if sc.DataDir == "" {
			sc.DataDir = "/var/lib/netprofd"
		}

	default:
		// Fail if not configured on other platforms.
		if sc.ConfigDir == "" {
			return errors.New("config directory must be configured - auto-detection not supported on this platform")
		}
		if sc.DataDir == "" {
			return errors.New("data directory must be configured - auto-detection not supported on this platform")
		}
	}

	// Expand path variables.
	sc.ConfigDir = os.ExpandEnv(sc.ConfigDir)
	sc.DataDir = os.ExpandEnv(sc.DataDir)

	switch sc.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", sc.LogLevel)
	}

	if sc.EvalIntervalSeconds < 0 {
		return fmt.Errorf("invalid eval interval %ds", sc.EvalIntervalSeconds)
	}

	return sc.Watchdog.Validate()
}

// LoadConfigFile overlays unset fields from the config file in the config
// directory. A missing file is not an error.
func (sc *ServiceConfig) LoadConfigFile() error {
	path := filepath.Join(sc.ConfigDir, "config.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fileCfg ServiceConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Flags win over the file.
	if sc.DataDir == "" {
		sc.DataDir = fileCfg.DataDir
	}
	if sc.LogLevel == "" {
		sc.LogLevel = fileCfg.LogLevel
	}
	if sc.EvalIntervalSeconds == 0 {
		sc.EvalIntervalSeconds = fileCfg.EvalIntervalSeconds
	}
	// No watchdog flags exist, the file section wins when present.
	if sc.Watchdog == (watchdog.Config{}) {
		sc.Watchdog = fileCfg.Watchdog
	}

	return nil
}
