package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults mirror the classic monitor daemon so an unconfigured knob
// behaves the way operators expect.
const (
	DefaultMinSupplies            = 1
	DefaultPollFreq               = 5 * time.Second
	DefaultPollFreqAlert          = 5 * time.Second
	DefaultHostSync               = 15 * time.Second
	DefaultDeadTime               = 15 * time.Second
	DefaultRBWarnTime             = 43200 * time.Second
	DefaultNoCommWarnTime         = 300 * time.Second
	DefaultFinalDelay             = 5 * time.Second
	DefaultOffDuration            = 30 * time.Second
	DefaultPollFailLogThrottleMax = -1
)

// DefaultPath returns the default configuration file location:
// $XDG_CONFIG_HOME/upsmon/upsmon.yaml, falling back to /etc/upsmon.yaml
// for root.
func DefaultPath() string {
	if os.Geteuid() == 0 {
		return "/etc/upsmon.yaml"
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "/etc/upsmon.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "upsmon", "upsmon.yaml")
}

// ApplyDefaults fills unset fields. Zero values are replaced; explicit
// values are preserved. OffDuration and PollFailLogThrottleMax carry
// meaning at zero and below, so Load registers viper defaults for them
// instead of zero-checks here.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.MinSupplies == 0 {
		cfg.MinSupplies = DefaultMinSupplies
	}
	if cfg.PollFreq == 0 {
		cfg.PollFreq = DefaultPollFreq
	}
	if cfg.PollFreqAlert == 0 {
		cfg.PollFreqAlert = DefaultPollFreqAlert
	}
	if cfg.HostSync == 0 {
		cfg.HostSync = DefaultHostSync
	}
	if cfg.DeadTime == 0 {
		cfg.DeadTime = DefaultDeadTime
	}
	if cfg.RBWarnTime == 0 {
		cfg.RBWarnTime = DefaultRBWarnTime
	}
	if cfg.NoCommWarnTime == 0 {
		cfg.NoCommWarnTime = DefaultNoCommWarnTime
	}
	if cfg.FinalDelay == 0 {
		cfg.FinalDelay = DefaultFinalDelay
	}

	for i := range cfg.Monitors {
		if cfg.Monitors[i].Role == "" {
			cfg.Monitors[i].Role = "secondary"
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9199"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}
