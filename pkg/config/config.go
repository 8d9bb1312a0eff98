// Package config loads and validates the monitor configuration.
//
// Configuration sources, in order of precedence:
//  1. CLI flags (applied by the command layer)
//  2. Environment variables (UPSMON_*)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/networkupstools/nutmon/pkg/upsclient"
)

// ErrImpossiblePower marks a configuration whose total power value cannot
// satisfy min_supplies. It is fatal at startup and at reload.
var ErrImpossiblePower = errors.New("impossible power configuration")

// Role says whether this monitor instance manages the UPS or only follows
// the manager's lead.
type Role int

const (
	RoleSecondary Role = iota
	RolePrimary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// ParseRole accepts the current keywords and their legacy synonyms.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "primary", "master":
		return RolePrimary, nil
	case "secondary", "slave":
		return RoleSecondary, nil
	}
	return RoleSecondary, fmt.Errorf("invalid role %q (want primary or secondary)", s)
}

// Monitor is one monitored UPS (a MONITOR directive).
type Monitor struct {
	// System is the upsname@hostname[:port] identity string.
	System string `mapstructure:"system" validate:"required" yaml:"system"`

	// PowerValue is this UPS's weight in the host's power budget.
	// Zero means monitor-only: the UPS never counts toward the shutdown
	// threshold.
	PowerValue uint `mapstructure:"power_value" yaml:"power_value"`

	Username string `mapstructure:"username" validate:"required" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// Role is primary|master|secondary|slave.
	Role string `mapstructure:"role" yaml:"role"`
}

// Identity parses the System field.
func (m Monitor) Identity() (upsclient.Identity, error) {
	return upsclient.ParseIdentity(m.System)
}

// NotifyOverride customizes one notification event.
type NotifyOverride struct {
	// Message replaces the stock template; it must contain one %s for the
	// UPS identity.
	Message string `mapstructure:"message" yaml:"message,omitempty"`

	// Flags replaces the delivery channel set. Valid entries are SYSLOG,
	// WALL, EXEC and IGNORE.
	Flags []string `mapstructure:"flags" yaml:"flags,omitempty"`
}

// ShutdownExit controls whether the daemon exits after initiating the host
// shutdown: "yes" (immediately, the default), "no" (sleep until SIGTERM),
// or a number of seconds.
type ShutdownExit struct {
	Never bool
	Delay time.Duration
}

// ParseShutdownExit parses the yes|no|<seconds> directive value.
func ParseShutdownExit(s string) (ShutdownExit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "yes":
		return ShutdownExit{}, nil
	case "no":
		return ShutdownExit{Never: true}, nil
	}
	secs, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || secs < 0 {
		return ShutdownExit{}, fmt.Errorf("invalid shutdown_exit value %q (want yes, no or seconds)", s)
	}
	return ShutdownExit{Delay: time.Duration(secs) * time.Second}, nil
}

// Config is the complete monitor configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Monitors lists the UPSes to watch. At least one is required.
	Monitors []Monitor `mapstructure:"monitors" validate:"required,min=1,dive" yaml:"monitors"`

	// MinSupplies is the minimum aggregate power value that must stay
	// non-critical; dropping below it forces a shutdown.
	MinSupplies uint `mapstructure:"min_supplies" validate:"min=1" yaml:"min_supplies"`

	// ShutdownCmd powers the host off when the power budget is violated.
	ShutdownCmd string `mapstructure:"shutdown_cmd" yaml:"shutdown_cmd"`

	// NotifyCmd, when set, is executed for events whose flags include EXEC.
	NotifyCmd string `mapstructure:"notify_cmd" yaml:"notify_cmd"`

	// PollFreq and PollFreqAlert are the relaxed and alert poll intervals.
	PollFreq      time.Duration `mapstructure:"poll_freq" validate:"gt=0" yaml:"poll_freq"`
	PollFreqAlert time.Duration `mapstructure:"poll_freq_alert" validate:"gt=0" yaml:"poll_freq_alert"`

	// HostSync bounds how long a primary waits for secondaries to log out,
	// and how long a secondary waits for the primary's FSD on OB+LB.
	HostSync time.Duration `mapstructure:"host_sync" validate:"gt=0" yaml:"host_sync"`

	// DeadTime is how long a UPS may stay unpolled before an on-battery
	// last-known state is promoted to low battery.
	DeadTime time.Duration `mapstructure:"dead_time" validate:"gt=0" yaml:"dead_time"`

	// RBWarnTime rate-limits the replace-battery warning.
	RBWarnTime time.Duration `mapstructure:"rb_warn_time" validate:"gt=0" yaml:"rb_warn_time"`

	// NoCommWarnTime gates the periodic NOCOMM warning.
	NoCommWarnTime time.Duration `mapstructure:"no_comm_warn_time" validate:"gt=0" yaml:"no_comm_warn_time"`

	// FinalDelay separates the SHUTDOWN notification from the shutdown
	// command.
	FinalDelay time.Duration `mapstructure:"final_delay" yaml:"final_delay"`

	// OffDuration is how long an administrative OFF must persist before it
	// counts as a lost feed. Zero makes it immediate; a negative value
	// disables the promotion.
	OffDuration time.Duration `mapstructure:"off_duration" yaml:"off_duration"`

	// PollFailLogThrottleMax suppresses repeated poll-failure log lines:
	// N>0 repeats every N cycles, 0 logs only state changes, N<0 logs
	// every cycle.
	PollFailLogThrottleMax int `mapstructure:"poll_fail_log_throttle_max" yaml:"poll_fail_log_throttle_max"`

	// ShutdownExit is yes|no|<seconds>; see ParseShutdownExit.
	ShutdownExit string `mapstructure:"shutdown_exit" yaml:"shutdown_exit"`

	// PowerdownFlag is the marker file consulted by early-boot scripts.
	PowerdownFlag string `mapstructure:"powerdown_flag" yaml:"powerdown_flag"`

	// Notify overrides stock notification messages and channel masks,
	// keyed by event name (ONBATT, COMMBAD, ...).
	Notify map[string]NotifyOverride `mapstructure:"notify" yaml:"notify,omitempty"`

	// CertPath points at the CA bundle used to verify servers.
	CertPath string `mapstructure:"cert_path" yaml:"cert_path"`

	// CertVerify requires a valid server certificate on TLS sessions.
	CertVerify bool `mapstructure:"cert_verify" yaml:"cert_verify"`

	// ForceSSL refuses to talk to servers without TLS.
	ForceSSL bool `mapstructure:"force_ssl" yaml:"force_ssl"`

	// CertIdent names the client certificate identity presented to
	// servers that ask for one. Accepted for compatibility with setups
	// using certificate databases.
	CertIdent CertIdent `mapstructure:"cert_ident" yaml:"cert_ident,omitempty"`

	// CertHosts overrides the TLS policy per server host.
	CertHosts []CertHost `mapstructure:"cert_hosts" yaml:"cert_hosts,omitempty"`

	// RunAsUser is the account the unprivileged child runs as in
	// split-process mode.
	RunAsUser string `mapstructure:"run_as_user" yaml:"run_as_user"`

	// DebugMin is the floor for the CLI -D verbosity.
	DebugMin int `mapstructure:"debug_min" yaml:"debug_min"`

	// PIDFile overrides the default PID file location.
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// CertIdent is the client-side certificate identity (CERTIDENT).
type CertIdent struct {
	Name     string `mapstructure:"name" yaml:"name,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// CertHost is a per-host TLS policy override (CERTHOST): the certificate
// name expected from that server, and whether verification or TLS itself
// is mandatory when talking to it.
type CertHost struct {
	Host     string `mapstructure:"host" validate:"required" yaml:"host"`
	CertName string `mapstructure:"cert_name" yaml:"cert_name,omitempty"`
	Verify   bool   `mapstructure:"verify" yaml:"verify"`
	ForceSSL bool   `mapstructure:"force_ssl" yaml:"force_ssl"`
}

// CertHostFor returns the override for host, if any.
func (c *Config) CertHostFor(host string) (CertHost, bool) {
	for _, ch := range c.CertHosts {
		if strings.EqualFold(ch.Host, host) {
			return ch, true
		}
	}
	return CertHost{}, false
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// TotalPowerValue sums the configured power values. A duplicate identity
// counts once, since only its first entry ends up monitored.
func (c *Config) TotalPowerValue() uint {
	var total uint
	seen := make(map[string]bool, len(c.Monitors))
	for _, m := range c.Monitors {
		key := m.System
		if id, err := m.Identity(); err == nil {
			key = id.String()
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		total += m.PowerValue
	}
	return total
}

// Load reads, defaults and validates the configuration at path. An empty
// path falls back to the default location.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("UPSMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Registering defaults makes the keys known to viper, which both fills
	// absent values and lets AutomaticEnv pick up overrides. Zero and
	// negative are meaningful for off_duration and the throttle, so their
	// defaults must come from here rather than from zero-checks.
	v.SetDefault("min_supplies", DefaultMinSupplies)
	v.SetDefault("poll_freq", DefaultPollFreq.String())
	v.SetDefault("poll_freq_alert", DefaultPollFreqAlert.String())
	v.SetDefault("host_sync", DefaultHostSync.String())
	v.SetDefault("dead_time", DefaultDeadTime.String())
	v.SetDefault("rb_warn_time", DefaultRBWarnTime.String())
	v.SetDefault("no_comm_warn_time", DefaultNoCommWarnTime.String())
	v.SetDefault("final_delay", DefaultFinalDelay.String())
	v.SetDefault("off_duration", DefaultOffDuration.String())
	v.SetDefault("poll_fail_log_throttle_max", DefaultPollFailLogThrottleMax)
	v.SetDefault("shutdown_exit", "yes")
	v.SetDefault("shutdown_cmd", "")
	v.SetDefault("powerdown_flag", "")

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// viper lowercases map keys; event names are upper case everywhere else
	if len(cfg.Notify) > 0 {
		notify := make(map[string]NotifyOverride, len(cfg.Notify))
		for name, ov := range cfg.Notify {
			notify[strings.ToUpper(name)] = ov
		}
		cfg.Notify = notify
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies both the struct tags and the cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// duplicate identities are not rejected here: the monitor keeps the
	// first entry and warns about the rest, as the daemon always has
	for i, m := range cfg.Monitors {
		if _, err := m.Identity(); err != nil {
			return fmt.Errorf("monitors[%d]: %w", i, err)
		}
		if _, err := ParseRole(m.Role); err != nil {
			return fmt.Errorf("monitors[%d]: %w", i, err)
		}
	}

	if total := cfg.TotalPowerValue(); total < cfg.MinSupplies {
		return fmt.Errorf("%w: total power value (%d) less than min_supplies (%d)",
			ErrImpossiblePower, total, cfg.MinSupplies)
	}

	if _, err := ParseShutdownExit(cfg.ShutdownExit); err != nil {
		return err
	}

	if cfg.CertVerify && cfg.CertPath == "" {
		return fmt.Errorf("cert_verify is set, but cert_path isn't")
	}

	for name := range cfg.Notify {
		if !knownNotifyEvents[strings.ToUpper(name)] {
			return fmt.Errorf("%q is not a valid notify event name", name)
		}
	}

	return nil
}

// knownNotifyEvents mirrors the monitor's event table; validation lives
// here so a bad override is rejected at load instead of being silently
// ignored at dispatch.
var knownNotifyEvents = map[string]bool{
	"ONLINE": true, "ONBATT": true, "LOWBATT": true, "FSD": true,
	"COMMOK": true, "COMMBAD": true, "SHUTDOWN": true, "REPLBATT": true,
	"NOCOMM": true, "NOPARENT": true, "CAL": true, "NOTCAL": true,
	"OFF": true, "NOTOFF": true, "BYPASS": true, "NOTBYPASS": true,
}
