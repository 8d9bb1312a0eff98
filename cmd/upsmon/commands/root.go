// Package commands implements the upsmon CLI: the monitoring daemon
// itself plus the control verbs for a running instance.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/networkupstools/nutmon/internal/logger"
	"github.com/networkupstools/nutmon/internal/metrics"
	"github.com/networkupstools/nutmon/internal/monitor"
	"github.com/networkupstools/nutmon/pkg/config"
	"github.com/networkupstools/nutmon/pkg/upsclient"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	cfgFile        string
	signalCmd      string
	signalPID      int
	checkPowerdown bool
	noSplit        bool
	runAsUser      string
	debugLevel     int
	foreground     bool
	background     bool
	forceIPv4      bool
	forceIPv6      bool
)

var rootCmd = &cobra.Command{
	Use:   "upsmon",
	Short: "Monitors UPS servers and may initiate shutdown if necessary",
	Long: `upsmon watches one or more UPS servers over the network and keeps
score of how much of this host's power supply is still protected. When the
sum of healthy power values drops below the configured minimum, it
coordinates an orderly shutdown: primaries flag the forced shutdown on the
server, wait for secondaries to log out, and then power the host off.

Use "upsmon -c fsd|reload|stop" to command a running instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errExitZero) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	if errors.Is(err, errExitZero) {
		return nil
	}
	return err
}

// errExitZero marks flows that end the process successfully without
// running the daemon (signalling, -K probe).
var errExitZero = errors.New("done")

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "f", "", "alternate configuration file")
	flags.StringVarP(&signalCmd, "command", "c", "", "send command to running process: fsd, reload or stop")
	flags.IntVarP(&signalPID, "pid", "P", 0, "send the command to this PID, bypassing the PID file")
	flags.BoolVarP(&checkPowerdown, "check-powerdown", "K", false, "check the power down flag and exit 0 if it is set")
	flags.BoolVarP(&noSplit, "no-split", "p", false, "always run privileged (disable the privileged parent)")
	flags.StringVarP(&runAsUser, "user", "u", "", "run the unprivileged child as this user")
	flags.CountVarP(&debugLevel, "debug", "D", "raise debugging verbosity (and stay in the foreground)")
	flags.BoolVarP(&foreground, "foreground", "F", false, "stay in the foreground even without debugging")
	flags.BoolVarP(&background, "background", "B", false, "go to the background even with debugging")
	flags.BoolVarP(&forceIPv4, "ipv4", "4", false, "connect over IPv4 only")
	flags.BoolVarP(&forceIPv6, "ipv6", "6", false, "connect over IPv6 only")

	rootCmd.AddCommand(versionCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	// commanding a running instance needs no configuration
	if signalCmd != "" || signalPID != 0 {
		if signalCmd == "" {
			return fmt.Errorf("-P requires -c to name the command")
		}
		if err := signalRunning(signalCmd, signalPID); err != nil {
			return err
		}
		return errExitZero
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	// the CLI verbosity cannot go below the configured floor
	verbosity := debugLevel
	if cfg.DebugMin > verbosity {
		verbosity = cfg.DebugMin
	}
	logger.SetDebugVerbosity(verbosity)

	if checkPowerdown {
		if monitor.PowerdownFlagStatus(cfg.PowerdownFlag) == monitor.PowerdownFlagSet {
			logger.Info("power down flag is set")
			return errExitZero
		}
		return fmt.Errorf("power down flag is not set")
	}

	// probe for a competing instance before starting (the split child is
	// re-executed by our own parent and skips the probe)
	if !monitor.IsSplitChild() {
		if pid, running := findRunningInstance(cfg); running {
			return fmt.Errorf("a previous upsmon instance is already running (PID %d); stop it first or use 'upsmon -c reload'", pid)
		}
	}

	if cfg.ShutdownCmd == "" {
		logger.Warn("no shutdown command defined")
	}

	if !monitor.IsSplitChild() {
		// get rid of a flag left over from a previous shutdown; a foreign
		// file at the path disables the feature for this run
		cfg.PowerdownFlag = monitor.ClearPowerdownFlag(cfg.PowerdownFlag)

		if shouldDaemonize() {
			return daemonize()
		}
	}

	return runMonitor(cfg, cfgPath)
}

// shouldDaemonize mirrors the classic behavior: debugging keeps the
// process in the foreground unless -B insists otherwise.
func shouldDaemonize() bool {
	if background {
		return true
	}
	if foreground || debugLevel > 0 {
		return false
	}
	return true
}

func runMonitor(cfg *config.Config, cfgPath string) error {
	var pipe *monitor.ShutdownPipe

	switch {
	case monitor.IsSplitChild():
		pipe = monitor.ChildPipe()

		if err := writePIDFile(cfg); err != nil {
			logger.Warn("cannot write PID file", logger.KeyError, err.Error())
		}

		user := runAsUser
		if user == "" {
			user = cfg.RunAsUser
		}
		if err := monitor.DropPrivileges(user); err != nil {
			return err
		}

	case splitSupported() && !noSplit:
		// the parent stays privileged and blocks until the child pulls
		// the shutdown trigger; this call does not return
		monitor.RunPrivilegedParent(cfg)

	default:
		if err := writePIDFile(cfg); err != nil {
			logger.Warn("cannot write PID file", logger.KeyError, err.Error())
		}
		logger.Info("running as one big privileged process by request")
	}
	defer removePIDFile(cfg)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if srv := metrics.Serve(cfg.Metrics.Listen); srv != nil {
			defer srv.Close()
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen)
		}
	}

	var family upsclient.ConnFlags
	if forceIPv4 {
		family = upsclient.ConnIPv4Only
	}
	if forceIPv6 {
		family = upsclient.ConnIPv6Only
	}

	m, err := monitor.New(cfg, monitor.Options{
		ConfigPath: cfgPath,
		AddrFamily: family,
		Pipe:       pipe,
	})
	if err != nil {
		return err
	}

	m.HandleSignals()

	err = m.Run()
	if errors.Is(err, monitor.ErrShutdownInitiated) {
		return errExitZero
	}
	return err
}
