package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/networkupstools/nutmon/internal/logger"
	"github.com/networkupstools/nutmon/pkg/config"
)

// pidFilePath resolves the PID file location: the configured override, or
// /var/run for root and the XDG state dir otherwise.
func pidFilePath(cfg *config.Config) string {
	if cfg != nil && cfg.PIDFile != "" {
		return cfg.PIDFile
	}
	if os.Geteuid() == 0 {
		return "/var/run/upsmon.pid"
	}
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "/tmp/upsmon.pid"
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "upsmon", "upsmon.pid")
}

func writePIDFile(cfg *config.Config) error {
	path := pidFilePath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePIDFile(cfg *config.Config) {
	path := pidFilePath(cfg)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	// don't remove a file that belongs to a different instance
	if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid == os.Getpid() {
		_ = os.Remove(path)
	}
}

func readPIDFile(cfg *config.Config) (int, error) {
	path := pidFilePath(cfg)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("could not find PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("could not parse PID file %s", path)
	}
	return pid, nil
}

// findRunningInstance probes the PID file for a live competing daemon.
func findRunningInstance(cfg *config.Config) (int, bool) {
	pid, err := readPIDFile(cfg)
	if err != nil {
		return 0, false
	}
	if !processAlive(pid) {
		logger.Debug("stale PID file ignored", logger.KeyPID, pid)
		return 0, false
	}
	return pid, true
}

// signalRunning delivers a control command to a running instance, looked
// up via the PID file unless an explicit PID was given.
func signalRunning(command string, pid int) error {
	if pid == 0 {
		var err error
		pid, err = readPIDFile(nil)
		if err != nil {
			return fmt.Errorf("failed to signal the running daemon: %w", err)
		}
	}

	if err := sendCommandSignal(pid, command); err != nil {
		return fmt.Errorf("failed to signal PID %d: %w", pid, err)
	}
	logger.Debug("signaled running daemon", logger.KeyPID, pid, logger.KeyCommand, command)
	return nil
}
