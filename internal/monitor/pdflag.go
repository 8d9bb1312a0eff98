package monitor

import (
	"errors"
	"os"
	"strings"

	"github.com/networkupstools/nutmon/internal/logger"
)

// powerdownMagic is the required contents of the flag file. An early-boot
// script checks for it to know the last reboot was a power event and the
// UPS should be told to cut its output after the OS halts.
const powerdownMagic = "upsmon-shutdown-file"

// PowerdownFlagState describes what is at the configured flag path.
type PowerdownFlagState int

const (
	// PowerdownFlagUnusable means no path is configured.
	PowerdownFlagUnusable PowerdownFlagState = iota
	// PowerdownFlagAbsent means the file does not exist.
	PowerdownFlagAbsent
	// PowerdownFlagSet means the file exists with the magic contents.
	PowerdownFlagSet
	// PowerdownFlagForeign means something else lives at that path.
	PowerdownFlagForeign
)

// PowerdownFlagStatus inspects the flag file without touching it.
func PowerdownFlagStatus(path string) PowerdownFlagState {
	if path == "" {
		return PowerdownFlagUnusable
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("power down flag exists, but can't be read",
				"path", path, logger.KeyError, err.Error())
		}
		return PowerdownFlagAbsent
	}

	if strings.HasPrefix(string(data), powerdownMagic) {
		return PowerdownFlagSet
	}
	return PowerdownFlagForeign
}

// WritePowerdownFlag creates the flag file with the magic contents. A
// missing path is not an error; the feature is simply unconfigured.
func WritePowerdownFlag(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(powerdownMagic), 0o644)
}

// ClearPowerdownFlag removes a leftover flag from a previous shutdown, but
// only when its contents prove it is ours: a misconfigured path pointing
// at something important must not be deleted. A foreign file disables the
// feature; the returned path is empty in that case.
func ClearPowerdownFlag(path string) string {
	switch PowerdownFlagStatus(path) {
	case PowerdownFlagForeign:
		logger.Error("power down flag file does not contain the magic string - disabling",
			"path", path)
		return ""
	case PowerdownFlagSet:
		if err := os.Remove(path); err != nil {
			logger.Error("failed to remove power down flag",
				"path", path, logger.KeyError, err.Error())
		}
	}
	return path
}
