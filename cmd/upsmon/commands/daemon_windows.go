//go:build windows

package commands

import (
	"fmt"
	"os"
)

func splitSupported() bool { return false }

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

func sendCommandSignal(int, string) error {
	return fmt.Errorf("commanding a running instance is not supported on this platform")
}

func daemonize() error { return nil }
