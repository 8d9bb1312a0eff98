//go:build windows

package monitor

import (
	"os"
	"os/signal"
)

// HandleSignals covers the interrupt-only signal surface of Windows.
func (m *Monitor) HandleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	go func() {
		for range ch {
			m.RequestExit()
		}
	}()
}
