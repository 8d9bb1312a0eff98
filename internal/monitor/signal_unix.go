//go:build !windows

package monitor

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/networkupstools/nutmon/internal/logger"
)

// Signals used to command a running instance.
const (
	SignalFSD    = syscall.SIGUSR1
	SignalStop   = syscall.SIGTERM
	SignalReload = syscall.SIGHUP
)

// HandleSignals wires the process signals to the loop flags: HUP reloads,
// INT/QUIT/TERM stop, USR1 forces a shutdown. SIGPIPE is ignored so a
// dying notifier can't take the daemon with it. The handlers only flip
// flags; all work happens at the top of the polling loop.
func (m *Monitor) HandleSignals() {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 4)
	signal.Notify(ch,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
		syscall.SIGUSR1,
	)

	go func() {
		for sig := range ch {
			logger.Debug("signal received", logger.KeySignal, sig.String())
			switch sig {
			case syscall.SIGHUP:
				m.RequestReload()
			case syscall.SIGUSR1:
				m.RequestFSD()
			default:
				m.RequestExit()
			}
		}
	}()
}
