package monitor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/networkupstools/nutmon/internal/logger"
	"github.com/networkupstools/nutmon/internal/metrics"
	"github.com/networkupstools/nutmon/pkg/config"
)

// Event identifies one notification type.
type Event int

const (
	EventOnline Event = iota
	EventOnBatt
	EventLowBatt
	EventFSD
	EventCommOK
	EventCommBad
	EventShutdown
	EventReplBatt
	EventNoComm
	EventNoParent
	EventCal
	EventNotCal
	EventOff
	EventNotOff
	EventBypass
	EventNotBypass

	numEvents
)

// NotifyFlag selects the delivery channels of an event.
type NotifyFlag int

const (
	NotifyIgnore NotifyFlag = 1 << iota
	NotifySyslog
	NotifyWall
	NotifyExec
)

type notifyEntry struct {
	event    Event
	name     string
	stockMsg string
	msg      string // empty until overridden
	flags    NotifyFlag
}

// stockNotifyTable lists every event with its stock message (one %s
// substitution for the UPS identity) and default channel mask.
func stockNotifyTable() [numEvents]notifyEntry {
	return [numEvents]notifyEntry{
		{EventOnline, "ONLINE", "UPS %s on line power", "", NotifySyslog | NotifyWall},
		{EventOnBatt, "ONBATT", "UPS %s on battery", "", NotifySyslog | NotifyWall},
		{EventLowBatt, "LOWBATT", "UPS %s battery is low", "", NotifySyslog | NotifyWall},
		{EventFSD, "FSD", "UPS %s: forced shutdown in progress", "", NotifySyslog | NotifyWall},
		{EventCommOK, "COMMOK", "Communications with UPS %s established", "", NotifySyslog | NotifyWall},
		{EventCommBad, "COMMBAD", "Communications with UPS %s lost", "", NotifySyslog | NotifyWall},
		{EventShutdown, "SHUTDOWN", "Auto logout and shutdown proceeding", "", NotifySyslog | NotifyWall},
		{EventReplBatt, "REPLBATT", "UPS %s battery needs to be replaced", "", NotifySyslog | NotifyWall},
		{EventNoComm, "NOCOMM", "UPS %s is unavailable", "", NotifySyslog | NotifyWall},
		{EventNoParent, "NOPARENT", "upsmon parent process died - shutdown impossible", "", NotifySyslog | NotifyWall},
		{EventCal, "CAL", "UPS %s: calibration in progress", "", NotifySyslog},
		{EventNotCal, "NOTCAL", "UPS %s: calibration finished", "", NotifySyslog},
		{EventOff, "OFF", "UPS %s: administratively OFF or asleep", "", NotifySyslog},
		{EventNotOff, "NOTOFF", "UPS %s: no longer administratively OFF or asleep", "", NotifySyslog},
		{EventBypass, "BYPASS", "UPS %s: on bypass (powered, not protecting)", "", NotifySyslog},
		{EventNotBypass, "NOTBYPASS", "UPS %s: no longer on bypass", "", NotifySyslog},
	}
}

// notifySink is what the interpreter needs from the notification layer;
// tests substitute a recorder.
type notifySink interface {
	notify(event Event, upsName string)
}

// notifier formats events and fans them out to the configured channels.
// Wall and exec delivery runs in a spawned goroutine so a slow external
// command never stalls the poll loop.
type notifier struct {
	table     [numEvents]notifyEntry
	notifyCmd string
	metrics   *metrics.Monitor

	// runCmd is the subprocess launcher; swapped out by tests.
	runCmd func(name string, env []string, args ...string)
}

func newNotifier(cfg *config.Config, m *metrics.Monitor) (*notifier, error) {
	n := &notifier{
		table:     stockNotifyTable(),
		notifyCmd: cfg.NotifyCmd,
		metrics:   m,
		runCmd:    runCommand,
	}

	for name, ov := range cfg.Notify {
		idx := -1
		for i := range n.table {
			if strings.EqualFold(n.table[i].name, name) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%q is not a valid notify event name", name)
		}
		if ov.Message != "" {
			n.table[idx].msg = ov.Message
		}
		if len(ov.Flags) > 0 {
			var flags NotifyFlag
			for _, f := range ov.Flags {
				switch strings.ToUpper(f) {
				case "SYSLOG":
					flags |= NotifySyslog
				case "WALL":
					flags |= NotifyWall
				case "EXEC":
					flags |= NotifyExec
				case "IGNORE":
					flags |= NotifyIgnore
				default:
					return nil, fmt.Errorf("invalid notify flag %q for %s", f, name)
				}
			}
			n.table[idx].flags = flags
		}
	}

	return n, nil
}

// notify formats and dispatches one event. upsName is empty for events
// without a subject (SHUTDOWN, NOPARENT).
func (n *notifier) notify(event Event, upsName string) {
	entry := n.table[event]

	tmpl := entry.stockMsg
	if entry.msg != "" {
		tmpl = entry.msg
	}

	var msg string
	if strings.Contains(tmpl, "%s") {
		msg = fmt.Sprintf(tmpl, upsName)
	} else {
		msg = tmpl
	}

	logger.Debugf(2, "dispatching notification",
		logger.KeyEvent, entry.name, logger.KeyUPS, upsName)

	if entry.flags&NotifyIgnore != 0 {
		return
	}

	n.metrics.RecordNotification(entry.name)

	if entry.flags&NotifySyslog != 0 {
		logger.Info(msg, logger.KeyEvent, entry.name, logger.KeyUPS, upsName)
	}

	wantWall := entry.flags&NotifyWall != 0
	wantExec := entry.flags&NotifyExec != 0 && n.notifyCmd != ""
	if !wantWall && !wantExec {
		return
	}

	// hand the subprocess work to a goroutine; the loop does not wait
	go func() {
		if wantWall {
			n.runCmd("wall", nil, msg)
		}
		if wantExec {
			env := append(os.Environ(),
				"UPSNAME="+upsName,
				"NOTIFYTYPE="+entry.name,
			)
			n.runCmd(n.notifyCmd, env, msg)
		}
	}()
}

// runCommand launches name with args, waiting only to reap the process.
func runCommand(name string, env []string, args ...string) {
	cmd := exec.Command(name, args...)
	if env != nil {
		cmd.Env = env
	}
	if err := cmd.Run(); err != nil {
		logger.Warn("notifier command failed",
			logger.KeyCommand, name, logger.KeyError, err.Error())
	}
}
