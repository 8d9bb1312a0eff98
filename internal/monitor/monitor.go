// Package monitor implements the UPS monitoring core: per-UPS trackers,
// the status interpreter and critical evaluator, and the outer polling
// loop that aggregates power values and coordinates host shutdown.
//
// The loop is single-threaded: it is the sole mutator of tracker state.
// Signals and the config watcher only flip atomic flags that the loop
// observes at the top of each cycle; notification subprocesses are spawned
// and never waited for.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/networkupstools/nutmon/internal/logger"
	"github.com/networkupstools/nutmon/internal/metrics"
	"github.com/networkupstools/nutmon/pkg/config"
	"github.com/networkupstools/nutmon/pkg/upsclient"
)

// ErrShutdownInitiated is returned by Run after the forced-shutdown path
// has completed; it is the designed terminal outcome, not a failure.
var ErrShutdownInitiated = errors.New("shutdown initiated")

// syncSecondariesInterval is the wait between NUMLOGINS polls while the
// primary waits for secondaries to log out.
const syncSecondariesInterval = 250 * time.Millisecond

// noParentWarnInterval rate-limits the NOPARENT complaint.
const noParentWarnInterval = 2 * time.Minute

// Options adjust monitor construction beyond the configuration file.
type Options struct {
	// ConfigPath is watched for changes and re-read on reload.
	ConfigPath string

	// AddrFamily pins connections to tcp4/tcp6 (-4/-6 flags). Zero means
	// either.
	AddrFamily upsclient.ConnFlags

	// Pipe is the shutdown trigger toward the privileged parent; nil runs
	// the shutdown command in-process.
	Pipe *ShutdownPipe
}

// Monitor owns every tracker and runs the polling loop.
type Monitor struct {
	cfg      *config.Config
	cfgPath  string
	shutExit config.ShutdownExit

	trackers map[string]*Tracker
	order    []string

	notifier notifySink
	metrics  *metrics.Monitor

	pollInterval time.Duration
	addrFamily   upsclient.ConnFlags

	pipe            *ShutdownPipe
	lastNoParentWarn time.Time

	exitFlag   atomic.Bool
	reloadFlag atomic.Bool
	userFSD    atomic.Bool
	wake       chan struct{}

	// injection points for tests
	now            func() time.Time
	sleepFn        func(d time.Duration)
	connectFn      func(t *Tracker) (session, error)
	runShutdownCmd func(cmdline string)
}

// New builds a monitor from a validated configuration.
func New(cfg *config.Config, opts Options) (*Monitor, error) {
	mm := metrics.NewMonitor()

	n, err := newNotifier(cfg, mm)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:          cfg,
		cfgPath:      opts.ConfigPath,
		trackers:     make(map[string]*Tracker),
		notifier:     n,
		metrics:      mm,
		pollInterval: cfg.PollFreq,
		addrFamily:   opts.AddrFamily,
		pipe:         opts.Pipe,
		wake:         make(chan struct{}, 1),
		now:          time.Now,
	}
	m.sleepFn = m.interruptibleSleep
	m.connectFn = m.dialAndAuth
	m.runShutdownCmd = runShellCommand

	m.shutExit, err = config.ParseShutdownExit(cfg.ShutdownExit)
	if err != nil {
		return nil, err
	}

	for _, mc := range cfg.Monitors {
		t, err := newTracker(mc)
		if err != nil {
			return nil, err
		}
		key := t.Name()
		if _, dup := m.trackers[key]; dup {
			logger.Warn("ignoring duplicate UPS", logger.KeyUPS, key)
			continue
		}
		m.trackers[key] = t
		m.order = append(m.order, key)

		if t.pv > 0 {
			logger.Info("monitoring UPS", logger.KeyUPS, key,
				logger.KeyRole, t.role.String(), logger.KeyPower, t.pv)
		} else {
			logger.Info("monitoring UPS (monitoring only)", logger.KeyUPS, key)
		}
	}

	m.metrics.SetTotalPower(cfg.TotalPowerValue())
	return m, nil
}

// RequestExit asks the loop to stop at the next cycle.
func (m *Monitor) RequestExit() {
	m.exitFlag.Store(true)
	m.wakeUp()
}

// RequestReload asks the loop to re-read the configuration.
func (m *Monitor) RequestReload() {
	m.reloadFlag.Store(true)
	m.wakeUp()
}

// RequestFSD asks the loop to run the forced-shutdown path immediately,
// as if the power budget had been violated.
func (m *Monitor) RequestFSD() {
	m.userFSD.Store(true)
	m.wakeUp()
}

func (m *Monitor) wakeUp() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run executes the polling loop until an exit is requested or a shutdown
// is initiated. It returns ErrShutdownInitiated on the terminal path, nil
// on a clean stop, and any other error for fatal conditions (such as a
// reload that breaks the power budget).
func (m *Monitor) Run() error {
	if watcher := m.watchConfig(); watcher != nil {
		defer watcher.Close()
	}

	defer m.disconnectAll()

	for !m.exitFlag.Load() {
		if m.userFSD.Load() {
			logger.Warn("user requested forced shutdown")
			return m.forceShutdown()
		}

		if m.reloadFlag.Load() {
			if err := m.reload(); err != nil {
				return err
			}
			m.reloadFlag.Store(false)
		}

		for _, key := range m.order {
			m.pollUPS(m.trackers[key])
		}

		if shutdown := m.recalc(); shutdown {
			return m.forceShutdown()
		}

		if m.pipe != nil {
			m.checkParent()
		}

		m.sleepFn(m.pollInterval)
	}

	logger.Info("exiting on request")
	return nil
}

// interruptibleSleep naps for d but returns early when a signal flag was
// raised, so the loop top observes it promptly.
func (m *Monitor) interruptibleSleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-m.wake:
	}
}

// watchConfig arranges a reload when the configuration file changes on
// disk, complementing the reload signal.
func (m *Monitor) watchConfig() *fsnotify.Watcher {
	if m.cfgPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch unavailable", logger.KeyError, err.Error())
		return nil
	}
	if err := watcher.Add(m.cfgPath); err != nil {
		logger.Warn("config watch unavailable", logger.KeyError, err.Error())
		watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					logger.Info("configuration file changed, scheduling reload")
					m.RequestReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", logger.KeyError, err.Error())
			}
		}
	}()
	return watcher
}

// dialAndAuth establishes a session: connect, optional TLS upgrade, then
// USERNAME / PASSWORD / LOGIN and, for primaries, the managerial-mode
// request.
func (m *Monitor) dialAndAuth(t *Tracker) (session, error) {
	forceSSL := m.cfg.ForceSSL
	certVerify := m.cfg.CertVerify
	serverName := ""

	// per-host overrides win over the global TLS policy
	if ch, ok := m.cfg.CertHostFor(t.ident.Host); ok {
		forceSSL = ch.ForceSSL
		certVerify = ch.Verify
		serverName = ch.CertName
	}

	flags := m.addrFamily
	if forceSSL {
		flags |= upsclient.ConnReqSSL
	} else {
		flags |= upsclient.ConnTrySSL
	}
	if certVerify {
		flags |= upsclient.ConnCertVerify
	}

	s, err := upsclient.Connect(context.Background(), t.ident.Host, t.ident.Port, upsclient.Config{
		Flags:      flags,
		CertPath:   m.cfg.CertPath,
		ServerName: serverName,
	})
	if err != nil {
		return nil, err
	}

	if err := m.authenticate(s, t); err != nil {
		s.Disconnect()
		return nil, err
	}
	return s, nil
}

// tryConnect runs the connection sequence for a tracker without a live
// session. Returns true when the tracker ends up fully logged in.
func (m *Monitor) tryConnect(t *Tracker) bool {
	logger.Debug("trying to connect", logger.KeyUPS, t.Name())

	t.status &^= StConnected

	s, err := m.connectFn(t)
	if err != nil {
		logger.Error("connect failed", logger.KeyUPS, t.Name(), logger.KeyError, err.Error())
		m.upsGone(t)
		return false
	}

	t.conn = s
	t.status |= StConnected | StLoggedIn
	return true
}

// authenticate drives the login exchange over an established session.
func (m *Monitor) authenticate(s session, t *Tracker) error {
	if t.creds.Username == "" {
		return fmt.Errorf("no username defined for UPS [%s]", t.Name())
	}

	steps := []struct {
		what string
		line string
	}{
		{"set username", "USERNAME " + t.creds.Username},
		{"set password", "PASSWORD " + t.creds.Password},
		{"login", "LOGIN " + t.ident.UPSName},
	}

	for _, step := range steps {
		if err := s.SendLine(step.line); err != nil {
			return fmt.Errorf("%s: %w", step.what, err)
		}
		reply, err := s.ReadLine()
		if err != nil {
			return fmt.Errorf("%s: %w", step.what, err)
		}
		// catch insanity from the server - not ERR and not OK either
		if len(reply) < 2 || reply[:2] != "OK" {
			return fmt.Errorf("%s: unexpected response [%s]", step.what, reply)
		}
	}

	logger.Debug("logged in", logger.KeyUPS, t.Name())

	// managerial mode failure is logged but does not fail the login; the
	// tracker keeps polling without managerial permissions
	if t.role == config.RolePrimary {
		if !m.applyForPrimary(s, t) {
			logger.Warn("managerial privileges unavailable, polling without them",
				logger.KeyUPS, t.Name())
		}
	}
	return nil
}

// applyForPrimary claims managerial mode, retrying with the legacy MASTER
// keyword when the server predates PRIMARY.
func (m *Monitor) applyForPrimary(s session, t *Tracker) bool {
	for _, keyword := range []string{"PRIMARY", "MASTER"} {
		if err := s.SendLine(keyword + " " + t.ident.UPSName); err != nil {
			logger.Error("can't set managerial mode", logger.KeyUPS, t.Name(),
				logger.KeyError, err.Error())
			return false
		}

		reply, err := s.ReadLine()
		if err == nil && len(reply) >= 2 && reply[:2] == "OK" {
			return true
		}
		if err != nil && upsclient.ErrKind(err).Transport() {
			logger.Error("can't set managerial mode", logger.KeyUPS, t.Name(),
				logger.KeyError, err.Error())
			return false
		}
		// rejected; an older server may still know the next keyword
	}
	return false
}

// getVar fetches one of the two variables the monitor cares about and
// returns its value word.
func (m *Monitor) getVar(t *Tracker, name string) (string, error) {
	var query []string
	switch name {
	case "status":
		query = []string{"VAR", t.ident.UPSName, "ups.status"}
	case "numlogins":
		query = []string{"NUMLOGINS", t.ident.UPSName}
	default:
		return "", fmt.Errorf("getVar: unsupported variable %q", name)
	}

	if t.conn == nil {
		return "", &upsclient.Error{Kind: upsclient.KindInvalidArgument}
	}

	answer, err := t.conn.Get(query...)
	if err != nil {
		if upsclient.ErrKind(err) == upsclient.KindUnknownCommand {
			logger.Error("UPS too old to monitor", logger.KeyUPS, t.Name())
		}
		return "", err
	}
	if len(answer) <= len(query) {
		return "", &upsclient.Error{Kind: upsclient.KindProtocol}
	}
	return answer[len(query)], nil
}

// pollUPS reconnects as needed, fetches ups.status and feeds it through
// the interpreter. Failures run through the log throttle and the comm-loss
// notifications.
func (m *Monitor) pollUPS(t *Tracker) {
	if t.conn == nil || !t.conn.Connected() {
		if !m.tryConnect(t) {
			return
		}
	}

	if t.conn.TLS() {
		logger.Debugf(2, "polling", logger.KeyUPS, t.Name(), "tls", true)
	} else {
		logger.Debugf(2, "polling", logger.KeyUPS, t.Name())
	}

	status, err := m.getVar(t, "status")
	if err == nil {
		m.metrics.RecordPoll(t.Name())

		// notify the throttled log that the failure state ended
		if m.cfg.PollFailLogThrottleMax >= 0 && t.throttleSeen {
			logger.Error("poll recovered from failure state",
				logger.KeyUPS, t.Name(), "kind", t.throttleKind.String())
		}
		t.throttleSeen = false
		t.throttleCount = -1

		m.parseStatus(t, status)
		return
	}

	// fallthrough: no communications
	kind := upsclient.ErrKind(err)
	m.metrics.RecordPollFailure(t.Name(), kind.String())

	if m.shouldLogPollFail(t, kind) {
		logger.Error("poll UPS failed", logger.KeyUPS, t.Name(), logger.KeyError, err.Error())
	} else {
		logger.Debug("poll UPS failed", logger.KeyUPS, t.Name(), logger.KeyError, err.Error())
	}

	// throw COMMBAD or NOCOMM as conditions warrant
	m.upsGone(t)

	// if the client lost the connection, clean up our side of it
	if !t.conn.Connected() {
		t.dropConnection()
	}
}

// shouldLogPollFail applies the poll-failure throttle: a negative max logs
// every cycle, zero logs state changes only, a positive max repeats every
// max cycles.
func (m *Monitor) shouldLogPollFail(t *Tracker, kind upsclient.ErrorKind) bool {
	limit := m.cfg.PollFailLogThrottleMax

	if limit < 0 {
		return true
	}

	if t.throttleSeen && t.throttleKind == kind {
		if limit == 0 {
			return false
		}
		t.throttleCount++
		if t.throttleCount >= limit {
			t.throttleCount = 0
			return true
		}
		return false
	}

	// new failure state: log it now and announce the suppression policy
	if limit == 0 {
		logger.Error("poll failure state changed; report below will not be repeated",
			logger.KeyUPS, t.Name(), "kind", kind.String())
	} else {
		logger.Error("poll failure state changed; report below will only be repeated periodically",
			logger.KeyUPS, t.Name(), "kind", kind.String(), "every_cycles", limit)
	}
	t.throttleSeen = true
	t.throttleKind = kind
	t.throttleCount = 0
	return true
}

// recalc promotes AWOL on-battery UPSes, sums the power value of every
// non-critical tracker and reports whether the budget is violated.
func (m *Monitor) recalc() bool {
	var available uint
	now := m.now()

	for _, key := range m.order {
		t := m.trackers[key]

		// promote dead UPSes that were last known OB to OB+LB, without a
		// notification, so an AWOL on-battery UPS can count as critical
		if now.Sub(t.lastPoll) > m.cfg.DeadTime && t.status.has(StOnBatt) {
			logger.Debug("promoting dead UPS to low battery", logger.KeyUPS, t.Name())
			t.status |= StLowBatt
		}

		// a UPS that isn't critical is assumed OK; one we never heard
		// from counts as online
		if m.isCritical(t) {
			logger.Debug("critical UPS", logger.KeyUPS, t.Name())
			m.metrics.SetCritical(t.Name(), true)
			continue
		}
		m.metrics.SetCritical(t.Name(), false)
		available += t.pv
	}

	logger.Debugf(3, "power value recalculated",
		"available", available, "minimum", m.cfg.MinSupplies)
	m.metrics.SetAvailablePower(available)

	return available < m.cfg.MinSupplies
}

// setFSD tells the server a forced shutdown is in progress so secondaries
// on other hosts find out.
func (m *Monitor) setFSD(t *Tracker) {
	logger.Debug("setting FSD", logger.KeyUPS, t.Name())

	if t.conn == nil {
		logger.Error("FSD set failed: not connected", logger.KeyUPS, t.Name())
		return
	}
	if err := t.conn.SendLine("FSD " + t.ident.UPSName); err != nil {
		logger.Error("FSD set failed", logger.KeyUPS, t.Name(), logger.KeyError, err.Error())
		return
	}
	reply, err := t.conn.ReadLine()
	if err != nil {
		logger.Error("FSD set failed", logger.KeyUPS, t.Name(), logger.KeyError, err.Error())
		return
	}
	if len(reply) < 2 || reply[:2] != "OK" {
		logger.Error("FSD set failed", logger.KeyUPS, t.Name(), logger.KeyError, reply)
	}
}

// syncSecondaries polls NUMLOGINS on every primary-mode tracker until only
// our own login remains or host_sync expires.
func (m *Monitor) syncSecondaries() {
	start := m.now()

	for {
		var maxLogins int64

		for _, key := range m.order {
			t := m.trackers[key]
			if !t.status.has(StPrimary) {
				continue
			}

			val, err := m.getVar(t, "numlogins")
			if err != nil {
				continue
			}
			if logins, perr := strconv.ParseInt(val, 10, 64); perr == nil && logins > maxLogins {
				maxLogins = logins
			}
		}

		// no UPS with more than one login means the secondaries are gone
		if maxLogins <= 1 {
			return
		}

		if m.now().Sub(start) > m.cfg.HostSync {
			logger.Info("host sync timer expired, forcing shutdown")
			return
		}

		m.sleepFn(syncSecondariesInterval)
	}
}

// forceShutdown is the terminal path: announce FSD on every primary, wait
// for secondaries, then shut the host down.
func (m *Monitor) forceShutdown() error {
	logger.Debug("shutting down any UPSes in primary mode")

	isAPrimary := false
	for _, key := range m.order {
		t := m.trackers[key]
		if t.status.has(StPrimary) {
			isAPrimary = true
			m.setFSD(t)
		}
	}

	// as a pure secondary there is nobody to wait for
	if isAPrimary {
		logger.Debug("this system is a primary, waiting for secondaries to log out")
		m.syncSecondaries()
	}

	return m.doShutdown()
}

// doShutdown emits the SHUTDOWN notification, waits final_delay, triggers
// the host shutdown and applies the shutdown_exit policy.
func (m *Monitor) doShutdown() error {
	logger.Error("executing automatic power-fail shutdown")
	m.notifier.notify(EventShutdown, "")

	m.sleepFn(m.cfg.FinalDelay)

	if m.pipe != nil {
		// the privileged parent writes the flag file and runs the command
		if err := m.pipe.Trigger(); err != nil {
			logger.Error("unable to signal parent for shutdown", logger.KeyError, err.Error())
		}
	} else {
		if os.Geteuid() != 0 {
			logger.Warn("not root, shutdown may fail")
		}

		if err := WritePowerdownFlag(m.cfg.PowerdownFlag); err != nil {
			logger.Error("failed to create power down flag", logger.KeyError, err.Error())
		}

		if m.cfg.ShutdownCmd == "" {
			logger.Error("no shutdown command defined")
		} else {
			m.runShutdownCmd(m.cfg.ShutdownCmd)
		}
	}

	switch {
	case m.shutExit.Never:
		logger.Warn("configured to not exit after initiating shutdown")
		for !m.exitFlag.Load() {
			m.sleepFn(time.Second)
		}
	case m.shutExit.Delay > 0:
		logger.Warn("delaying exit after initiating shutdown",
			logger.KeyDuration, m.shutExit.Delay.String())
		deadline := m.now().Add(m.shutExit.Delay)
		for !m.exitFlag.Load() && m.now().Before(deadline) {
			m.sleepFn(time.Second)
		}
	default:
		logger.Debug("exiting immediately after initiating shutdown")
	}

	return ErrShutdownInitiated
}

// checkParent makes sure the privileged parent is still around; without it
// the shutdown command can no longer be executed.
func (m *Monitor) checkParent() {
	if m.pipe.ParentAlive() {
		return
	}

	now := m.now()
	if now.Sub(m.lastNoParentWarn) < noParentWarnInterval {
		return
	}
	m.lastNoParentWarn = now

	m.notifier.notify(EventNoParent, "")
	logger.Error("parent died - shutdown impossible")
}

// reload re-reads the configuration: surviving trackers are redefined in
// place, vanished ones are disconnected and dropped, new ones join. A
// configuration that breaks the power budget is fatal.
func (m *Monitor) reload() error {
	logger.Info("reloading configuration")

	cfg, err := config.Load(m.cfgPath)
	if err != nil {
		if errors.Is(err, config.ErrImpossiblePower) {
			logger.Error("fatal reload error", logger.KeyError, err.Error())
			return err
		}
		logger.Error("reload failed, keeping previous configuration", logger.KeyError, err.Error())
		return nil
	}

	n, err := newNotifier(cfg, m.metrics)
	if err != nil {
		logger.Error("reload failed, keeping previous configuration", logger.KeyError, err.Error())
		return nil
	}

	shutExit, err := config.ParseShutdownExit(cfg.ShutdownExit)
	if err != nil {
		logger.Error("reload failed, keeping previous configuration", logger.KeyError, err.Error())
		return nil
	}

	next := make(map[string]*Tracker, len(cfg.Monitors))
	var order []string

	for _, mc := range cfg.Monitors {
		t, terr := newTracker(mc)
		if terr != nil {
			logger.Error("reload failed, keeping previous configuration", logger.KeyError, terr.Error())
			return nil
		}
		key := t.Name()
		if _, dup := next[key]; dup {
			continue
		}

		if old, ok := m.trackers[key]; ok {
			// surviving UPS: keep transient state, apply new settings
			old.redefine(mc)
			next[key] = old
		} else {
			logger.Info("now monitoring UPS", logger.KeyUPS, key, logger.KeyRole, t.role.String())
			next[key] = t
		}
		order = append(order, key)
	}

	// whatever is left was dropped from the configuration
	for key, t := range m.trackers {
		if _, kept := next[key]; !kept {
			logger.Info("no longer monitoring UPS", logger.KeyUPS, key)
			t.dropConnection()
			m.metrics.DropUPS(key)
		}
	}

	m.cfg = cfg
	m.shutExit = shutExit
	m.notifier = n
	m.trackers = next
	m.order = order
	m.metrics.SetTotalPower(cfg.TotalPowerValue())

	// re-derive the poll interval from the surviving state
	m.pollInterval = cfg.PollFreq
	for _, t := range m.trackers {
		if t.status&hotStatus != 0 {
			m.pollInterval = cfg.PollFreqAlert
			break
		}
	}

	return nil
}

func (m *Monitor) disconnectAll() {
	for _, t := range m.trackers {
		if t.conn != nil {
			t.dropConnection()
		}
	}
}

// runShellCommand hands the configured command line to the shell, the way
// operators expect SHUTDOWNCMD strings to be interpreted.
func runShellCommand(cmdline string) {
	if err := exec.Command("/bin/sh", "-c", cmdline).Run(); err != nil {
		logger.Error("unable to call shutdown command",
			logger.KeyCommand, cmdline, logger.KeyError, err.Error())
	}
}
