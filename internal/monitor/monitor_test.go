package monitor

import (
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/networkupstools/nutmon/internal/logger"
	"github.com/networkupstools/nutmon/pkg/config"
	"github.com/networkupstools/nutmon/pkg/upsclient"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter(io.Discard, "ERROR", "text")
	os.Exit(m.Run())
}

// fakeClock gives tests full control over the monitor's idea of time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordSink captures dispatched notifications in order.
type recordSink struct {
	mu     sync.Mutex
	events []Event
	names  []string
}

func (r *recordSink) notify(event Event, upsName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.names = append(r.names, upsName)
}

func (r *recordSink) count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recordSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.names = nil
}

// scriptSession is a canned protocol session: each status poll consumes
// the next entry; an entry of "!" fails the poll with a read error and
// drops the connection, mimicking a vanished server.
type scriptSession struct {
	upsName   string
	statuses  []string
	numLogins []string
	statusIdx int
	loginsIdx int
	lines     []string // every raw line sent via SendLine
	replies   map[string]string
	connected bool
}

func newScriptSession(upsName string, statuses ...string) *scriptSession {
	return &scriptSession{
		upsName:   upsName,
		statuses:  statuses,
		connected: true,
		replies:   map[string]string{},
	}
}

func (s *scriptSession) Get(query ...string) ([]string, error) {
	if !s.connected {
		return nil, &upsclient.Error{Kind: upsclient.KindInvalidArgument}
	}

	switch query[0] {
	case "VAR":
		if s.statusIdx >= len(s.statuses) {
			return nil, &upsclient.Error{Kind: upsclient.KindDataStale}
		}
		status := s.statuses[s.statusIdx]
		s.statusIdx++
		if status == "!" {
			s.connected = false
			return nil, &upsclient.Error{Kind: upsclient.KindRead}
		}
		return append(append([]string{}, query...), status), nil

	case "NUMLOGINS":
		if len(s.numLogins) == 0 {
			return append(append([]string{}, query...), "1"), nil
		}
		idx := s.loginsIdx
		if idx >= len(s.numLogins) {
			idx = len(s.numLogins) - 1
		}
		s.loginsIdx++
		return append(append([]string{}, query...), s.numLogins[idx]), nil
	}
	return nil, &upsclient.Error{Kind: upsclient.KindProtocol}
}

func (s *scriptSession) SendLine(text string) error {
	if !s.connected {
		return &upsclient.Error{Kind: upsclient.KindWrite}
	}
	s.lines = append(s.lines, text)
	return nil
}

func (s *scriptSession) ReadLine() (string, error) {
	if len(s.lines) == 0 {
		return "OK", nil
	}
	last := s.lines[len(s.lines)-1]
	if reply, ok := s.replies[last]; ok {
		if reply[:3] == "ERR" {
			return "", &upsclient.Error{Kind: tokenKind(reply)}
		}
		return reply, nil
	}
	return "OK", nil
}

func tokenKind(reply string) upsclient.ErrorKind {
	switch reply {
	case "ERR UNKNOWN-COMMAND":
		return upsclient.KindUnknownCommand
	case "ERR ACCESS-DENIED":
		return upsclient.KindAccessDenied
	}
	return upsclient.KindUnknown
}

func (s *scriptSession) Disconnect()     { s.connected = false }
func (s *scriptSession) Connected() bool { return s.connected }
func (s *scriptSession) TLS() bool       { return false }

// sentCommands filters the raw lines by verb.
func (s *scriptSession) sentCommands(verb string) []string {
	var out []string
	for _, l := range s.lines {
		if len(l) >= len(verb) && l[:len(verb)] == verb {
			out = append(out, l)
		}
	}
	return out
}

// testMonitorConfig is a one-primary, power-value-1 baseline the scenario
// tests build on.
func testMonitorConfig(mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{
		Monitors: []config.Monitor{{
			System:     "myups@localhost",
			PowerValue: 1,
			Username:   "monuser",
			Password:   "secret",
			Role:       "primary",
		}},
		MinSupplies:            1,
		ShutdownCmd:            "/sbin/shutdown -h +0",
		PollFreq:               5 * time.Second,
		PollFreqAlert:          time.Second,
		HostSync:               15 * time.Second,
		DeadTime:               15 * time.Second,
		RBWarnTime:             12 * time.Hour,
		NoCommWarnTime:         5 * time.Minute,
		FinalDelay:             0,
		OffDuration:            30 * time.Second,
		PollFailLogThrottleMax: -1,
		ShutdownExit:           "yes",
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

type testRig struct {
	m        *Monitor
	clock    *fakeClock
	sink     *recordSink
	sess     *scriptSession
	shutCmds []string
}

// newTestRig wires a monitor to a scripted session, a fake clock, a
// notification recorder and a captured shutdown command.
func newTestRig(t *testing.T, cfg *config.Config, sess *scriptSession) *testRig {
	t.Helper()

	m, err := New(cfg, Options{})
	require.NoError(t, err)

	rig := &testRig{m: m, clock: newFakeClock(), sink: &recordSink{}, sess: sess}

	m.now = rig.clock.now
	m.notifier = rig.sink
	// advance the fake clock instead of sleeping; the tiny real nap keeps
	// Run-loop tests from spinning hot
	m.sleepFn = func(d time.Duration) {
		rig.clock.advance(d)
		time.Sleep(time.Millisecond)
	}
	m.connectFn = func(*Tracker) (session, error) {
		if sess == nil {
			return nil, &upsclient.Error{Kind: upsclient.KindConnectFailure}
		}
		return sess, nil
	}
	m.runShutdownCmd = func(cmdline string) { rig.shutCmds = append(rig.shutCmds, cmdline) }
	return rig
}

func (r *testRig) tracker() *Tracker {
	return r.m.trackers[r.m.order[0]]
}

// cycle runs one iteration of the poll loop body.
func (r *testRig) cycle() bool {
	for _, key := range r.m.order {
		r.m.pollUPS(r.m.trackers[key])
	}
	return r.m.recalc()
}

// Scenario: simple battery-then-low on a single primary. One ONBATT
// notification after the second poll, then FSD and shutdown on the third.
func TestScenarioBatteryThenLow(t *testing.T) {
	sess := newScriptSession("myups", "OL", "OB", "OB LB")
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.False(t, rig.cycle())
	require.Equal(t, 0, rig.sink.count(EventOnline), "first OL must stay silent")

	require.False(t, rig.cycle())
	require.Equal(t, 1, rig.sink.count(EventOnBatt))

	require.True(t, rig.cycle(), "OB LB must violate the power budget")
	require.Equal(t, 1, rig.sink.count(EventLowBatt))

	err := rig.m.forceShutdown()
	require.ErrorIs(t, err, ErrShutdownInitiated)

	// FSD went to the server before the host shutdown
	require.Equal(t, []string{"FSD myups"}, sess.sentCommands("FSD"))
	require.Equal(t, []string{"/sbin/shutdown -h +0"}, rig.shutCmds)
	require.Equal(t, 1, rig.sink.count(EventShutdown))
}

// Scenario: OB+LB during calibration must not shut anything down.
func TestScenarioCalibration(t *testing.T) {
	sess := newScriptSession("myups", "OB LB CAL", "OL")
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.False(t, rig.cycle(), "calibrating UPS must not be critical")
	require.Equal(t, 1, rig.sink.count(EventOnBatt))
	require.Equal(t, 1, rig.sink.count(EventLowBatt))
	require.Equal(t, 1, rig.sink.count(EventCal))
	require.Equal(t, time.Second, rig.m.pollInterval, "calibration is a hot state")

	require.False(t, rig.cycle())
	require.Equal(t, 1, rig.sink.count(EventNotCal))
	require.Equal(t, 1, rig.sink.count(EventOnline), "OL after OB is a real transition")
	require.Equal(t, 5*time.Second, rig.m.pollInterval, "leaving CAL relaxes polling")
}

// Scenario: administrative OFF only counts after off_duration.
func TestScenarioAdminOffDelay(t *testing.T) {
	sess := newScriptSession("myups", "OL", "OFF", "OFF", "OFF")
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.False(t, rig.cycle())

	require.False(t, rig.cycle(), "OFF just observed")
	require.Equal(t, 1, rig.sink.count(EventOff))
	require.False(t, rig.tracker().offState)

	rig.clock.advance(20 * time.Second)
	require.False(t, rig.cycle(), "OFF for 20s with off_duration 30s")
	require.False(t, rig.tracker().offState)

	rig.clock.advance(11 * time.Second)
	require.True(t, rig.cycle(), "OFF past off_duration is critical")
	require.True(t, rig.tracker().offState)
}

// Negative off_duration disables the promotion entirely.
func TestAdminOffPromotionDisabled(t *testing.T) {
	cfg := testMonitorConfig(func(c *config.Config) { c.OffDuration = -1 })
	sess := newScriptSession("myups", "OFF", "OFF")
	rig := newTestRig(t, cfg, sess)

	require.False(t, rig.cycle())
	rig.clock.advance(time.Hour)
	require.False(t, rig.cycle())
	require.False(t, rig.tracker().offState)
}

// Scenario: comms lost while the last known state was calibration.
func TestScenarioCommsLostWhileCal(t *testing.T) {
	sess := newScriptSession("myups", "OL CAL", "!")
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.False(t, rig.cycle())
	require.Equal(t, 1, rig.sink.count(EventCal))

	rig.clock.advance(16 * time.Second)
	require.True(t, rig.cycle(), "no comms + last known CAL = assume dead")
	require.Equal(t, 1, rig.sink.count(EventCommBad))
}

// Scenario: a secondary grants the primary host_sync before acting on
// OB+LB, a primary acts at once.
func TestSecondaryHostSyncGrace(t *testing.T) {
	cfg := testMonitorConfig(func(c *config.Config) {
		c.Monitors[0].Role = "secondary"
	})
	sess := newScriptSession("myups", "OL", "OB LB", "OB LB")
	rig := newTestRig(t, cfg, sess)

	require.False(t, rig.cycle())

	require.False(t, rig.cycle(), "secondary waits for the primary")

	rig.clock.advance(16 * time.Second)
	require.True(t, rig.cycle(), "host_sync expired, acting unilaterally")
}

// sync_secondaries waits until only our own login remains.
func TestSyncSecondaries(t *testing.T) {
	sess := newScriptSession("myups", "OL")
	sess.numLogins = []string{"3", "2", "1"}
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.False(t, rig.cycle())

	start := rig.clock.now()
	rig.m.syncSecondaries()
	require.Equal(t, 3, sess.loginsIdx, "needs three polls to drain")
	require.Less(t, rig.clock.now().Sub(start), 2*time.Second)
}

// sync_secondaries gives up after host_sync.
func TestSyncSecondariesTimeout(t *testing.T) {
	sess := newScriptSession("myups", "OL")
	sess.numLogins = []string{"5"}
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.False(t, rig.cycle())

	start := rig.clock.now()
	rig.m.syncSecondaries()
	elapsed := rig.clock.now().Sub(start)
	require.Greater(t, elapsed, 15*time.Second, "must wait out host_sync")
	require.Less(t, elapsed, 17*time.Second)
}

// Scenario: PRIMARY rejected with UNKNOWN-COMMAND falls back to MASTER.
func TestPrimaryMasterFallback(t *testing.T) {
	sess := newScriptSession("myups", "OL")
	sess.replies["PRIMARY myups"] = "ERR UNKNOWN-COMMAND"
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	ok := rig.m.applyForPrimary(sess, rig.tracker())
	require.True(t, ok, "MASTER fallback must succeed")
	require.Equal(t, []string{"PRIMARY myups", "MASTER myups"}, sess.lines)
}

func TestPrimaryDeniedKeepsPolling(t *testing.T) {
	sess := newScriptSession("myups", "OL")
	sess.replies["PRIMARY myups"] = "ERR ACCESS-DENIED"
	sess.replies["MASTER myups"] = "ERR ACCESS-DENIED"
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.NoError(t, rig.m.authenticate(sess, rig.tracker()),
		"managerial refusal must not fail the login")
}

// AWOL on-battery UPSes get promoted to low battery after dead_time so
// they can be counted as critical.
func TestRecalcDeadtimePromotion(t *testing.T) {
	sess := newScriptSession("myups", "OB", "!")
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	require.False(t, rig.cycle())
	require.False(t, rig.tracker().status.has(StLowBatt))

	rig.clock.advance(16 * time.Second)
	require.True(t, rig.cycle(), "dead OB UPS must be promoted and counted critical")
	require.True(t, rig.tracker().status.has(StLowBatt))
	require.Equal(t, 0, rig.sink.count(EventLowBatt), "promotion is silent")
}

// A monitoring-only UPS (power value 0) can never trigger a shutdown on
// its own, but a real one alongside it still can.
func TestMonitorOnlyTracker(t *testing.T) {
	cfg := testMonitorConfig(func(c *config.Config) {
		c.Monitors = append(c.Monitors, config.Monitor{
			System:     "aux@localhost:3494",
			PowerValue: 0,
			Username:   "monuser",
			Password:   "secret",
			Role:       "secondary",
		})
	})

	sessions := map[string]*scriptSession{
		"myups": newScriptSession("myups", "OL", "OL"),
		"aux":   newScriptSession("aux", "OB LB", "OB LB"),
	}

	m, err := New(cfg, Options{})
	require.NoError(t, err)

	clock := newFakeClock()
	m.now = clock.now
	m.notifier = &recordSink{}
	m.sleepFn = func(time.Duration) {}
	m.connectFn = func(t *Tracker) (session, error) {
		return sessions[t.ident.UPSName], nil
	}

	for cycle := 0; cycle < 2; cycle++ {
		for _, key := range m.order {
			m.pollUPS(m.trackers[key])
		}
		clock.advance(16 * time.Second)
		require.False(t, m.recalc(),
			"critical monitoring-only UPS must not drop available power below min_supplies")
	}
}

// Duplicate MONITOR entries survive config load; the first one wins and
// the rest are dropped with a warning.
func TestDuplicateMonitorFirstWins(t *testing.T) {
	cfg := testMonitorConfig(func(c *config.Config) {
		c.Monitors = append(c.Monitors, config.Monitor{
			System:     "myups@localhost",
			PowerValue: 3,
			Username:   "other",
			Password:   "other",
			Role:       "secondary",
		})
	})

	m, err := New(cfg, Options{})
	require.NoError(t, err)

	require.Len(t, m.trackers, 1)
	require.Equal(t, []string{"myups@localhost"}, m.order)

	tr := m.trackers["myups@localhost"]
	require.Equal(t, uint(1), tr.pv)
	require.Equal(t, "monuser", tr.creds.Username)
	require.True(t, tr.status.has(StPrimary))
}

func TestShutdownExitNever(t *testing.T) {
	cfg := testMonitorConfig(func(c *config.Config) { c.ShutdownExit = "no" })
	sess := newScriptSession("myups", "OL")
	rig := newTestRig(t, cfg, sess)

	// let the sleep loop observe the exit flag after a few naps
	naps := 0
	rig.m.sleepFn = func(d time.Duration) {
		naps++
		if naps > 3 {
			rig.m.exitFlag.Store(true)
		}
	}

	err := rig.m.doShutdown()
	require.ErrorIs(t, err, ErrShutdownInitiated)
	require.Greater(t, naps, 3, "must keep sleeping until the exit flag")
}

func TestShutdownExitDelay(t *testing.T) {
	cfg := testMonitorConfig(func(c *config.Config) { c.ShutdownExit = "3" })
	sess := newScriptSession("myups", "OL")
	rig := newTestRig(t, cfg, sess)

	err := rig.m.doShutdown()
	require.ErrorIs(t, err, ErrShutdownInitiated)
	require.Equal(t, []string{"/sbin/shutdown -h +0"}, rig.shutCmds)
}

// Reload scenario: a config that drops a UPS disconnects it; one that
// breaks the power budget is fatal.
func TestReloadRemovesTracker(t *testing.T) {
	cfgA := `
monitors:
  - system: upsA@localhost
    power_value: 1
    username: u
    password: p
    role: primary
  - system: upsB@localhost:3494
    power_value: 1
    username: u
    password: p
    role: secondary
min_supplies: 1
shutdown_cmd: "true"
`
	cfgB := `
monitors:
  - system: upsA@localhost
    power_value: 1
    username: u
    password: p
    role: primary
min_supplies: 1
shutdown_cmd: "true"
`
	path := writeTempConfig(t, cfgA)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	m, err := New(cfg, Options{ConfigPath: path})
	require.NoError(t, err)
	require.Len(t, m.trackers, 2)

	sessB := newScriptSession("upsB", "OL")
	m.trackers["upsB@localhost:3494"].conn = sessB
	m.trackers["upsB@localhost:3494"].status |= StConnected

	writeTempConfigAt(t, path, cfgB)
	require.NoError(t, m.reload())

	require.Len(t, m.trackers, 1)
	require.Contains(t, m.trackers, "upsA@localhost")
	require.False(t, sessB.Connected(), "dropped tracker must be disconnected")
}

func TestReloadImpossiblePowerIsFatal(t *testing.T) {
	good := `
monitors:
  - system: upsA@localhost
    power_value: 1
    username: u
    password: p
min_supplies: 1
`
	bad := `
monitors:
  - system: upsA@localhost
    power_value: 1
    username: u
    password: p
min_supplies: 5
`
	path := writeTempConfig(t, good)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	m, err := New(cfg, Options{ConfigPath: path})
	require.NoError(t, err)

	writeTempConfigAt(t, path, bad)
	require.ErrorIs(t, m.reload(), config.ErrImpossiblePower)
}

func TestReloadRedefinesRole(t *testing.T) {
	before := `
monitors:
  - system: upsA@localhost
    power_value: 1
    username: u
    password: p
    role: secondary
min_supplies: 1
`
	after := `
monitors:
  - system: upsA@localhost
    power_value: 1
    username: u
    password: p
    role: primary
min_supplies: 1
`
	path := writeTempConfig(t, before)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	m, err := New(cfg, Options{ConfigPath: path})
	require.NoError(t, err)

	tr := m.trackers["upsA@localhost"]
	sess := newScriptSession("upsA", "OL")
	tr.conn = sess
	tr.status |= StConnected | StLoggedIn

	writeTempConfigAt(t, path, after)
	require.NoError(t, m.reload())

	require.True(t, tr.status.has(StPrimary))
	require.False(t, sess.Connected(), "promotion to primary forces a reconnect")
}

// The poll loop itself: a session whose status turns critical must drive
// Run to completion with a shutdown.
func TestRunShutsDownOnCriticalStatus(t *testing.T) {
	sess := newScriptSession("myups", "OL", "OB", "OB LB")
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	done := make(chan error, 1)
	go func() { done <- rig.m.Run() }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrShutdownInitiated)
	case <-time.After(5 * time.Second):
		t.Fatal("Run never initiated the shutdown")
	}
	require.NotEmpty(t, rig.shutCmds)
}

func TestRunStopsOnExitRequest(t *testing.T) {
	sess := newScriptSession("myups", "OL", "OL", "OL", "OL", "OL", "OL")
	rig := newTestRig(t, testMonitorConfig(nil), sess)

	done := make(chan error, 1)
	go func() { done <- rig.m.Run() }()

	time.Sleep(50 * time.Millisecond)
	rig.m.RequestExit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run never observed the exit flag")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := fmt.Sprintf("%s/upsmon.yaml", t.TempDir())
	writeTempConfigAt(t, path, content)
	return path
}

func writeTempConfigAt(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
