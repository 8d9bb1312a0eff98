package monitor

import (
	"time"

	"github.com/networkupstools/nutmon/internal/logger"
	"github.com/networkupstools/nutmon/pkg/config"
	"github.com/networkupstools/nutmon/pkg/upsclient"
)

// Status is the set of flags tracked per UPS.
type Status uint16

const (
	StOnline Status = 1 << iota // UPS is on line power (OL)
	StOnBatt                    // UPS is on battery (OB)
	StLowBatt                   // UPS reports a low battery (LB)
	StFSD                       // forced shutdown flag is set
	StPrimary                   // we hold managerial mode on this UPS
	StLoggedIn                  // LOGIN accepted by the server
	StConnected                 // session established
	StCal                       // calibration in progress (CAL)
	StOff                       // administratively off (OFF)
	StBypass                    // on bypass (BYPASS)
)

// hotStatus covers the states that tighten the polling interval and make a
// later communications loss suspicious.
const hotStatus = StOnBatt | StOff | StBypass | StCal

func (s Status) has(flag Status) bool { return s&flag == flag }

// commState / lineState values. They start at never-seen so the very first
// COMMOK and ONLINE observations do not fire notifications.
type triState int

const (
	stateNeverSeen triState = -1
	stateLost      triState = 0
	stateOK        triState = 1
)

// session is the slice of upsclient.Session the monitor needs; carved out
// so tests can substitute a scripted implementation.
type session interface {
	Get(query ...string) ([]string, error)
	SendLine(text string) error
	ReadLine() (string, error)
	Disconnect()
	Connected() bool
	TLS() bool
}

// Tracker is the per-UPS record. It is owned exclusively by the monitor
// loop; nothing else mutates it.
type Tracker struct {
	ident upsclient.Identity
	creds upsclient.Credentials

	// pv is this UPS's contribution to the power budget; zero means
	// monitor-only.
	pv uint

	role config.Role

	conn   session
	status Status

	commState triState
	lineState triState

	// offSince is when OFF was first observed; offState commits "the load
	// is unpowered" once OFF persisted past the configured duration.
	offSince    time.Time
	offState    bool
	bypassState bool

	lastPoll       time.Time
	lastNonCrit    time.Time
	lastRBWarn     time.Time
	lastNoCommWarn time.Time

	// poll-failure log throttling
	throttleKind  upsclient.ErrorKind
	throttleCount int
	throttleSeen  bool
}

func newTracker(mc config.Monitor) (*Tracker, error) {
	ident, err := mc.Identity()
	if err != nil {
		return nil, err
	}
	role, err := config.ParseRole(mc.Role)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		ident: ident,
		creds: upsclient.Credentials{Username: mc.Username, Password: mc.Password},
		pv:    mc.PowerValue,
		role:  role,

		commState: stateNeverSeen,
		lineState: stateNeverSeen,

		throttleCount: -1,
	}
	if role == config.RolePrimary {
		t.status |= StPrimary
	}
	return t, nil
}

// Name returns the identity string used in logs and notifications.
func (t *Tracker) Name() string { return t.ident.String() }

// PowerValue returns the configured weight of this UPS.
func (t *Tracker) PowerValue() uint { return t.pv }

// Status returns the current flag set.
func (t *Tracker) Status() Status { return t.status }

// dropConnection cleanly forgets the session and every per-connection
// flag, leaving the last observed power state in place for the
// assume-dead heuristic.
func (t *Tracker) dropConnection() {
	if t.lineState == stateOK && t.status.has(StOnline) {
		logger.Debug("dropping connection, last seen fully online", logger.KeyUPS, t.Name())
	} else {
		logger.Debug("dropping connection, last seen not fully online", logger.KeyUPS, t.Name())
	}

	t.commState = stateLost

	// forget poll-failure throttling
	t.throttleCount = -1
	t.throttleSeen = false
	t.throttleKind = 0

	t.status &^= StLoggedIn | StConnected

	if t.conn != nil {
		t.conn.Disconnect()
		t.conn = nil
	}
}

// redefine applies a reloaded MONITOR entry to a surviving tracker,
// preserving transient state and forcing a reconnect where the change
// invalidates the session.
func (t *Tracker) redefine(mc config.Monitor) {
	if t.pv != mc.PowerValue {
		logger.Info("redefined power value", logger.KeyUPS, t.Name(), logger.KeyPower, mc.PowerValue)
		t.pv = mc.PowerValue
	}

	if t.creds.Username != mc.Username {
		logger.Info("redefined username", logger.KeyUPS, t.Name())
		t.creds.Username = mc.Username
		// when not logged in, reconnect in case the new username fixes it
		if !t.status.has(StLoggedIn) {
			logger.Info("retrying connection", logger.KeyUPS, t.Name())
			t.dropConnection()
		}
	}

	if t.creds.Password != mc.Password {
		logger.Info("redefined password", logger.KeyUPS, t.Name())
		t.creds.Password = mc.Password
		if !t.status.has(StLoggedIn) {
			logger.Info("retrying connection", logger.KeyUPS, t.Name())
			t.dropConnection()
		}
	}

	role, err := config.ParseRole(mc.Role)
	if err != nil {
		return // validated at load; keep the old role on the off chance
	}

	switch {
	case role == config.RolePrimary && !t.status.has(StPrimary):
		logger.Info("redefined as a primary", logger.KeyUPS, t.Name())
		t.role = config.RolePrimary
		t.status |= StPrimary
		// reconnect so managerial mode gets requested
		t.dropConnection()
	case role == config.RoleSecondary && t.status.has(StPrimary):
		logger.Info("redefined as a secondary", logger.KeyUPS, t.Name())
		t.role = config.RoleSecondary
		t.status &^= StPrimary
	}
}
