package monitor

import (
	"strings"
	"time"

	"github.com/networkupstools/nutmon/internal/logger"
)

// parseStatus feeds one ups.status value through the interpreter: flags
// that left the status are cleared first (with notifications where the
// event warrants one), then each token fires its set-and-notify handler.
// FSD runs after everything else so it overrides an OL seen on the same
// line. An empty status counts as a dead UPS.
func (m *Monitor) parseStatus(t *Tracker, status string) {
	logger.Debugf(2, "parsing status", logger.KeyUPS, t.Name(), logger.KeyStatus, status)

	tokens := strings.Fields(status)
	if len(tokens) == 0 {
		m.upsGone(t)
		return
	}

	m.upsAlive(t)

	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		seen[strings.ToUpper(tok)] = true
	}

	// clear these out early if they disappear, without notifying
	if !seen["LB"] {
		t.status &^= StLowBatt
	}
	if !seen["FSD"] {
		t.status &^= StFSD
	}

	// these clear with a notification and may relax polling
	if !seen["CAL"] {
		m.upsNotCal(t)
	}
	if !seen["OFF"] {
		m.upsNotOff(t)
	}
	if !seen["BYPASS"] {
		m.upsNotBypass(t)
	}

	fsd := false
	for _, tok := range tokens {
		logger.Debugf(3, "parsing status token", logger.KeyUPS, t.Name(), logger.KeyStatus, tok)

		switch strings.ToUpper(tok) {
		case "OL":
			m.upsOnLine(t)
		case "OB":
			m.upsOnBatt(t)
		case "LB":
			m.upsLowBatt(t)
		case "RB":
			m.upsReplBatt(t)
		case "CAL":
			m.upsCal(t)
		case "OFF":
			m.upsOff(t)
		case "BYPASS":
			m.upsBypass(t)
		case "FSD":
			fsd = true
		default:
			// unknown tokens are ignored
		}

		m.updateCritTimer(t)
	}

	// handled last so it can override any OL seen on the same line
	if fsd {
		m.upsFSD(t)
		m.updateCritTimer(t)
	}
}

// updateCritTimer stamps the last non-critical observation. OB+LB without
// CAL is the only combination that lets the timer age.
func (m *Monitor) updateCritTimer(t *Tracker) {
	if !t.status.has(StOnBatt) || !t.status.has(StLowBatt) || t.status.has(StCal) {
		t.lastNonCrit = m.now()
	}
}

// upsAlive stamps a successful poll and raises COMMOK on a lost-to-ok
// transition. The very first contact stays silent.
func (m *Monitor) upsAlive(t *Tracker) {
	t.lastPoll = m.now()

	if t.commState == stateOK {
		return
	}
	if t.commState == stateLost {
		m.notifier.notify(EventCommOK, t.Name())
	}
	t.commState = stateOK
}

// upsGone handles a UPS that stopped answering: COMMBAD on the initial
// loss, then NOCOMM at most every NoCommWarnTime while the outage lasts.
func (m *Monitor) upsGone(t *Tracker) {
	if t.commState != stateLost {
		t.commState = stateLost
		m.notifier.notify(EventCommBad, t.Name())
		return
	}

	now := m.now()

	if now.Sub(t.lastPoll) < m.cfg.NoCommWarnTime {
		return
	}
	if now.Sub(t.lastNoCommWarn) > m.cfg.NoCommWarnTime {
		m.notifier.notify(EventNoComm, t.Name())
		t.lastNoCommWarn = now
	}
}

func (m *Monitor) upsOnLine(t *Tracker) {
	if t.status.has(StOnline) {
		m.tryRestorePollFreq(t)
		return
	}

	// ignore the first OL at startup, otherwise notify
	if t.lineState != stateNeverSeen {
		m.notifier.notify(EventOnline, t.Name())
	}
	t.lineState = stateOK

	t.status |= StOnline
	t.status &^= StOnBatt

	// OB is gone now, so the relaxed interval may apply again
	m.tryRestorePollFreq(t)
}

func (m *Monitor) upsOnBatt(t *Tracker) {
	if t.status.has(StOnBatt) {
		return
	}

	m.pollInterval = m.cfg.PollFreqAlert
	t.lineState = stateLost

	m.notifier.notify(EventOnBatt, t.Name())
	t.status |= StOnBatt
	t.status &^= StOnline
}

func (m *Monitor) upsLowBatt(t *Tracker) {
	if t.status.has(StLowBatt) {
		return
	}
	m.notifier.notify(EventLowBatt, t.Name())
	t.status |= StLowBatt
}

func (m *Monitor) upsReplBatt(t *Tracker) {
	now := m.now()
	if now.Sub(t.lastRBWarn) > m.cfg.RBWarnTime {
		m.notifier.notify(EventReplBatt, t.Name())
		t.lastRBWarn = now
	}
}

func (m *Monitor) upsCal(t *Tracker) {
	if t.status.has(StCal) {
		return
	}

	m.pollInterval = m.cfg.PollFreqAlert

	m.notifier.notify(EventCal, t.Name())
	t.status |= StCal
}

func (m *Monitor) upsNotCal(t *Tracker) {
	if t.status.has(StCal) {
		m.notifier.notify(EventNotCal, t.Name())
		t.status &^= StCal
		m.tryRestorePollFreq(t)
	}
}

func (m *Monitor) upsOff(t *Tracker) {
	now := m.now()

	if t.status.has(StOff) {
		if t.offSince.IsZero() {
			// should not happen, but recover the timestamp
			t.offSince = now
		} else if m.cfg.OffDuration > 0 && now.Sub(t.offSince) > m.cfg.OffDuration {
			if !t.offState {
				logger.Warn("UPS in state OFF for too long, assuming the line is not fed",
					logger.KeyUPS, t.Name(),
					logger.KeyDuration, now.Sub(t.offSince).String())
			}
			t.offState = true
		}
		return
	}

	m.pollInterval = m.cfg.PollFreqAlert

	t.offSince = now
	switch {
	case m.cfg.OffDuration == 0:
		logger.Warn("UPS in state OFF, assuming the line is not fed", logger.KeyUPS, t.Name())
		t.offState = true
	case m.cfg.OffDuration < 0:
		logger.Debug("UPS in state OFF, promotion disabled by off_duration", logger.KeyUPS, t.Name())
	}

	m.notifier.notify(EventOff, t.Name())
	t.status |= StOff
}

func (m *Monitor) upsNotOff(t *Tracker) {
	t.offSince = time.Time{}
	t.offState = false
	if t.status.has(StOff) {
		m.notifier.notify(EventNotOff, t.Name())
		t.status &^= StOff
		m.tryRestorePollFreq(t)
	}
}

func (m *Monitor) upsBypass(t *Tracker) {
	if t.status.has(StBypass) {
		return
	}

	m.pollInterval = m.cfg.PollFreqAlert

	// if we lose comms while on bypass, consider the UPS AWOL
	t.bypassState = true

	m.notifier.notify(EventBypass, t.Name())
	t.status |= StBypass
}

func (m *Monitor) upsNotBypass(t *Tracker) {
	t.bypassState = false
	if t.status.has(StBypass) {
		m.notifier.notify(EventNotBypass, t.Name())
		t.status &^= StBypass
		m.tryRestorePollFreq(t)
	}
}

func (m *Monitor) upsFSD(t *Tracker) {
	if t.status.has(StFSD) {
		return
	}
	m.notifier.notify(EventFSD, t.Name())
	t.status |= StFSD
}

// tryRestorePollFreq relaxes the polling interval once the UPS is out of
// every state prone to sudden disappearance.
func (m *Monitor) tryRestorePollFreq(t *Tracker) {
	if t.status&hotStatus == 0 {
		m.pollInterval = m.cfg.PollFreq
	}
}
