package monitor

import "github.com/networkupstools/nutmon/internal/logger"

// isCritical decides whether a single UPS can no longer power the load.
//
// A UPS is critical when any of these holds:
//  1. FSD is set (the primary told us, or a driver forwarded the flag).
//  2. Communications are lost and the last known state was suspicious:
//     calibrating, on bypass, administratively OFF (with promotion
//     enabled), or not fully online.
//  3. The administrative OFF has persisted past off_duration.
//  4. OB+LB without CAL, and we are either the primary or the host_sync
//     grace we grant the primary has expired.
//
// A calibrating UPS is never declared critical from rule 4 alone, because
// OB+LB is a legitimate transient during calibration.
func (m *Monitor) isCritical(t *Tracker) bool {
	if t.status.has(StFSD) {
		return true
	}

	if t.commState == stateLost {
		if t.status.has(StCal) {
			logger.Warn("UPS was last known to be calibrating and currently is not communicating, assuming dead",
				logger.KeyUPS, t.Name())
			return true
		}

		if t.bypassState || t.status.has(StBypass) {
			logger.Warn("UPS was last known to be on BYPASS and currently is not communicating, assuming dead",
				logger.KeyUPS, t.Name())
			return true
		}

		if t.offState || (m.cfg.OffDuration >= 0 && t.status.has(StOff)) {
			logger.Warn("UPS was last known to be (administratively) OFF and currently is not communicating, assuming dead",
				logger.KeyUPS, t.Name())
			return true
		}

		if t.lineState == stateLost {
			logger.Warn("UPS was last known to be not fully online and currently is not communicating, assuming dead",
				logger.KeyUPS, t.Name())
			return true
		}
	}

	// administratively OFF for long enough
	if t.status.has(StOff) && m.cfg.OffDuration >= 0 && t.offState {
		logger.Warn("UPS is reported as (administratively) OFF", logger.KeyUPS, t.Name())
		return true
	}

	// not OB or not LB = not critical yet
	if !t.status.has(StOnBatt) || !t.status.has(StLowBatt) {
		return false
	}

	// must be OB+LB now

	// a calibrating UPS may legitimately report OB+LB for a moment
	if t.status.has(StCal) {
		logger.Warn("UPS seems to be OB+LB now, but it is also calibrating - not declaring a critical state",
			logger.KeyUPS, t.Name())
		return false
	}

	// as the primary we declare it critical so FSD gets set on it
	if t.status.has(StPrimary) {
		return true
	}

	// we are a secondary and FSD isn't set, so the primary hasn't seen
	// OB+LB yet; grant it host_sync before acting unilaterally
	if elapsed := m.now().Sub(t.lastNonCrit); elapsed > m.cfg.HostSync {
		logger.Warn("giving up on the primary", logger.KeyUPS, t.Name(),
			logger.KeyDuration, elapsed.String())
		return true
	}

	// there is still time; maybe OB+LB goes away on the next poll
	return false
}
