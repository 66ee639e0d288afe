package checkin

import (
	"sort"

	"presence/internal/verify"
)

// Config is the resolved decision configuration for one session.
type Config struct {
	GeofenceRadiusM float64
	RiskThreshold   float64
}

// minSignalWeight is the breakdown weight below which a signal is noise
// and not worth recording as a risk factor.
const minSignalWeight = 0.1

// hardFailFloor is the minimum risk score once a hard rule has fired.
const hardFailFloor = 0.9

// ResolveConfig applies the session -> course -> system cascade for the
// geofence radius and risk threshold.
func ResolveConfig(sess Session, course Course, system Config) Config {
	cfg := system
	if course.GeofenceRadiusM != nil {
		cfg.GeofenceRadiusM = *course.GeofenceRadiusM
	}
	if course.RiskThreshold != nil {
		cfg.RiskThreshold = *course.RiskThreshold
	}
	if sess.GeofenceRadiusM != nil {
		cfg.GeofenceRadiusM = *sess.GeofenceRadiusM
	}
	if sess.RiskThreshold != nil {
		cfg.RiskThreshold = *sess.RiskThreshold
	}
	return cfg
}

// Decision is the engine's final verdict for one attempt.
type Decision struct {
	Status    Status
	RiskScore float64
	Factors   []RiskFactor
}

// Decide combines the geofence distance, liveness/face outcomes and the
// externally computed risk score into a final admission status. Rules only
// ever escalate risk:
//
//  1. start from the collector's composite score (0 when degraded);
//  2. record every breakdown signal heavier than minSignalWeight;
//  3. distance beyond twice the geofence radius is a hard fail;
//  4. an explicit liveness failure on a liveness-required session is a
//     hard fail (unknown liveness is non-blocking);
//  5. hard fails reject, score at or above the threshold flags, anything
//     else is approved.
func Decide(distanceM *float64, requireLiveness bool, sig verify.Signals, cfg Config) Decision {
	risk := sig.RiskScore
	var factors []RiskFactor

	// Map iteration order is randomized; sort names so the recorded
	// factor order is stable across runs.
	names := make([]string, 0, len(sig.Breakdown))
	for name := range sig.Breakdown {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if weight := sig.Breakdown[name]; weight > minSignalWeight {
			factors = append(factors, RiskFactor{Type: name, Weight: weight})
		}
	}

	geoOutOfBounds := distanceM != nil && *distanceM > 2*cfg.GeofenceRadiusM
	if geoOutOfBounds {
		factors = append(factors, RiskFactor{Type: "geo_out_of_bounds", Severity: "critical", Weight: 1.0})
		if risk < hardFailFloor {
			risk = hardFailFloor
		}
	}

	livenessFailed := requireLiveness && sig.Liveness != nil && !sig.Liveness.Passed
	if livenessFailed {
		factors = append(factors, RiskFactor{Type: "liveness_failed", Severity: "critical", Weight: 1.0})
		if risk < hardFailFloor {
			risk = hardFailFloor
		}
	}

	var status Status
	switch {
	case livenessFailed || geoOutOfBounds:
		status = StatusRejected
	case risk >= cfg.RiskThreshold:
		status = StatusFlagged
	default:
		status = StatusApproved
	}

	return Decision{Status: status, RiskScore: risk, Factors: factors}
}
