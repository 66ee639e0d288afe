package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CheckinDecisions counts resolved check-ins by final status.
var CheckinDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presence_checkin_decisions_total",
	Help: "Check-in decisions by resolved status.",
}, []string{"status"})

// VerifyFailures counts verification-service calls that degraded to unknown.
var VerifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presence_verify_failures_total",
	Help: "Verification service calls that failed or timed out, by call.",
}, []string{"call"})

// Transitions counts appeal and review transitions.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presence_checkin_transitions_total",
	Help: "Lifecycle transitions applied to existing check-ins.",
}, []string{"kind"})
