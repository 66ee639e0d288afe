package verify

import (
	"context"
	"log"

	"presence/internal/metrics"
)

// Outcome is a confirmed signal result. A nil *Outcome means the signal was
// never measured or could not be obtained; it is distinct from a failed
// outcome and must never be collapsed into one.
type Outcome struct {
	Passed bool
	Score  float64
}

// Signals is everything the collector managed to gather for one attempt.
type Signals struct {
	Liveness  *Outcome
	Face      *Outcome
	RiskScore float64
	Breakdown map[string]float64
}

// CollectInput describes which signals one check-in attempt needs.
type CollectInput struct {
	RequireLiveness   bool
	RequireFaceMatch  bool
	Challenge         string // liveness challenge payload, empty if not supplied
	FaceTemplateHash  string // enrolled reference template, empty if not enrolled
	DeviceFingerprint string
	Location          *Geolocation
}

// Collector gathers liveness, face and composite risk signals from the
// verification service, degrading to unknown on any failure.
type Collector struct {
	client *Client
}

// NewCollector wraps a verification client.
func NewCollector(client *Client) *Collector {
	return &Collector{client: client}
}

// Collect runs the conditional signal calls for one attempt. It never
// returns an error: an unreachable or failing service leaves the affected
// signal unknown and the composite score at zero, so the decision engine can
// fall back to its local rules.
func (c *Collector) Collect(ctx context.Context, in CollectInput) Signals {
	sig := Signals{Breakdown: map[string]float64{}}

	if in.RequireLiveness && in.Challenge != "" {
		res, err := c.client.CheckLiveness(ctx, in.Challenge)
		if err != nil {
			metrics.VerifyFailures.WithLabelValues("liveness").Inc()
			log.Printf("liveness check unavailable: %v", err)
		} else {
			sig.Liveness = &Outcome{Passed: res.Passed, Score: res.Score}
		}
	}

	if in.RequireFaceMatch && in.Challenge != "" && in.FaceTemplateHash != "" {
		res, err := c.client.VerifyFace(ctx, in.Challenge, in.FaceTemplateHash)
		if err != nil {
			metrics.VerifyFailures.WithLabelValues("face").Inc()
			log.Printf("face verify unavailable: %v", err)
		} else {
			sig.Face = &Outcome{Passed: res.Passed, Score: res.Score}
		}
	}

	// The composite call defaults unmeasured sub-scores to 1.0, mirroring
	// the upstream service contract. See DESIGN.md for the policy caveat.
	livenessScore := 1.0
	if sig.Liveness != nil {
		livenessScore = sig.Liveness.Score
	}
	faceScore := 1.0
	if sig.Face != nil {
		faceScore = sig.Face.Score
	}

	res, err := c.client.AssessRisk(ctx, livenessScore, faceScore, in.DeviceFingerprint, in.Location)
	if err != nil {
		metrics.VerifyFailures.WithLabelValues("risk").Inc()
		log.Printf("risk assess unavailable: %v", err)
		return sig
	}
	sig.RiskScore = res.Score
	if res.Breakdown != nil {
		sig.Breakdown = res.Breakdown
	}
	return sig
}
