package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LivenessResult is the outcome of a liveness challenge check.
type LivenessResult struct {
	Passed bool    `json:"liveness_passed"`
	Score  float64 `json:"liveness_score"`
}

// FaceResult is the outcome of a 1:1 face verification.
type FaceResult struct {
	Passed bool    `json:"match_passed"`
	Score  float64 `json:"match_score"`
}

// RiskResult is the composite risk assessment response.
type RiskResult struct {
	Score     float64            `json:"risk_score"`
	Breakdown map[string]float64 `json:"signal_breakdown"`
}

// Geolocation is the optional location payload sent with a risk assessment.
type Geolocation struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Client calls the biometric verification microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Every call is bounded by timeout; a single attempt
// is made per signal, availability problems are for the caller to absorb.
func New(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CheckLiveness submits a challenge response for anti-spoofing analysis.
func (c *Client) CheckLiveness(ctx context.Context, challengeResponse string) (*LivenessResult, error) {
	if c.Skip {
		return &LivenessResult{Passed: true, Score: 0.9}, nil
	}
	var out LivenessResult
	err := c.postJSON(ctx, "/liveness/check", map[string]string{
		"challenge_response": challengeResponse,
		"challenge_type":     "passive",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyFace compares a live capture against an enrolled template hash.
func (c *Client) VerifyFace(ctx context.Context, image, referenceTemplateHash string) (*FaceResult, error) {
	if c.Skip {
		return &FaceResult{Passed: true, Score: 0.92}, nil
	}
	var out FaceResult
	err := c.postJSON(ctx, "/face/verify", map[string]string{
		"image":                   image,
		"reference_template_hash": referenceTemplateHash,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AssessRisk requests a composite risk score from the collected sub-scores.
func (c *Client) AssessRisk(ctx context.Context, livenessScore, faceMatchScore float64, deviceSignature string, loc *Geolocation) (*RiskResult, error) {
	if c.Skip {
		return &RiskResult{Score: 0.0, Breakdown: map[string]float64{}}, nil
	}
	payload := map[string]interface{}{
		"liveness_score":   livenessScore,
		"face_match_score": faceMatchScore,
		"device_signature": deviceSignature,
	}
	if loc != nil {
		payload["geolocation"] = loc
	}
	var out RiskResult
	if err := c.postJSON(ctx, "/risk/assess", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks if the verification service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("verify service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("verify service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("verify service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("verify service error %s: %s", resp.Status, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
