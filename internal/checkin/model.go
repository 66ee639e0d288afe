package checkin

import "time"

// Status is the lifecycle state of a check-in record.
type Status string

const (
	// StatusPending exists only while a decision is being computed and is
	// never persisted; creation always resolves to one of the other states.
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusFlagged  Status = "flagged"
	StatusRejected Status = "rejected"
	StatusAppealed Status = "appealed"
)

// Valid reports whether s is a member of the status enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusFlagged, StatusRejected, StatusAppealed:
		return true
	}
	return false
}

// RiskFactor is a named, weighted contributor to the risk score, retained
// in evidence order for audit and explanation.
type RiskFactor struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity,omitempty"`
	Weight   float64 `json:"weight"`
}

// CheckIn is the persisted attendance record for one (session, student) pair.
type CheckIn struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	StudentID string  `json:"student_id"`
	DeviceID  *string `json:"device_id,omitempty"`

	Status      Status    `json:"status"`
	CheckedInAt time.Time `json:"checked_in_at"`

	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	AccuracyM        *float64 `json:"location_accuracy_meters,omitempty"`
	DistanceFromVenM *float64 `json:"distance_from_venue_meters,omitempty"`

	LivenessPassed  *bool    `json:"liveness_passed,omitempty"`
	LivenessScore   *float64 `json:"liveness_score,omitempty"`
	FaceMatchPassed *bool    `json:"face_match_passed,omitempty"`
	FaceMatchScore  *float64 `json:"face_match_score,omitempty"`
	QRVerified      bool     `json:"qr_code_verified"`

	RiskScore   float64      `json:"risk_score"`
	RiskFactors []RiskFactor `json:"risk_factors"`

	ReviewedByID *string    `json:"reviewed_by_id,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes  *string    `json:"review_notes,omitempty"`

	AppealReason *string    `json:"appeal_reason,omitempty"`
	AppealedAt   *time.Time `json:"appealed_at,omitempty"`
}

// Appealed reports whether the one-shot appeal has been used.
func (c CheckIn) Appealed() bool {
	return c.AppealReason != nil
}

// Attempt is the transient check-in request a student submits. It is
// consumed to build a CheckIn record and never persisted as-is.
type Attempt struct {
	SessionID         string
	Latitude          *float64
	Longitude         *float64
	AccuracyM         *float64
	DeviceFingerprint string
	Challenge         string // liveness challenge payload
	QRCode            string
}

// Session is the read-only session view the engine decides against.
type Session struct {
	ID       string
	CourseID string
	Name     string
	Status   string

	CheckinOpensAt  time.Time
	CheckinClosesAt time.Time

	VenueLatitude   *float64
	VenueLongitude  *float64
	GeofenceRadiusM *float64

	RequireLiveness  bool
	RequireFaceMatch bool
	RiskThreshold    *float64
}

// SessionActive is the only session status that admits check-ins.
const SessionActive = "active"

// Course carries the course-level defaults in the session -> course ->
// system configuration cascade, plus the owning instructor for review
// authorization.
type Course struct {
	ID              string
	Code            string
	InstructorID    *string
	GeofenceRadiusM *float64
	RiskThreshold   *float64
}

// Device is the read-only device view, used for display enrichment only.
type Device struct {
	ID          string
	Fingerprint string
	Trusted     bool
}

// FaceTemplate is a student's enrolled biometric reference.
type FaceTemplate struct {
	Hash     string
	Enrolled bool
}

// Actor identifies who is performing a transition.
type Actor struct {
	ID   string
	Role string
}

const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleTA         = "ta"
	RoleAdmin      = "admin"
)

// AuditEntry records a lifecycle event for the audit trail.
type AuditEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CheckInID string    `json:"checkin_id"`
	ActorID   string    `json:"actor_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
