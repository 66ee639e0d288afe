package checkin

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"presence/internal/geo"
	"presence/internal/metrics"
	"presence/internal/verify"
)

// Directory provides the read-only collaborator lookups the engine needs.
type Directory interface {
	Session(ctx context.Context, id string) (Session, error)
	Course(ctx context.Context, id string) (Course, error)
	HasActiveEnrollment(ctx context.Context, studentID, courseID string) (bool, error)
	DeviceByFingerprint(ctx context.Context, fingerprint string) (*Device, error)
	FaceTemplate(ctx context.Context, studentID string) (FaceTemplate, error)
}

// Store persists check-in records.
type Store interface {
	Insert(ctx context.Context, c CheckIn) (CheckIn, error)
	Get(ctx context.Context, id string) (CheckIn, error)
	Exists(ctx context.Context, sessionID, studentID string) (bool, error)
	RecordAppeal(ctx context.Context, id, reason string, at time.Time) error
	RecordReview(ctx context.Context, id string, status Status, reviewerID string, notes *string, at time.Time) error
}

// SignalCollector gathers external verification signals for one attempt.
type SignalCollector interface {
	Collect(ctx context.Context, in verify.CollectInput) verify.Signals
}

// Service owns the check-in lifecycle: one-time creation through the risk
// decision engine, then the appeal and review transitions.
type Service struct {
	dir          Directory
	store        Store
	collector    SignalCollector
	system       Config
	appealWindow time.Duration
	now          func() time.Time
}

// NewService wires the lifecycle service.
func NewService(dir Directory, store Store, collector SignalCollector, system Config, appealWindow time.Duration) *Service {
	if appealWindow <= 0 {
		appealWindow = 7 * 24 * time.Hour
	}
	return &Service{
		dir:          dir,
		store:        store,
		collector:    collector,
		system:       system,
		appealWindow: appealWindow,
		now:          time.Now,
	}
}

// CheckIn runs the full decision pipeline for one attempt and persists the
// resolved record. The returned status is never pending.
func (s *Service) CheckIn(ctx context.Context, studentID string, att Attempt) (CheckIn, error) {
	sess, err := s.dir.Session(ctx, att.SessionID)
	if err != nil {
		return CheckIn{}, fmt.Errorf("session %s: %w", att.SessionID, err)
	}
	if sess.Status != SessionActive {
		return CheckIn{}, ErrSessionNotActive
	}

	now := s.now().UTC()
	if now.Before(sess.CheckinOpensAt) || now.After(sess.CheckinClosesAt) {
		return CheckIn{}, ErrWindowClosed
	}

	course, err := s.dir.Course(ctx, sess.CourseID)
	if err != nil {
		return CheckIn{}, fmt.Errorf("course %s: %w", sess.CourseID, err)
	}

	enrolled, err := s.dir.HasActiveEnrollment(ctx, studentID, sess.CourseID)
	if err != nil {
		return CheckIn{}, err
	}
	if !enrolled {
		return CheckIn{}, ErrNotEnrolled
	}

	if exists, err := s.store.Exists(ctx, att.SessionID, studentID); err != nil {
		return CheckIn{}, err
	} else if exists {
		return CheckIn{}, ErrAlreadyCheckedIn
	}

	// Distance is unknown, not zero, when either side lacks coordinates.
	var distance *float64
	if att.Latitude != nil && att.Longitude != nil && sess.VenueLatitude != nil && sess.VenueLongitude != nil {
		d := geo.Distance(*att.Latitude, *att.Longitude, *sess.VenueLatitude, *sess.VenueLongitude)
		distance = &d
	}

	var device *Device
	if att.DeviceFingerprint != "" {
		device, err = s.dir.DeviceByFingerprint(ctx, att.DeviceFingerprint)
		if err != nil {
			// Display enrichment only, never blocks the decision.
			log.Printf("device lookup failed for %s: %v", att.DeviceFingerprint, err)
			device = nil
		}
	}

	face := FaceTemplate{}
	if sess.RequireFaceMatch && att.Challenge != "" {
		face, err = s.dir.FaceTemplate(ctx, studentID)
		if err != nil {
			log.Printf("face template lookup failed for %s: %v", studentID, err)
			face = FaceTemplate{}
		}
	}

	var loc *verify.Geolocation
	if att.Latitude != nil && att.Longitude != nil {
		loc = &verify.Geolocation{Latitude: *att.Latitude, Longitude: *att.Longitude, Accuracy: att.AccuracyM}
	}
	templateHash := ""
	if face.Enrolled {
		templateHash = face.Hash
	}
	sig := s.collector.Collect(ctx, verify.CollectInput{
		RequireLiveness:   sess.RequireLiveness,
		RequireFaceMatch:  sess.RequireFaceMatch,
		Challenge:         att.Challenge,
		FaceTemplateHash:  templateHash,
		DeviceFingerprint: att.DeviceFingerprint,
		Location:          loc,
	})

	cfg := ResolveConfig(sess, course, s.system)
	decision := Decide(distance, sess.RequireLiveness, sig, cfg)

	rec := CheckIn{
		ID:               uuid.NewString(),
		SessionID:        att.SessionID,
		StudentID:        studentID,
		Status:           decision.Status,
		CheckedInAt:      now,
		Latitude:         att.Latitude,
		Longitude:        att.Longitude,
		AccuracyM:        att.AccuracyM,
		DistanceFromVenM: distance,
		QRVerified:       att.QRCode != "",
		RiskScore:        decision.RiskScore,
		RiskFactors:      decision.Factors,
	}
	if device != nil {
		rec.DeviceID = &device.ID
	}
	if sig.Liveness != nil {
		passed, score := sig.Liveness.Passed, sig.Liveness.Score
		rec.LivenessPassed, rec.LivenessScore = &passed, &score
	}
	if sig.Face != nil {
		passed, score := sig.Face.Passed, sig.Face.Score
		rec.FaceMatchPassed, rec.FaceMatchScore = &passed, &score
	}

	created, err := s.store.Insert(ctx, rec)
	if err != nil {
		return CheckIn{}, err
	}
	metrics.CheckinDecisions.WithLabelValues(string(created.Status)).Inc()
	return created, nil
}

// Appeal lets the owning student contest a rejected or flagged check-in,
// once, within the appeal window.
func (s *Service) Appeal(ctx context.Context, studentID, checkinID, reason string) (CheckIn, error) {
	rec, err := s.store.Get(ctx, checkinID)
	if err != nil {
		return CheckIn{}, fmt.Errorf("check-in %s: %w", checkinID, err)
	}
	if rec.StudentID != studentID {
		return CheckIn{}, ErrForbidden
	}
	if rec.Status != StatusRejected && rec.Status != StatusFlagged {
		return CheckIn{}, ErrAppealNotAllowed
	}
	if rec.Appealed() {
		return CheckIn{}, ErrAlreadyAppealed
	}
	now := s.now().UTC()
	if now.Sub(rec.CheckedInAt) > s.appealWindow {
		return CheckIn{}, ErrAppealWindowClosed
	}

	if err := s.store.RecordAppeal(ctx, checkinID, reason, now); err != nil {
		return CheckIn{}, err
	}
	metrics.Transitions.WithLabelValues("appeal").Inc()

	rec.Status = StatusAppealed
	rec.AppealReason = &reason
	rec.AppealedAt = &now
	return rec, nil
}

// Review resolves a check-in to approved or rejected. The reviewer must be
// an admin or the instructor owning the session's course. Repeated reviews
// overwrite the previous verdict; last write wins.
func (s *Service) Review(ctx context.Context, reviewer Actor, checkinID string, outcome Status, notes *string) (CheckIn, error) {
	if outcome != StatusApproved && outcome != StatusRejected {
		return CheckIn{}, ErrBadReviewOutcome
	}
	rec, err := s.store.Get(ctx, checkinID)
	if err != nil {
		return CheckIn{}, fmt.Errorf("check-in %s: %w", checkinID, err)
	}
	sess, err := s.dir.Session(ctx, rec.SessionID)
	if err != nil {
		return CheckIn{}, fmt.Errorf("session %s: %w", rec.SessionID, err)
	}
	if reviewer.Role != RoleAdmin {
		course, err := s.dir.Course(ctx, sess.CourseID)
		if err != nil {
			return CheckIn{}, fmt.Errorf("course %s: %w", sess.CourseID, err)
		}
		if course.InstructorID == nil || *course.InstructorID != reviewer.ID {
			return CheckIn{}, ErrForbidden
		}
	}

	now := s.now().UTC()
	if err := s.store.RecordReview(ctx, checkinID, outcome, reviewer.ID, notes, now); err != nil {
		return CheckIn{}, err
	}
	metrics.Transitions.WithLabelValues("review").Inc()

	rec.Status = outcome
	rec.ReviewedByID = &reviewer.ID
	rec.ReviewedAt = &now
	rec.ReviewNotes = notes
	return rec, nil
}

// Get returns a check-in if the actor may see it: the owning student, or
// any staff role.
func (s *Service) Get(ctx context.Context, actor Actor, checkinID string) (CheckIn, error) {
	rec, err := s.store.Get(ctx, checkinID)
	if err != nil {
		return CheckIn{}, fmt.Errorf("check-in %s: %w", checkinID, err)
	}
	switch actor.Role {
	case RoleAdmin, RoleInstructor, RoleTA:
		return rec, nil
	}
	if rec.StudentID != actor.ID {
		return CheckIn{}, ErrForbidden
	}
	return rec, nil
}
