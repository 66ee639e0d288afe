package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"presence/internal/verify"
)

type fakeDir struct {
	sessions map[string]Session
	courses  map[string]Course
	enrolled map[string]bool
	devices  map[string]Device
	faces    map[string]FaceTemplate
}

func (d *fakeDir) Session(_ context.Context, id string) (Session, error) {
	s, ok := d.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (d *fakeDir) Course(_ context.Context, id string) (Course, error) {
	c, ok := d.courses[id]
	if !ok {
		return Course{}, ErrNotFound
	}
	return c, nil
}

func (d *fakeDir) HasActiveEnrollment(_ context.Context, studentID, courseID string) (bool, error) {
	return d.enrolled[studentID+"/"+courseID], nil
}

func (d *fakeDir) DeviceByFingerprint(_ context.Context, fp string) (*Device, error) {
	if dev, ok := d.devices[fp]; ok {
		return &dev, nil
	}
	return nil, nil
}

func (d *fakeDir) FaceTemplate(_ context.Context, studentID string) (FaceTemplate, error) {
	return d.faces[studentID], nil
}

type fakeStore struct {
	records   map[string]CheckIn
	insertErr error
	inserted  []CheckIn
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]CheckIn{}}
}

func (s *fakeStore) Insert(_ context.Context, c CheckIn) (CheckIn, error) {
	if s.insertErr != nil {
		return CheckIn{}, s.insertErr
	}
	for _, existing := range s.records {
		if existing.SessionID == c.SessionID && existing.StudentID == c.StudentID {
			return CheckIn{}, ErrAlreadyCheckedIn
		}
	}
	s.records[c.ID] = c
	s.inserted = append(s.inserted, c)
	return c, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (CheckIn, error) {
	c, ok := s.records[id]
	if !ok {
		return CheckIn{}, ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) Exists(_ context.Context, sessionID, studentID string) (bool, error) {
	for _, c := range s.records {
		if c.SessionID == sessionID && c.StudentID == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) RecordAppeal(_ context.Context, id, reason string, at time.Time) error {
	c, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusAppealed
	c.AppealReason = &reason
	c.AppealedAt = &at
	s.records[id] = c
	return nil
}

func (s *fakeStore) RecordReview(_ context.Context, id string, status Status, reviewerID string, notes *string, at time.Time) error {
	c, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.ReviewedByID = &reviewerID
	c.ReviewedAt = &at
	c.ReviewNotes = notes
	s.records[id] = c
	return nil
}

type fakeCollector struct {
	signals verify.Signals
	last    verify.CollectInput
}

func (f *fakeCollector) Collect(_ context.Context, in verify.CollectInput) verify.Signals {
	f.last = in
	if f.signals.Breakdown == nil {
		f.signals.Breakdown = map[string]float64{}
	}
	return f.signals
}

var testNow = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func testSetup() (*Service, *fakeDir, *fakeStore, *fakeCollector) {
	dir := &fakeDir{
		sessions: map[string]Session{
			"sess-1": {
				ID:              "sess-1",
				CourseID:        "course-1",
				Name:            "Lecture 7",
				Status:          SessionActive,
				CheckinOpensAt:  testNow.Add(-15 * time.Minute),
				CheckinClosesAt: testNow.Add(15 * time.Minute),
				VenueLatitude:   f64(52.5200),
				VenueLongitude:  f64(13.4050),
				GeofenceRadiusM: f64(50),
				RiskThreshold:   f64(0.5),
			},
		},
		courses: map[string]Course{
			"course-1": {ID: "course-1", Code: "CS101", InstructorID: strp("prof-1")},
		},
		enrolled: map[string]bool{"student-1/course-1": true},
		devices:  map[string]Device{},
		faces:    map[string]FaceTemplate{},
	}
	store := newFakeStore()
	collector := &fakeCollector{}
	svc := NewService(dir, store, collector, Config{GeofenceRadiusM: 100, RiskThreshold: 0.5}, 7*24*time.Hour)
	svc.now = func() time.Time { return testNow }
	return svc, dir, store, collector
}

func strp(s string) *string { return &s }

// Coordinates roughly 40 m from the test venue.
func nearbyAttempt() Attempt {
	return Attempt{
		SessionID: "sess-1",
		Latitude:  f64(52.52036),
		Longitude: f64(13.4050),
	}
}

func TestCheckInApproved(t *testing.T) {
	svc, _, store, collector := testSetup()
	collector.signals = verify.Signals{RiskScore: 0.3}

	rec, err := svc.CheckIn(context.Background(), "student-1", nearbyAttempt())
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if rec.Status != StatusApproved {
		t.Errorf("status = %s, want approved", rec.Status)
	}
	if rec.Status == StatusPending {
		t.Error("persisted status must never be pending")
	}
	if rec.DistanceFromVenM == nil || *rec.DistanceFromVenM > 50 {
		t.Errorf("distance = %v, want ~40m", rec.DistanceFromVenM)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d records, want 1", len(store.inserted))
	}
}

func TestCheckInFarOutsideGeofence(t *testing.T) {
	svc, _, _, collector := testSetup()
	collector.signals = verify.Signals{RiskScore: 0.3}

	att := nearbyAttempt()
	att.Latitude = f64(52.5211) // ~120 m north
	rec, err := svc.CheckIn(context.Background(), "student-1", att)
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if rec.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", rec.Status)
	}
	if rec.RiskScore < 0.9 {
		t.Errorf("risk score = %f, want >= 0.9", rec.RiskScore)
	}
	if !hasFactor(rec.RiskFactors, "geo_out_of_bounds") {
		t.Errorf("factors = %+v, want geo_out_of_bounds", rec.RiskFactors)
	}
}

func TestCheckInGuards(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*fakeDir, *fakeStore, *Service)
		student string
		wantErr error
	}{
		{
			name:    "session not found",
			mutate:  func(d *fakeDir, _ *fakeStore, _ *Service) { delete(d.sessions, "sess-1") },
			wantErr: ErrNotFound,
		},
		{
			name: "session not active",
			mutate: func(d *fakeDir, _ *fakeStore, _ *Service) {
				s := d.sessions["sess-1"]
				s.Status = "closed"
				d.sessions["sess-1"] = s
			},
			wantErr: ErrSessionNotActive,
		},
		{
			name: "before window opens",
			mutate: func(d *fakeDir, _ *fakeStore, _ *Service) {
				s := d.sessions["sess-1"]
				s.CheckinOpensAt = testNow.Add(5 * time.Minute)
				d.sessions["sess-1"] = s
			},
			wantErr: ErrWindowClosed,
		},
		{
			name: "after window closes",
			mutate: func(d *fakeDir, _ *fakeStore, _ *Service) {
				s := d.sessions["sess-1"]
				s.CheckinClosesAt = testNow.Add(-time.Second)
				d.sessions["sess-1"] = s
			},
			wantErr: ErrWindowClosed,
		},
		{
			name:    "not enrolled",
			student: "student-2",
			mutate:  func(*fakeDir, *fakeStore, *Service) {},
			wantErr: ErrNotEnrolled,
		},
		{
			name: "already checked in",
			mutate: func(_ *fakeDir, s *fakeStore, _ *Service) {
				s.records["prior"] = CheckIn{ID: "prior", SessionID: "sess-1", StudentID: "student-1", Status: StatusRejected}
			},
			wantErr: ErrAlreadyCheckedIn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, dir, store, _ := testSetup()
			tt.mutate(dir, store, svc)
			student := tt.student
			if student == "" {
				student = "student-1"
			}
			_, err := svc.CheckIn(context.Background(), student, nearbyAttempt())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckIn() error = %v, want %v", err, tt.wantErr)
			}
			if len(store.inserted) != 0 {
				t.Errorf("guard violation must not create a record, inserted %d", len(store.inserted))
			}
		})
	}
}

func TestCheckInDuplicateRace(t *testing.T) {
	// The persistence layer loses the race and reports a uniqueness
	// conflict; the service surfaces it as already-checked-in.
	svc, _, store, _ := testSetup()
	store.insertErr = ErrAlreadyCheckedIn

	_, err := svc.CheckIn(context.Background(), "student-1", nearbyAttempt())
	if !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Errorf("CheckIn() error = %v, want already checked in", err)
	}
}

func TestCheckInDegradedService(t *testing.T) {
	// Collector returned nothing: risk 0, no liveness/face outcomes.
	svc, _, _, collector := testSetup()
	collector.signals = verify.Signals{}

	rec, err := svc.CheckIn(context.Background(), "student-1", nearbyAttempt())
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if rec.Status != StatusApproved {
		t.Errorf("status = %s, want approved in degraded mode", rec.Status)
	}
	if rec.LivenessPassed != nil || rec.FaceMatchPassed != nil {
		t.Error("unknown outcomes must stay null, not be recorded as failed")
	}
}

func TestCheckInFaceTemplateFlows(t *testing.T) {
	svc, dir, _, collector := testSetup()
	sess := dir.sessions["sess-1"]
	sess.RequireFaceMatch = true
	dir.sessions["sess-1"] = sess
	dir.faces["student-1"] = FaceTemplate{Hash: "abc123", Enrolled: true}

	att := nearbyAttempt()
	att.Challenge = "challenge-payload"
	if _, err := svc.CheckIn(context.Background(), "student-1", att); err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if collector.last.FaceTemplateHash != "abc123" {
		t.Errorf("collector received template hash %q, want abc123", collector.last.FaceTemplateHash)
	}
	if !collector.last.RequireFaceMatch {
		t.Error("collector must see the face-match requirement")
	}
}

func TestAppeal(t *testing.T) {
	appealTime := func(d time.Duration) time.Time { return testNow.Add(-d) }

	tests := []struct {
		name      string
		status    Status
		checkedIn time.Time
		student   string
		appealed  bool
		wantErr   error
	}{
		{name: "flagged inside window", status: StatusFlagged, checkedIn: appealTime(6*24*time.Hour + 23*time.Hour)},
		{name: "rejected inside window", status: StatusRejected, checkedIn: appealTime(time.Hour)},
		{name: "window closed by one second", status: StatusRejected, checkedIn: appealTime(7*24*time.Hour + time.Second), wantErr: ErrAppealWindowClosed},
		{name: "approved not appealable", status: StatusApproved, checkedIn: appealTime(time.Hour), wantErr: ErrAppealNotAllowed},
		{name: "appealed not appealable again", status: StatusAppealed, checkedIn: appealTime(time.Hour), wantErr: ErrAppealNotAllowed},
		{name: "not the owner", status: StatusRejected, checkedIn: appealTime(time.Hour), student: "student-2", wantErr: ErrForbidden},
		{name: "appeal already used", status: StatusFlagged, checkedIn: appealTime(time.Hour), appealed: true, wantErr: ErrAlreadyAppealed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store, _ := testSetup()
			rec := CheckIn{ID: "c1", SessionID: "sess-1", StudentID: "student-1", Status: tt.status, CheckedInAt: tt.checkedIn}
			if tt.appealed {
				// A used appeal leaves the reason behind even after review
				// moved the status back to flagged/rejected.
				reason := "earlier appeal"
				rec.AppealReason = &reason
			}
			store.records["c1"] = rec

			student := tt.student
			if student == "" {
				student = "student-1"
			}
			got, err := svc.Appeal(context.Background(), student, "c1", "I was there")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Appeal() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if got.Status != StatusAppealed {
					t.Errorf("status = %s, want appealed", got.Status)
				}
				if got.AppealReason == nil || *got.AppealReason != "I was there" {
					t.Errorf("appeal reason = %v", got.AppealReason)
				}
				if got.AppealedAt == nil {
					t.Error("appealed_at not set")
				}
			}
		})
	}
}

func TestReview(t *testing.T) {
	tests := []struct {
		name     string
		reviewer Actor
		outcome  Status
		wantErr  error
	}{
		{name: "admin approves", reviewer: Actor{ID: "admin-1", Role: RoleAdmin}, outcome: StatusApproved},
		{name: "owning instructor rejects", reviewer: Actor{ID: "prof-1", Role: RoleInstructor}, outcome: StatusRejected},
		{name: "other instructor forbidden", reviewer: Actor{ID: "prof-2", Role: RoleInstructor}, outcome: StatusApproved, wantErr: ErrForbidden},
		{name: "outcome must be terminal", reviewer: Actor{ID: "admin-1", Role: RoleAdmin}, outcome: StatusFlagged, wantErr: ErrBadReviewOutcome},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store, _ := testSetup()
			store.records["c1"] = CheckIn{ID: "c1", SessionID: "sess-1", StudentID: "student-1", Status: StatusAppealed, CheckedInAt: testNow.Add(-time.Hour)}

			notes := "verified by seating chart"
			got, err := svc.Review(context.Background(), tt.reviewer, "c1", tt.outcome, &notes)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Review() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if got.Status != tt.outcome {
				t.Errorf("status = %s, want %s", got.Status, tt.outcome)
			}
			if got.ReviewedByID == nil || *got.ReviewedByID != tt.reviewer.ID {
				t.Errorf("reviewed_by = %v, want %s", got.ReviewedByID, tt.reviewer.ID)
			}
			if got.ReviewNotes == nil || *got.ReviewNotes != notes {
				t.Errorf("review notes = %v", got.ReviewNotes)
			}
		})
	}
}

func TestReviewLastWriteWins(t *testing.T) {
	svc, _, store, _ := testSetup()
	store.records["c1"] = CheckIn{ID: "c1", SessionID: "sess-1", StudentID: "student-1", Status: StatusFlagged, CheckedInAt: testNow.Add(-time.Hour)}

	admin := Actor{ID: "admin-1", Role: RoleAdmin}
	first := "looks fine"
	if _, err := svc.Review(context.Background(), admin, "c1", StatusApproved, &first); err != nil {
		t.Fatalf("first review error = %v", err)
	}
	second := "changed my mind"
	got, err := svc.Review(context.Background(), admin, "c1", StatusRejected, &second)
	if err != nil {
		t.Fatalf("second review error = %v", err)
	}
	if got.Status != StatusRejected || got.ReviewNotes == nil || *got.ReviewNotes != second {
		t.Errorf("second review did not overwrite: %+v", got)
	}
}

func TestGetVisibility(t *testing.T) {
	svc, _, store, _ := testSetup()
	store.records["c1"] = CheckIn{ID: "c1", SessionID: "sess-1", StudentID: "student-1", Status: StatusApproved}

	if _, err := svc.Get(context.Background(), Actor{ID: "student-1", Role: RoleStudent}, "c1"); err != nil {
		t.Errorf("owner read error = %v", err)
	}
	if _, err := svc.Get(context.Background(), Actor{ID: "prof-1", Role: RoleInstructor}, "c1"); err != nil {
		t.Errorf("instructor read error = %v", err)
	}
	if _, err := svc.Get(context.Background(), Actor{ID: "student-2", Role: RoleStudent}, "c1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger read error = %v, want forbidden", err)
	}
	if _, err := svc.Get(context.Background(), Actor{ID: "student-1", Role: RoleStudent}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing read error = %v, want not found", err)
	}
}
