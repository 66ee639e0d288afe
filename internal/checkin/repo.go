package checkin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists check-ins and serves collaborator lookups in Postgres.
// It implements Directory and Store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const uniqueViolation = "23505"

// Session returns the decision-relevant session fields.
func (r *Repository) Session(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, name, status, checkin_opens_at, checkin_closes_at,
		       venue_latitude, venue_longitude, geofence_radius_meters,
		       require_liveness_check, require_face_match, risk_threshold
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	err := row.Scan(&s.ID, &s.CourseID, &s.Name, &s.Status, &s.CheckinOpensAt, &s.CheckinClosesAt,
		&s.VenueLatitude, &s.VenueLongitude, &s.GeofenceRadiusM,
		&s.RequireLiveness, &s.RequireFaceMatch, &s.RiskThreshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

// Course returns the course-level defaults and owning instructor.
func (r *Repository) Course(ctx context.Context, id string) (Course, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, code, instructor_id, geofence_radius_meters, risk_threshold
		FROM courses WHERE id = $1
	`, id)
	var c Course
	err := row.Scan(&c.ID, &c.Code, &c.InstructorID, &c.GeofenceRadiusM, &c.RiskThreshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Course{}, ErrNotFound
		}
		return Course{}, err
	}
	return c, nil
}

// HasActiveEnrollment reports whether the student holds an active
// enrollment in the course.
func (r *Repository) HasActiveEnrollment(ctx context.Context, studentID, courseID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE student_id = $1 AND course_id = $2 AND is_active = TRUE
		)
	`, studentID, courseID).Scan(&exists)
	return exists, err
}

// DeviceByFingerprint returns a device, or nil when unknown.
func (r *Repository) DeviceByFingerprint(ctx context.Context, fingerprint string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_fingerprint, is_trusted
		FROM devices WHERE device_fingerprint = $1
	`, fingerprint)
	var d Device
	if err := row.Scan(&d.ID, &d.Fingerprint, &d.Trusted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// DeviceTrusted returns the trust flag for a device id.
func (r *Repository) DeviceTrusted(ctx context.Context, deviceID string) (bool, error) {
	var trusted bool
	err := r.db.QueryRowContext(ctx, `SELECT is_trusted FROM devices WHERE id = $1`, deviceID).Scan(&trusted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return trusted, err
}

// FaceTemplate returns the student's enrolled biometric reference.
func (r *Repository) FaceTemplate(ctx context.Context, studentID string) (FaceTemplate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(face_embedding_hash, ''), face_enrolled
		FROM users WHERE id = $1
	`, studentID)
	var t FaceTemplate
	if err := row.Scan(&t.Hash, &t.Enrolled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FaceTemplate{}, ErrNotFound
		}
		return FaceTemplate{}, err
	}
	return t, nil
}

// Exists reports whether a check-in already exists for the pair.
func (r *Repository) Exists(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM checkins WHERE session_id = $1 AND student_id = $2
		)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

// Insert writes a fully resolved check-in in a single atomic statement.
// A uniqueness race on (session_id, student_id) surfaces as
// ErrAlreadyCheckedIn, not a database error.
func (r *Repository) Insert(ctx context.Context, c CheckIn) (CheckIn, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CheckedInAt.IsZero() {
		c.CheckedInAt = time.Now().UTC()
	}
	factors, err := marshalFactors(c.RiskFactors)
	if err != nil {
		return CheckIn{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO checkins (
			id, session_id, student_id, device_id, status, checked_in_at,
			latitude, longitude, location_accuracy_meters, distance_from_venue_meters,
			liveness_passed, liveness_score, face_match_passed, face_match_score,
			qr_code_verified, risk_score, risk_factors
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, c.ID, c.SessionID, c.StudentID, c.DeviceID, string(c.Status), c.CheckedInAt,
		c.Latitude, c.Longitude, c.AccuracyM, c.DistanceFromVenM,
		c.LivenessPassed, c.LivenessScore, c.FaceMatchPassed, c.FaceMatchScore,
		c.QRVerified, c.RiskScore, factors)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return CheckIn{}, ErrAlreadyCheckedIn
		}
		return CheckIn{}, err
	}
	return c, nil
}

const checkinColumns = `
	id, session_id, student_id, device_id, status, checked_in_at,
	latitude, longitude, location_accuracy_meters, distance_from_venue_meters,
	liveness_passed, liveness_score, face_match_passed, face_match_score,
	qr_code_verified, risk_score, risk_factors,
	reviewed_by_id, reviewed_at, review_notes, appeal_reason, appealed_at`

func scanCheckIn(row interface{ Scan(...any) error }) (CheckIn, error) {
	var c CheckIn
	var status string
	var factors sql.NullString
	err := row.Scan(&c.ID, &c.SessionID, &c.StudentID, &c.DeviceID, &status, &c.CheckedInAt,
		&c.Latitude, &c.Longitude, &c.AccuracyM, &c.DistanceFromVenM,
		&c.LivenessPassed, &c.LivenessScore, &c.FaceMatchPassed, &c.FaceMatchScore,
		&c.QRVerified, &c.RiskScore, &factors,
		&c.ReviewedByID, &c.ReviewedAt, &c.ReviewNotes, &c.AppealReason, &c.AppealedAt)
	if err != nil {
		return CheckIn{}, err
	}
	c.Status = Status(status)
	if factors.Valid && factors.String != "" {
		if err := json.Unmarshal([]byte(factors.String), &c.RiskFactors); err != nil {
			return CheckIn{}, fmt.Errorf("decode risk factors for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// Get returns a single check-in by id.
func (r *Repository) Get(ctx context.Context, id string) (CheckIn, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+checkinColumns+` FROM checkins WHERE id = $1`, id)
	c, err := scanCheckIn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckIn{}, ErrNotFound
	}
	return c, err
}

// RecordAppeal applies the appeal transition.
func (r *Repository) RecordAppeal(ctx context.Context, id, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkins
		SET status = $2, appeal_reason = $3, appealed_at = $4
		WHERE id = $1
	`, id, string(StatusAppealed), reason, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordReview applies a review verdict; repeated reviews overwrite.
func (r *Repository) RecordReview(ctx context.Context, id string, status Status, reviewerID string, notes *string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE checkins
		SET status = $2, reviewed_by_id = $3, reviewed_at = $4, review_notes = $5
		WHERE id = $1
	`, id, string(status), reviewerID, at, notes)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter narrows a check-in listing.
type ListFilter struct {
	SessionID string
	CourseID  string
	StudentID string
	Status    string
	MinRisk   *float64
	MaxRisk   *float64
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// List returns matching check-ins newest first, plus the unpaginated total.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]CheckIn, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var clauses []string
	var args []any
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.CourseID != "" {
		add("session_id IN (SELECT id FROM sessions WHERE course_id = $%d)", f.CourseID)
	}
	if f.StudentID != "" {
		add("student_id = $%d", f.StudentID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.MinRisk != nil {
		add("risk_score >= $%d", *f.MinRisk)
	}
	if f.MaxRisk != nil {
		add("risk_score <= $%d", *f.MaxRisk)
	}
	if f.Start != nil {
		add("checked_in_at >= $%d", *f.Start)
	}
	if f.End != nil {
		add("checked_in_at <= $%d", *f.End)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkins`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT` + checkinColumns + ` FROM checkins` + where +
		fmt.Sprintf(" ORDER BY checked_in_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []CheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// ListForReview returns flagged and appealed check-ins, the review queue.
func (r *Repository) ListForReview(ctx context.Context, sessionID, courseID string, limit int) ([]CheckIn, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT` + checkinColumns + ` FROM checkins WHERE status IN ($1, $2)`
	args := []any{string(StatusFlagged), string(StatusAppealed)}
	if sessionID != "" {
		args = append(args, sessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	} else if courseID != "" {
		args = append(args, courseID)
		query += fmt.Sprintf(" AND session_id IN (SELECT id FROM sessions WHERE course_id = $%d)", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY checked_in_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertAudit appends an audit-trail entry.
func (r *Repository) InsertAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, kind, checkin_id, actor_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.Kind, e.CheckInID, e.ActorID, e.Detail, e.CreatedAt)
	return err
}

// ListAudit returns recent audit entries, optionally for one check-in.
func (r *Repository) ListAudit(ctx context.Context, checkinID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id, kind, checkin_id, actor_id, detail, created_at FROM audit_logs`
	args := []any{}
	if checkinID != "" {
		args = append(args, checkinID)
		query += " WHERE checkin_id = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.CheckInID, &e.ActorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalFactors(factors []RiskFactor) (sql.NullString, error) {
	if len(factors) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(factors)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
