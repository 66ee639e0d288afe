package checkin

import "errors"

// Guard violations are surfaced as sentinel errors naming the unmet
// precondition. The HTTP layer maps them onto status codes with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("insufficient permissions")

	ErrSessionNotActive   = errors.New("session not active")
	ErrWindowClosed       = errors.New("check-in window closed")
	ErrNotEnrolled        = errors.New("not enrolled in this course")
	ErrAlreadyCheckedIn   = errors.New("already checked in")
	ErrAppealNotAllowed   = errors.New("can only appeal rejected or flagged check-ins")
	ErrAlreadyAppealed    = errors.New("check-in already appealed")
	ErrAppealWindowClosed = errors.New("appeal window has closed")
	ErrBadReviewOutcome   = errors.New("review status must be approved or rejected")
)

var invalidStateErrs = []error{
	ErrSessionNotActive,
	ErrWindowClosed,
	ErrNotEnrolled,
	ErrAppealNotAllowed,
	ErrAlreadyAppealed,
	ErrAppealWindowClosed,
	ErrBadReviewOutcome,
}

// IsInvalidState reports whether err names a violated precondition, as
// opposed to a missing resource, a permission problem, or a duplicate.
func IsInvalidState(err error) bool {
	for _, target := range invalidStateErrs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
