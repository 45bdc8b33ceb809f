package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPolicyViolation   = errors.New("cancellation policy violation")
	ErrUnknownAction     = errors.New("unknown action")
)

// CancellationNoticeHours is the minimum notice a patient must give to cancel.
const CancellationNoticeHours = 48.0

// Transition computes the status an appointment moves to when role performs
// action on it. It has no side effects; callers persist the result.
//
// current is ignored for ActionCreate. hoursUntil is only consulted when a
// patient cancels.
func Transition(current Status, action Action, role Role, hoursUntil float64) (Status, error) {
	switch action {
	case ActionCreate:
		if role == RoleDoctor {
			return StatusApproved, nil
		}
		return StatusPending, nil

	case ActionCancel:
		if current != StatusPending && current != StatusApproved {
			return "", fmt.Errorf("%w: cannot cancel a %s appointment", ErrInvalidTransition, current)
		}
		if role == RolePatient && hoursUntil < CancellationNoticeHours {
			return "", fmt.Errorf("%w: appointments must be cancelled at least %.0f hours in advance",
				ErrPolicyViolation, CancellationNoticeHours)
		}
		return StatusCancelled, nil

	case ActionAccept:
		if !current.Valid() || current.Terminal() {
			return "", fmt.Errorf("%w: cannot accept a %s appointment", ErrInvalidTransition, current)
		}
		return StatusApproved, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
}
