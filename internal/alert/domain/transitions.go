package domain

import (
	"strings"
	"time"
)

// Transition functions are total: any (state, event) pair outside the
// legality table returns ErrIllegalTransition and leaves the alert
// untouched. A successful transition mutates aggregate fields, bumps
// Version by exactly 1 and returns the single emitted event kind.

// Submit moves a draft into the approval queue.
func (a *Alert) Submit(now time.Time) (EventKind, error) {
	if a.State != StateDraft {
		return "", ErrIllegalTransition
	}
	if len(a.Areas) == 0 {
		return "", ErrMissingAreas
	}
	a.State = StatePendingApproval
	a.bump(now)
	return EventSubmitted, nil
}

// Approve records the approver decision and opens the delivery path.
func (a *Alert) Approve(approver string, now time.Time) (EventKind, error) {
	if a.State != StatePendingApproval {
		return "", ErrIllegalTransition
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return "", ErrMissingApprover
	}
	a.State = StateApproved
	a.ApprovedBy = approver
	decidedAt := now
	a.ApprovalDecidedAt = &decidedAt
	a.bump(now)
	return EventApproved, nil
}

// Reject closes the alert with a mandatory reason.
func (a *Alert) Reject(reason string, now time.Time) (EventKind, error) {
	if a.State != StatePendingApproval {
		return "", ErrIllegalTransition
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", ErrMissingRejectionReason
	}
	a.State = StateRejected
	a.RejectionReason = reason
	decidedAt := now
	a.ApprovalDecidedAt = &decidedAt
	a.bump(now)
	return EventRejected, nil
}

// MarkDelivered is the system DeliveryTrigger transition, issued only
// after the delivery provider acknowledged dispatch.
func (a *Alert) MarkDelivered(now time.Time) (EventKind, error) {
	if a.State != StateApproved {
		return "", ErrIllegalTransition
	}
	a.State = StateDelivered
	deliveredAt := now
	a.DeliveredAt = &deliveredAt
	a.bump(now)
	return EventDeliveryTriggered, nil
}

// Cancel stops further reactions. Cancelling a delivered alert does not
// un-send anything already dispatched.
func (a *Alert) Cancel(now time.Time) (EventKind, error) {
	if a.State != StateApproved && a.State != StateDelivered {
		return "", ErrIllegalTransition
	}
	a.State = StateCancelled
	cancelledAt := now
	a.CancelledAt = &cancelledAt
	a.bump(now)
	return EventCancelled, nil
}

// Expire is the system ExpiryTick transition for alerts past expiry
// that were never delivered or cancelled.
func (a *Alert) Expire(now time.Time) (EventKind, error) {
	if a.State != StatePendingApproval && a.State != StateApproved {
		return "", ErrIllegalTransition
	}
	if now.Before(a.ExpiryAt) {
		return "", ErrNotExpired
	}
	a.State = StateExpired
	a.bump(now)
	return EventExpired, nil
}

func (a *Alert) bump(now time.Time) {
	a.Version++
	a.UpdatedAt = now
}
