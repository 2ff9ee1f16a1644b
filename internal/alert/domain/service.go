package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/geometry"
	"github.com/geowarn/geowarn/pkg/db/pagination"
)

var (
	ErrNotFound            = errors.New("alert_not_found")
	ErrIllegalTransition   = errors.New("illegal_transition")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")

	ErrMissingHeadline        = errors.New("missing_headline")
	ErrMissingDescription     = errors.New("missing_description")
	ErrInvalidSeverity        = errors.New("invalid_severity")
	ErrInvalidChannel         = errors.New("invalid_channel")
	ErrMissingAreas           = errors.New("missing_areas")
	ErrInvalidExpiry          = errors.New("invalid_expiry")
	ErrMissingApprover        = errors.New("missing_approver")
	ErrMissingRejectionReason = errors.New("missing_rejection_reason")
	ErrNotExpired             = errors.New("not_expired")
	ErrInvalidID              = errors.New("invalid_id")
)

// IsValidationErr reports whether the error belongs to the synchronous
// validation class rejected before any persistence attempt.
func IsValidationErr(err error) bool {
	for _, target := range []error{
		ErrMissingHeadline,
		ErrMissingDescription,
		ErrInvalidSeverity,
		ErrInvalidChannel,
		ErrMissingAreas,
		ErrInvalidExpiry,
		ErrMissingApprover,
		ErrMissingRejectionReason,
		ErrInvalidID,
		geometry.ErrInsufficientVertices,
		geometry.ErrSelfIntersecting,
		geometry.ErrDegenerateRing,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type CreateAlertRequest struct {
	Headline    string
	Description string
	Severity    Severity
	Channel     Channel
	Areas       [][]geometry.Point
	ExpiryAt    time.Time
	// Submit immediately creates the alert in PendingApproval.
	Submit bool
	Actor  string
}

type SubmitAlertRequest struct {
	ID              snowflake.ID
	ExpectedVersion int64
	Actor           string
}

type ApproveAlertRequest struct {
	ID              snowflake.ID
	ExpectedVersion int64
	Approver        string
}

type RejectAlertRequest struct {
	ID              snowflake.ID
	ExpectedVersion int64
	Reason          string
	Actor           string
}

type CancelAlertRequest struct {
	ID              snowflake.ID
	ExpectedVersion int64
	Actor           string
}

// MarkDeliveredRequest is the system DeliveryTrigger command issued by
// the delivery dispatcher after provider acknowledgment.
type MarkDeliveredRequest struct {
	ID              snowflake.ID
	ExpectedVersion int64
}

// ExpireAlertRequest is the system ExpiryTick command.
type ExpireAlertRequest struct {
	ID              snowflake.ID
	ExpectedVersion int64
}

type ListAlertsRequest struct {
	PageToken string
	PageSize  int32
	State     State
	Severity  Severity
}

type ListAlertsResponse struct {
	pagination.PageInfo
	Alerts []Alert `json:"alerts"`
}

type Service interface {
	Create(context.Context, CreateAlertRequest) (Alert, error)
	Submit(context.Context, SubmitAlertRequest) (Alert, error)
	Approve(context.Context, ApproveAlertRequest) (Alert, error)
	Reject(context.Context, RejectAlertRequest) (Alert, error)
	Cancel(context.Context, CancelAlertRequest) (Alert, error)
	MarkDelivered(context.Context, MarkDeliveredRequest) (Alert, error)
	Expire(context.Context, ExpireAlertRequest) (Alert, error)

	GetByID(context.Context, snowflake.ID) (Alert, error)
	List(context.Context, ListAlertsRequest) (ListAlertsResponse, error)
	ListEvents(context.Context, snowflake.ID) ([]ChangeEvent, error)

	MarkDeliveryFailed(ctx context.Context, id snowflake.ID, reason string) error
}
