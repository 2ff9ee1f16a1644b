package delivery

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
)

// Dispatch is the provider-facing payload for one approved alert.
type Dispatch struct {
	AlertID     snowflake.ID
	Headline    string
	Description string
	Severity    alertdomain.Severity
	Channel     alertdomain.Channel
	ExpiryAt    time.Time
}

// Ack is the provider acknowledgement returned on a successful send.
type Ack struct {
	Reference string
	SentAt    time.Time
}

type Provider interface {
	Send(ctx context.Context, dispatch Dispatch) (Ack, error)
}

// NoOpProvider acknowledges without sending. Used when no channel is
// configured, and in tests.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, dispatch Dispatch) (Ack, error) {
	return Ack{Reference: "noop", SentAt: time.Now().UTC()}, nil
}
