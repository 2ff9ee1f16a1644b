package delivery

import (
	"context"
	"errors"

	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
)

// Router selects the concrete provider by the alert's channel. The
// "both" channel requires both sends to succeed; a partial failure is
// reported so the attempt is retried as a whole.
type Router struct {
	email Provider
	sms   Provider
}

func NewRouter(email, sms Provider) *Router {
	return &Router{email: email, sms: sms}
}

func (r *Router) Send(ctx context.Context, dispatch Dispatch) (Ack, error) {
	switch dispatch.Channel {
	case alertdomain.ChannelEmail:
		return r.email.Send(ctx, dispatch)
	case alertdomain.ChannelSMS:
		return r.sms.Send(ctx, dispatch)
	case alertdomain.ChannelBoth:
		emailAck, emailErr := r.email.Send(ctx, dispatch)
		smsAck, smsErr := r.sms.Send(ctx, dispatch)
		if err := errors.Join(emailErr, smsErr); err != nil {
			return Ack{}, err
		}
		ack := emailAck
		if ack.Reference == "" {
			ack = smsAck
		}
		return ack, nil
	default:
		return Ack{}, errors.New("unknown_channel")
	}
}
