package delivery

import (
	"github.com/geowarn/geowarn/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("provider.delivery",
	fx.Provide(NewFromConfig),
)

// NewFromConfig wires the channel router from configuration. Channels
// without configuration fall back to the no-op provider so a partial
// deployment still runs.
func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	var email Provider = &NoOpProvider{}
	if cfg.SMTP.Host != "" {
		email = NewSMTP(SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			From:       cfg.SMTP.From,
			Recipients: cfg.SMTP.Recipients,
		})
	} else {
		log.Warn("smtp not configured, email delivery disabled")
	}

	var sms Provider = &NoOpProvider{}
	if cfg.SMS.Endpoint != "" {
		sms = NewWebhook(WebhookConfig{
			Endpoint:  cfg.SMS.Endpoint,
			AuthToken: cfg.SMS.AuthToken,
			Timeout:   cfg.SMS.Timeout,
		})
	} else {
		log.Warn("sms webhook not configured, sms delivery disabled")
	}

	return NewRouter(email, sms)
}
