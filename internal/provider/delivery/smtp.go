package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// SMTPProvider sends alert emails through a plain SMTP relay.
type SMTPProvider struct {
	cfg SMTPConfig
}

func NewSMTP(cfg SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Send(ctx context.Context, dispatch Dispatch) (Ack, error) {
	if len(p.cfg.Recipients) == 0 {
		return Ack{}, errors.New("no_smtp_recipients")
	}

	auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(dispatch.Severity)), dispatch.Headline)
	body := fmt.Sprintf("%s\r\n\r\nExpires: %s\r\nAlert: %s\r\n",
		dispatch.Description,
		dispatch.ExpiryAt.UTC().Format(time.RFC3339),
		dispatch.AlertID.String(),
	)
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s",
		strings.Join(p.cfg.Recipients, ", "),
		subject,
		body,
	))

	if err := smtp.SendMail(addr, auth, p.cfg.From, p.cfg.Recipients, msg); err != nil {
		return Ack{}, err
	}
	return Ack{
		Reference: fmt.Sprintf("smtp:%s", dispatch.AlertID.String()),
		SentAt:    time.Now().UTC(),
	}, nil
}
