package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type WebhookConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// WebhookProvider posts alert payloads to an SMS gateway webhook.
type WebhookProvider struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) *WebhookProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	AlertID  string `json:"alert_id"`
	Headline string `json:"headline"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	ExpiryAt string `json:"expiry_at"`
}

type webhookResponse struct {
	Reference string `json:"reference"`
}

func (p *WebhookProvider) Send(ctx context.Context, dispatch Dispatch) (Ack, error) {
	payload, err := json.Marshal(webhookPayload{
		AlertID:  dispatch.AlertID.String(),
		Headline: dispatch.Headline,
		Message:  dispatch.Description,
		Severity: string(dispatch.Severity),
		ExpiryAt: dispatch.ExpiryAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Ack{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Ack{}, fmt.Errorf("sms_webhook_status_%d: %s", resp.StatusCode, string(body))
	}

	ack := Ack{SentAt: time.Now().UTC()}
	var decoded webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil && decoded.Reference != "" {
		ack.Reference = decoded.Reference
	} else {
		ack.Reference = fmt.Sprintf("sms:%s", dispatch.AlertID.String())
	}
	return ack, nil
}
