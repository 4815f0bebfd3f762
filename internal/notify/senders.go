package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// LogEmailSender records outgoing mail in the process log. The production
// deployment swaps in the mail service client behind the same interface.
type LogEmailSender struct{}

func (LogEmailSender) SendEmail(ctx context.Context, msg EmailMessage) error {
	slog.InfoContext(ctx, "Email notification", "recipient", msg.Recipient, "subject", msg.Subject)
	return nil
}

// LogInAppSender records in-app notifications in the process log.
type LogInAppSender struct{}

func (LogInAppSender) SendInApp(ctx context.Context, msg InAppMessage) error {
	slog.InfoContext(ctx, "In-app notification", "recipient", msg.Recipient, "title", msg.Title)
	return nil
}

// HTTPWebhookSender posts the payload as JSON using the shared workflow HTTP
// client.
type HTTPWebhookSender struct {
	Client *http.Client
}

func NewHTTPWebhookSender(client *http.Client) *HTTPWebhookSender {
	return &HTTPWebhookSender{Client: client}
}

func (s *HTTPWebhookSender) SendWebhook(ctx context.Context, msg WebhookMessage) error {
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
