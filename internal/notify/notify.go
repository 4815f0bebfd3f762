package notify

import "context"

// Delivery mechanics live outside the engine; these are the trigger contracts
// the Notification step fans out over.

type EmailMessage struct {
	Recipient string
	Subject   string
	Body      string
}

type InAppMessage struct {
	Recipient string
	Title     string
	Message   string
}

type WebhookMessage struct {
	URL     string
	Payload map[string]any
}

type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

type InAppSender interface {
	SendInApp(ctx context.Context, msg InAppMessage) error
}

type WebhookSender interface {
	SendWebhook(ctx context.Context, msg WebhookMessage) error
}
