package steps

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
	"github.com/covecrm/crmflow/internal/notify"
)

const notificationRetryAfter = 5 * time.Minute

type EmailChannelConfig struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type InAppChannelConfig struct {
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Message   string `json:"message"`
}

type WebhookChannelConfig struct {
	Url     string            `json:"url"`
	Payload map[string]string `json:"payload"`
}

type NotificationStepConfig struct {
	Email   *EmailChannelConfig   `json:"email"`
	InApp   *InAppChannelConfig   `json:"inApp"`
	Webhook *WebhookChannelConfig `json:"webhook"`
}

// NotificationExecutor fans out to the configured channels independently. The
// step succeeds when at least one channel delivered; a full miss is retried
// after five minutes.
type NotificationExecutor struct {
	Email   notify.EmailSender
	InApp   notify.InAppSender
	Webhook notify.WebhookSender
}

func NewNotificationExecutor(email notify.EmailSender, inApp notify.InAppSender, webhook notify.WebhookSender) *NotificationExecutor {
	return &NotificationExecutor{Email: email, InApp: inApp, Webhook: webhook}
}

func (e *NotificationExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	var cfg NotificationStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		return failure("notification step %s: %v", sc.Step.StepKey, err)
	}

	attempted := 0
	succeeded := 0
	outputs := map[string]any{}

	if cfg.Email != nil {
		attempted++
		msg := notify.EmailMessage{
			Recipient: resolveRecipient(cfg.Email.Recipient, sc.Variables),
			Subject:   expr.ReplaceVariables(cfg.Email.Subject, sc.Variables),
			Body:      expr.ReplaceVariables(cfg.Email.Body, sc.Variables),
		}
		if err := e.Email.SendEmail(ctx, msg); err != nil {
			slog.WarnContext(ctx, "Email channel failed", "step", sc.Step.StepKey, "error", err)
			outputs["emailSent"] = false
		} else {
			succeeded++
			outputs["emailSent"] = true
		}
	}
	if cfg.InApp != nil {
		attempted++
		msg := notify.InAppMessage{
			Recipient: resolveRecipient(cfg.InApp.Recipient, sc.Variables),
			Title:     expr.ReplaceVariables(cfg.InApp.Title, sc.Variables),
			Message:   expr.ReplaceVariables(cfg.InApp.Message, sc.Variables),
		}
		if err := e.InApp.SendInApp(ctx, msg); err != nil {
			slog.WarnContext(ctx, "In-app channel failed", "step", sc.Step.StepKey, "error", err)
			outputs["inAppSent"] = false
		} else {
			succeeded++
			outputs["inAppSent"] = true
		}
	}
	if cfg.Webhook != nil {
		attempted++
		payload := make(map[string]any, len(cfg.Webhook.Payload))
		for k, tmpl := range cfg.Webhook.Payload {
			payload[k] = expr.ReplaceVariables(tmpl, sc.Variables)
		}
		msg := notify.WebhookMessage{
			URL:     expr.ReplaceVariables(cfg.Webhook.Url, sc.Variables),
			Payload: payload,
		}
		if err := e.Webhook.SendWebhook(ctx, msg); err != nil {
			slog.WarnContext(ctx, "Webhook channel failed", "step", sc.Step.StepKey, "error", err)
			outputs["webhookSent"] = false
		} else {
			succeeded++
			outputs["webhookSent"] = true
		}
	}

	if attempted > 0 && succeeded == 0 {
		return retryable(notificationRetryAfter, "all %d notification channels failed", attempted)
	}

	if next, ok := resolveTransition(sc.Step, sc.Variables); ok {
		return &Result{Success: true, NextStepKey: next, OutputVariables: outputs}
	}
	return &Result{Success: true, OutputVariables: outputs}
}

func (e *NotificationExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg NotificationStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	if cfg.Email == nil && cfg.InApp == nil && cfg.Webhook == nil {
		v.addWarning("notification step %s has no channels configured", step.StepKey)
	}
	if cfg.Email != nil && strings.TrimSpace(cfg.Email.Recipient) == "" {
		v.addError("email channel has no recipient")
	}
	if cfg.InApp != nil && strings.TrimSpace(cfg.InApp.Recipient) == "" {
		v.addError("in-app channel has no recipient")
	}
	if cfg.Webhook != nil && strings.TrimSpace(cfg.Webhook.Url) == "" {
		v.addError("webhook channel has no url")
	}
	return v
}
