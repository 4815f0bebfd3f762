package steps

import (
	"net/http"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/notify"
)

// DefaultRegistry wires one executor per built-in step type.
func DefaultRegistry(
	clock core.Clock,
	client *http.Client,
	tasks TaskStore,
	email notify.EmailSender,
	inApp notify.InAppSender,
	webhook notify.WebhookSender,
) *Registry {
	r := NewRegistry()
	r.Register(domain.StepTypeStart, StartExecutor{})
	r.Register(domain.StepTypeEnd, EndExecutor{})
	r.Register(domain.StepTypeUserAction, NewUserActionExecutor(tasks))
	r.Register(domain.StepTypeApiCall, NewApiCallExecutor(client, NewBreakerRegistry(clock)))
	r.Register(domain.StepTypeConditional, ConditionalExecutor{})
	r.Register(domain.StepTypeDelay, NewDelayExecutor(clock))
	r.Register(domain.StepTypeNotification, NewNotificationExecutor(email, inApp, webhook))
	r.Register(domain.StepTypeScript, NewScriptExecutor(clock))
	r.Register(domain.StepTypeParallel, ParallelExecutor{})
	r.Register(domain.StepTypeJoin, JoinExecutor{})
	return r
}
