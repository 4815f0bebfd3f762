package steps

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
)

const maxBackoffWait = 5 * time.Minute

// RetryPolicy controls step-level retries for failed API calls. The backoff
// list is indexed by attempt; with ExponentialBackoff each wait doubles per
// attempt beyond the list.
type RetryPolicy struct {
	MaxAttempts        int   `json:"maxAttempts"`
	BackoffSeconds     []int `json:"backoffSeconds"`
	ExponentialBackoff bool  `json:"exponentialBackoff"`
}

type ApiCallStepConfig struct {
	ApiEndpoint          string            `json:"apiEndpoint"`
	Method               string            `json:"method"`
	Headers              map[string]string `json:"headers"`
	BodyTemplate         string            `json:"bodyTemplate"`
	TimeoutSeconds       int               `json:"timeoutSeconds"`
	AuthenticationType   string            `json:"authenticationType"`
	AuthenticationConfig map[string]string `json:"authenticationConfig"`
	RetryPolicy          *RetryPolicy      `json:"retryPolicy"`
}

// ApiCallExecutor performs one HTTP call per engine invocation; retries are
// scheduled through the job queue, not looped in-process.
type ApiCallExecutor struct {
	Client   *http.Client
	Breakers *BreakerRegistry
}

func NewApiCallExecutor(client *http.Client, breakers *BreakerRegistry) *ApiCallExecutor {
	return &ApiCallExecutor{Client: client, Breakers: breakers}
}

func (e *ApiCallExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	var cfg ApiCallStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		return failure("api call step %s: %v", sc.Step.StepKey, err)
	}
	if strings.TrimSpace(cfg.ApiEndpoint) == "" {
		return failure("api call step %s has no endpoint", sc.Step.StepKey)
	}

	endpoint := expr.ReplaceVariables(cfg.ApiEndpoint, sc.Variables)
	attempt := sc.Instance.RetryCount

	if !e.Breakers.Allow(endpoint) {
		slog.WarnContext(ctx, "Circuit breaker open, short-circuiting call", "step", sc.Step.StepKey, "endpoint", endpoint)
		return retryable(breakerOpenDuration, "circuit breaker open for %s", hostKey(endpoint))
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	callCtx := ctx
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if cfg.BodyTemplate != "" {
		body = strings.NewReader(expr.ReplaceVariables(cfg.BodyTemplate, sc.Variables))
	}
	req, err := http.NewRequestWithContext(callCtx, method, endpoint, body)
	if err != nil {
		return failure("api call step %s: building request: %v", sc.Step.StepKey, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.Headers {
		req.Header.Set(name, expr.ReplaceVariables(value, sc.Variables))
	}
	applyAuthentication(req, cfg, sc.Variables)

	resp, err := e.Client.Do(req)
	if err != nil {
		e.Breakers.RecordFailure(endpoint)
		return e.retryOrFail(cfg, attempt, "calling %s: %v", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.Breakers.RecordFailure(endpoint)
		return e.retryOrFail(cfg, attempt, "reading response from %s: %v", endpoint, err)
	}

	if resp.StatusCode >= 500 {
		e.Breakers.RecordFailure(endpoint)
		return e.retryOrFail(cfg, attempt, "%s returned %d", endpoint, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// client errors are terminal, retrying will not change the outcome;
		// the host answered, so the breaker counts this as contact made
		e.Breakers.RecordSuccess(endpoint)
		return failure("%s returned %d: %s", endpoint, resp.StatusCode, truncate(string(raw), 500))
	}

	e.Breakers.RecordSuccess(endpoint)

	var response any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &response); err != nil {
			response = string(raw)
		}
	}

	outputs := map[string]any{
		"response":   response,
		"statusCode": float64(resp.StatusCode),
	}

	// transition conditions see the parsed response alongside the context
	condVars := make(map[string]any, len(sc.Variables)+2)
	for k, v := range sc.Variables {
		condVars[k] = v
	}
	condVars["response"] = response
	condVars["statusCode"] = float64(resp.StatusCode)

	if next, ok := resolveTransition(sc.Step, condVars); ok {
		return &Result{Success: true, NextStepKey: next, OutputVariables: outputs}
	}
	return &Result{Success: true, OutputVariables: outputs}
}

func (e *ApiCallExecutor) retryOrFail(cfg ApiCallStepConfig, attempt int, format string, args ...any) *Result {
	maxAttempts := 3
	if cfg.RetryPolicy != nil && cfg.RetryPolicy.MaxAttempts > 0 {
		maxAttempts = cfg.RetryPolicy.MaxAttempts
	}
	if attempt+1 >= maxAttempts {
		return failure(format, args...)
	}
	return retryable(backoffWait(cfg.RetryPolicy, attempt), format, args...)
}

// backoffWait picks the wait before the next attempt from the policy's
// backoff list, optionally scaled exponentially, capped at five minutes.
func backoffWait(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || len(policy.BackoffSeconds) == 0 {
		return 0 // engine default applies
	}
	idx := attempt
	if idx >= len(policy.BackoffSeconds) {
		idx = len(policy.BackoffSeconds) - 1
	}
	wait := time.Duration(policy.BackoffSeconds[idx]) * time.Second
	if policy.ExponentialBackoff {
		for i := 0; i < attempt; i++ {
			wait *= 2
			if wait >= maxBackoffWait {
				break
			}
		}
	}
	if wait > maxBackoffWait {
		wait = maxBackoffWait
	}
	return wait
}

func applyAuthentication(req *http.Request, cfg ApiCallStepConfig, vars map[string]any) {
	auth := cfg.AuthenticationConfig
	resolve := func(key string) string {
		return expr.ReplaceVariables(auth[key], vars)
	}
	switch strings.ToLower(cfg.AuthenticationType) {
	case "bearer":
		if token := resolve("token"); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "basic":
		req.SetBasicAuth(resolve("username"), resolve("password"))
	case "apikey":
		header := auth["headerName"]
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, resolve("apiKey"))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (e *ApiCallExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg ApiCallStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	if strings.TrimSpace(cfg.ApiEndpoint) == "" {
		v.addError("api call step %s has no endpoint", step.StepKey)
	}
	switch strings.ToLower(cfg.AuthenticationType) {
	case "", "bearer", "basic", "apikey":
	default:
		v.addWarning("unknown authentication type %q", cfg.AuthenticationType)
	}
	if cfg.RetryPolicy != nil && cfg.RetryPolicy.MaxAttempts < 0 {
		v.addError("retry policy maxAttempts must not be negative")
	}
	return v
}
