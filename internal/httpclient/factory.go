package httpclient

import (
	"net/http"
	"time"
)

const ClientName = "WorkflowApiClient"
const userAgent = "crmflow-workflow-engine/1.0"

// roundTripper stamps the fixed User-Agent on every outgoing request.
type roundTripper struct {
	next http.RoundTripper
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return rt.next.RoundTrip(req)
}

// NewWorkflowApiClient builds the shared HTTP client used by the ApiCall
// executor and the webhook sender: 30s default timeout, fixed User-Agent.
func NewWorkflowApiClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: roundTripper{next: http.DefaultTransport},
	}
}
