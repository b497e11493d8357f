// Package interceptors tags outgoing requests so upstream logs can be joined
// to the case that caused them.
package interceptors

import (
	"context"
	"net/http"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/riskcase/internal/tracing"
)

const (
	HeaderWorkflowID = "X-Workflow-ID"
	HeaderRunID      = "X-Run-ID"
)

// RoundTripper adds the W3C traceparent and, inside a Temporal activity, the
// workflow and run ids to every request.
type RoundTripper struct {
	base http.RoundTripper
}

// NewRoundTripper wraps base; nil means http.DefaultTransport.
func NewRoundTripper(base http.RoundTripper) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	tracing.InjectTraceparent(req.Context(), req)
	if id, run, ok := workflowIDs(req.Context()); ok {
		req.Header.Set(HeaderWorkflowID, id)
		req.Header.Set(HeaderRunID, run)
	}
	return rt.base.RoundTrip(req)
}

// workflowIDs reads the activity info of ctx. activity.GetInfo panics outside
// an activity.
func workflowIDs(ctx context.Context) (id, run string, ok bool) {
	defer func() {
		if recover() != nil {
			id, run, ok = "", "", false
		}
	}()
	info := activity.GetInfo(ctx)
	return info.WorkflowExecution.ID, info.WorkflowExecution.RunID, info.WorkflowExecution.ID != ""
}
