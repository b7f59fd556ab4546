package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/devinsight/analysis-jobs/pkg/core"
)

// Input is the stage-specific input handed to the external computation:
// the job's subject plus every artifact produced by prior stages.
type Input struct {
	JobID      string                     `json:"job_id"`
	OwnerID    string                     `json:"owner_id"`
	SubjectRef string                     `json:"subject_ref"`
	Artifacts  map[string]json.RawMessage `json:"artifacts,omitempty"`
}

// Invoker is the external stage computation collaborator. An
// implementation reports retryable failures via core.TransientError and
// non-retryable ones via core.FatalError; unclassified errors are
// treated as transient.
type Invoker interface {
	Invoke(ctx context.Context, stage string, input Input) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, stage string, input Input) (json.RawMessage, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, stage string, input Input) (json.RawMessage, error) {
	return f(ctx, stage, input)
}

// maxInvokeResponseSize caps how much of a stage response is read (4MB).
const maxInvokeResponseSize = 4 << 20

// HTTPInvoker calls an analysis backend over HTTP: one POST per stage
// attempt to {base}/stages/{stage} with the Input as JSON body, expecting
// the stage payload as a JSON response.
type HTTPInvoker struct {
	base   string
	client *http.Client
}

// NewHTTPInvoker creates an invoker for the given backend base URL.
func NewHTTPInvoker(base string, opts ...HTTPInvokerOption) *HTTPInvoker {
	inv := &HTTPInvoker{
		base:   base,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// HTTPInvokerOption configures an HTTPInvoker.
type HTTPInvokerOption func(*HTTPInvoker)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPInvokerOption {
	return func(inv *HTTPInvoker) {
		inv.client = c
	}
}

// Invoke implements Invoker. HTTP 5xx, 408, and 429 map to transient
// failures, every other non-2xx status to fatal; transport errors are
// transient.
func (inv *HTTPInvoker) Invoke(ctx context.Context, stage string, input Input) (json.RawMessage, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, core.Fatal(fmt.Errorf("marshal stage input: %w", err))
	}

	endpoint := inv.base + "/stages/" + url.PathEscape(stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.Fatal(fmt.Errorf("build stage request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Transient(fmt.Errorf("stage %s: %w", stage, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxInvokeResponseSize))
	if err != nil {
		return nil, core.Transient(fmt.Errorf("stage %s: read response: %w", stage, err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(payload) {
			return nil, core.Transient(fmt.Errorf("stage %s: backend returned invalid JSON", stage))
		}
		return payload, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, core.Transient(fmt.Errorf("stage %s: backend status %d", stage, resp.StatusCode))
	default:
		return nil, core.Fatal(fmt.Errorf("stage %s: backend status %d: %s", stage, resp.StatusCode, truncate(payload, 256)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
