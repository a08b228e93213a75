package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// maxResponseSize limits collaborator response bodies to prevent memory
// exhaustion from a misbehaving service.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Correlation headers let a collaborator deduplicate re-invocations
// without parsing the body.
const (
	headerCaseID  = "X-Mend-Case-Id"
	headerPhase   = "X-Mend-Phase"
	headerAttempt = "X-Mend-Attempt"
)

// httpClient is the shared JSON-over-HTTP transport for all five
// collaborators. It classifies transport and status failures into the
// engine's error taxonomy; callers see typed responses or typed errors.
type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string, timeout time.Duration) *httpClient {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) post(ctx context.Context, path string, corr Correlation, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "marshal %s request", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return heal.WrapError(heal.CodeInternal, err, "build %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerCaseID, corr.CaseID)
	req.Header.Set(headerPhase, string(corr.Phase))
	req.Header.Set(headerAttempt, strconv.Itoa(corr.Attempt))

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return heal.WrapError(heal.CodeCancelled, err, "%s cancelled", path)
		}
		// Network failures and per-attempt timeouts are retryable.
		return heal.WrapError(heal.CodeTransient, err, "%s unreachable", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return heal.WrapError(heal.CodeTransient, err, "read %s response", path)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return heal.NewError(heal.CodeTransient, "%s rate limited", path)
	case resp.StatusCode >= 500:
		return heal.NewError(heal.CodeTransient, "%s returned %d", path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return heal.NewError(heal.CodeInvalidInput, "%s rejected request with %d", path, resp.StatusCode)
	default:
		return heal.NewError(heal.CodeInternal, "%s returned unexpected status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return heal.WrapError(heal.CodeInvalidInput, err, "%s returned malformed response", path)
	}
	return nil
}

// HTTPDiagnoser talks to the diagnoser service.
type HTTPDiagnoser struct {
	http *httpClient
}

// NewHTTPDiagnoser creates a diagnoser client for the given base URL.
func NewHTTPDiagnoser(baseURL string, timeout time.Duration) *HTTPDiagnoser {
	return &HTTPDiagnoser{http: newHTTPClient(baseURL, timeout)}
}

// Diagnose implements Diagnoser.
func (d *HTTPDiagnoser) Diagnose(ctx context.Context, req DiagnoseRequest) (*DiagnoseResponse, error) {
	var resp DiagnoseResponse
	if err := d.http.post(ctx, "/v1/diagnose", req.Correlation, req, &resp); err != nil {
		return nil, fmt.Errorf("diagnoser: %w", err)
	}
	return &resp, nil
}

// HTTPPatcher talks to the patcher service.
type HTTPPatcher struct {
	http *httpClient
}

// NewHTTPPatcher creates a patcher client for the given base URL.
func NewHTTPPatcher(baseURL string, timeout time.Duration) *HTTPPatcher {
	return &HTTPPatcher{http: newHTTPClient(baseURL, timeout)}
}

// ApplyPatch implements Patcher. A response carrying compilation errors is
// surfaced as COMPILATION_FAILED so the engine takes the re-diagnose edge
// instead of retrying the patcher.
func (p *HTTPPatcher) ApplyPatch(ctx context.Context, req PatchRequest) (*PatchResponse, error) {
	var resp PatchResponse
	if err := p.http.post(ctx, "/v1/patch", req.Correlation, req, &resp); err != nil {
		return nil, fmt.Errorf("patcher: %w", err)
	}
	if len(resp.CompilationErrors) > 0 {
		return nil, heal.NewError(heal.CodeCompilationFailed, "patch did not compile").
			WithDetail("compilation_errors", strings.Join(resp.CompilationErrors, "\n"))
	}
	if resp.PatchRef == "" {
		return nil, heal.NewError(heal.CodeInvalidInput, "patcher returned neither patch ref nor compilation errors")
	}
	return &resp, nil
}

// HTTPTestRunner talks to the sandbox test-runner service.
type HTTPTestRunner struct {
	http *httpClient
}

// NewHTTPTestRunner creates a test-runner client for the given base URL.
func NewHTTPTestRunner(baseURL string, timeout time.Duration) *HTTPTestRunner {
	return &HTTPTestRunner{http: newHTTPClient(baseURL, timeout)}
}

// RunTests implements TestRunner.
func (r *HTTPTestRunner) RunTests(ctx context.Context, req TestRequest) (*TestResponse, error) {
	var resp TestResponse
	if err := r.http.post(ctx, "/v1/test", req.Correlation, req, &resp); err != nil {
		return nil, fmt.Errorf("test runner: %w", err)
	}
	return &resp, nil
}

// HTTPProver talks to the theorem-prover service.
type HTTPProver struct {
	http *httpClient
}

// NewHTTPProver creates a prover client for the given base URL.
func NewHTTPProver(baseURL string, timeout time.Duration) *HTTPProver {
	return &HTTPProver{http: newHTTPClient(baseURL, timeout)}
}

// Prove implements Prover.
func (p *HTTPProver) Prove(ctx context.Context, req ProveRequest) (*ProveResponse, error) {
	var resp ProveResponse
	if err := p.http.post(ctx, "/v1/prove", req.Correlation, req, &resp); err != nil {
		return nil, fmt.Errorf("prover: %w", err)
	}
	return &resp, nil
}

// HTTPMerger talks to the source-forge merger adapter.
type HTTPMerger struct {
	http *httpClient
}

// NewHTTPMerger creates a merger client for the given base URL.
func NewHTTPMerger(baseURL string, timeout time.Duration) *HTTPMerger {
	return &HTTPMerger{http: newHTTPClient(baseURL, timeout)}
}

// Merge implements Merger.
func (m *HTTPMerger) Merge(ctx context.Context, req MergeRequest) (*MergeResponse, error) {
	var resp MergeResponse
	if err := m.http.post(ctx, "/v1/merge", req.Correlation, req, &resp); err != nil {
		return nil, fmt.Errorf("merger: %w", err)
	}
	return &resp, nil
}
