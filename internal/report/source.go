package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// maxArtifactSize limits a single artifact response body.
const maxArtifactSize = 32 * 1024 * 1024 // 32MB

// artifactRequest identifies the failing run to the source-forge adapter.
type artifactRequest struct {
	Repository string `json:"repository"`
	RunID      int64  `json:"run_id"`
	HeadSHA    string `json:"head_sha"`
	Branch     string `json:"branch"`
	Workflow   string `json:"workflow,omitempty"`
}

// HTTPSource fetches failure artifacts from the source-forge adapter over
// JSON-over-HTTP. Failures classify like collaborator calls: network errors
// and 5xx are transient, 4xx is invalid input.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an artifact source for the given base URL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch implements ArtifactSource.
func (s *HTTPSource) Fetch(ctx context.Context, c *heal.Case) (*Artifacts, error) {
	payload, err := json.Marshal(artifactRequest{
		Repository: c.Repository,
		RunID:      c.RunID,
		HeadSHA:    c.HeadSHA,
		Branch:     c.Branch,
		Workflow:   c.Workflow,
	})
	if err != nil {
		return nil, heal.WrapError(heal.CodeInternal, err, "marshal artifact request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/artifacts", bytes.NewReader(payload))
	if err != nil {
		return nil, heal.WrapError(heal.CodeInternal, err, "build artifact request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, heal.WrapError(heal.CodeCancelled, err, "artifact fetch cancelled")
		}
		return nil, heal.WrapError(heal.CodeTransient, err, "artifact source unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		return nil, heal.WrapError(heal.CodeTransient, err, "read artifact response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, heal.NewError(heal.CodeTransient, "artifact source rate limited")
	case resp.StatusCode >= 500:
		return nil, heal.NewError(heal.CodeTransient, "artifact source returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, heal.NewError(heal.CodeInvalidInput, "artifact source rejected request with %d", resp.StatusCode)
	default:
		return nil, heal.NewError(heal.CodeInternal, "artifact source returned unexpected status %d", resp.StatusCode)
	}

	var artifacts Artifacts
	if err := json.Unmarshal(body, &artifacts); err != nil {
		return nil, heal.WrapError(heal.CodeInvalidInput, err, "artifact source returned malformed response")
	}
	return &artifacts, nil
}

var _ ArtifactSource = (*HTTPSource)(nil)
