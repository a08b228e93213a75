package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mend/internal/heal"
)

func corr() Correlation {
	return Correlation{CaseID: "case-1", Phase: heal.StateDiagnose, Attempt: 1}
}

func TestDiagnoseHappyPath(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()

		var req DiagnoseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "case-1", req.Correlation.CaseID)

		json.NewEncoder(w).Encode(DiagnoseResponse{
			RootCause:   string(heal.CauseDepUpgrade),
			Confidence:  0.8,
			Patch:       "--- a/go.mod\n+++ b/go.mod\n",
			Explanation: "minor bump broke the constructor signature",
		})
	}))
	defer srv.Close()

	client := NewHTTPDiagnoser(srv.URL, time.Second)
	resp, err := client.Diagnose(context.Background(), DiagnoseRequest{Correlation: corr()})
	require.NoError(t, err)

	assert.Equal(t, "/v1/diagnose", gotPath)
	assert.Equal(t, "case-1", gotHeaders.Get("X-Mend-Case-Id"))
	assert.Equal(t, string(heal.StateDiagnose), gotHeaders.Get("X-Mend-Phase"))
	assert.Equal(t, "1", gotHeaders.Get("X-Mend-Attempt"))

	diag, err := resp.Diagnosis()
	require.NoError(t, err)
	assert.Equal(t, heal.CauseDepUpgrade, diag.RootCause)
	assert.InDelta(t, 0.8, diag.Confidence, 1e-9)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   heal.Code
	}{
		{"rate limited", http.StatusTooManyRequests, heal.CodeTransient},
		{"server error", http.StatusInternalServerError, heal.CodeTransient},
		{"bad gateway", http.StatusBadGateway, heal.CodeTransient},
		{"bad request", http.StatusBadRequest, heal.CodeInvalidInput},
		{"not found", http.StatusNotFound, heal.CodeInvalidInput},
		{"unexpected redirect", http.StatusNoContent, heal.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewHTTPTestRunner(srv.URL, time.Second)
			_, err := client.RunTests(context.Background(), TestRequest{Correlation: corr()})
			require.Error(t, err)
			assert.Equal(t, tt.want, heal.CodeOf(err))
		})
	}
}

func TestUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	client := NewHTTPProver(srv.URL, time.Second)
	_, err := client.Prove(context.Background(), ProveRequest{Correlation: corr()})
	require.Error(t, err)
	assert.Equal(t, heal.CodeTransient, heal.CodeOf(err))
}

func TestCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	client := NewHTTPDiagnoser(srv.URL, 5*time.Second)
	_, err := client.Diagnose(ctx, DiagnoseRequest{Correlation: corr()})
	require.Error(t, err)
	assert.Equal(t, heal.CodeCancelled, heal.CodeOf(err))
}

func TestMalformedResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewHTTPMerger(srv.URL, time.Second)
	_, err := client.Merge(context.Background(), MergeRequest{Correlation: corr()})
	require.Error(t, err)
	assert.Equal(t, heal.CodeInvalidInput, heal.CodeOf(err))
}

func TestPatcherCompilationErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(PatchResponse{
			CompilationErrors: []string{"pkg/x.go:12: undefined: cursor"},
		})
	}))
	defer srv.Close()

	client := NewHTTPPatcher(srv.URL, time.Second)
	_, err := client.ApplyPatch(context.Background(), PatchRequest{Correlation: corr()})
	require.Error(t, err)
	assert.Equal(t, heal.CodeCompilationFailed, heal.CodeOf(err))

	var healErr *heal.Error
	require.ErrorAs(t, err, &healErr)
	assert.Contains(t, healErr.Details["compilation_errors"], "undefined: cursor")
}

func TestPatcherEmptyResponseRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(PatchResponse{})
	}))
	defer srv.Close()

	client := NewHTTPPatcher(srv.URL, time.Second)
	_, err := client.ApplyPatch(context.Background(), PatchRequest{Correlation: corr()})
	require.Error(t, err)
	assert.Equal(t, heal.CodeInvalidInput, heal.CodeOf(err))
}

func TestDiagnosisValidation(t *testing.T) {
	t.Run("unknown root cause", func(t *testing.T) {
		resp := DiagnoseResponse{RootCause: "GREMLINS", Confidence: 0.5}
		_, err := resp.Diagnosis()
		require.Error(t, err)
		assert.Equal(t, heal.CodeInvalidInput, heal.CodeOf(err))
	})
	t.Run("confidence out of range", func(t *testing.T) {
		resp := DiagnoseResponse{RootCause: string(heal.CauseUnknown), Confidence: 1.5}
		_, err := resp.Diagnosis()
		require.Error(t, err)
		assert.Equal(t, heal.CodeInvalidInput, heal.CodeOf(err))
	})
}

func TestTestOutcomeValidation(t *testing.T) {
	t.Run("unknown verdict", func(t *testing.T) {
		resp := TestResponse{Verdict: "maybe"}
		_, err := resp.Outcome()
		require.Error(t, err)
		assert.Equal(t, heal.CodeInvalidInput, heal.CodeOf(err))
	})
	t.Run("flakiness out of range", func(t *testing.T) {
		resp := TestResponse{Verdict: string(heal.VerdictPass), FlakinessScore: -0.1}
		_, err := resp.Outcome()
		require.Error(t, err)
		assert.Equal(t, heal.CodeInvalidInput, heal.CodeOf(err))
	})
	t.Run("valid", func(t *testing.T) {
		resp := TestResponse{Verdict: string(heal.VerdictFlaky), FlakinessScore: 0.4}
		out, err := resp.Outcome()
		require.NoError(t, err)
		assert.Equal(t, heal.VerdictFlaky, out.Verdict)
		assert.False(t, out.Flaky)
	})
}

func TestFakeScriptsPopInOrder(t *testing.T) {
	fake := &FakeTestRunner{Script: []TestStep{
		{Response: &TestResponse{Verdict: string(heal.VerdictFail)}},
		{Response: &TestResponse{Verdict: string(heal.VerdictPass)}},
	}}

	first, err := fake.RunTests(context.Background(), TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(heal.VerdictFail), first.Verdict)

	second, err := fake.RunTests(context.Background(), TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(heal.VerdictPass), second.Verdict)

	// Script exhausted: falls back to the default pass.
	third, err := fake.RunTests(context.Background(), TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(heal.VerdictPass), third.Verdict)
	assert.Equal(t, 3, fake.Calls())
}
