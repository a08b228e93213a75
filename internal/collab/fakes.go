package collab

import (
	"context"
	"sync"

	"github.com/roach88/mend/internal/heal"
)

// Scripted fakes for engine tests and scenario runs. Each fake pops the
// next scripted step per call and records the request it saw; an empty
// script yields a benign default so happy-path tests need no setup.

// FakeDiagnoser returns scripted diagnoses.
type FakeDiagnoser struct {
	mu       sync.Mutex
	Script   []DiagnoseStep
	Requests []DiagnoseRequest
}

// DiagnoseStep is one scripted diagnoser call outcome.
type DiagnoseStep struct {
	Response *DiagnoseResponse
	Err      error
}

// Diagnose implements Diagnoser.
func (f *FakeDiagnoser) Diagnose(_ context.Context, req DiagnoseRequest) (*DiagnoseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if len(f.Script) == 0 {
		return &DiagnoseResponse{
			RootCause:   string(heal.CauseAPIChange),
			Confidence:  0.9,
			Patch:       "--- a/pkg/x.go\n+++ b/pkg/x.go\n",
			Explanation: "callers still pass the removed cursor argument",
		}, nil
	}
	step := f.Script[0]
	f.Script = f.Script[1:]
	return step.Response, step.Err
}

// Calls returns how many times Diagnose was invoked.
func (f *FakeDiagnoser) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// FakePatcher returns scripted patch outcomes.
type FakePatcher struct {
	mu       sync.Mutex
	Script   []PatchStep
	Requests []PatchRequest
}

// PatchStep is one scripted patcher call outcome.
type PatchStep struct {
	Response *PatchResponse
	Err      error
}

// ApplyPatch implements Patcher.
func (f *FakePatcher) ApplyPatch(_ context.Context, req PatchRequest) (*PatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if len(f.Script) == 0 {
		return &PatchResponse{
			PatchRef:     "refs/mend/patch-1",
			FilesChanged: []string{"pkg/x.go"},
		}, nil
	}
	step := f.Script[0]
	f.Script = f.Script[1:]
	return step.Response, step.Err
}

// Calls returns how many times ApplyPatch was invoked.
func (f *FakePatcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// FakeTestRunner returns scripted test verdicts.
type FakeTestRunner struct {
	mu       sync.Mutex
	Script   []TestStep
	Requests []TestRequest
}

// TestStep is one scripted test-runner call outcome.
type TestStep struct {
	Response *TestResponse
	Err      error
}

// RunTests implements TestRunner.
func (f *FakeTestRunner) RunTests(_ context.Context, req TestRequest) (*TestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if len(f.Script) == 0 {
		return &TestResponse{
			Verdict:        string(heal.VerdictPass),
			FlakinessScore: 0,
		}, nil
	}
	step := f.Script[0]
	f.Script = f.Script[1:]
	return step.Response, step.Err
}

// Calls returns how many times RunTests was invoked.
func (f *FakeTestRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// FakeProver returns scripted proof outcomes.
type FakeProver struct {
	mu       sync.Mutex
	Script   []ProveStep
	Requests []ProveRequest
}

// ProveStep is one scripted prover call outcome.
type ProveStep struct {
	Response *ProveResponse
	Err      error
}

// Prove implements Prover.
func (f *FakeProver) Prove(_ context.Context, req ProveRequest) (*ProveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if len(f.Script) == 0 {
		theorems := make([]heal.TheoremResult, 0, len(req.Invariants))
		for _, inv := range req.Invariants {
			theorems = append(theorems, heal.TheoremResult{
				Name:    inv.Name,
				Verdict: heal.TheoremProven,
			})
		}
		return &ProveResponse{
			Theorems: theorems,
			Summary: heal.ProofSummary{
				Total:  len(theorems),
				Proven: len(theorems),
			},
		}, nil
	}
	step := f.Script[0]
	f.Script = f.Script[1:]
	return step.Response, step.Err
}

// Calls returns how many times Prove was invoked.
func (f *FakeProver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// FakeMerger returns scripted merge outcomes.
type FakeMerger struct {
	mu       sync.Mutex
	Script   []MergeStep
	Requests []MergeRequest
}

// MergeStep is one scripted merger call outcome.
type MergeStep struct {
	Response *MergeResponse
	Err      error
}

// Merge implements Merger.
func (f *FakeMerger) Merge(_ context.Context, req MergeRequest) (*MergeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if len(f.Script) == 0 {
		return &MergeResponse{
			Merged:   true,
			MergeSHA: "feedc0ffee00feedc0ffee00feedc0ffee00feed",
			PRNumber: 1,
		}, nil
	}
	step := f.Script[0]
	f.Script = f.Script[1:]
	return step.Response, step.Err
}

// Calls returns how many times Merge was invoked.
func (f *FakeMerger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// NewFakeSet bundles fresh fakes into a collaborator set. The returned
// fakes are the same instances wired into the set, so tests can script
// and inspect them directly.
func NewFakeSet() (Set, *FakeDiagnoser, *FakePatcher, *FakeTestRunner, *FakeProver, *FakeMerger) {
	d := &FakeDiagnoser{}
	p := &FakePatcher{}
	t := &FakeTestRunner{}
	pr := &FakeProver{}
	m := &FakeMerger{}
	return Set{
		Diagnoser:  d,
		Patcher:    p,
		TestRunner: t,
		Prover:     pr,
		Merger:     m,
	}, d, p, t, pr, m
}
