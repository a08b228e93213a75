package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/mend/internal/collab"
	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/dedup"
	"github.com/roach88/mend/internal/dispatch"
	"github.com/roach88/mend/internal/emit"
	"github.com/roach88/mend/internal/engine"
	"github.com/roach88/mend/internal/heal"
	"github.com/roach88/mend/internal/invariant"
	"github.com/roach88/mend/internal/journal"
	"github.com/roach88/mend/internal/logging"
	"github.com/roach88/mend/internal/report"
	"github.com/roach88/mend/internal/testutil"
)

// cannedSource stands in for the source-forge artifact fetch.
type cannedSource struct{}

func (cannedSource) Fetch(context.Context, *heal.Case) (*report.Artifacts, error) {
	return &report.Artifacts{
		FailureMessage: "job build failed",
		ErrorLogs:      "pkg/x.go:12: undefined: cursor",
		FailedTests:    []string{"TestCheckout"},
	}, nil
}

// cannedDiagnosis is the journaled diagnoser result used when an
// interrupt pre-seeds a crash after DIAGNOSE completed. It matches the
// fake diagnoser's default so resumed runs stay coherent.
var cannedDiagnosis = collab.DiagnoseResponse{
	RootCause:   string(heal.CauseAPIChange),
	Confidence:  0.9,
	Patch:       "--- a/pkg/x.go\n+++ b/pkg/x.go\n",
	Explanation: "callers still pass the removed cursor argument",
}

// Run executes one scenario in a fresh temporary journal and returns
// the result with any assertion failures recorded. An error means the
// run itself could not be carried out, not that an assertion failed.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "mend-harness-*")
	if err != nil {
		return nil, fmt.Errorf("harness workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := journal.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	cfg := config.DefaultConfig()
	applyConfig(cfg, scenario.Config)

	catalog, err := buildCatalog(scenario.Invariants)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewStepClock()
	ids := testutil.NewSequenceIDGenerator("ev")
	sink := emit.NewMemorySink()
	emitter := emit.New(sink, emit.WithLogger(logging.Discard()))

	set, fd, fp, fr, fpr, fm := collab.NewFakeSet()
	scriptFakes(scenario.Collaborators, fd, fp, fr, fpr, fm)

	disp := dispatch.New(store, set, emitter, dispatch.PolicyFromConfig(cfg),
		dispatch.WithClock(clock),
		dispatch.WithLogger(logging.Discard()),
		dispatch.WithIDGenerator(ids),
	)

	redactor, err := report.NewRedactor()
	if err != nil {
		return nil, fmt.Errorf("build redactor: %w", err)
	}
	reports := report.NewAssembler(cannedSource{}, redactor, cfg.Report.TokenBudget)

	eng := engine.New(cfg, store, dedup.NewMemoryIndex(), disp, reports, catalog, emitter,
		engine.WithLogger(logging.Discard()),
		engine.WithClock(clock),
		engine.WithIDGenerator(ids),
		engine.WithOwner("harness"),
	)

	ctx := context.Background()
	result := NewResult(scenario.Name)

	event := heal.FailureEvent{
		Repository: scenario.Event.Repository,
		RunID:      scenario.Event.RunID,
		HeadSHA:    scenario.Event.HeadSHA,
		Branch:     scenario.Event.Branch,
		Workflow:   scenario.Event.Workflow,
		OccurredAt: clock.Peek(),
	}

	admissions := scenario.Admissions
	if admissions == 0 {
		admissions = 1
	}
	for i := 0; i < admissions; i++ {
		adm, err := eng.Admit(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("admission %d: %w", i+1, err)
		}
		result.CaseID = adm.CaseID
		if adm.Deduplicated {
			result.Deduplicated++
		}
	}

	if scenario.Interrupt != nil {
		if err := seedInterrupt(ctx, store, clock, result.CaseID, heal.State(scenario.Interrupt.Phase)); err != nil {
			return nil, err
		}
	}

	eng.HealCase(ctx, result.CaseID)

	result.Case, err = store.Load(ctx, result.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load terminal case: %w", err)
	}
	result.Entries, err = store.ReadAll(ctx, result.CaseID)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	rows, err := store.ListCases(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	result.Cases = len(rows)

	if err := emitter.Close(); err != nil {
		return nil, fmt.Errorf("drain emitter: %w", err)
	}
	result.Events = sink.Types()

	result.Calls = map[string]int{
		heal.ActivityDiagnoser:  fd.Calls(),
		heal.ActivityPatcher:    fp.Calls(),
		heal.ActivityTestRunner: fr.Calls(),
		heal.ActivityProver:     fpr.Calls(),
		heal.ActivityMerger:     fm.Calls(),
	}

	EvaluateAssertions(result, scenario.Assertions)
	return result, nil
}

func applyConfig(cfg *config.Config, spec *ConfigSpec) {
	if spec == nil {
		return
	}
	for state, retries := range spec.MaxRetries {
		cfg.Retry.MaxRetries[state] = retries
	}
	if spec.MinConfidence != nil {
		cfg.Diagnosis.MinConfidence = *spec.MinConfidence
	}
	if spec.FlakyThreshold != nil {
		cfg.Test.FlakyThreshold = *spec.FlakyThreshold
	}
	if spec.GlobalDeadlineMs != nil {
		cfg.Engine.GlobalDeadlineMs = *spec.GlobalDeadlineMs
	}
	if len(spec.EligibleWorkflows) > 0 {
		cfg.Admission.EligibleWorkflows = spec.EligibleWorkflows
	}
}

func buildCatalog(src string) (*invariant.Catalog, error) {
	if src == "" {
		return invariant.LoadDir("")
	}
	catalog, err := invariant.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile invariants: %w", err)
	}
	return catalog, nil
}

func scriptFakes(
	scripts CollaboratorScripts,
	d *collab.FakeDiagnoser,
	p *collab.FakePatcher,
	r *collab.FakeTestRunner,
	pr *collab.FakeProver,
	m *collab.FakeMerger,
) {
	for _, s := range scripts.Diagnoser {
		if s.Error != "" {
			d.Script = append(d.Script, collab.DiagnoseStep{Err: scriptErr(s.Error, s.Message)})
			continue
		}
		d.Script = append(d.Script, collab.DiagnoseStep{Response: &collab.DiagnoseResponse{
			RootCause:   s.RootCause,
			Confidence:  s.Confidence,
			Patch:       s.Patch,
			Explanation: s.Explanation,
		}})
	}
	for _, s := range scripts.Patcher {
		if s.Error != "" {
			p.Script = append(p.Script, collab.PatchStep{Err: scriptErr(s.Error, s.Message)})
			continue
		}
		p.Script = append(p.Script, collab.PatchStep{Response: &collab.PatchResponse{
			PatchRef:     s.PatchRef,
			FilesChanged: s.FilesChanged,
		}})
	}
	for _, s := range scripts.TestRunner {
		if s.Error != "" {
			r.Script = append(r.Script, collab.TestStep{Err: scriptErr(s.Error, s.Message)})
			continue
		}
		r.Script = append(r.Script, collab.TestStep{Response: &collab.TestResponse{
			Verdict:        s.Verdict,
			FlakinessScore: s.FlakinessScore,
			Trace:          s.Trace,
		}})
	}
	for _, s := range scripts.Prover {
		if s.Error != "" {
			pr.Script = append(pr.Script, collab.ProveStep{Err: scriptErr(s.Error, s.Message)})
			continue
		}
		theorems := make([]heal.TheoremResult, 0, len(s.Proven)+len(s.Unproven))
		for _, name := range s.Proven {
			theorems = append(theorems, heal.TheoremResult{Name: name, Verdict: heal.TheoremProven})
		}
		for _, name := range s.Unproven {
			theorems = append(theorems, heal.TheoremResult{Name: name, Verdict: heal.TheoremUnproven})
		}
		pr.Script = append(pr.Script, collab.ProveStep{Response: &collab.ProveResponse{
			Theorems: theorems,
			Summary: heal.ProofSummary{
				Total:    len(theorems),
				Proven:   len(s.Proven),
				Unproven: len(s.Unproven),
			},
		}})
	}
	for _, s := range scripts.Merger {
		if s.Error != "" {
			m.Script = append(m.Script, collab.MergeStep{Err: scriptErr(s.Error, s.Message)})
			continue
		}
		m.Script = append(m.Script, collab.MergeStep{Response: &collab.MergeResponse{
			Merged:   s.Merged,
			MergeSHA: s.MergeSHA,
			PRNumber: s.PRNumber,
			Reason:   s.Reason,
		}})
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func scriptErr(code, message string) error {
	if message == "" {
		message = "scripted " + code + " failure"
	}
	return heal.NewError(heal.Code(code), "%s", message)
}

// seedInterrupt forges the journal a crashed process would have left:
// the case advanced into phase with an ActivityAttempt entry and no
// matching result. The subsequent HealCase must resume that attempt
// under its original correlation key.
func seedInterrupt(ctx context.Context, store *journal.Store, clock *testutil.StepClock, caseID string, phase heal.State) error {
	seq, err := store.LastSeq(ctx, caseID)
	if err != nil {
		return fmt.Errorf("seed interrupt: %w", err)
	}

	write := func(kind heal.EntryKind, payload any) error {
		seq++
		entry, err := heal.NewEntry(caseID, seq, clock.Now(), kind, payload)
		if err != nil {
			return fmt.Errorf("seed interrupt entry %d: %w", seq, err)
		}
		if err := store.Append(ctx, entry); err != nil {
			return fmt.Errorf("seed interrupt entry %d: %w", seq, err)
		}
		return nil
	}
	attempt := func(phase heal.State, activity string) error {
		return write(heal.KindActivityAttempt, heal.AttemptPayload{
			Phase:         phase,
			Activity:      activity,
			Attempt:       1,
			CorrelationID: fmt.Sprintf("%s/%s/%d", caseID, phase, 1),
		})
	}

	if err := write(heal.KindStateTransition, heal.TransitionPayload{
		From: heal.StateNew, To: heal.StateDiagnose, Attempt: 1,
	}); err != nil {
		return err
	}
	if err := attempt(heal.StateDiagnose, heal.ActivityDiagnoser); err != nil {
		return err
	}
	if phase == heal.StateDiagnose {
		return nil
	}

	if err := write(heal.KindActivityResult, heal.ResultPayload{
		Phase:         heal.StateDiagnose,
		Activity:      heal.ActivityDiagnoser,
		Attempt:       1,
		CorrelationID: fmt.Sprintf("%s/%s/%d", caseID, heal.StateDiagnose, 1),
		OK:            true,
		Result:        mustJSON(cannedDiagnosis),
		DurationMs:    5,
	}); err != nil {
		return err
	}
	if err := write(heal.KindStateTransition, heal.TransitionPayload{
		From: heal.StateDiagnose, To: heal.StatePatch, Attempt: 1,
	}); err != nil {
		return err
	}
	return attempt(heal.StatePatch, heal.ActivityPatcher)
}
