package heal

// Activity names, used as journal correlation fields and metric labels.
const (
	ActivityDiagnoser  = "diagnoser"
	ActivityPatcher    = "patcher"
	ActivityTestRunner = "testrunner"
	ActivityProver     = "prover"
	ActivityMerger     = "merger"
)

// ActivityForPhase maps an activity phase to the collaborator it invokes.
var ActivityForPhase = map[State]string{
	StateDiagnose: ActivityDiagnoser,
	StatePatch:    ActivityPatcher,
	StateTest:     ActivityTestRunner,
	StateProve:    ActivityProver,
	StateMerge:    ActivityMerger,
}

// PatchResult is the accepted patcher outcome recorded on the journal.
type PatchResult struct {
	PatchRef     string   `json:"patch_ref"`
	FilesChanged []string `json:"files_changed,omitempty"`
}

// MergeResult is the merger outcome recorded on the journal.
type MergeResult struct {
	Merged   bool   `json:"merged"`
	MergeSHA string `json:"merge_sha,omitempty"`
	PRNumber int64  `json:"pr_number,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
