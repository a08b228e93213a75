// Package config provides configuration loading and management for the
// self-healing engine.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/roach88/mend/internal/heal"
)

// Config is the complete engine configuration.
type Config struct {
	Engine        EngineConfig        `yaml:"engine"`
	Admission     AdmissionConfig     `yaml:"admission"`
	Retry         RetryConfig         `yaml:"retry"`
	Diagnosis     DiagnosisConfig     `yaml:"diagnosis"`
	Test          TestConfig          `yaml:"test"`
	Proof         ProofConfig         `yaml:"proof"`
	Report        ReportConfig        `yaml:"report"`
	Journal       JournalConfig       `yaml:"journal"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Events        EventsConfig        `yaml:"events"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
}

// EngineConfig bounds in-flight work and per-case wall clock.
type EngineConfig struct {
	// MaxConcurrentCases is the upper bound on in-flight cases.
	MaxConcurrentCases int `yaml:"max_concurrent_cases"`
	// GlobalDeadlineMs is the per-case wall-clock budget.
	GlobalDeadlineMs int64 `yaml:"global_deadline_ms"`
	// LeaseTTLSeconds is the exclusive case lease duration; expired leases
	// are reclaimed on recovery.
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
	// SnapshotEvery writes a journal snapshot after this many appends.
	// 0 disables snapshots.
	SnapshotEvery int `yaml:"snapshot_every"`
	// RetentionHours keeps sealed cases before archival.
	RetentionHours int `yaml:"retention_hours"`
}

// AdmissionConfig governs ingress filtering and backpressure.
type AdmissionConfig struct {
	// EligibleWorkflows is the set of workflow names the engine heals.
	// Empty means every workflow is eligible.
	EligibleWorkflows []string `yaml:"eligible_workflows"`
	// StaleCutoffMs rejects events older than this.
	StaleCutoffMs int64 `yaml:"stale_cutoff_ms"`
	// Buffer is the bounded admission queue; beyond it admission fails
	// with BACKPRESSURE.
	Buffer int `yaml:"buffer"`
}

// RetryConfig holds per-phase attempt caps and backoff parameters.
type RetryConfig struct {
	// MaxRetries caps entries into each phase, keyed by state name.
	MaxRetries map[string]int `yaml:"max_retries"`
	// BackoffBaseMs is the initial backoff between activity attempts.
	BackoffBaseMs int64 `yaml:"backoff_base_ms"`
	// BackoffCapMs caps the exponential backoff.
	BackoffCapMs int64 `yaml:"backoff_cap_ms"`
	// MaxAttempts is the per-invocation network call cap for every activity.
	MaxAttempts int `yaml:"max_attempts"`
}

// DiagnosisConfig tunes acceptance of diagnoser results.
type DiagnosisConfig struct {
	// MinConfidence downgrades a diagnosis to UNKNOWN below this threshold.
	// Acceptance is inclusive: confidence == threshold is accepted.
	MinConfidence float64 `yaml:"min_confidence"`
}

// TestConfig tunes test-verdict interpretation.
type TestConfig struct {
	// FlakyThreshold marks a verdict flaky above this flakiness score.
	FlakyThreshold float64 `yaml:"flaky_threshold"`
	// Runs is the repetition count requested from the test runner.
	Runs int `yaml:"runs"`
	// TimeoutMs is the per-run budget forwarded to the runner.
	TimeoutMs int64 `yaml:"timeout_ms"`
}

// ProofConfig tunes prover aggregation.
type ProofConfig struct {
	// CriticalityThreshold: invariants at or above this criticality must
	// prove for the aggregate verdict to pass.
	CriticalityThreshold string `yaml:"criticality_threshold"`
	// PerTheoremBudgetMs is the prover budget per invariant.
	PerTheoremBudgetMs int64 `yaml:"per_theorem_budget_ms"`
	// CatalogDir holds the CUE invariant catalog. Empty disables proving
	// (PROVE passes trivially with no invariants).
	CatalogDir string `yaml:"catalog_dir"`
}

// ReportConfig tunes failure-report assembly.
type ReportConfig struct {
	// TokenBudget is the failure-report size target for the diagnoser,
	// estimated as len(text)/4.
	TokenBudget int `yaml:"token_budget"`
	// SecretPatterns extends the built-in redaction set with extra
	// regular expressions.
	SecretPatterns []string `yaml:"secret_patterns"`
}

// JournalConfig selects the durable journal location.
type JournalConfig struct {
	// Path is the SQLite database path. ":memory:" is valid for tests.
	Path string `yaml:"path"`
}

// DedupConfig selects and tunes the admission index.
type DedupConfig struct {
	// Backend is one of "sqlite", "memory", "redis".
	Backend string `yaml:"backend"`
	// TTLSeconds is the admission window per dedup key.
	TTLSeconds int `yaml:"ttl_seconds"`
	// RedisAddr is required when Backend is "redis".
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// EventsConfig selects the lifecycle event sink.
type EventsConfig struct {
	// Sink is one of "nats", "log", "none".
	Sink string `yaml:"sink"`
	// NATSURL is required when Sink is "nats".
	NATSURL string `yaml:"nats_url"`
	// SubjectPrefix prefixes event subjects, e.g. mend.events.state.done.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics and /healthz. Empty disables.
	Addr string `yaml:"addr"`
}

// CollaboratorsConfig holds one endpoint per external analyzer, plus the
// source-forge artifact endpoint feeding report assembly.
type CollaboratorsConfig struct {
	Diagnoser  EndpointConfig `yaml:"diagnoser"`
	Patcher    EndpointConfig `yaml:"patcher"`
	TestRunner EndpointConfig `yaml:"test_runner"`
	Prover     EndpointConfig `yaml:"prover"`
	Merger     EndpointConfig `yaml:"merger"`
	Artifacts  EndpointConfig `yaml:"artifacts"`
}

// EndpointConfig is one collaborator's RPC endpoint.
type EndpointConfig struct {
	// URL is the base URL of the collaborator service.
	URL string `yaml:"url"`
	// TimeoutMs bounds a single attempt.
	TimeoutMs int64 `yaml:"timeout_ms"`
}

// DefaultConfig returns a Config carrying every specified default.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentCases: 100,
			GlobalDeadlineMs:   20 * 60 * 1000,
			LeaseTTLSeconds:    120,
			SnapshotEvery:      32,
			RetentionHours:     72,
		},
		Admission: AdmissionConfig{
			EligibleWorkflows: nil,
			StaleCutoffMs:     24 * 60 * 60 * 1000,
			Buffer:            1000,
		},
		Retry: RetryConfig{
			MaxRetries: map[string]int{
				string(heal.StateDiagnose): 3,
				string(heal.StatePatch):    2,
				string(heal.StateTest):     1,
				string(heal.StateProve):    1,
				string(heal.StateMerge):    1,
			},
			BackoffBaseMs: 1000,
			BackoffCapMs:  60_000,
			MaxAttempts:   3,
		},
		Diagnosis: DiagnosisConfig{
			MinConfidence: 0.5,
		},
		Test: TestConfig{
			FlakyThreshold: 0.2,
			Runs:           3,
			TimeoutMs:      10 * 60 * 1000,
		},
		Proof: ProofConfig{
			CriticalityThreshold: string(heal.CriticalityMedium),
			PerTheoremBudgetMs:   2000,
		},
		Report: ReportConfig{
			TokenBudget: 16_000,
		},
		Journal: JournalConfig{
			Path: "mend.db",
		},
		Dedup: DedupConfig{
			Backend:    "sqlite",
			TTLSeconds: 3600,
		},
		Events: EventsConfig{
			Sink:          "log",
			SubjectPrefix: "mend.events",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Collaborators: CollaboratorsConfig{
			Diagnoser:  EndpointConfig{TimeoutMs: 120_000},
			Patcher:    EndpointConfig{TimeoutMs: 60_000},
			TestRunner: EndpointConfig{TimeoutMs: 15 * 60 * 1000},
			Prover:     EndpointConfig{TimeoutMs: 5 * 60 * 1000},
			Merger:     EndpointConfig{TimeoutMs: 60_000},
			Artifacts:  EndpointConfig{TimeoutMs: 30_000},
		},
	}
}

// Validate checks that the configuration is usable. Errors name the
// offending field.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentCases <= 0 {
		return fmt.Errorf("engine.max_concurrent_cases must be positive, got %d", c.Engine.MaxConcurrentCases)
	}
	if c.Engine.GlobalDeadlineMs <= 0 {
		return fmt.Errorf("engine.global_deadline_ms must be positive, got %d", c.Engine.GlobalDeadlineMs)
	}
	if c.Engine.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("engine.lease_ttl_seconds must be positive, got %d", c.Engine.LeaseTTLSeconds)
	}
	if c.Engine.SnapshotEvery < 0 {
		return fmt.Errorf("engine.snapshot_every must not be negative, got %d", c.Engine.SnapshotEvery)
	}
	if c.Admission.Buffer <= 0 {
		return fmt.Errorf("admission.buffer must be positive, got %d", c.Admission.Buffer)
	}
	if c.Admission.StaleCutoffMs <= 0 {
		return fmt.Errorf("admission.stale_cutoff_ms must be positive, got %d", c.Admission.StaleCutoffMs)
	}
	for phase, n := range c.Retry.MaxRetries {
		if _, err := heal.ParseState(phase); err != nil {
			return fmt.Errorf("retry.max_retries: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("retry.max_retries[%s] must not be negative, got %d", phase, n)
		}
	}
	if c.Retry.BackoffBaseMs <= 0 {
		return fmt.Errorf("retry.backoff_base_ms must be positive, got %d", c.Retry.BackoffBaseMs)
	}
	if c.Retry.BackoffCapMs < c.Retry.BackoffBaseMs {
		return fmt.Errorf("retry.backoff_cap_ms %d is below backoff_base_ms %d", c.Retry.BackoffCapMs, c.Retry.BackoffBaseMs)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Diagnosis.MinConfidence < 0 || c.Diagnosis.MinConfidence > 1 {
		return fmt.Errorf("diagnosis.min_confidence must be in [0,1], got %g", c.Diagnosis.MinConfidence)
	}
	if c.Test.FlakyThreshold < 0 || c.Test.FlakyThreshold > 1 {
		return fmt.Errorf("test.flaky_threshold must be in [0,1], got %g", c.Test.FlakyThreshold)
	}
	if c.Test.Runs <= 0 {
		return fmt.Errorf("test.runs must be positive, got %d", c.Test.Runs)
	}
	if _, err := heal.ParseCriticality(c.Proof.CriticalityThreshold); err != nil {
		return fmt.Errorf("proof.criticality_threshold: %w", err)
	}
	if c.Proof.PerTheoremBudgetMs <= 0 {
		return fmt.Errorf("proof.per_theorem_budget_ms must be positive, got %d", c.Proof.PerTheoremBudgetMs)
	}
	if c.Report.TokenBudget <= 0 {
		return fmt.Errorf("report.token_budget must be positive, got %d", c.Report.TokenBudget)
	}
	for _, pattern := range c.Report.SecretPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("report.secret_patterns %q: %w", pattern, err)
		}
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	switch c.Dedup.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Dedup.RedisAddr == "" {
			return fmt.Errorf("dedup.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("dedup.backend must be one of sqlite, memory, redis; got %q", c.Dedup.Backend)
	}
	if c.Dedup.TTLSeconds <= 0 {
		return fmt.Errorf("dedup.ttl_seconds must be positive, got %d", c.Dedup.TTLSeconds)
	}
	switch c.Events.Sink {
	case "log", "none":
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url is required for the nats sink")
		}
	default:
		return fmt.Errorf("events.sink must be one of nats, log, none; got %q", c.Events.Sink)
	}
	return nil
}

// MaxRetriesFor returns the per-phase entry cap, zero when unconfigured.
func (c *Config) MaxRetriesFor(phase heal.State) int {
	return c.Retry.MaxRetries[string(phase)]
}

// GlobalDeadline returns the per-case wall-clock budget as a duration.
func (c *Config) GlobalDeadline() time.Duration {
	return time.Duration(c.Engine.GlobalDeadlineMs) * time.Millisecond
}

// StaleCutoff returns the maximum tolerated event age.
func (c *Config) StaleCutoff() time.Duration {
	return time.Duration(c.Admission.StaleCutoffMs) * time.Millisecond
}

// DedupTTL returns the admission window.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

// LeaseTTL returns the exclusive case lease duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Engine.LeaseTTLSeconds) * time.Second
}

// Retention returns how long sealed cases stay before archival.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Engine.RetentionHours) * time.Hour
}

// ProofThreshold returns the parsed criticality threshold.
func (c *Config) ProofThreshold() heal.Criticality {
	return heal.Criticality(c.Proof.CriticalityThreshold)
}
