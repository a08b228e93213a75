package dispatch

import (
	"math/rand"
	"time"

	"github.com/roach88/mend/internal/config"
	"github.com/roach88/mend/internal/heal"
)

// RetryPolicy bounds the attempt loop for every activity. The same policy
// applies to all five collaborators; per-activity timeouts live on the
// descriptor.
type RetryPolicy struct {
	// MaxAttempts is the network-call cap per phase invocation. Crash
	// recovery may add one more call by re-running a pending attempt.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the exponential growth.
	BackoffCap time.Duration

	// rand draws the jitter factor. Nil means the shared source.
	rand *rand.Rand
}

// PolicyFromConfig builds the policy from the retry section.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Retry.BackoffCapMs) * time.Millisecond,
	}
}

// Backoff returns the sleep before attempt+1: the base doubled per attempt,
// capped, with +/-25% jitter so synchronized cases fan out.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			d = p.BackoffCap
			break
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	factor := 0.75 + 0.5*p.float64()
	return time.Duration(float64(d) * factor)
}

func (p RetryPolicy) float64() float64 {
	if p.rand != nil {
		return p.rand.Float64()
	}
	return rand.Float64()
}

// Retryable reports whether a failed attempt may be retried within the
// phase's budget. Only transient failures qualify; contract violations,
// compilation failures and cancellation all bubble to the engine.
func Retryable(err error) bool {
	return heal.CodeOf(err) == heal.CodeTransient
}
