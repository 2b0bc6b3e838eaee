package workflow

import (
	"context"
	"math"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// backoffDelay is the delay before retry n (n >= 1):
// baseDelay × multiplier^(n−1). A zero multiplier keeps the delay constant.
func backoffDelay(policy *models.RetryPolicy, n int) time.Duration {
	if policy == nil || n < 1 {
		return 0
	}

	multiplier := policy.BackoffMultiplier
	if multiplier == 0 {
		multiplier = 1
	}

	delay := float64(policy.BaseDelay.Std()) * math.Pow(multiplier, float64(n-1))
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// maxAttempts is the attempt ceiling of a step: maxRetries + 1.
func maxAttempts(step *models.Step) int {
	if step.Kind != models.StepKindTask || step.RetryPolicy == nil {
		return 1
	}

	return step.RetryPolicy.MaxRetries + 1
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
