package errs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleReturnsSurfaceWhenNoStrategyMatches(t *testing.T) {
	r := NewRouter()
	out := r.Handle(context.Background(), New(KindConfig, "bad config", nil))
	assert.Equal(t, OutcomeSurface, out.Kind)
}

func TestHandleDispatchesToMatchingStrategyByPriority(t *testing.T) {
	r := NewRouter()
	r.Register(&TimeoutRetryStrategy{MaxAttempts: 3, Delay: time.Millisecond})
	r.Register(&RateLimitStrategy{Default: time.Millisecond})

	out := r.Handle(context.Background(), New(KindTimeout, "slow", nil))
	assert.Equal(t, OutcomeRetry, out.Kind)

	out = r.Handle(context.Background(), New(KindRateLimited, "slow down", nil))
	assert.Equal(t, OutcomeRetry, out.Kind)
}

func TestTimeoutRetryStrategySurfacesAfterMaxAttempts(t *testing.T) {
	r := NewRouter()
	r.Register(&TimeoutRetryStrategy{MaxAttempts: 2, Delay: time.Millisecond})

	ctx := WithAttempt(context.Background(), 2)
	out := r.Handle(ctx, New(KindTimeout, "slow", nil))
	assert.Equal(t, OutcomeSurface, out.Kind)
}

func TestRateLimitStrategyHonorsRetryAfterHint(t *testing.T) {
	r := NewRouter()
	r.Register(&RateLimitStrategy{Default: time.Second})

	ctx := context.WithValue(context.Background(), CtxKeyRetryAfter, 5*time.Millisecond)
	out := r.Handle(ctx, New(KindRateLimited, "slow down", nil))
	require.Equal(t, OutcomeRetry, out.Kind)
	assert.Equal(t, 5*time.Millisecond, out.RetryAfter)
}

func TestValidationFallbackStrategyReturnsFallback(t *testing.T) {
	r := NewRouter()
	r.Register(&ValidationFallbackStrategy{Fallback: "default-value"})

	out := r.Handle(context.Background(), New(KindProtocolSchema, "bad shape", nil))
	assert.Equal(t, OutcomeFallbackValue, out.Kind)
	assert.Equal(t, "default-value", out.Fallback)
}

func TestNetworkRetryStrategyTripsBreakerAfterConsecutiveFailures(t *testing.T) {
	r := NewRouter()
	r.Register(&NetworkRetryStrategy{MaxAttempts: 100, Initial: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond})

	ctx := WithIdentity(context.Background(), "serverA")
	var last Outcome
	for i := 0; i < 10; i++ {
		last = r.Handle(WithAttempt(ctx, i), New(KindConnectionLost, "down", nil))
	}
	assert.Equal(t, OutcomeSurface, last.Kind)
}

func TestHandleRecordsHistoryAndCounts(t *testing.T) {
	r := NewRouter()
	r.Handle(context.Background(), New(KindTimeout, "slow", nil))
	r.Handle(context.Background(), New(KindTimeout, "slow again", nil))

	counts := r.Counts()
	assert.Equal(t, 2, counts[KindTimeout])

	history := r.History()
	require.Len(t, history, 2)
	assert.Equal(t, KindTimeout, history[0].Kind)
}

func TestClassifyDelegatesToKindOf(t *testing.T) {
	r := NewRouter()
	assert.Equal(t, KindTimeout, r.Classify(errors.New("context deadline exceeded")))
}
