package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addStage(n int) Stage {
	return Stage{
		Name: "add",
		Run: func(ctx context.Context, input any) (any, error) {
			return input.(int) + n, nil
		},
	}
}

func TestExecuteSequentialStages(t *testing.T) {
	p := New("sum", []Stage{addStage(1), addStage(2), addStage(3)}, nil)
	_, result := p.Execute(context.Background(), 0)
	require.NoError(t, result.Err)
	assert.Equal(t, 6, result.Output)
	assert.Len(t, result.Events, 3)
}

func TestStageFailureWrapsStageFailed(t *testing.T) {
	boom := Stage{
		Name: "boom",
		Run: func(ctx context.Context, input any) (any, error) {
			return nil, assertErr{"boom"}
		},
	}
	p := New("pipe", []Stage{addStage(1), boom, addStage(2)}, nil)
	_, result := p.Execute(context.Background(), 0)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "stage-failed")
	assert.Contains(t, result.Err.Error(), "boom")
	// the stage after boom never ran
	assert.Len(t, result.Events, 2)
}

func TestRecoveryFeedsDownstreamValue(t *testing.T) {
	recovered := Stage{
		Name: "maybe",
		Run: func(ctx context.Context, input any) (any, error) {
			return nil, assertErr{"fail"}
		},
		Recover: func(ctx context.Context, input any, err error) (any, error) {
			return 42, nil
		},
	}
	p := New("pipe", []Stage{recovered, addStage(1)}, nil)
	_, result := p.Execute(context.Background(), 0)
	require.NoError(t, result.Err)
	assert.Equal(t, 43, result.Output)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	flaky := Stage{
		Name: "flaky",
		Run: func(ctx context.Context, input any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, assertErr{"not yet"}
			}
			return "ok", nil
		},
		Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	}
	p := New("pipe", []Stage{flaky}, nil)
	_, result := p.Execute(context.Background(), nil)
	require.NoError(t, result.Err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, 3, attempts)
}

func TestAbortStopsSubsequentStages(t *testing.T) {
	ranSecond := false
	blocking := Stage{
		Name: "blocking",
		Run: func(ctx context.Context, input any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	never := Stage{
		Name: "never",
		Run: func(ctx context.Context, input any) (any, error) {
			ranSecond = true
			return input, nil
		},
	}
	p := New("pipe", []Stage{blocking, never}, nil)

	done := make(chan Result, 1)
	var run *Run
	go func() {
		r, result := p.Execute(context.Background(), 0)
		run = r
		done <- result
	}()
	time.Sleep(20 * time.Millisecond)
	require.NotNil(t, run)
	run.Abort()

	select {
	case result := <-done:
		assert.True(t, result.Aborted)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after abort")
	}
	assert.False(t, ranSecond)
}

func TestExecuteStreamEmitsPerStageEvents(t *testing.T) {
	p := New("pipe", []Stage{addStage(1), addStage(1)}, nil)
	ch := make(chan StageEvent, 2)
	_, result := p.ExecuteStream(context.Background(), 0, ch)

	var got []StageEvent
	for ev := range ch {
		got = append(got, ev)
	}
	require.NoError(t, result.Err)
	assert.Len(t, got, 2)
}

func TestMetricsSnapshot(t *testing.T) {
	p := New("pipe", []Stage{addStage(1)}, nil)
	_, _ = p.Execute(context.Background(), 0)
	_, _ = p.Execute(context.Background(), 0)

	snap := p.Snapshot()
	assert.EqualValues(t, 2, snap.TotalRuns)
	assert.EqualValues(t, 2, snap.SuccessfulRuns)
	assert.Equal(t, 1.0, snap.SuccessRate())
	assert.EqualValues(t, 2, snap.Stages["add"].Executions)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
