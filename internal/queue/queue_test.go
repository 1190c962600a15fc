package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-scooter/dbshell/internal/command"
)

func echoTask(p Priority, out chan<- string, name string) Task {
	return Task{
		Command:  command.Parsed{Command: name},
		Priority: p,
		Run: func(ctx context.Context, cmd command.Parsed) (command.Result, error) {
			out <- cmd.Command
			return command.Result{ExitCode: 0}, nil
		},
	}
}

func TestOrderingHighestPriorityFirst(t *testing.T) {
	// Single worker, held busy by a gate task while the three commands are
	// enqueued, so all three are waiting before the worker picks the next.
	q := New(Config{Concurrency: 1})
	defer q.Shutdown()

	gate := make(chan struct{})
	started := make(chan struct{})
	_, err := q.Enqueue(Task{
		Command:  command.Parsed{Command: "gate"},
		Priority: PriorityCritical,
		Run: func(ctx context.Context, cmd command.Parsed) (command.Result, error) {
			close(started)
			<-gate
			return command.Result{}, nil
		},
	})
	require.NoError(t, err)
	<-started

	order := make(chan string, 3)
	_, err = q.Enqueue(echoTask(PriorityLow, order, "low"))
	require.NoError(t, err)
	_, err = q.Enqueue(echoTask(PriorityNormal, order, "normal"))
	require.NoError(t, err)
	_, err = q.Enqueue(echoTask(PriorityCritical, order, "critical"))
	require.NoError(t, err)
	close(gate)

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch order")
		}
	}
	assert.Equal(t, []string{"critical", "normal", "low"}, got)
}

func TestArrivalOrderTiesWithinSamePriority(t *testing.T) {
	q := New(Config{Concurrency: 1})
	defer q.Shutdown()

	order := make(chan string, 3)
	_, _ = q.Enqueue(echoTask(PriorityNormal, order, "first"))
	_, _ = q.Enqueue(echoTask(PriorityNormal, order, "second"))
	_, _ = q.Enqueue(echoTask(PriorityNormal, order, "third"))

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, <-order)
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestQueueFullRejectsNonCritical(t *testing.T) {
	q := New(Config{Concurrency: 0, MaxQueueSize: 1})
	q.Shutdown() // no workers draining, so the one slot stays occupied
	out := make(chan string, 2)

	_, err := q.Enqueue(echoTask(PriorityNormal, out, "a"))
	require.NoError(t, err)

	_, err = q.Enqueue(echoTask(PriorityNormal, out, "b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue-full")
}

func TestCriticalPreemptsOldestWaiter(t *testing.T) {
	q := New(Config{Concurrency: 0, MaxQueueSize: 1})
	q.Shutdown()
	out := make(chan string, 2)

	lowTicket, err := q.Enqueue(echoTask(PriorityLow, out, "low"))
	require.NoError(t, err)

	_, err = q.Enqueue(echoTask(PriorityCritical, out, "critical"))
	require.NoError(t, err)

	result, err := q.Result(lowTicket)
	require.NoError(t, err)
	assert.Equal(t, OutcomePreempted, result.Kind)
}

func TestCancelWaiting(t *testing.T) {
	q := New(Config{Concurrency: 0})
	q.Shutdown()
	out := make(chan string, 1)

	ticket, err := q.Enqueue(echoTask(PriorityNormal, out, "a"))
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ticket))

	result, err := q.Result(ticket)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, result.Kind)
}

func TestDrainWaitsForCompletion(t *testing.T) {
	q := New(Config{Concurrency: 2})
	defer q.Shutdown()

	out := make(chan string, 5)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(echoTask(PriorityNormal, out, "x"))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Running())
	assert.EqualValues(t, 5, q.Processed())
}

func TestRateLimiterThrottlesDispatch(t *testing.T) {
	q := New(Config{Concurrency: 1, RateLimit: 5, Burst: 1})
	defer q.Shutdown()

	out := make(chan string, 3)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(echoTask(PriorityNormal, out, "x"))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		<-out
	}
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
