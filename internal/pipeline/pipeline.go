// Package pipeline implements the staged execution engine from spec.md
// §4.J: an ordered list of stages run sequentially, each with its own
// retry policy and optional recovery function, with streaming,
// abort, and metrics. Grounded on the teacher's client request/retry loop
// (internal/domain/discovery/client.go-style backoff) generalized from
// "retry one RPC" to "retry one stage of an ordered pipeline".
package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcp-scooter/dbshell/internal/errs"
)

// RetryPolicy configures a stage's retry behavior.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Recovery converts a stage failure into a downstream value instead of
// failing the pipeline.
type Recovery func(ctx context.Context, input any, err error) (any, error)

// Transform is the work a stage performs.
type Transform func(ctx context.Context, input any) (any, error)

// Stage is one step of an ordered pipeline.
type Stage struct {
	Name     string
	Priority int
	Run      Transform
	Retry    RetryPolicy
	Timeout  time.Duration
	Recover  Recovery
}

// StageEvent is emitted by ExecuteStream after each stage completes.
type StageEvent struct {
	Stage    string
	Output   any
	Err      error
	Aborted  bool
	Duration time.Duration
}

// Result is the outcome of Execute.
type Result struct {
	Output  any
	Err     error
	Aborted bool
	Events  []StageEvent
}

// StageMetrics accumulates per-stage counters.
type StageMetrics struct {
	Executions   int64
	Failures     int64
	TotalLatency time.Duration
}

func (m StageMetrics) AverageDuration() time.Duration {
	if m.Executions == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.Executions)
}

// Metrics is a point-in-time snapshot of pipeline-wide counters.
type Metrics struct {
	TotalRuns       int64
	SuccessfulRuns  int64
	AbortedRuns     int64
	TotalLatency    time.Duration
	Stages          map[string]StageMetrics
}

func (m Metrics) SuccessRate() float64 {
	if m.TotalRuns == 0 {
		return 0
	}
	return float64(m.SuccessfulRuns) / float64(m.TotalRuns)
}

func (m Metrics) AverageDuration() time.Duration {
	if m.TotalRuns == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.TotalRuns)
}

// Pipeline is a named, ordered sequence of stages. Safe for concurrent
// Execute/ExecuteStream calls; each run has its own cancellation handle.
type Pipeline struct {
	Name   string
	stages []Stage

	mu      sync.Mutex
	metrics Metrics

	runsCounter   prometheus.Counter
	successCounter prometheus.Counter
	abortCounter  prometheus.Counter
	latencyHist   prometheus.Histogram
}

// New builds a Pipeline running stages in the given order (the caller is
// expected to have already sorted by Stage.Priority; New does not
// re-sort so callers that want insertion order can pass stages
// pre-ordered).
func New(name string, stages []Stage, reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		Name:   name,
		stages: stages,
		metrics: Metrics{Stages: make(map[string]StageMetrics)},
		runsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbshell_pipeline_runs_total", ConstLabels: prometheus.Labels{"pipeline": name},
		}),
		successCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbshell_pipeline_success_total", ConstLabels: prometheus.Labels{"pipeline": name},
		}),
		abortCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbshell_pipeline_aborted_total", ConstLabels: prometheus.Labels{"pipeline": name},
		}),
		latencyHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "dbshell_pipeline_duration_seconds", ConstLabels: prometheus.Labels{"pipeline": name},
		}),
	}
	if reg != nil {
		reg.MustRegister(p.runsCounter, p.successCounter, p.abortCounter, p.latencyHist)
	}
	return p
}

// Run is a handle to one in-flight or completed execution, offering
// cancellation.
type Run struct {
	cancel context.CancelFunc
}

// Abort cancels the run; the current stage is given the chance to honor
// ctx cancellation, and no subsequent stage starts.
func (r *Run) Abort() { r.cancel() }

// Execute runs every stage in order, feeding each stage's output to the
// next, and returns the final Result.
func (p *Pipeline) Execute(ctx context.Context, input any) (*Run, Result) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{cancel: cancel}

	start := time.Now()
	result := p.runStages(runCtx, input, nil)

	p.recordRun(result, time.Since(start))
	return run, result
}

// ExecuteStream is Execute but also reports a StageEvent after each stage
// completes via ch, which is closed when the run finishes (successfully,
// on abort, or on failure).
func (p *Pipeline) ExecuteStream(ctx context.Context, input any, ch chan<- StageEvent) (*Run, Result) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{cancel: cancel}

	start := time.Now()
	result := p.runStages(runCtx, input, ch)
	close(ch)

	p.recordRun(result, time.Since(start))
	return run, result
}

func (p *Pipeline) runStages(ctx context.Context, input any, stream chan<- StageEvent) Result {
	result := Result{Output: input}
	current := input

	for _, stage := range p.stages {
		select {
		case <-ctx.Done():
			result.Aborted = true
			result.Err = errs.New(errs.KindCancelled, "pipeline aborted before stage "+stage.Name, ctx.Err())
			return result
		default:
		}

		stageStart := time.Now()
		out, err, aborted := p.runStage(ctx, stage, current)
		duration := time.Since(stageStart)

		p.recordStage(stage.Name, err, duration)

		ev := StageEvent{Stage: stage.Name, Output: out, Err: err, Aborted: aborted, Duration: duration}
		result.Events = append(result.Events, ev)
		if stream != nil {
			select {
			case stream <- ev:
			case <-ctx.Done():
			}
		}

		if aborted {
			result.Aborted = true
			result.Err = err
			return result
		}
		if err != nil {
			result.Err = errs.StageFailed(stage.Name, err)
			return result
		}
		current = out
	}

	result.Output = current
	return result
}

// runStage runs stage.Run with retries, applying Recover on final
// failure if configured.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, input any) (out any, err error, aborted bool) {
	maxAttempts := stage.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		stageCtx := ctx
		var cancel context.CancelFunc
		if stage.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		}

		out, err = stage.Run(stageCtx, input)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return out, nil, false
		}
		if ctx.Err() != nil {
			return nil, errs.New(errs.KindCancelled, "stage aborted", ctx.Err()), true
		}

		if attempt < maxAttempts-1 {
			select {
			case <-time.After(stage.Retry.delay(attempt)):
			case <-ctx.Done():
				return nil, errs.New(errs.KindCancelled, "stage aborted during retry backoff", ctx.Err()), true
			}
			continue
		}
	}

	if stage.Recover != nil {
		recovered, rerr := stage.Recover(ctx, input, err)
		if rerr == nil {
			return recovered, nil, false
		}
		return nil, rerr, false
	}
	return nil, err, false
}

func (p *Pipeline) recordStage(name string, err error, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics.Stages[name]
	m.Executions++
	m.TotalLatency += d
	if err != nil {
		m.Failures++
	}
	p.metrics.Stages[name] = m
}

func (p *Pipeline) recordRun(result Result, d time.Duration) {
	p.mu.Lock()
	p.metrics.TotalRuns++
	p.metrics.TotalLatency += d
	if result.Aborted {
		p.metrics.AbortedRuns++
	} else if result.Err == nil {
		p.metrics.SuccessfulRuns++
	}
	p.mu.Unlock()

	p.runsCounter.Inc()
	p.latencyHist.Observe(d.Seconds())
	if result.Aborted {
		p.abortCounter.Inc()
	} else if result.Err == nil {
		p.successCounter.Inc()
	}
}

// Snapshot returns a copy of the pipeline's accumulated metrics.
func (p *Pipeline) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	stages := make(map[string]StageMetrics, len(p.metrics.Stages))
	for k, v := range p.metrics.Stages {
		stages[k] = v
	}
	return Metrics{
		TotalRuns: p.metrics.TotalRuns, SuccessfulRuns: p.metrics.SuccessfulRuns,
		AbortedRuns: p.metrics.AbortedRuns, TotalLatency: p.metrics.TotalLatency,
		Stages: stages,
	}
}
