// Package workflow implements the declarative multi-step task graph from
// spec.md §4.K: a DAG of steps executed over the MCP client pool and the
// state store by the package's own level-by-level scheduler (it does not
// use the pipeline package). Grounded on the teacher's
// registry/discovery orchestration (internal/domain/discovery/discovery.go
// dispatches by provider kind through a typed factory) generalized from
// "pick a transport by kind" to "pick a step executor by kind".
package workflow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/mcp-scooter/dbshell/internal/errs"
	"github.com/mcp-scooter/dbshell/internal/mcp"
	"github.com/mcp-scooter/dbshell/internal/state"
)

// StepKind selects which executor runs a step.
type StepKind string

const (
	StepTool        StepKind = "tool"
	StepLLM         StepKind = "llm"
	StepConditional StepKind = "conditional"
	StepParallel    StepKind = "parallel"
	StepCustom      StepKind = "custom"
)

// RetryPolicy configures a step's retry behavior. Mirrors
// internal/pipeline.RetryPolicy's shape; kept as its own type so a step's
// retry config carries no dependency on the pipeline package.
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

// CustomFunc is a caller-supplied closure for the "custom" step kind.
type CustomFunc func(ctx context.Context, tmplCtx map[string]any) (any, error)

// LLMCaller is the out-of-scope external LLM interface (spec.md §6); the
// workflow engine only needs the request/response shape.
type LLMCaller interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Step is one node of a workflow graph.
type Step struct {
	ID              string
	Kind            StepKind
	Dependencies    []string
	Retry           RetryPolicy
	ContinueOnError bool

	// tool
	Tool   string
	Params map[string]any

	// llm
	Prompt string

	// conditional
	Predicate string
	Then      *Step
	Else      *Step

	// parallel
	Children []Step

	// custom
	Run  CustomFunc
	Expr string // goja expression, used when Run is nil
}

// Workflow is a validated DAG of steps.
type Workflow struct {
	ID    string
	Steps []Step

	byID map[string]Step
}

// New validates steps form a DAG (cycles rejected as CircularDependency)
// and returns a Workflow ready to execute.
func New(id string, steps []Step) (*Workflow, error) {
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	if err := detectCycle(byID); err != nil {
		return nil, err
	}
	return &Workflow{ID: id, Steps: steps, byID: byID}, nil
}

func detectCycle(byID map[string]Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return errs.Named(errs.KindCircularDep, id, "step participates in a dependency cycle", nil)
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				return errs.Named(errs.KindDependencyFailed, dep, "unknown dependency", nil)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// topologicalLevels groups step ids so that every id in level N has all
// its dependencies in levels < N; ids within a level have no dependency
// relationship among them and may run concurrently.
func topologicalLevels(byID map[string]Step) [][]string {
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, s := range byID {
		indegree[id] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var levels [][]string
	remaining := len(byID)
	for remaining > 0 {
		var level []string
		for id, deg := range indegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		for _, id := range level {
			delete(indegree, id)
			remaining--
			for _, dep := range dependents[id] {
				indegree[dep]--
			}
		}
		levels = append(levels, level)
	}
	return levels
}

// errorEnvelope is the output value set for a ContinueOnError step that
// failed after exhausting retries.
type errorEnvelope struct {
	Error string `json:"error"`
}

// StepOutput is one step's recorded result.
type StepOutput struct {
	Output  any
	Err     error
	Skipped bool
}

// Checkpoint is emitted at every step boundary so long-running workflows
// can persist enough to resume; durable storage of the checkpoint is a
// collaborator's responsibility.
type Checkpoint struct {
	WorkflowID      string
	StepID          string
	Outputs         map[string]StepOutput
	StateSnapshotID string
}

// Result is the outcome of an Execute call.
type Result struct {
	Outputs map[string]StepOutput
	Err     error
	Aborted bool
}

// Run is a handle to one in-flight or completed execution.
type Run struct {
	cancel context.CancelFunc
}

func (r *Run) Abort() { r.cancel() }

// Orchestrator executes Workflows against a tool pool, a state store, and
// an optional LLM caller.
type Orchestrator struct {
	pool        *mcp.Pool
	store       *state.Store
	llm         LLMCaller
	concurrency int
	onCheckpoint func(Checkpoint)
}

func NewOrchestrator(pool *mcp.Pool, store *state.Store, llm LLMCaller, concurrency int, onCheckpoint func(Checkpoint)) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Orchestrator{pool: pool, store: store, llm: llm, concurrency: concurrency, onCheckpoint: onCheckpoint}
}

// Execute runs wf to completion, resolving each step's parameter template
// against prior step outputs, state entries, and inputs.
func (o *Orchestrator) Execute(ctx context.Context, wf *Workflow, inputs map[string]any) (*Run, Result) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{cancel: cancel}

	outputs := make(map[string]StepOutput, len(wf.Steps))
	var mu sync.Mutex

	levels := topologicalLevels(wf.byID)

	for _, level := range levels {
		select {
		case <-runCtx.Done():
			return run, Result{Outputs: outputs, Aborted: true, Err: errs.New(errs.KindCancelled, "workflow aborted", runCtx.Err())}
		default:
		}

		sem := make(chan struct{}, o.concurrency)
		var wg sync.WaitGroup
		var levelErr error
		var levelErrMu sync.Mutex

		for _, id := range level {
			step := wf.byID[id]
			wg.Add(1)
			sem <- struct{}{}
			go func(step Step) {
				defer wg.Done()
				defer func() { <-sem }()

				mu.Lock()
				tmplCtx := o.buildTemplateContext(outputs, inputs)
				mu.Unlock()

				out, err := o.runStepWithRetry(runCtx, step, tmplCtx)

				result := StepOutput{Output: out, Err: err}
				if err != nil && step.ContinueOnError {
					result.Output = errorEnvelope{Error: err.Error()}
					result.Err = nil
					result.Skipped = true
				}

				mu.Lock()
				outputs[step.ID] = result
				mu.Unlock()

				if err != nil && !step.ContinueOnError {
					levelErrMu.Lock()
					if levelErr == nil {
						levelErr = errs.DependencyFailed(step.ID, err)
					}
					levelErrMu.Unlock()
				}

				o.emitCheckpoint(wf.ID, step.ID, outputs, &mu)
			}(step)
		}
		wg.Wait()

		if levelErr != nil {
			return run, Result{Outputs: outputs, Err: levelErr}
		}
	}

	return run, Result{Outputs: outputs}
}

func (o *Orchestrator) emitCheckpoint(workflowID, stepID string, outputs map[string]StepOutput, mu *sync.Mutex) {
	if o.onCheckpoint == nil {
		return
	}
	mu.Lock()
	snapshot := make(map[string]StepOutput, len(outputs))
	for k, v := range outputs {
		snapshot[k] = v
	}
	mu.Unlock()

	var snapID string
	if o.store != nil {
		snapID = o.store.Snapshot("workflow checkpoint: " + workflowID + "/" + stepID)
	}
	o.onCheckpoint(Checkpoint{WorkflowID: workflowID, StepID: stepID, Outputs: snapshot, StateSnapshotID: snapID})
}

func (o *Orchestrator) buildTemplateContext(outputs map[string]StepOutput, inputs map[string]any) map[string]any {
	steps := make(map[string]any, len(outputs))
	for id, out := range outputs {
		errStr := errString(out.Err)
		if errStr == "" {
			if env, ok := out.Output.(errorEnvelope); ok {
				errStr = env.Error
			}
		}
		steps[id] = map[string]any{"output": out.Output, "error": errStr}
	}

	stateVals := make(map[string]any)
	if o.store != nil {
		for _, key := range o.store.KeysByPrefix("") {
			if v, ok := o.store.Get(key); ok {
				stateVals[key] = v
			}
		}
	}

	return map[string]any{"steps": steps, "state": stateVals, "input": inputs}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (o *Orchestrator) runStepWithRetry(ctx context.Context, step Step, tmplCtx map[string]any) (any, error) {
	maxAttempts := step.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var out any
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err = o.runStep(ctx, step, tmplCtx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, errs.New(errs.KindCancelled, "step aborted", ctx.Err())
		}
		if attempt < maxAttempts-1 {
			select {
			case <-time.After(step.Retry.delay(attempt)):
			case <-ctx.Done():
				return nil, errs.New(errs.KindCancelled, "step aborted during retry backoff", ctx.Err())
			}
		}
	}
	return nil, err
}

func (o *Orchestrator) runStep(ctx context.Context, step Step, tmplCtx map[string]any) (any, error) {
	switch step.Kind {
	case StepTool:
		if o.pool == nil {
			return nil, errs.Named(errs.KindConfig, step.ID, "no tool pool configured", nil)
		}
		args := resolveParams(step.Params, tmplCtx)
		return o.pool.CallTool(ctx, step.Tool, args)

	case StepLLM:
		if o.llm == nil {
			return nil, errs.Named(errs.KindConfig, step.ID, "no llm caller configured", nil)
		}
		prompt := resolveString(step.Prompt, tmplCtx)
		return o.llm.Complete(ctx, prompt)

	case StepConditional:
		truthy, err := evalPredicate(step.Predicate, tmplCtx)
		if err != nil {
			return nil, err
		}
		chosen := step.Else
		if truthy {
			chosen = step.Then
		}
		if chosen == nil {
			return nil, nil
		}
		return o.runStepWithRetry(ctx, *chosen, tmplCtx)

	case StepParallel:
		return o.runParallelChildren(ctx, step.Children, tmplCtx)

	case StepCustom:
		if step.Run != nil {
			return step.Run(ctx, tmplCtx)
		}
		return evalExpr(step.Expr, tmplCtx)

	default:
		return nil, errs.Named(errs.KindConfig, step.ID, fmt.Sprintf("unknown step kind %q", step.Kind), nil)
	}
}

func (o *Orchestrator) runParallelChildren(ctx context.Context, children []Step, tmplCtx map[string]any) (any, error) {
	results := make(map[string]StepOutput, len(children))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, child := range children {
		wg.Add(1)
		go func(child Step) {
			defer wg.Done()
			out, err := o.runStepWithRetry(ctx, child, tmplCtx)
			mu.Lock()
			results[child.ID] = StepOutput{Output: out, Err: err}
			mu.Unlock()
		}(child)
	}
	wg.Wait()
	return results, nil
}

// resolveParams resolves every value in params that is a
// "steps.X.output..." or "state.key" reference string against tmplCtx;
// other values pass through unchanged.
func resolveParams(params map[string]any, tmplCtx map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			if resolved, ok := resolveReference(s, tmplCtx); ok {
				out[k] = resolved
				continue
			}
		}
		out[k] = v
	}
	return out
}

func resolveString(s string, tmplCtx map[string]any) string {
	if resolved, ok := resolveReference(s, tmplCtx); ok {
		if str, ok := resolved.(string); ok {
			return str
		}
	}
	return s
}

// resolveReference walks a dotted path like "steps.fetch.output.rows" or
// "state.last_query" against tmplCtx. Only exact full-string references
// resolve; a string that merely contains one of these patterns is left
// untouched (no in-string interpolation).
func resolveReference(path string, tmplCtx map[string]any) (any, bool) {
	parts := splitPath(path)
	if len(parts) < 2 || (parts[0] != "steps" && parts[0] != "state" && parts[0] != "input") {
		return nil, false
	}
	var cur any = tmplCtx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func evalPredicate(expr string, tmplCtx map[string]any) (bool, error) {
	val, err := evalExpr(expr, tmplCtx)
	if err != nil {
		return false, err
	}
	b, _ := val.(bool)
	return b, nil
}

// evalExpr runs expr in a fresh goja VM with steps/state/input bound as
// globals, for conditional predicates and the default "custom" step
// implementation.
func evalExpr(expr string, tmplCtx map[string]any) (any, error) {
	vm := goja.New()
	for k, v := range tmplCtx {
		if err := vm.Set(k, v); err != nil {
			return nil, errs.New(errs.KindInternal, "bind template context", err)
		}
	}
	val, err := vm.RunString(expr)
	if err != nil {
		return nil, errs.Named(errs.KindInternal, expr, "expression evaluation failed", err)
	}
	return val.Export(), nil
}
