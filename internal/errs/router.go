package errs

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Outcome is what a recovery Strategy decided to do about an error.
type Outcome struct {
	Kind       OutcomeKind
	Result     any           // set when Kind == Recovered
	RetryAfter time.Duration // set when Kind == Retry
	Fallback   any           // set when Kind == FallbackValue
}

type OutcomeKind int

const (
	OutcomeSurface OutcomeKind = iota
	OutcomeFatal
	OutcomeRecovered
	OutcomeRetry
	OutcomeFallbackValue
)

// Strategy is a recovery strategy the router tries, in priority order,
// against a failing operation.
type Strategy interface {
	// Matches reports whether this strategy applies to err in the given
	// context. ctx carries caller-supplied hints (attempt count, a
	// Retry-After-equivalent hint, etc) under router-defined keys.
	Matches(err error, ctx context.Context) bool
	// Priority orders strategies; lower runs first.
	Priority() int
	Apply(ctx context.Context, err error) Outcome
}

// contextual keys used to pass hints into strategies without a dependency
// cycle back onto the router package.
type ctxKey string

const (
	CtxKeyAttempt    ctxKey = "errs.attempt"
	CtxKeyRetryAfter ctxKey = "errs.retry_after"
)

// Router classifies errors and dispatches them to the first matching
// Strategy by priority. It also keeps a bounded ring of recent decisions
// and per-kind counters for observability; errors are not counted by
// severity.
type Router struct {
	mu         sync.Mutex
	strategies []Strategy
	history    []HistoryEntry
	historyCap int
	counts     map[Kind]int
	sevCounts  map[Severity]int
}

type HistoryEntry struct {
	Time time.Time
	Kind Kind
	Err  error
	Out  Outcome
}

func NewRouter() *Router {
	return &Router{
		historyCap: 256,
		counts:     make(map[Kind]int),
		sevCounts:  make(map[Severity]int),
	}
}

// Register adds a strategy; strategies are kept sorted by Priority.
func (r *Router) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
	// simple insertion sort; the strategy set is tiny and rarely mutated.
	for i := len(r.strategies) - 1; i > 0; i-- {
		if r.strategies[i].Priority() < r.strategies[i-1].Priority() {
			r.strategies[i], r.strategies[i-1] = r.strategies[i-1], r.strategies[i]
		} else {
			break
		}
	}
}

// Classify is the standalone classification entrypoint (spec.md 4.G
// "classify(err) -> ErrorKind").
func (r *Router) Classify(err error) Kind {
	return KindOf(err)
}

// Handle matches err against registered strategies in priority order and
// records the outcome in history/counters. The first matching strategy
// wins.
func (r *Router) Handle(ctx context.Context, err error) Outcome {
	kind := KindOf(err)

	r.mu.Lock()
	strategies := append([]Strategy(nil), r.strategies...)
	r.mu.Unlock()

	var out Outcome
	matched := false
	for _, s := range strategies {
		if s.Matches(err, ctx) {
			out = s.Apply(ctx, err)
			matched = true
			break
		}
	}
	if !matched {
		out = Outcome{Kind: OutcomeSurface}
	}

	r.record(kind, err, out)
	return out
}

func (r *Router) record(kind Kind, err error, out Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[kind]++
	r.history = append(r.history, HistoryEntry{Time: time.Now(), Kind: kind, Err: err, Out: out})
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
}

// History returns a snapshot copy of the recent decision ring.
func (r *Router) History() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// Counts returns a snapshot of per-kind counters.
func (r *Router) Counts() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// --- Built-in strategies -----------------------------------------------

// NetworkRetryStrategy retries transport-level failures with exponential
// backoff, short-circuiting via a per-identity circuit breaker so a server
// stuck in a fail loop stops being hammered with retries.
type NetworkRetryStrategy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	breakers    sync.Map // identity -> *gobreaker.CircuitBreaker
}

func (s *NetworkRetryStrategy) Priority() int { return 10 }

func (s *NetworkRetryStrategy) Matches(err error, ctx context.Context) bool {
	switch KindOf(err) {
	case KindTransportBroken, KindTransportExited, KindConnectionLost:
		return true
	default:
		return false
	}
}

func (s *NetworkRetryStrategy) breakerFor(identity string) *gobreaker.CircuitBreaker {
	if b, ok := s.breakers.Load(identity); ok {
		return b.(*gobreaker.CircuitBreaker)
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        identity,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
	})
	actual, _ := s.breakers.LoadOrStore(identity, b)
	return actual.(*gobreaker.CircuitBreaker)
}

func (s *NetworkRetryStrategy) Apply(ctx context.Context, err error) Outcome {
	identity, _ := ctx.Value(ctxKey("identity")).(string)
	if identity == "" {
		identity = "default"
	}
	breaker := s.breakerFor(identity)
	if breaker.State() == gobreaker.StateOpen {
		return Outcome{Kind: OutcomeSurface}
	}
	// Every error routed here is a failed call against identity; record it
	// so consecutive failures open the breaker.
	_, _ = breaker.Execute(func() (interface{}, error) { return nil, err })

	attempt, _ := ctx.Value(CtxKeyAttempt).(int)
	if attempt >= s.MaxAttempts {
		return Outcome{Kind: OutcomeSurface}
	}
	delay := backoffDelay(s.Initial, s.Multiplier, s.MaxDelay, attempt)
	return Outcome{Kind: OutcomeRetry, RetryAfter: delay}
}

// WithIdentity attaches an identity (e.g. server name) to ctx so
// NetworkRetryStrategy can key its circuit breaker per remote.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey("identity"), identity)
}

// WithAttempt attaches the current attempt number (0-based) to ctx.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, CtxKeyAttempt, attempt)
}

func backoffDelay(initial time.Duration, mult float64, max time.Duration, attempt int) time.Duration {
	d := float64(initial)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	delay := time.Duration(d)
	if delay > max {
		delay = max
	}
	return delay
}

// TimeoutRetryStrategy retries a bounded number of times on KindTimeout.
type TimeoutRetryStrategy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (s *TimeoutRetryStrategy) Priority() int { return 20 }
func (s *TimeoutRetryStrategy) Matches(err error, ctx context.Context) bool {
	return KindOf(err) == KindTimeout
}
func (s *TimeoutRetryStrategy) Apply(ctx context.Context, err error) Outcome {
	attempt, _ := ctx.Value(CtxKeyAttempt).(int)
	if attempt >= s.MaxAttempts {
		return Outcome{Kind: OutcomeSurface}
	}
	return Outcome{Kind: OutcomeRetry, RetryAfter: s.Delay}
}

// RateLimitStrategy backs off on KindRateLimited, honoring a caller-supplied
// Retry-After hint (via CtxKeyRetryAfter) when present — per spec.md §9,
// this is a per-strategy option, not assumed for every server.
type RateLimitStrategy struct {
	Default time.Duration
}

func (s *RateLimitStrategy) Priority() int { return 5 }
func (s *RateLimitStrategy) Matches(err error, ctx context.Context) bool {
	return KindOf(err) == KindRateLimited
}
func (s *RateLimitStrategy) Apply(ctx context.Context, err error) Outcome {
	if hint, ok := ctx.Value(CtxKeyRetryAfter).(time.Duration); ok && hint > 0 {
		return Outcome{Kind: OutcomeRetry, RetryAfter: hint}
	}
	return Outcome{Kind: OutcomeRetry, RetryAfter: s.Default}
}

// ValidationFallbackStrategy converts a schema/validation error into a
// caller-supplied fallback value instead of surfacing it.
type ValidationFallbackStrategy struct {
	Fallback any
}

func (s *ValidationFallbackStrategy) Priority() int { return 30 }
func (s *ValidationFallbackStrategy) Matches(err error, ctx context.Context) bool {
	return KindOf(err) == KindProtocolSchema
}
func (s *ValidationFallbackStrategy) Apply(ctx context.Context, err error) Outcome {
	return Outcome{Kind: OutcomeFallbackValue, Fallback: s.Fallback}
}
