// Package queue implements the async command queue from spec.md §4.I: a
// priority + arrival-order queue with bounded concurrency, a token-bucket
// rate limiter, per-command cancellation, and event-driven drain.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mcp-scooter/dbshell/internal/command"
	"github.com/mcp-scooter/dbshell/internal/errs"
)

// Priority orders dispatch within the queue; CRITICAL jumps every other
// band and may preempt a waiting non-critical command under
// backpressure.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Ticket identifies one enqueued command for cancellation/lookup.
type Ticket string

// Task is the unit of work the queue schedules. Run is invoked by a
// worker once dispatched; it should honor ctx cancellation.
type Task struct {
	Command  command.Parsed
	Priority Priority
	Timeout  time.Duration
	Run      func(ctx context.Context, cmd command.Parsed) (command.Result, error)
}

type waiting struct {
	ticket   Ticket
	task     Task
	seq      int64
	cancelCh chan struct{}
	index    int // heap index
}

// priorityHeap orders waiting commands by Priority, then by seq (FIFO tie
// break), so container/heap's Pop always yields "highest priority,
// earliest arrival" as spec.md §4.I requires.
type priorityHeap []*waiting

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	w := x.(*waiting)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Outcome describes how an enqueued command's ticket ultimately resolved.
type Outcome struct {
	Result  command.Result
	Err     error
	Kind    OutcomeKind
}

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeCancelled
	OutcomePreempted
)

// Queue is safe for concurrent use.
type Queue struct {
	mu           sync.Mutex
	heapData     priorityHeap
	byTicket     map[Ticket]*waiting
	running      int
	processed    int64
	maxQueueSize int
	concurrency  int

	seqCounter int64

	limiter *rate.Limiter

	notifyCh chan struct{} // signaled on any change for drain()
	resultCh map[Ticket]chan Outcome

	workersStarted bool
	stopCh         chan struct{}
}

// Config configures a Queue.
type Config struct {
	Concurrency  int
	MaxQueueSize int
	RateLimit    float64 // tokens/sec; 0 disables limiting
	Burst        int
}

func New(cfg Config) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	q := &Queue{
		byTicket:     make(map[Ticket]*waiting),
		maxQueueSize: cfg.MaxQueueSize,
		concurrency:  cfg.Concurrency,
		limiter:      limiter,
		notifyCh:     make(chan struct{}, 1),
		resultCh:     make(map[Ticket]chan Outcome),
		stopCh:       make(chan struct{}),
	}
	q.startWorkers()
	return q
}

func (q *Queue) startWorkers() {
	q.mu.Lock()
	if q.workersStarted {
		q.mu.Unlock()
		return
	}
	q.workersStarted = true
	q.mu.Unlock()

	for i := 0; i < q.concurrency; i++ {
		go q.workerLoop()
	}
}

// Enqueue adds task to the queue and returns its ticket. When the queue is
// at MaxQueueSize, Enqueue fails with QueueFull unless task.Priority is
// CRITICAL, in which case the oldest non-critical waiter is evicted with
// Preempted.
func (q *Queue) Enqueue(task Task) (Ticket, error) {
	ticket := Ticket(uuid.NewString())

	q.mu.Lock()
	if q.maxQueueSize > 0 && len(q.heapData) >= q.maxQueueSize {
		if task.Priority != PriorityCritical {
			q.mu.Unlock()
			return "", errs.New(errs.KindQueueFull, "queue at capacity", nil)
		}
		q.evictOldestNonCriticalLocked()
	}

	q.seqCounter++
	w := &waiting{ticket: ticket, task: task, seq: q.seqCounter, cancelCh: make(chan struct{})}
	heap.Push(&q.heapData, w)
	q.byTicket[ticket] = w
	q.resultCh[ticket] = make(chan Outcome, 1)
	q.mu.Unlock()

	q.signal()
	return ticket, nil
}

// evictOldestNonCriticalLocked must be called with q.mu held. It removes
// the earliest-arrived non-critical waiter and resolves its ticket with
// Preempted.
func (q *Queue) evictOldestNonCriticalLocked() {
	var oldest *waiting
	for _, w := range q.heapData {
		if w.task.Priority == PriorityCritical {
			continue
		}
		if oldest == nil || w.seq < oldest.seq {
			oldest = w
		}
	}
	if oldest == nil {
		return
	}
	heap.Remove(&q.heapData, oldest.index)
	delete(q.byTicket, oldest.ticket)
	q.resolve(oldest.ticket, Outcome{Kind: OutcomePreempted, Err: errs.New(errs.KindPreempted, "evicted for a critical command", nil)})
}

// Cancel removes a waiting command with a Cancelled outcome; if it is
// already running, it signals the task's cancellation channel instead
// (the running task is expected to honor ctx/its cancelCh). Cancelled
// commands never consume a rate-limit token.
func (q *Queue) Cancel(ticket Ticket) error {
	q.mu.Lock()
	w, ok := q.byTicket[ticket]
	if !ok {
		q.mu.Unlock()
		return errs.Named(errs.KindResourceNotFound, string(ticket), "unknown ticket", nil)
	}

	if w.index >= 0 && w.index < len(q.heapData) && q.heapData[w.index] == w {
		heap.Remove(&q.heapData, w.index)
		delete(q.byTicket, ticket)
		q.mu.Unlock()
		q.resolve(ticket, Outcome{Kind: OutcomeCancelled, Err: errs.New(errs.KindCancelled, "cancelled while waiting", nil)})
		q.signal()
		return nil
	}
	// Already running: signal its cancellation channel.
	close(w.cancelCh)
	q.mu.Unlock()
	return nil
}

// Result blocks until ticket's outcome is available.
func (q *Queue) Result(ticket Ticket) (Outcome, error) {
	q.mu.Lock()
	ch, ok := q.resultCh[ticket]
	q.mu.Unlock()
	if !ok {
		return Outcome{}, errs.Named(errs.KindResourceNotFound, string(ticket), "unknown ticket", nil)
	}
	return <-ch, nil
}

func (q *Queue) resolve(ticket Ticket, out Outcome) {
	q.mu.Lock()
	ch, ok := q.resultCh[ticket]
	if ok {
		delete(q.resultCh, ticket)
	}
	q.processed++
	q.mu.Unlock()
	if ok {
		ch <- out
		close(ch)
	}
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

func (q *Queue) workerLoop() {
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		w := q.popNext()
		if w == nil {
			select {
			case <-q.notifyCh:
			case <-q.stopCh:
				return
			}
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(context.Background()); err != nil {
				q.resolve(w.ticket, Outcome{Kind: OutcomeCancelled, Err: err})
				continue
			}
		}

		q.runTask(w)
	}
}

func (q *Queue) popNext() *waiting {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heapData) == 0 {
		return nil
	}
	w := heap.Pop(&q.heapData).(*waiting)
	delete(q.byTicket, w.ticket)
	q.running++
	return w
}

func (q *Queue) runTask(w *waiting) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if w.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.task.Timeout)
		defer cancel()
	}

	resultCh := make(chan struct {
		res command.Result
		err error
	}, 1)
	go func() {
		res, err := w.task.Run(ctx, w.task.Command)
		resultCh <- struct {
			res command.Result
			err error
		}{res, err}
	}()

	var out Outcome
	select {
	case r := <-resultCh:
		out = Outcome{Result: r.res, Err: r.err, Kind: OutcomeCompleted}
	case <-w.cancelCh:
		out = Outcome{Kind: OutcomeCancelled, Err: errs.New(errs.KindCancelled, "cancelled while running", nil)}
	case <-ctx.Done():
		out = Outcome{Kind: OutcomeCancelled, Err: errs.New(errs.KindTimeout, "command timed out", ctx.Err())}
	}

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	q.resolve(w.ticket, out)
}

// Drain blocks until the queue is empty and no commands are running.
// Event-driven: it waits on notifyCh rather than polling.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		empty := len(q.heapData) == 0 && q.running == 0
		q.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-q.notifyCh:
		case <-ctx.Done():
			return errs.New(errs.KindCancelled, "drain cancelled", ctx.Err())
		}
	}
}

// Len, Running, Processed are the metrics/getters spec.md §4.I asks for.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heapData)
}

func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) Processed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed
}

// Shutdown stops the worker goroutines. Idempotent.
func (q *Queue) Shutdown() {
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
}
