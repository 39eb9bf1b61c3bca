package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/utils"
)

var RetryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "margo",
	Subsystem: "ledger",
	Name:      "retry_queue_depth",
})

var RetryResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "ledger",
	Name:      "retry_results",
}, []string{"result"})

const (
	retryBase = 2 * time.Second
	retryMax  = 5 * time.Minute
)

type pendingOp struct {
	name     string
	attempts int
	do       func(ctx context.Context) error
}

// Retrier re-drives ledger mutations that failed transiently, most
// importantly pending lease releases, which must never be dropped. Ops
// wait on a min-heap ordered by next attempt time and back off
// exponentially between attempts. Retrying is safe because every queued
// mutation is an idempotent cell write or delete.
type Retrier struct {
	log utils.Logger
	now func() time.Time

	mu   sync.Mutex
	heap utils.ScheduleHeap[int64, *pendingOp]
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetrier(log utils.Logger) *Retrier {
	return newRetrier(log, time.Now)
}

func newRetrier(log utils.Logger, now func() time.Time) *Retrier {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{
		log:    log,
		now:    now,
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Retrier) Close() {
	r.cancel()
	<-r.done
}

// Enqueue schedules op for an immediate first attempt.
func (r *Retrier) Enqueue(name string, op func(ctx context.Context) error) {
	r.mu.Lock()
	r.heap.Push(r.now().UnixNano(), &pendingOp{name: name, do: op})
	depth := r.heap.Len()
	r.mu.Unlock()
	RetryQueueDepth.Set(float64(depth))
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Pending returns the number of ops still waiting.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heap.Len()
}

func (r *Retrier) run() {
	defer close(r.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		op, wait, ok := r.next()
		if !ok {
			select {
			case <-r.ctx.Done():
				return
			case <-r.kick:
			}
			continue
		}
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-r.ctx.Done():
				return
			case <-r.kick:
			case <-timer.C:
			}
			continue
		}
		r.attempt(op)
	}
}

// next pops the due op, or reports how long until the earliest one is due.
func (r *Retrier) next() (*pendingOp, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.heap.Peek()
	if !ok {
		return nil, 0, false
	}
	if wait := time.Duration(at - r.now().UnixNano()); wait > 0 {
		return nil, wait, true
	}
	_, op := r.heap.Pop()
	RetryQueueDepth.Set(float64(r.heap.Len()))
	return op, 0, true
}

func (r *Retrier) attempt(op *pendingOp) {
	err := op.do(r.ctx)
	if err == nil {
		RetryResults.WithLabelValues("ok").Inc()
		if op.attempts > 0 {
			r.log.Info("pending ledger op succeeded", "op", op.name, "attempts", op.attempts+1)
		}
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	op.attempts++
	backoff := retryBase << uint(op.attempts-1)
	if backoff > retryMax || backoff <= 0 {
		backoff = retryMax
	}
	RetryResults.WithLabelValues("retry").Inc()
	r.log.Warn("ledger op failed, will retry", "op", op.name, "attempts", op.attempts, "backoff", backoff, "error", err)
	r.mu.Lock()
	r.heap.Push(r.now().Add(backoff).UnixNano(), op)
	RetryQueueDepth.Set(float64(r.heap.Len()))
	r.mu.Unlock()
}
