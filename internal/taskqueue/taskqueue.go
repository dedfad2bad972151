// Package taskqueue implements the engine's single-consumer write
// worker (spec.md §4.8, §5): one goroutine owns every write
// transaction, consuming a FIFO of typed tasks. Retryable failures are
// re-enqueued with backoff; tasks exhausted on retries are dropped and
// logged; long-running tasks reschedule themselves between chunks
// instead of blocking the queue.
//
// Grounded on the teacher's DBWriter (cmd/server/db.go): a buffered
// channel of jobs drained by one goroutine, with WriteAsync
// (fire-and-forget) and WriteSync (wait for result) entry points.
// homestats generalizes writeJob into a typed Task carrying retry and
// self-reschedule metadata, since spec.md's task model is richer than
// the teacher's plain closures.
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homestats/internal/logging"
	"homestats/internal/storage"
)

// Result is returned by a Task's Run function. A positive Reschedule
// with Done false means the task completed one chunk of work and should run again
// after the given delay (spec.md §4.8: "long-running tasks... yielding
// the queue between chunks").
type Result struct {
	Reschedule time.Duration
	Done       bool
}

// Task is one unit of work submitted to the runtime.
type Task struct {
	ID           uuid.UUID
	Kind         string
	CommitBefore bool
	MaxRetries   int
	Run          func(ctx context.Context) (Result, error)

	attempt int
	reply   chan error
}

// Runtime is the single-consumer task queue.
type Runtime struct {
	log    logging.StatsLogger
	queue  chan Task
	stop   chan struct{}
	wg     sync.WaitGroup
	paused atomic.Bool // stop_requested, checked between tasks/chunks
}

func New(log logging.StatsLogger, bufferSize int) *Runtime {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Runtime{
		log:   log,
		queue: make(chan Task, bufferSize),
		stop:  make(chan struct{}),
	}
}

// Start spins up the consumer goroutine.
func (r *Runtime) Start() {
	r.wg.Add(1)
	go r.run()
}

// RequestStop sets the cooperative cancellation flag; in-flight work
// finishes its current task or chunk before observing it (spec.md §5:
// "the worker checks a stop_requested flag between tasks and between
// chunks of self-rescheduling work; no task preemption").
func (r *Runtime) RequestStop() {
	r.paused.Store(true)
}

// Close signals the consumer to run whatever is already queued and
// exit, and waits for it. Submit does not check for Close: a task
// submitted afterwards stays in the buffer and is never run.
func (r *Runtime) Close() {
	close(r.stop)
	r.wg.Wait()
}

// Submit enqueues a task without waiting for completion.
func (r *Runtime) Submit(t Task) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	select {
	case r.queue <- t:
	default:
		r.log.Error("task queue full, dropping task", nil)
	}
}

// SubmitSync enqueues a task and blocks for its final outcome — used
// by HTTP handlers in internal/api that need a synchronous result
// (import/adjust/change-unit/clear).
func (r *Runtime) SubmitSync(ctx context.Context, t Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.reply = make(chan error, 1)
	select {
	case r.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) run() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.queue:
			r.execute(t)
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Runtime) drain() {
	for {
		select {
		case t := <-r.queue:
			r.execute(t)
		default:
			return
		}
	}
}

// execute runs one task to a terminal state: success, reschedule (for
// long-running tasks), retry-with-backoff, or drop.
func (r *Runtime) execute(t Task) {
	if r.paused.Load() {
		if t.reply != nil {
			t.reply <- errors.New("taskqueue: stopped before task ran")
		}
		return
	}
	ctx := context.Background()
	res, err := t.Run(ctx)

	if err == nil {
		if res.Reschedule > 0 && !res.Done {
			r.log.Debug("rescheduling long-running task", taskField(t)...)
			go r.reschedule(t, res.Reschedule)
			return
		}
		if t.reply != nil {
			t.reply <- nil
		}
		return
	}

	r.handleError(t, err)
}

func (r *Runtime) reschedule(t Task, after time.Duration) {
	if r.paused.Load() {
		if t.reply != nil {
			t.reply <- errors.New("taskqueue: stopped before task completed")
		}
		return
	}
	timer := time.NewTimer(after)
	defer timer.Stop()
	<-timer.C
	select {
	case r.queue <- t:
	case <-r.stop:
	}
}

func (r *Runtime) handleError(t Task, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		// validation errors are reported synchronously; nothing written,
		// never retried (spec.md §7(a)).
		if t.reply != nil {
			t.reply <- err
		}
		return
	}

	if storage.IsUniqueViolation(err) {
		// duplicate-insert: logged, not re-enqueued — the duplicate is
		// idempotent in intent (spec.md §7(b)).
		r.log.Warn("duplicate insert, task not retried", append(taskField(t), zapErrField(err))...)
		if t.reply != nil {
			t.reply <- nil
		}
		return
	}

	if storage.IsTransient(err) {
		t.attempt++
		if t.MaxRetries <= 0 {
			t.MaxRetries = 5
		}
		if t.attempt >= t.MaxRetries {
			r.log.Error("task retries exhausted, dropping", err, taskField(t)...)
			if t.reply != nil {
				t.reply <- err
			}
			return
		}
		backoff := time.Duration(t.attempt) * 200 * time.Millisecond
		r.log.Warn("transient error, retrying task", append(taskField(t), zapErrField(err))...)
		go r.reschedule(t, backoff)
		return
	}

	// bug-class exception: logged, transaction already rolled back by
	// the task's own Run, worker continues with the next task (spec.md
	// §7(e)).
	r.log.Error("task failed with unexpected error", err, taskField(t)...)
	if t.reply != nil {
		t.reply <- err
	}
}

// ValidationError is the typed error import/adjust validation returns;
// it mirrors the teacher's *SignalError shape (a named error type the
// runtime switches on by type, not by string matching).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + ": " + e.Message
}

func taskField(t Task) []zap.Field {
	return []zap.Field{zap.String("task_id", t.ID.String()), zap.String("kind", t.Kind), zap.Int("attempt", t.attempt)}
}

func zapErrField(err error) zap.Field {
	return zap.Error(err)
}
