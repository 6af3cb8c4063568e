// Package taskq serialises edit and highlight work for one document.
//
// Tasks run one at a time on a single worker goroutine.  Edits are always
// drained before queries: an edit enqueued behind pending queries runs
// first, and those queries are expected to notice (via a generation
// counter) that their results are stale.
package taskq

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/cptaffe/acme-syntax/logger"
)

// Kind classifies a task for scheduling.
type Kind int

const (
	Edit Kind = iota
	Query
)

func (k Kind) String() string {
	switch k {
	case Edit:
		return "edit"
	case Query:
		return "query"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Func is the body of a task.  ctx carries the task's span and logger and
// is cancelled when the queue closes.
type Func func(ctx context.Context) error

type task struct {
	id   uuid.UUID
	kind Kind
	name string
	fn   Func
}

// Option configures a Queue.
type Option func(*Queue)

// WithTracer sets the tracer used for task spans.  A nil tracer keeps the
// default no-op tracer.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) {
		if t != nil {
			q.tracer = t
		}
	}
}

// Queue is a two-class FIFO drained by one worker goroutine.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	tracer trace.Tracer

	mu      sync.Mutex
	edits   []task
	queries []task
	running bool
	closed  bool
	wake    chan struct{}
	idle    *sync.Cond

	done chan struct{}
}

// New starts a queue whose worker stops when ctx is cancelled or Close is
// called.
func New(ctx context.Context, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		ctx:    ctx,
		cancel: cancel,
		tracer: noop.NewTracerProvider().Tracer("noop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	for _, o := range opts {
		o(q)
	}
	go q.run()
	return q
}

// Enqueue appends fn to the queue for its kind and returns the task's
// identity.  Tasks enqueued after Close are dropped.
func (q *Queue) Enqueue(kind Kind, name string, fn Func) uuid.UUID {
	t := task{id: uuid.New(), kind: kind, name: name, fn: fn}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		logger.L(q.ctx).Debug("task dropped; queue closed",
			zap.Stringer("task", t.id), zap.String("name", name))
		return t.id
	}
	if kind == Edit {
		q.edits = append(q.edits, t)
	} else {
		q.queries = append(q.queries, t)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t.id
}

// busy reports whether a task is running or waiting.
func (q *Queue) busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running || len(q.edits) > 0 || len(q.queries) > 0
}

// Pending returns the number of waiting tasks of each kind.
func (q *Queue) Pending() (edits, queries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.edits), len(q.queries)
}

// Wait blocks until the queue is idle or closed.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (q.running || len(q.edits) > 0 || len(q.queries) > 0) {
		q.idle.Wait()
	}
}

// Close stops the worker after the running task finishes and discards
// waiting tasks.  It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.edits, q.queries = nil, nil
		q.idle.Broadcast()
	}
	q.mu.Unlock()
	q.cancel()
	<-q.done
}

// next pops the next task, edits first.
func (q *Queue) next() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var t task
	switch {
	case q.closed:
		return t, false
	case len(q.edits) > 0:
		t, q.edits = q.edits[0], q.edits[1:]
	case len(q.queries) > 0:
		t, q.queries = q.queries[0], q.queries[1:]
	default:
		q.running = false
		q.idle.Broadcast()
		return t, false
	}
	q.running = true
	return t, true
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		for {
			t, ok := q.next()
			if !ok {
				break
			}
			q.exec(t)
		}
		select {
		case <-q.wake:
		case <-q.ctx.Done():
			q.mu.Lock()
			q.closed = true
			q.running = false
			q.edits, q.queries = nil, nil
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
	}
}

// exec runs one task inside its own span, recovering panics so the queue
// keeps draining.
func (q *Queue) exec(t task) {
	ctx, span := q.tracer.Start(q.ctx, "taskq."+t.kind.String()+"."+t.name,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.id.String()),
		attribute.String("task.kind", t.kind.String()),
	)
	log := logger.L(q.ctx).With(zap.Stringer("task", t.id), zap.String("name", t.name))
	ctx = logger.NewContext(ctx, log)

	log.Debug("task start", zap.Stringer("kind", t.kind))
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return t.fn(ctx)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("task failed", zap.Error(err))
		return
	}
	span.SetStatus(codes.Ok, "")
	log.Debug("task done")
}
