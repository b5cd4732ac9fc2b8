// Package singlequeue implements the "single goroutine owns this state,
// reentrant via a queue-key check" idiom spec.md §5 requires for the shared
// image-processing queue and the writer processing queue: one goroutine
// drains a work channel, and code already running on that goroutine detects
// this via a context marker and runs inline instead of round-tripping
// through the channel (Go has no thread-local goroutine identity, so the
// marker travels explicitly on the context, the same way the corpus threads
// cancellation and deadlines).
package singlequeue

import "context"

type markerKey struct{ q *Queue }

// Queue serializes func(context.Context) work onto a single owning
// goroutine, mirroring the teacher's runPipeline/distributionLoop shape
// (one goroutine, launched once, draining until Close), generalized from
// GStreamer-bus-message and worker-fanout draining into a generic work
// queue.
type Queue struct {
	work chan func(context.Context)
	done chan struct{}
}

// New constructs a Queue and starts its owning goroutine with the given
// backlog capacity.
func New(capacity int) *Queue {
	q := &Queue{
		work: make(chan func(context.Context), capacity),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	ctx := context.WithValue(context.Background(), markerKey{q}, true)
	for {
		select {
		case fn := <-q.work:
			fn(ctx)
		case <-q.done:
			for {
				select {
				case fn := <-q.work:
					fn(ctx)
				default:
					return
				}
			}
		}
	}
}

// onQueue reports whether ctx carries this Queue's marker, i.e. the caller
// is already running on the owning goroutine.
func (q *Queue) onQueue(ctx context.Context) bool {
	v, _ := ctx.Value(markerKey{q}).(bool)
	return v
}

// Submit enqueues fn to run on the owning goroutine, or runs it inline if
// ctx shows the caller is already on that goroutine (spec.md §5's
// reentrancy rule; avoids deadlock when a queued function submits more
// work to its own queue).
func (q *Queue) Submit(ctx context.Context, fn func(context.Context)) {
	if q.onQueue(ctx) {
		fn(ctx)
		return
	}
	q.work <- fn
}

// SubmitSync enqueues fn and blocks until it has run, or runs it
// immediately if the caller is already on the owning goroutine.
func (q *Queue) SubmitSync(ctx context.Context, fn func(context.Context)) {
	if q.onQueue(ctx) {
		fn(ctx)
		return
	}
	doneCh := make(chan struct{})
	q.work <- func(qctx context.Context) {
		fn(qctx)
		close(doneCh)
	}
	<-doneCh
}

// Close stops the owning goroutine after draining any work already queued.
func (q *Queue) Close() {
	close(q.done)
}
