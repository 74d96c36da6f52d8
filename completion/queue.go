package completion

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/michael-berlin/grpc/consts"
)

var ErrShutdown = errors.New("completion: queue is shut down")

type EventType uint8

const (
	// OpComplete is posted once per accepted application batch.
	OpComplete EventType = iota
)

type Event struct {
	Type EventType
	Tag  any
}

// Queue is the sink the call posts batch completions to. The contract:
// one BeginOp before a batch is submitted, exactly one EndOp when its
// master finishes. Pending counts begun-but-not-ended ops so shutdown can
// drain cleanly.
type Queue struct {
	events  chan Event
	pending atomic.Int64
	done    chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		events: make(chan Event, consts.CompletionQueueDepth),
		done:   make(chan struct{}),
	}
}

func (q *Queue) BeginOp() {
	q.pending.Add(1)
}

// AbortOp undoes a BeginOp whose batch was rejected before submission.
// No event is posted.
func (q *Queue) AbortOp() {
	q.pending.Add(-1)
}

func (q *Queue) EndOp(tag any) {
	q.pending.Add(-1)
	select {
	case q.events <- Event{Type: OpComplete, Tag: tag}:
	case <-q.done:
	}
}

// Next blocks until an event is available, the context is done, or the
// queue is shut down.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-q.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-q.done:
		// поднимем события, которые успели попасть в очередь
		select {
		case ev := <-q.events:
			return ev, nil
		default:
			return Event{}, ErrShutdown
		}
	}
}

func (q *Queue) Pending() int64 { return q.pending.Load() }

func (q *Queue) Shutdown() {
	close(q.done)
}
