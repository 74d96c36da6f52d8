package completion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueBeginEnd(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := NewQueue()
	a.Zero(q.Pending())

	q.BeginOp()
	a.Equal(int64(1), q.Pending())

	q.EndOp("tag")
	a.Zero(q.Pending())

	ev, err := q.Next(context.Background())
	a.NoError(err)
	a.Equal(OpComplete, ev.Type)
	a.Equal("tag", ev.Tag)
}

func TestQueueAbortOp(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := NewQueue()
	q.BeginOp()
	q.AbortOp()
	a.Zero(q.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	a.ErrorIs(err, context.DeadlineExceeded)
}

func TestQueueNextBlocks(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.BeginOp()
		q.EndOp(42)
	}()

	ev, err := q.Next(context.Background())
	a.NoError(err)
	a.Equal(42, ev.Tag)
}

func TestQueueShutdown(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := NewQueue()
	q.BeginOp()
	q.EndOp("drained")
	q.Shutdown()

	// buffered events still drain after shutdown
	ev, err := q.Next(context.Background())
	a.NoError(err)
	a.Equal("drained", ev.Tag)

	_, err = q.Next(context.Background())
	a.ErrorIs(err, ErrShutdown)
}
