package inproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport"
)

type recvResult struct {
	ops     []transport.StreamOp
	state   transport.StreamState
	success bool
}

// armRecv arms a receive and returns the channel its completion lands on.
func armRecv(e *End) (<-chan recvResult, *transport.OpBuffer) {
	results := make(chan recvResult, 1)
	buf := &transport.OpBuffer{}
	state := new(transport.StreamState)
	e.StartOp(&transport.Op{
		RecvOps:   buf,
		RecvState: state,
		OnDoneRecv: func(success bool) {
			results <- recvResult{
				ops:     append([]transport.StreamOp(nil), buf.Ops...),
				state:   *state,
				success: success,
			}
		},
	})
	return results, buf
}

func sendOps(e *End, last bool, done chan<- bool, ops ...transport.StreamOp) {
	buf := &transport.OpBuffer{Ops: ops}
	e.StartOp(&transport.Op{
		SendOps:    buf,
		IsLastSend: last,
		OnDoneSend: func(ok bool) { done <- ok },
	})
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

func TestDeliveryOrder(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mdctx := metadata.NewContext()
	p := New(zap.NewNop())

	done := make(chan bool, 2)
	sendOps(p.Client(), false, done, transport.StreamOp{
		Kind:     transport.MetadataOp,
		Metadata: metadata.Batch{List: []*metadata.Elem{mdctx.FromStrings("k", "v")}},
	})
	a.True(wait(t, done))

	results, _ := armRecv(p.Server())
	got := wait(t, results)
	a.True(got.success)
	a.Equal(transport.StateOpen, got.state)
	require.Len(t, got.ops, 1)
	a.Equal(transport.MetadataOp, got.ops[0].Kind)
	a.Equal("v", got.ops[0].Metadata.List[0].Value.String())
}

func TestLastSendClosesStream(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := New(zap.NewNop())

	done := make(chan bool, 1)
	sendOps(p.Client(), true, done, transport.StreamOp{Kind: transport.SliceOp, Slice: []byte("x")})
	a.True(wait(t, done))

	// the closure rides the last delivery
	results, _ := armRecv(p.Server())
	got := wait(t, results)
	a.Equal(transport.StateRecvClosed, got.state)

	// an armed receive with nothing left completes only when the state
	// moves again
	results, _ = armRecv(p.Server())
	select {
	case <-results:
		t.Fatal("receive completed without a state change")
	case <-time.After(20 * time.Millisecond):
	}

	sendOps(p.Server(), true, make(chan bool, 1))
	got = wait(t, results)
	a.Equal(transport.StateClosed, got.state)
}

func TestSendAfterCloseFails(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := New(zap.NewNop())

	done := make(chan bool, 2)
	sendOps(p.Client(), true, done)
	a.True(wait(t, done))

	sendOps(p.Client(), false, done, transport.StreamOp{Kind: transport.SliceOp, Slice: []byte("late")})
	a.False(wait(t, done))
}

func TestCancelWakesBothEnds(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := New(zap.NewNop())

	clientResults, _ := armRecv(p.Client())
	serverResults, _ := armRecv(p.Server())

	p.Client().StartOp(&transport.Op{Cancel: true})

	got := wait(t, clientResults)
	a.Equal(transport.StateClosed, got.state)
	a.Empty(got.ops)

	got = wait(t, serverResults)
	a.Equal(transport.StateClosed, got.state)
}
