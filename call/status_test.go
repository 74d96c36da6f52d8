package call

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/michael-berlin/grpc/bytebuffer"
	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport"
)

func finalStatus(c *Call) codes.Code {
	var out codes.Code
	c.getFinalStatus(func(code codes.Code) { out = code })
	return out
}

func TestStatusPriority(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c, _, _, _ := newTestCall(t, Options{})

	a.Equal(codes.Unknown, finalStatus(c), "client default")

	c.setStatusCode(statusFromWire, codes.OK)
	a.Equal(codes.OK, finalStatus(c))

	c.setStatusCode(statusFromCore, codes.Unavailable)
	a.Equal(codes.Unavailable, finalStatus(c), "core outranks wire")

	c.setStatusCode(statusFromAPIOverride, codes.Canceled)
	a.Equal(codes.Canceled, finalStatus(c), "override outranks core")

	srv, _, _, _ := newTestCall(t, Options{ServerTransportData: struct{}{}})
	a.Equal(codes.OK, finalStatus(srv), "server default")
}

func TestStatusFlushRule(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// client: only CANCELLED flushes
	c, _, _, _ := newTestCall(t, Options{})
	c.incomingQueue.Push(bytebuffer.FromBytes([]byte("x")))
	c.setStatusCode(statusFromWire, codes.Unavailable)
	a.False(c.incomingQueue.Empty())
	c.setStatusCode(statusFromAPIOverride, codes.Canceled)
	a.True(c.incomingQueue.Empty())

	// server: anything non-OK flushes
	srv, _, _, _ := newTestCall(t, Options{ServerTransportData: struct{}{}})
	srv.incomingQueue.Push(bytebuffer.FromBytes([]byte("x")))
	srv.setStatusCode(statusFromWire, codes.OK)
	a.False(srv.incomingQueue.Empty())
	srv.setStatusCode(statusFromWire, codes.Internal)
	a.True(srv.incomingQueue.Empty())
}

func TestFinalDetailsGrowth(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c, _, _, _ := newTestCall(t, Options{})

	var d DetailsBuffer
	c.getFinalDetails(&d)
	a.Equal("", d.String())
	a.Equal(8, d.Cap(), "empty details come with the initial capacity")

	c.setStatusCode(statusFromCore, codes.Internal)
	c.setStatusDetails(statusFromCore, c.mdctx.InternString("short"))
	c.getFinalDetails(&d)
	a.Equal("short", d.String())

	// growth is max(needed, cap*3/2)
	long := strings.Repeat("x", 100)
	c.setStatusDetails(statusFromCore, c.mdctx.InternString(long))
	c.getFinalDetails(&d)
	a.Equal(long, d.String())
	a.Equal(101, d.Cap())

	// a set slot with no details wins over lower-priority details
	c.setStatusCode(statusFromAPIOverride, codes.Canceled)
	c.getFinalDetails(&d)
	a.Equal("", d.String())
}

func TestMonotonicStates(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c, tr, cq, ch := newTestCall(t, Options{})
	a.Equal(readStateInitial, c.readState)
	a.Equal(writeStateInitial, c.writeState)

	assert.NoError(t, c.StartBatch([]Op{SendInitialMetadata{}}, "open"))
	a.Equal(writeStateStarted, c.writeState)
	tr.completeSend(t, true)
	nextEvent(t, cq)

	assert.NoError(t, c.StartBatch([]Op{SendCloseFromClient{}}, "close"))
	a.Equal(writeStateWriteClosed, c.writeState)
	tr.completeSend(t, true)
	nextEvent(t, cq)

	var reply *bytebuffer.Buffer
	assert.NoError(t, c.StartBatch([]Op{RecvMessage{Message: &reply}}, "recv"))
	tr.deliver(t, []transport.StreamOp{mdOp(ch.MetadataContext(), "k", "v")}, transport.StateOpen, true)
	a.Equal(readStateGotInitialMetadata, c.readState)

	tr.deliver(t, nil, transport.StateRecvClosed, true)
	a.Equal(readStateReadClosed, c.readState)
	nextEvent(t, cq)

	var (
		code     codes.Code
		details  DetailsBuffer
		trailers metadata.Arr
	)
	assert.NoError(t, c.StartBatch([]Op{
		RecvStatusOnClient{Code: &code, Details: &details, TrailingMetadata: &trailers},
	}, "status"))
	tr.deliver(t, nil, transport.StateClosed, true)
	a.Equal(readStateStreamClosed, c.readState)
	nextEvent(t, cq)
}
