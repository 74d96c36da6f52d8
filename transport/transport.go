package transport

import (
	"google.golang.org/grpc/codes"

	"github.com/michael-berlin/grpc/metadata"
)

// StreamState reports how far the underlying stream has closed.
type StreamState int32

const (
	StateOpen StreamState = iota
	StateSendClosed
	StateRecvClosed
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateSendClosed:
		return "SEND_CLOSED"
	case StateRecvClosed:
		return "RECV_CLOSED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

type StreamOpKind uint8

const (
	NoOp StreamOpKind = iota
	MetadataOp
	BeginMessageOp
	SliceOp
)

// BeginMessage opens a message of a declared length on the stream.
type BeginMessage struct {
	Length uint32
	Flags  uint32
}

// StreamOp is one element of a transport batch.
type StreamOp struct {
	Kind     StreamOpKind
	Metadata metadata.Batch
	Begin    BeginMessage
	Slice    []byte
}

// OpBuffer collects stream ops for one transport batch. The owner reuses
// it across batches; Reset keeps the backing array.
type OpBuffer struct {
	Ops []StreamOp
}

func (b *OpBuffer) AddMetadata(md metadata.Batch) {
	b.Ops = append(b.Ops, StreamOp{Kind: MetadataOp, Metadata: md})
}

func (b *OpBuffer) AddBeginMessage(length, flags uint32) {
	b.Ops = append(b.Ops, StreamOp{Kind: BeginMessageOp, Begin: BeginMessage{Length: length, Flags: flags}})
}

func (b *OpBuffer) AddSlice(s []byte) {
	b.Ops = append(b.Ops, StreamOp{Kind: SliceOp, Slice: s})
}

func (b *OpBuffer) Reset() {
	for i := range b.Ops {
		b.Ops[i] = StreamOp{}
	}
	b.Ops = b.Ops[:0]
}

// Op describes one unit of work handed down the stack. Any combination of
// the three concerns (send, receive, cancel) may be set.
type Op struct {
	SendOps    *OpBuffer
	IsLastSend bool
	OnDoneSend func(success bool)

	RecvOps    *OpBuffer
	RecvState  *StreamState
	OnDoneRecv func(success bool)

	Cancel           bool
	CancelWithStatus codes.Code
}

// Starter is the top of the transport stack as the call sees it.
// StartOp must not invoke the op callbacks synchronously while holding
// any lock the caller may re-enter.
type Starter interface {
	StartOp(op *Op)
}
