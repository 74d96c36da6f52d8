package call

import (
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/michael-berlin/grpc/bytebuffer"
	"github.com/michael-berlin/grpc/metadata"
)

// Op is one element of an application batch. The concrete types below
// are the full set.
type Op interface {
	isOp()
	name() string
}

// SendInitialMetadata sends the call's initial metadata.
type SendInitialMetadata struct {
	Metadata []metadata.Metadata
}

// SendMessage sends one message payload.
type SendMessage struct {
	Message *bytebuffer.Buffer
}

// SendCloseFromClient half-closes the stream. Client only.
type SendCloseFromClient struct{}

// SendStatusFromServer sends trailing metadata, the final status and
// closes the stream. Server only. A nil Details omits the message key
// from the wire.
type SendStatusFromServer struct {
	TrailingMetadata []metadata.Metadata
	Code             codes.Code
	Details          *string
}

// RecvInitialMetadata receives the peer's initial metadata. Client only.
type RecvInitialMetadata struct {
	Metadata *metadata.Arr
}

// RecvMessage receives one message. A nil *Message on completion means no
// more messages will arrive.
type RecvMessage struct {
	Message **bytebuffer.Buffer
}

// RecvStatusOnClient receives the final status, its details and the
// trailing metadata, completing once the stream has fully closed. Client
// only.
type RecvStatusOnClient struct {
	Code             *codes.Code
	Details          *DetailsBuffer
	TrailingMetadata *metadata.Arr
}

// RecvCloseOnServer completes when the stream closes; Cancelled reports
// whether the call ended with a non-OK status.
type RecvCloseOnServer struct {
	Cancelled *bool
}

func (SendInitialMetadata) isOp()  {}
func (SendMessage) isOp()          {}
func (SendCloseFromClient) isOp()  {}
func (SendStatusFromServer) isOp() {}
func (RecvInitialMetadata) isOp()  {}
func (RecvMessage) isOp()          {}
func (RecvStatusOnClient) isOp()   {}
func (RecvCloseOnServer) isOp()    {}

func (SendInitialMetadata) name() string  { return "SEND_INITIAL_METADATA" }
func (SendMessage) name() string          { return "SEND_MESSAGE" }
func (SendCloseFromClient) name() string  { return "SEND_CLOSE_FROM_CLIENT" }
func (SendStatusFromServer) name() string { return "SEND_STATUS_FROM_SERVER" }
func (RecvInitialMetadata) name() string  { return "RECV_INITIAL_METADATA" }
func (RecvMessage) name() string          { return "RECV_MESSAGE" }
func (RecvStatusOnClient) name() string   { return "RECV_STATUS_ON_CLIENT" }
func (RecvCloseOnServer) name() string    { return "RECV_CLOSE_ON_SERVER" }

func validateMetadata(mds []metadata.Metadata) error {
	for _, md := range mds {
		if md.Key == "" {
			return ErrInvalidMetadata
		}
	}
	return nil
}

// StartBatch lowers the application ops into one ioreq group and submits
// it. The completion queue receives exactly one OP_COMPLETE for tag when
// the whole group finishes. An empty batch completes immediately.
func (c *Call) StartBatch(ops []Op, tag any) error {
	c.logBatch(ops, tag)

	if len(ops) == 0 {
		c.cq.BeginOp()
		c.cq.EndOp(tag)
		return nil
	}

	reqs := make([]ioreq, 0, opCount)
	for _, op := range ops {
		switch op := op.(type) {
		case SendInitialMetadata:
			if err := validateMetadata(op.Metadata); err != nil {
				return err
			}
			reqs = append(reqs, ioreq{
				op:   opSendInitialMetadata,
				data: ioreqData{sendMetadata: op.Metadata},
			})
		case SendMessage:
			reqs = append(reqs, ioreq{
				op:   opSendMessage,
				data: ioreqData{sendMessage: op.Message},
			})
		case SendCloseFromClient:
			if !c.isClient {
				return ErrNotOnServer
			}
			reqs = append(reqs, ioreq{op: opSendClose})
		case SendStatusFromServer:
			if c.isClient {
				return ErrNotOnClient
			}
			if err := validateMetadata(op.TrailingMetadata); err != nil {
				return err
			}
			reqs = append(reqs,
				ioreq{
					op:   opSendTrailingMetadata,
					data: ioreqData{sendMetadata: op.TrailingMetadata},
				},
				ioreq{
					op: opSendStatus,
					data: ioreqData{
						sendStatusCode:    op.Code,
						sendStatusDetails: op.Details,
					},
				},
				ioreq{op: opSendClose},
			)
		case RecvInitialMetadata:
			if !c.isClient {
				return ErrNotOnServer
			}
			reqs = append(reqs, ioreq{
				op:   opRecvInitialMetadata,
				data: ioreqData{recvMetadata: op.Metadata},
			})
		case RecvMessage:
			reqs = append(reqs, ioreq{
				op:   opRecvMessage,
				data: ioreqData{recvMessage: op.Message},
			})
		case RecvStatusOnClient:
			if !c.isClient {
				return ErrNotOnServer
			}
			out := op.Code
			reqs = append(reqs,
				ioreq{
					op:   opRecvStatus,
					data: ioreqData{setStatus: func(code codes.Code) { *out = code }},
				},
				ioreq{
					op:   opRecvStatusDetails,
					data: ioreqData{recvDetails: op.Details},
				},
				ioreq{
					op:   opRecvTrailingMetadata,
					data: ioreqData{recvMetadata: op.TrailingMetadata},
				},
				ioreq{op: opRecvClose},
			)
		case RecvCloseOnServer:
			out := op.Cancelled
			reqs = append(reqs,
				ioreq{
					op:   opRecvStatus,
					data: ioreqData{setStatus: func(code codes.Code) { *out = code != codes.OK }},
				},
				ioreq{op: opRecvClose},
			)
		}
	}

	c.cq.BeginOp()

	if err := c.startIoreqAndCallBack(reqs, finishBatch, tag); err != nil {
		c.cq.AbortOp()
		return err
	}
	return nil
}

func finishBatch(c *Call, _ Result, tag any) {
	c.cq.EndOp(tag)
}

func (c *Call) logBatch(ops []Op, tag any) {
	if !c.log.Core().Enabled(zap.DebugLevel) {
		return
	}
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.name()
	}
	c.log.Debug("start batch", zap.Strings("ops", names), zap.Any("tag", tag))
}
