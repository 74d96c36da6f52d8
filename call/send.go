package call

import (
	"strconv"

	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport"
)

// chainMetadataFromApp interns the application's metadata into wire
// elements.
func (c *Call) chainMetadataFromApp(mds []metadata.Metadata) []*metadata.Elem {
	if len(mds) == 0 {
		return nil
	}
	out := make([]*metadata.Elem, 0, len(mds))
	for _, md := range mds {
		out = append(out, c.mdctx.FromStrings(md.Key, md.Value))
	}
	return out
}

// fillSendOps assembles the next outgoing transport batch from the
// currently live send requests. Driven by the write state: initial
// metadata opens the stream, then messages, then close carrying the
// server's trailers and status. Caller holds the lock; returns whether a
// batch was produced.
func (c *Call) fillSendOps(op *transport.Op) bool {
	if c.writeState == writeStateInitial && c.isOpLive(opSendInitialMetadata) {
		data := c.requestData[opSendInitialMetadata]
		batch := metadata.Batch{Deadline: c.sendDeadline}
		// pre-seeded elements ride ahead of the application's
		batch.List = append(batch.List, c.sendInitialMetadata...)
		batch.List = append(batch.List, c.chainMetadataFromApp(data.sendMetadata)...)
		c.sendOps.AddMetadata(batch)
		op.SendOps = &c.sendOps
		c.lastSendContains |= 1 << opSendInitialMetadata
		c.writeState = writeStateStarted
		c.sendInitialMetadata = nil
	}

	if c.writeState == writeStateStarted {
		if c.isOpLive(opSendMessage) {
			bb := c.requestData[opSendMessage].sendMessage
			c.sendOps.AddBeginMessage(uint32(bb.Len()), 0)
			for _, s := range bb.Slices() {
				c.sendOps.AddSlice(s)
			}
			op.SendOps = &c.sendOps
			c.lastSendContains |= 1 << opSendMessage
		}
		if c.isOpLive(opSendClose) {
			op.IsLastSend = true
			op.SendOps = &c.sendOps
			c.lastSendContains |= 1 << opSendClose
			c.writeState = writeStateWriteClosed
			if !c.isClient {
				data := c.requestData[opSendTrailingMetadata]
				batch := metadata.Batch{}
				batch.List = append(batch.List, c.chainMetadataFromApp(data.sendMetadata)...)

				status := c.requestData[opSendStatus]
				batch.List = append(batch.List, c.mdctx.FromStrings(
					c.channel.StatusKey().String(),
					strconv.Itoa(int(status.sendStatusCode)),
				))
				if status.sendStatusDetails != nil {
					batch.List = append(batch.List, c.mdctx.FromStrings(
						c.channel.MessageKey().String(),
						*status.sendStatusDetails,
					))
				}
				c.sendOps.AddMetadata(batch)
			}
		}
	}

	if op.SendOps != nil {
		op.OnDoneSend = c.onDoneSend
	}
	return op.SendOps != nil
}

// onDoneSend completes every op the batch carried, uniformly with the
// transport's verdict. SEND_CLOSE has no independent wire completion for
// trailers and status, so it settles them too.
func (c *Call) onDoneSend(success bool) {
	result := OpOK
	if !success {
		result = OpError
	}

	c.lock()
	if c.lastSendContains&(1<<opSendInitialMetadata) != 0 {
		c.finishIoreqOp(opSendInitialMetadata, result)
	}
	if c.lastSendContains&(1<<opSendMessage) != 0 {
		c.finishIoreqOp(opSendMessage, result)
	}
	if c.lastSendContains&(1<<opSendClose) != 0 {
		c.finishIoreqOp(opSendTrailingMetadata, result)
		c.finishIoreqOp(opSendStatus, result)
		c.finishIoreqOp(opSendClose, result)
	}
	c.lastSendContains = 0
	c.sending = false
	c.sendOps.Reset()
	c.unlock()

	c.internalUnref("sending", false)
}

// earlyOutWriteOps fails send requests that can no longer reach the wire.
// SEND_CLOSE on an already closed stream is idempotent and finishes OK.
func (c *Call) earlyOutWriteOps() {
	switch c.writeState {
	case writeStateWriteClosed:
		c.finishIoreqOp(opSendMessage, OpError)
		c.finishIoreqOp(opSendStatus, OpError)
		c.finishIoreqOp(opSendTrailingMetadata, OpError)
		c.finishIoreqOp(opSendClose, OpOK)
		fallthrough
	case writeStateStarted:
		c.finishIoreqOp(opSendInitialMetadata, OpError)
	case writeStateInitial:
	}
}
