package call

import (
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport"
)

// onDoneRecv walks the stream ops the transport delivered, advances the
// read state per the transport's verdict on the stream, and settles every
// receive request the new state satisfies.
func (c *Call) onDoneRecv(success bool) {
	c.lock()
	c.receiving = false
	if success {
		walkOK := true
		for i := 0; walkOK && i < len(c.recvOps.Ops); i++ {
			sop := &c.recvOps.Ops[i]
			switch sop.Kind {
			case transport.NoOp:
			case transport.MetadataOp:
				c.recvMetadata(sop.Metadata)
			case transport.BeginMessageOp:
				walkOK = c.beginMessage(sop.Begin)
			case transport.SliceOp:
				walkOK = c.addSliceToMessage(sop.Slice)
			}
		}
		if c.recvState >= transport.StateRecvClosed && c.readingMessage {
			// peer closed mid-message
			c.cancelLocked(codes.InvalidArgument, fmt.Sprintf(
				"Message terminated early; read %d bytes, expected %d",
				c.incomingMessage.Len(), c.incomingMessageLength))
			c.readingMessage = false
			c.incomingMessage.Reset()
		}
		if c.recvState == transport.StateRecvClosed {
			if c.readState > readStateReadClosed {
				panic("call: read state regressed")
			}
			c.readState = readStateReadClosed
		}
		if c.recvState == transport.StateClosed {
			c.readState = readStateStreamClosed
			if c.haveAlarm {
				c.alarm.Cancel()
				c.haveAlarm = false
			}
		}
		c.finishReadOps()
	} else {
		c.finishIoreqOp(opRecvMessage, OpError)
		c.finishIoreqOp(opRecvStatus, OpError)
		c.finishIoreqOp(opRecvClose, OpError)
		c.finishIoreqOp(opRecvTrailingMetadata, OpError)
		c.finishIoreqOp(opRecvInitialMetadata, OpError)
		c.finishIoreqOp(opRecvStatusDetails, OpError)
	}
	c.recvOps.Reset()
	c.unlock()

	c.internalUnref("receiving", false)
}

func (c *Call) finishMessage() {
	c.incomingQueue.Push(c.incomingMessage.Take())
	c.readingMessage = false
}

func (c *Call) beginMessage(msg transport.BeginMessage) bool {
	// can't begin a message while one is still being reassembled
	if c.readingMessage {
		c.cancelLocked(codes.InvalidArgument, fmt.Sprintf(
			"Message terminated early; read %d bytes, expected %d",
			c.incomingMessage.Len(), c.incomingMessageLength))
		return false
	}
	if int64(msg.Length) > int64(c.channel.MaxRecvMessageLength()) {
		c.cancelLocked(codes.InvalidArgument, fmt.Sprintf(
			"Maximum message length of %d exceeded by a message of length %d",
			c.channel.MaxRecvMessageLength(), msg.Length))
		return false
	}
	if msg.Length > 0 {
		c.readingMessage = true
		c.incomingMessageLength = msg.Length
		return true
	}
	c.finishMessage()
	return true
}

func (c *Call) addSliceToMessage(slice []byte) bool {
	if len(slice) == 0 {
		return true
	}
	if !c.readingMessage {
		c.cancelLocked(codes.InvalidArgument,
			"Received payload data while not reading a message")
		return false
	}
	c.incomingMessage.Add(slice)
	if c.incomingMessage.Len() > int(c.incomingMessageLength) {
		c.cancelLocked(codes.InvalidArgument, fmt.Sprintf(
			"Receiving message overflow; read %d bytes, expected %d",
			c.incomingMessage.Len(), c.incomingMessageLength))
		c.readingMessage = false
		c.incomingMessage.Reset()
		return false
	}
	if c.incomingMessage.Len() == int(c.incomingMessageLength) {
		c.finishMessage()
	}
	return true
}

// finishReadOps settles receive requests satisfiable in the current read
// state. Order matters: a queued message is delivered first, then the
// close/status family, then initial metadata. Status and trailers
// complete only once the read side has closed, so the final status
// reflects every source.
func (c *Call) finishReadOps() {
	var empty bool
	if c.isOpLive(opRecvMessage) {
		msg := c.incomingQueue.Pop()
		*c.requestData[opRecvMessage].recvMessage = msg
		if msg != nil {
			c.finishLiveIoreqOp(opRecvMessage, OpOK)
			empty = c.incomingQueue.Empty()
		} else {
			empty = true
		}
	} else {
		empty = c.incomingQueue.Empty()
	}

	switch c.readState {
	case readStateStreamClosed:
		if empty {
			c.finishIoreqOp(opRecvClose, OpOK)
		}
		fallthrough
	case readStateReadClosed:
		if empty {
			// nil payload is the canonical "no more messages" marker
			c.finishIoreqOp(opRecvMessage, OpOK)
		}
		c.finishIoreqOp(opRecvStatus, OpOK)
		c.finishIoreqOp(opRecvStatusDetails, OpOK)
		c.finishIoreqOp(opRecvTrailingMetadata, OpOK)
		fallthrough
	case readStateGotInitialMetadata:
		c.finishIoreqOp(opRecvInitialMetadata, OpOK)
	case readStateInitial:
	}
}

// recvMetadata routes one incoming metadata batch: the channel's status
// and message keys feed the wire status slot, everything else lands in
// the buffered initial or trailing array with its ref transferred to the
// call.
func (c *Call) recvMetadata(md metadata.Batch) {
	isTrailing := c.readState >= readStateGotInitialMetadata
	for _, elem := range md.List {
		switch elem.Key {
		case c.channel.StatusKey():
			c.setStatusCode(statusFromWire, decodeStatus(elem))
			elem.Unref()
		case c.channel.MessageKey():
			c.setStatusDetails(statusFromWire, elem.Value)
			elem.Unref()
		default:
			dest := &c.bufferedMetadata[0]
			if isTrailing {
				dest = &c.bufferedMetadata[1]
			}
			dest.Add(metadata.Metadata{
				Key:   elem.Key.String(),
				Value: elem.Value.String(),
			})
			c.ownedMetadata = append(c.ownedMetadata, elem)
		}
	}
	if !md.Deadline.IsZero() {
		c.setDeadlineAlarm(md.Deadline)
	}
	if !isTrailing {
		c.readState = readStateGotInitialMetadata
	}
}
