package call

import (
	"google.golang.org/grpc/codes"

	"github.com/michael-berlin/grpc/bytebuffer"
	"github.com/michael-berlin/grpc/metadata"
)

// ioreqOp is one sub-operation kind on a call. At most one operation of
// each kind may be in flight at a time; the bit masks below rely on
// opCount fitting a uint16.
type ioreqOp uint8

const (
	opSendInitialMetadata ioreqOp = iota
	opSendMessage
	opSendTrailingMetadata
	opSendStatus
	opSendClose
	opRecvInitialMetadata
	opRecvMessage
	opRecvStatus
	opRecvStatusDetails
	opRecvTrailingMetadata
	opRecvClose
	opCount
)

var opNames = [opCount]string{
	"SEND_INITIAL_METADATA",
	"SEND_MESSAGE",
	"SEND_TRAILING_METADATA",
	"SEND_STATUS",
	"SEND_CLOSE",
	"RECV_INITIAL_METADATA",
	"RECV_MESSAGE",
	"RECV_STATUS",
	"RECV_STATUS_DETAILS",
	"RECV_TRAILING_METADATA",
	"RECV_CLOSE",
}

func (op ioreqOp) String() string { return opNames[op] }

// reqSet is the per-kind slot state: a value below opCount is the index
// of the master the pending operation belongs to.
type reqSet uint8

const (
	reqSetEmpty reqSet = 0xfe
	reqSetDone  reqSet = 0xff
)

// Result is the binary per-operation outcome.
type Result uint8

const (
	OpOK Result = iota
	OpError
)

func (r Result) String() string {
	if r == OpOK {
		return "OP_OK"
	}
	return "OP_ERROR"
}

// ioreqData carries the initiator-supplied arguments, valid per the op
// kind the request was started under.
type ioreqData struct {
	sendMetadata      []metadata.Metadata
	sendMessage       *bytebuffer.Buffer
	sendStatusCode    codes.Code
	sendStatusDetails *string

	recvMetadata *metadata.Arr
	recvMessage  **bytebuffer.Buffer
	setStatus    func(codes.Code)
	recvDetails  *DetailsBuffer
}

type ioreq struct {
	op   ioreqOp
	data ioreqData
}

// master is the completion record of a group of ioreqs started together.
// By convention the master of a group lives at the index of the group's
// first op kind, which bounds the master count by opCount.
type master struct {
	status       Result
	onComplete   completionFunc
	userData     any
	needMask     uint16
	completeMask uint16
}

type completionFunc func(c *Call, result Result, userData any)

type completedRequest struct {
	status     Result
	onComplete completionFunc
	userData   any
}

func (c *Call) isOpLive(op ioreqOp) bool {
	set := c.requestSet[op]
	if set >= reqSet(opCount) {
		return false
	}
	return c.masters[set].completeMask&(1<<op) == 0
}

// startIoreq registers a group of requests under one master. On any
// precondition failure every slot mutated by this submission is rolled
// back to empty. Caller holds the lock.
func (c *Call) startIoreq(reqs []ioreq, onComplete completionFunc, userData any) error {
	if len(reqs) == 0 {
		return nil
	}

	set := reqSet(reqs[0].op)

	var haveOps uint16
	for _, r := range reqs {
		op := r.op
		if c.requestSet[op] < reqSet(opCount) {
			return c.startIoreqError(haveOps, ErrTooManyOperations)
		}
		if c.requestSet[op] == reqSetDone {
			return c.startIoreqError(haveOps, ErrAlreadyInvoked)
		}
		haveOps |= 1 << op
		c.requestData[op] = r.data
		c.requestSet[op] = set
	}

	m := &c.masters[set]
	m.status = OpOK
	m.needMask = haveOps
	m.completeMask = 0
	m.onComplete = onComplete
	m.userData = userData

	// requests already satisfiable complete before the lock is released
	c.finishReadOps()
	c.earlyOutWriteOps()

	return nil
}

func (c *Call) startIoreqError(mutated uint16, err error) error {
	for op := ioreqOp(0); op < opCount; op++ {
		if mutated&(1<<op) != 0 {
			c.requestSet[op] = reqSetEmpty
		}
	}
	return err
}

func (c *Call) startIoreqAndCallBack(reqs []ioreq, onComplete completionFunc, userData any) error {
	c.lock()
	err := c.startIoreq(reqs, onComplete, userData)
	c.unlock()
	return err
}

func (c *Call) finishIoreqOp(op ioreqOp, result Result) {
	if c.isOpLive(op) {
		c.finishLiveIoreqOp(op, result)
	}
}

func (c *Call) finishLiveIoreqOp(op ioreqOp, result Result) {
	set := c.requestSet[op]
	m := &c.masters[set]
	m.completeMask |= 1 << op
	if result != OpOK {
		m.status = result
	}
	if m.completeMask != m.needMask {
		return
	}

	for i := ioreqOp(0); i < opCount; i++ {
		if c.requestSet[i] != set {
			continue
		}
		c.requestSet[i] = reqSetDone
		switch i {
		case opRecvMessage, opSendMessage:
			if m.status == OpOK {
				// message ops are repeatable: the slot reopens
				c.requestSet[i] = reqSetEmpty
			} else {
				c.writeState = writeStateWriteClosed
			}
		case opRecvClose, opSendInitialMetadata, opSendTrailingMetadata,
			opSendStatus, opSendClose:
		case opRecvStatus:
			c.getFinalStatus(c.requestData[opRecvStatus].setStatus)
		case opRecvStatusDetails:
			c.getFinalDetails(c.requestData[opRecvStatusDetails].recvDetails)
		case opRecvInitialMetadata:
			dest := c.requestData[opRecvInitialMetadata].recvMetadata
			c.bufferedMetadata[0], *dest = *dest, c.bufferedMetadata[0]
		case opRecvTrailingMetadata:
			dest := c.requestData[opRecvTrailingMetadata].recvMetadata
			c.bufferedMetadata[1], *dest = *dest, c.bufferedMetadata[1]
		}
	}

	c.completedRequests[c.numCompleted] = completedRequest{
		status:     m.status,
		onComplete: m.onComplete,
		userData:   m.userData,
	}
	c.numCompleted++
}
