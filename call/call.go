// Package call implements the per-RPC state machine between the
// application batch API and the transport stream: it multiplexes
// concurrent application requests onto a single bidirectional stream,
// coalesces them into transport batches (at most one in flight per
// direction), reassembles incoming messages and merges final status from
// its three sources.
package call

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/michael-berlin/grpc/alarm"
	"github.com/michael-berlin/grpc/bytebuffer"
	"github.com/michael-berlin/grpc/channel"
	"github.com/michael-berlin/grpc/completion"
	"github.com/michael-berlin/grpc/consts"
	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport"
)

// readState orders how far through the stream we have read. Never
// decreases.
type readState uint8

const (
	readStateInitial readState = iota
	readStateGotInitialMetadata
	readStateReadClosed
	readStateStreamClosed
)

// writeState orders how far through the stream we have written. Never
// decreases.
type writeState uint8

const (
	writeStateInitial writeState = iota
	writeStateStarted
	writeStateWriteClosed
)

type Call struct {
	channel *channel.Channel
	cq      *completion.Queue
	mdctx   *metadata.Context
	log     *zap.Logger

	mu sync.Mutex

	readState  readState
	writeState writeState

	isClient       bool
	haveAlarm      bool
	sending        bool
	receiving      bool
	completing     bool
	readingMessage bool

	// which ops ride the batch currently in flight; completed uniformly
	// when the transport reports the batch done
	lastSendContains uint16

	pendingCancel     bool
	pendingCancelCode codes.Code

	requestSet  [opCount]reqSet
	requestData [opCount]ioreqData
	masters     [opCount]master

	// built up under the lock, drained entirely at unlock; bounded since
	// only one ioreq of each kind can be active at once
	completedRequests [opCount]completedRequest
	numCompleted      int

	incomingQueue bytebuffer.Queue

	// element 0 is initial metadata, element 1 is trailing
	bufferedMetadata [2]metadata.Arr
	// wire elements whose refs the call assumed; released in bulk at
	// destruction
	ownedMetadata []*metadata.Elem

	status [statusSourceCount]receivedStatus

	alarm alarm.Alarm

	refs      atomic.Int32
	destroyed atomic.Bool

	sendInitialMetadata []*metadata.Elem
	sendDeadline        time.Time

	sendOps   transport.OpBuffer
	recvOps   transport.OpBuffer
	recvState transport.StreamState

	incomingMessage       bytebuffer.SliceBuffer
	incomingMessageLength uint32
}

type Options struct {
	// ServerTransportData being nil means a client call.
	ServerTransportData any
	// AddInitialMetadata is prepended to the first outgoing metadata
	// batch. At most consts.MaxSendInitialMetadataCount elements.
	AddInitialMetadata []*metadata.Elem
	// Deadline, zero meaning none.
	Deadline time.Time
	Log      *zap.Logger
}

func New(ch *channel.Channel, cq *completion.Queue, opts Options) *Call {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := &Call{
		channel:  ch,
		cq:       cq,
		mdctx:    ch.MetadataContext(),
		isClient: opts.ServerTransportData == nil,
	}
	c.log = log.Named("call").With(zap.Bool("client", c.isClient))

	for i := range c.requestSet {
		c.requestSet[i] = reqSetEmpty
	}
	if c.isClient {
		// only servers send trailing metadata and status
		c.requestSet[opSendTrailingMetadata] = reqSetDone
		c.requestSet[opSendStatus] = reqSetDone
	}

	if len(opts.AddInitialMetadata) > consts.MaxSendInitialMetadataCount {
		panic("call: too many pre-seeded initial metadata elements")
	}
	c.sendInitialMetadata = append(c.sendInitialMetadata, opts.AddInitialMetadata...)
	c.sendDeadline = opts.Deadline

	ch.InternalRef()

	// dropped in Destroy
	c.refs.Store(1)

	// servers start reading immediately: the method metadata must arrive
	// before the application can be asked to answer
	if !c.isClient {
		c.receiving = true
		c.internalRef("receiving")
		op := transport.Op{
			RecvOps:    &c.recvOps,
			RecvState:  &c.recvState,
			OnDoneRecv: c.onDoneRecv,
		}
		c.executeOp(&op)
	}

	if !opts.Deadline.IsZero() {
		c.lock()
		c.setDeadlineAlarm(opts.Deadline)
		c.mu.Unlock()
	}
	return c
}

func (c *Call) IsClient() bool { return c.isClient }

func (c *Call) SetCompletionQueue(cq *completion.Queue) { c.cq = cq }
func (c *Call) CompletionQueue() *completion.Queue      { return c.cq }

func (c *Call) internalRef(reason string) {
	n := c.refs.Add(1)
	c.log.Debug("call ref", zap.String("reason", reason), zap.Int32("count", n))
}

func (c *Call) internalUnref(reason string, allowImmediateDeletion bool) {
	n := c.refs.Add(-1)
	c.log.Debug("call unref", zap.String("reason", reason), zap.Int32("count", n))
	if n != 0 {
		return
	}
	if allowImmediateDeletion {
		c.destroy()
	} else {
		// the final unref may run inside a transport callback; deletion
		// is deferred so the callback never deletes the call under itself
		go c.destroy()
	}
}

func (c *Call) destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		panic("call: destroyed twice")
	}
	for _, e := range c.ownedMetadata {
		e.Unref()
	}
	c.ownedMetadata = nil
	for _, e := range c.sendInitialMetadata {
		e.Unref()
	}
	c.sendInitialMetadata = nil
	c.channel.InternalUnref()
	c.log.Debug("call destroyed")
}

// Destroy releases the application's handle. If the stream was not
// already closed for reading the call is cancelled first.
func (c *Call) Destroy() {
	c.lock()
	if c.haveAlarm {
		c.alarm.Cancel()
		c.haveAlarm = false
	}
	cancel := c.readState != readStateStreamClosed
	c.unlock()
	if cancel {
		c.Cancel() //nolint:errcheck // best effort, always reports OK
	}
	c.internalUnref("destroy", true)
}

// Cancel aborts the call with CANCELLED / "Cancelled".
func (c *Call) Cancel() error {
	return c.CancelWithStatus(codes.Canceled, "Cancelled")
}

// CancelWithStatus stamps the application-override status slot and
// informs the transport best-effort. Always returns nil.
func (c *Call) CancelWithStatus(code codes.Code, description string) error {
	c.lock()
	c.cancelLocked(code, description)
	c.unlock()
	return nil
}

// cancelLocked stamps the override status and schedules the transport
// cancel for the next unlock. Caller holds the lock.
func (c *Call) cancelLocked(code codes.Code, description string) {
	var details *metadata.String
	if description != "" {
		details = c.mdctx.InternString(description)
	}
	c.setStatusCode(statusFromAPIOverride, code)
	c.setStatusDetails(statusFromAPIOverride, details)
	c.pendingCancel = true
	c.pendingCancelCode = code
}

func (c *Call) lock() { c.mu.Lock() }

func (c *Call) needMoreData() bool {
	return c.isOpLive(opRecvInitialMetadata) ||
		c.isOpLive(opRecvMessage) ||
		c.isOpLive(opRecvTrailingMetadata) ||
		c.isOpLive(opRecvStatus) ||
		c.isOpLive(opRecvStatusDetails) ||
		(c.isOpLive(opRecvClose) && c.incomingQueue.Empty()) ||
		(c.writeState == writeStateInitial && !c.isClient &&
			c.readState != readStateStreamClosed)
}

// unlock is where all scheduling happens, edge-triggered: arm a receive
// if data is wanted, build a send batch if one can be built, snapshot
// finished requests. The transport and the completion callbacks are only
// ever invoked after the mutex is released.
func (c *Call) unlock() {
	var op transport.Op
	startOp := false

	if !c.receiving && c.needMoreData() {
		op.RecvOps = &c.recvOps
		op.RecvState = &c.recvState
		op.OnDoneRecv = c.onDoneRecv
		c.receiving = true
		c.internalRef("receiving")
		startOp = true
	}

	if !c.sending {
		if c.fillSendOps(&op) {
			c.sending = true
			c.internalRef("sending")
			startOp = true
		}
	}

	if c.pendingCancel {
		op.Cancel = true
		op.CancelWithStatus = c.pendingCancelCode
		c.pendingCancel = false
		startOp = true
	}

	var completed [opCount]completedRequest
	completing := 0
	if !c.completing && c.numCompleted != 0 {
		completing = c.numCompleted
		completed = c.completedRequests
		c.numCompleted = 0
		c.completing = true
		c.internalRef("completing")
	}

	c.mu.Unlock()

	if startOp {
		c.executeOp(&op)
	}

	if completing > 0 {
		for i := 0; i < completing; i++ {
			cr := completed[i]
			cr.onComplete(c, cr.status, cr.userData)
		}
		c.lock()
		c.completing = false
		c.unlock()
		c.internalUnref("completing", false)
	}
}

func (c *Call) executeOp(op *transport.Op) {
	c.channel.StartOp(op)
}

func (c *Call) setDeadlineAlarm(deadline time.Time) {
	if c.haveAlarm {
		c.log.Error("attempt to set deadline alarm twice")
		panic("call: deadline alarm set twice")
	}
	c.internalRef("alarm")
	c.haveAlarm = true
	if err := c.alarm.Set(deadline, c.onAlarm); err != nil {
		panic(err)
	}
}

func (c *Call) onAlarm(fired bool) {
	if fired {
		if c.isClient {
			c.CancelWithStatus(codes.DeadlineExceeded, "Deadline Exceeded") //nolint:errcheck
		} else {
			c.Cancel() //nolint:errcheck
		}
	}
	c.internalUnref("alarm", true)
}
