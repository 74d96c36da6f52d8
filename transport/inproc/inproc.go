// Package inproc binds two calls together with an in-process transport:
// send batches of one end become receive batches of the other. It keeps
// the transport contract the call relies on: completion callbacks run on
// their own goroutine, never under a caller's lock, and each armed
// receive completes at most once.
package inproc

import (
	"sync"

	"go.uber.org/zap"

	"github.com/michael-berlin/grpc/transport"
	"github.com/michael-berlin/grpc/utils/pool"
)

// Pipe is a connected pair of transport ends. Both ends share one mutex:
// closure and cancellation touch both sides atomically.
type Pipe struct {
	mu  sync.Mutex
	log *zap.Logger

	deliveries *pool.SlicePool[*delivery]

	a, b End
}

type delivery struct {
	ops  []transport.StreamOp
	last bool
}

func New(log *zap.Logger) *Pipe {
	p := &Pipe{
		log:        log.Named("inproc"),
		deliveries: pool.NewSlicePoolSize[*delivery](8),
	}
	p.a = End{pipe: p, name: "a"}
	p.b = End{pipe: p, name: "b"}
	p.a.peer = &p.b
	p.b.peer = &p.a
	return p
}

// Client returns the end a client call should bind to, Server the other.
func (p *Pipe) Client() *End { return &p.a }
func (p *Pipe) Server() *End { return &p.b }

func (p *Pipe) newDelivery(ops []transport.StreamOp, last bool) *delivery {
	d, ok := p.deliveries.Acquire()
	if !ok {
		d = new(delivery)
	}
	d.ops = append(d.ops[:0], ops...)
	d.last = last
	return d
}

func (p *Pipe) releaseDelivery(d *delivery) {
	for i := range d.ops {
		d.ops[i] = transport.StreamOp{}
	}
	d.ops = d.ops[:0]
	d.last = false
	p.deliveries.Release(d)
}

type End struct {
	pipe *Pipe
	peer *End
	name string

	// all fields below are guarded by pipe.mu
	recvArmed  bool
	recvOps    *transport.OpBuffer
	recvState  *transport.StreamState
	onDoneRecv func(success bool)

	inbound []*delivery

	localClosed  bool // this end sent its last batch or the stream died
	remoteClosed bool // the peer's last batch was consumed or the stream died

	// last state handed to a receive completion; an armed receive with no
	// queued data completes only when the state moves past this
	lastReported transport.StreamState
}

var _ transport.Starter = (*End)(nil)

func (e *End) state() transport.StreamState {
	switch {
	case e.localClosed && e.remoteClosed:
		return transport.StateClosed
	case e.localClosed:
		return transport.StateSendClosed
	case e.remoteClosed:
		return transport.StateRecvClosed
	}
	return transport.StateOpen
}

// StartOp accepts one unit of work from the call: any combination of a
// send batch, a receive arming and a cancel.
func (e *End) StartOp(op *transport.Op) {
	p := e.pipe
	p.mu.Lock()

	var sendDone func(bool)
	sendOK := false
	if op.SendOps != nil {
		sendDone = op.OnDoneSend
		if !e.localClosed {
			sendOK = true
			e.peer.inbound = append(e.peer.inbound, p.newDelivery(op.SendOps.Ops, op.IsLastSend))
			if op.IsLastSend {
				// the peer observes the closure when it consumes the
				// last delivery, not before
				e.localClosed = true
			}
		}
	}

	if op.RecvOps != nil {
		if e.recvArmed {
			panic("inproc: receive armed twice")
		}
		e.recvArmed = true
		e.recvOps = op.RecvOps
		e.recvState = op.RecvState
		e.onDoneRecv = op.OnDoneRecv
	}

	if op.Cancel {
		p.log.Debug("stream cancelled",
			zap.String("end", e.name),
			zap.Int32("code", int32(op.CancelWithStatus)))
		e.closeBothLocked()
	}

	pumps := append(e.pumpLocked(), e.peer.pumpLocked()...)
	p.mu.Unlock()

	if sendDone != nil {
		ok := sendOK
		go sendDone(ok)
	}
	for _, f := range pumps {
		go f()
	}
}

// closeBothLocked tears the stream down in both directions and drops
// undelivered batches.
func (e *End) closeBothLocked() {
	for _, end := range []*End{e, e.peer} {
		end.localClosed = true
		end.remoteClosed = true
		for _, d := range end.inbound {
			e.pipe.releaseDelivery(d)
		}
		end.inbound = nil
	}
}

// pumpLocked completes the armed receive if a delivery is queued or the
// stream has nothing more to give. Returns the dispatch to run outside
// the lock.
func (e *End) pumpLocked() []func() {
	if !e.recvArmed {
		return nil
	}

	var d *delivery
	if len(e.inbound) > 0 {
		d = e.inbound[0]
		e.inbound[0] = nil
		e.inbound = e.inbound[1:]
		if d.last {
			e.remoteClosed = true
		}
	} else if e.state() == e.lastReported {
		return nil
	}

	if d != nil {
		e.recvOps.Ops = append(e.recvOps.Ops, d.ops...)
		e.pipe.releaseDelivery(d)
	}
	st := e.state()
	*e.recvState = st
	e.lastReported = st

	cb := e.onDoneRecv
	e.recvArmed = false
	e.recvOps = nil
	e.recvState = nil
	e.onDoneRecv = nil

	return []func(){func() { cb(true) }}
}

// Close tears down the stream; armed receives complete observing the
// closed state.
func (e *End) Close() error {
	p := e.pipe
	p.mu.Lock()
	e.closeBothLocked()
	pumps := append(e.pumpLocked(), e.peer.pumpLocked()...)
	p.mu.Unlock()

	for _, f := range pumps {
		go f()
	}
	return nil
}
