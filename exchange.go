// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ExchangeState is the lifecycle state of an Exchange. States only ever
// move forward, and the last three are terminal.
type ExchangeState int32

const (
	// Opening means the exchange is allocated but its request frame is not yet queued.
	Opening ExchangeState = iota
	// Active means both legs of the exchange are open.
	Active
	// Draining means one leg of a channel exchange has completed.
	Draining
	// Completed means both legs completed normally.
	Completed
	// Cancelled means the exchange was cancelled, locally or by the peer,
	// or the connection carrying it was lost.
	Cancelled
	// Failed means the exchange ended with an error.
	Failed
)

var exchangeStateTexts = map[ExchangeState]string{
	Opening:   "OPENING",
	Active:    "ACTIVE",
	Draining:  "DRAINING",
	Completed: "COMPLETED",
	Cancelled: "CANCELLED",
	Failed:    "FAILED",
}

func (s ExchangeState) String() string {
	if text, ok := exchangeStateTexts[s]; ok {
		return text
	}
	return fmt.Sprintf("ExchangeState(%d)", int32(s))
}

// IsTerminal returns true for Completed, Cancelled and Failed.
func (s ExchangeState) IsTerminal() bool {
	return s >= Completed
}

// Exchange is one interaction between a requester and a responder within a
// Muxer. On the requester side it is returned by Muxer.OpenExchange and used
// to consume the responses (and, for channels, to send). On the responder
// side it is driven by the route's handler through a Sink and a Source.
type Exchange struct {
	ID        StreamID
	Route     *Route
	Principal *Principal
	mux       *Muxer
	requester bool
	state     int32 // ExchangeState, written under mu, read atomically
	done      chan struct{}
	err       error // valid once done is closed

	credits *FlowController // outbound, granted by the peer
	demand  *FlowController // inbound, granted by us

	mu            sync.Mutex // guards the fields below and all state transitions
	inbox         []Payload
	inboxCh       chan struct{}
	inboundDone   bool
	outboundDone  bool
	freeItems     int   // inbox items that did not consume demand
	replenish     int64 // batch size for automatic REQUEST_N, zero for manual
	sinceGrant    int64
	drainTimer    *time.Timer
	stopCtxCancel func() bool

	serialNumber uint32
}

var exchangeNextSerialNumber uint32

func newExchange(mux *Muxer, id StreamID, rt *Route, requester bool) *Exchange {
	return &Exchange{
		ID:           id,
		Route:        rt,
		mux:          mux,
		requester:    requester,
		done:         make(chan struct{}),
		inboxCh:      make(chan struct{}, 1),
		credits:      NewFlowController(0),
		demand:       NewFlowController(0),
		serialNumber: atomic.AddUint32(&exchangeNextSerialNumber, 1),
	}
}

func (e *Exchange) String() string {
	side := "RSP"
	if e.requester {
		side = "REQ"
	}
	return fmt.Sprintf("[Exchange %x %v %s %q %v]", e.serialNumber, e.ID, side, e.Route.Name, e.State())
}

// State returns the current state.
func (e *Exchange) State() ExchangeState {
	return ExchangeState(atomic.LoadInt32(&e.state))
}

// Model returns the interaction model of the exchange.
func (e *Exchange) Model() InteractionModel {
	return e.Route.Model
}

// Done returns a channel that is closed when the exchange reaches a terminal state.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Err returns nil until the exchange reaches a terminal state. After that it
// returns nil if it Completed, otherwise the reason it was Cancelled or Failed.
func (e *Exchange) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Credits returns the FlowController for the outbound leg.
func (e *Exchange) Credits() *FlowController {
	return e.credits
}

// Demand returns the FlowController for the inbound leg.
func (e *Exchange) Demand() *FlowController {
	return e.demand
}

// advanceLocked moves the exchange to state to. Transitions backwards or out
// of a terminal state are refused. Must be called with e.mu held.
func (e *Exchange) advanceLocked(to ExchangeState, err error) bool {
	cur := e.State()
	if cur.IsTerminal() || to <= cur {
		return false
	}
	if to.IsTerminal() {
		e.err = err
		atomic.StoreInt32(&e.state, int32(to))
		close(e.done)
		e.signalLocked()
		if e.drainTimer != nil {
			e.drainTimer.Stop()
		}
		if e.stopCtxCancel != nil {
			e.stopCtxCancel()
		}
		e.mux.exchangeFinished(e, to)
		return true
	}
	atomic.StoreInt32(&e.state, int32(to))
	return true
}

func (e *Exchange) signalLocked() {
	select {
	case e.inboxCh <- struct{}{}:
	default:
	}
}

// settleLocked moves the exchange to Draining or Completed depending on
// which legs are done.
func (e *Exchange) settleLocked() {
	switch {
	case e.inboundDone && e.outboundDone:
		e.advanceLocked(Completed, nil)
	case e.inboundDone || e.outboundDone:
		if e.Route.Model == RequestChannel {
			e.advanceLocked(Draining, nil)
		}
	}
}

// terminalErr returns the error to report to callers using a terminal exchange.
func (e *Exchange) terminalErr() error {
	if e.err != nil {
		return e.err
	}
	return errors.WithStack(ErrCancelled)
}

func (e *Exchange) writeLocked(fd FrameData) error {
	return e.mux.exchangeWrite(e.ID, fd)
}

func (e *Exchange) newFrame(ft FrameType) FrameData {
	return FrameDataAllocID(e.ID, ft)
}

// Next returns the next inbound item. It returns io.EOF once the peer has
// completed its leg and every item has been consumed, the failure if the
// exchange failed, and ErrCancelled (or the connection error) as soon as the
// exchange is cancelled, even if items remain buffered.
func (e *Exchange) Next(ctx context.Context) (p Payload, err error) {
	for {
		e.mu.Lock()
		state := e.State()
		if state == Cancelled {
			e.mu.Unlock()
			return p, e.terminalErr()
		}
		if len(e.inbox) > 0 {
			p = e.inbox[0]
			e.inbox[0] = Payload{}
			e.inbox = e.inbox[1:]
			grant := e.consumedLocked()
			e.mu.Unlock()
			if grant > 0 {
				e.grant(grant)
			}
			return p, nil
		}
		if state == Failed {
			e.mu.Unlock()
			return p, e.terminalErr()
		}
		if e.inboundDone || state == Completed {
			e.mu.Unlock()
			return p, io.EOF
		}
		e.mu.Unlock()

		select {
		case <-e.inboxCh:
		case <-e.done:
		case <-ctx.Done():
			if e.State().IsTerminal() {
				continue
			}
			return p, errors.WithStack(ctx.Err())
		}
	}
}

// consumedLocked accounts for one consumed inbox item and returns the
// credit to grant the peer, if automatic replenishment is on.
func (e *Exchange) consumedLocked() (grant int64) {
	if e.freeItems > 0 {
		e.freeItems--
		return
	}
	if e.replenish > 0 && !e.inboundDone {
		e.sinceGrant++
		threshold := e.replenish * 3 / 4
		if threshold < 1 {
			threshold = 1
		}
		if e.sinceGrant >= threshold {
			grant = e.sinceGrant
			e.sinceGrant = 0
		}
	}
	return
}

// Response waits for the single response of a request-response exchange.
// It returns ErrEmptyResponse if the responder completed without a value.
func (e *Exchange) Response(ctx context.Context) (p Payload, err error) {
	if p, err = e.Next(ctx); errors.Cause(err) == io.EOF {
		err = errors.WithStack(ErrEmptyResponse)
	}
	return
}

// Request grants the peer n more units of credit for the inbound leg.
// It is a no-op for request-response exchanges.
func (e *Exchange) Request(n int64) error {
	if n <= 0 {
		return errors.WithStack(InvalidCreditRequestError{N: n})
	}
	if e.Route.Model == RequestResponse {
		return nil
	}
	return e.grant(n)
}

func (e *Exchange) grant(n int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State().IsTerminal() {
		return e.terminalErr()
	}
	if e.inboundDone {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > MaxCredit {
			chunk = MaxCredit
		}
		n -= chunk
		e.demand.Request(chunk)
		fd := e.newFrame(FrameTypeRequestN)
		fd.WriteRequestN(uint32(chunk))
		if err := e.writeLocked(fd); err != nil {
			return err
		}
	}
	e.resetDrainTimerLocked()
	return nil
}

// Send emits p on the outbound leg, suspending until the peer has granted
// credit for it. Only valid for channel exchanges on the requester side;
// responders use the Sink given to their handler.
func (e *Exchange) Send(ctx context.Context, p Payload) error {
	if !e.requester || e.Route.Model != RequestChannel {
		return errors.Errorf("Send not valid on %v", e)
	}
	return e.emit(ctx, p, false)
}

// CloseSend completes the outbound leg of a channel exchange.
func (e *Exchange) CloseSend() error {
	if !e.requester || e.Route.Model != RequestChannel {
		return errors.Errorf("CloseSend not valid on %v", e)
	}
	return e.completeOutbound()
}

// emit waits for credit and then queues a PAYLOAD frame carrying p.
func (e *Exchange) emit(ctx context.Context, p Payload, complete bool) error {
	e.mu.Lock()
	if e.outboundDone {
		e.mu.Unlock()
		return errors.WithStack(ErrSendClosed)
	}
	if e.State().IsTerminal() {
		e.mu.Unlock()
		return e.terminalErr()
	}
	e.mu.Unlock()

	fd := e.newFrame(FrameTypePayload)
	if err := fd.WriteNext(p, complete); err != nil {
		FrameDataFree(fd)
		return err
	}

	if err := e.credits.Acquire(ctx, e.done); err != nil {
		FrameDataFree(fd)
		// a handler's ctx is done together with the exchange
		if IsCancelled(err) || e.State().IsTerminal() {
			return e.terminalErr()
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outboundDone {
		FrameDataFree(fd)
		return errors.WithStack(ErrSendClosed)
	}
	if e.State().IsTerminal() {
		FrameDataFree(fd)
		return e.terminalErr()
	}
	if err := e.writeLocked(fd); err != nil {
		return err
	}
	if complete {
		e.outboundDone = true
		e.settleLocked()
	}
	return nil
}

// completeOutbound queues a COMPLETE for the outbound leg if it is still open.
func (e *Exchange) completeOutbound() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State().IsTerminal() {
		return e.terminalErr()
	}
	if e.outboundDone {
		return nil
	}
	fd := e.newFrame(FrameTypePayload)
	fd.Header().SetFlag(FrameFlagComplete)
	if err := e.writeLocked(fd); err != nil {
		return err
	}
	e.outboundDone = true
	if !e.requester && !e.inboundDone {
		// the responder is finished, so the rest of the requester's leg is unwanted
		e.writeLocked(e.newFrame(FrameTypeCancel))
		e.inboundDone = true
	}
	e.settleLocked()
	return nil
}

// fail queues an ERROR frame and moves the exchange to Failed.
func (e *Exchange) fail(code ErrorCode, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State().IsTerminal() {
		return
	}
	fd := e.newFrame(FrameTypeError)
	fd.WriteError(code, errorMessage(err))
	e.writeLocked(fd)
	e.advanceLocked(Failed, err)
}

// Cancel abandons the exchange. Buffered inbound items are discarded and
// the peer is told to stop. Calling Cancel more than once, or on a terminal
// exchange, has no effect.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State().IsTerminal() {
		return
	}
	if e.State() != Opening {
		e.writeLocked(e.newFrame(FrameTypeCancel))
	}
	e.inbox = nil
	e.advanceLocked(Cancelled, errors.WithStack(ErrCancelled))
}

// abort moves the exchange to Cancelled without sending anything.
func (e *Exchange) abort(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked(Cancelled, err)
}

func (e *Exchange) armDrainTimerLocked(d time.Duration) {
	if d > 0 && e.requester {
		e.drainTimer = time.AfterFunc(d, e.drainExpired)
	}
}

func (e *Exchange) resetDrainTimerLocked() {
	if e.drainTimer != nil {
		e.drainTimer.Reset(e.mux.DrainTimeout)
	}
}

func (e *Exchange) drainExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State().IsTerminal() || e.inboundDone || e.demand.Available() < 1 {
		return
	}
	e.mux.logger(e).Warn("drain timeout")
	e.writeLocked(e.newFrame(FrameTypeCancel))
	e.advanceLocked(Failed, errors.WithStack(ErrDrainTimeout))
}

// receive handles a frame from the peer addressed to this exchange.
// It never blocks on the consumer. The frame is not retained.
func (e *Exchange) receive(fd FrameData) error {
	fh := fd.Header()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State().IsTerminal() {
		return e.violation(fh, "exchange is "+e.State().String())
	}
	e.resetDrainTimerLocked()

	switch fh.Type() {
	case FrameTypePayload:
		return e.receivePayloadLocked(fd)
	case FrameTypeRequestN:
		if e.outboundDone || (e.requester && e.Route.Model != RequestChannel) || (!e.requester && e.Route.Model == RequestResponse) {
			return e.violation(fh, "no outbound leg")
		}
		fp := NewFrameParser(fd)
		n, err := fp.ReadRequestN()
		if err != nil {
			return e.violation(fh, err.Error())
		}
		if err = e.credits.Request(int64(n)); err != nil {
			return e.violation(fh, err.Error())
		}
	case FrameTypeCancel:
		if e.requester {
			if e.Route.Model != RequestChannel {
				return e.violation(fh, "cancel from responder")
			}
			// the responder stopped consuming our leg
			e.outboundDone = true
			if e.inboundDone {
				e.advanceLocked(Completed, nil)
			} else {
				e.inbox = nil
				e.advanceLocked(Cancelled, errors.WithStack(ErrCancelled))
			}
			return nil
		}
		e.inbox = nil
		e.advanceLocked(Cancelled, errors.WithStack(ErrCancelled))
	case FrameTypeError:
		fp := NewFrameParser(fd)
		rerr, err := fp.ReadError()
		if err != nil {
			rerr = &RemoteError{Code: ErrorCodeConnectionError, Message: err.Error()}
		}
		e.advanceLocked(Failed, errors.WithStack(rerr))
	default:
		return e.violation(fh, "unexpected frame type")
	}
	return nil
}

func (e *Exchange) receivePayloadLocked(fd FrameData) error {
	fh := fd.Header()
	if e.inboundDone || (!e.requester && e.Route.Model != RequestChannel) {
		return e.violation(fh, "no inbound leg")
	}
	if fh.HasNext() {
		if !e.demand.TryConsume() {
			return e.violation(fh, "item exceeds granted credit")
		}
		fp := NewFrameParser(fd)
		p, err := fp.ReadPayload(fh.HasMetadata())
		if err != nil {
			return e.violation(fh, err.Error())
		}
		e.inbox = append(e.inbox, p)
		e.signalLocked()
	}
	if fh.HasComplete() || (e.requester && e.Route.Model == RequestResponse) {
		e.inboundDone = true
		e.signalLocked()
		e.settleLocked()
	}
	return nil
}

func (e *Exchange) violation(fh FrameHeader, reason string) error {
	return ProtocolViolationError{StreamID: e.ID, Type: fh.Type(), Reason: reason}
}
