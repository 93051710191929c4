// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// ExchangeStatsCollector is optionally implemented by a StatsCollector
// that also wants to count exchanges.
type ExchangeStatsCollector interface {
	ExchangeOpened(model InteractionModel, requester bool)
	ExchangeFinished(model InteractionModel, state ExchangeState)
}

// Role decides which stream IDs a Muxer allocates and whether it sends or
// expects the SETUP frame.
type Role int

const (
	// RoleClient allocates odd stream IDs and sends SETUP.
	RoleClient Role = iota + 1
	// RoleServer allocates even stream IDs and expects SETUP.
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Muxer multiplexes concurrent Exchanges over a single connection.
// Exchanges opened locally use Routes to validate and authorize requests
// before any frame is sent. Exchanges opened by the peer are served by the
// Responder chosen at SETUP, which defaults to Routes.
type Muxer struct {
	io.ReadWriteCloser // The I/O endpoint
	StatsCollector     // Where to report statistics (optional)
	Role               Role
	Routes             *Registry     // local catalog, also the default Responder
	Authenticator      Authenticator // resolves request metadata to a Principal (optional)
	Acceptor           Acceptor      // server only, decides on SETUP (optional)
	Setup              *SetupInfo    // client only, sent as the first frame
	InitialCredit      uint32        // credit granted for streams and channels opened with OpenExchange
	DrainTimeout       time.Duration // zero disables
	KeepaliveInterval  time.Duration // zero disables
	KeepaliveMissed    int

	mu            sync.Mutex
	exchanges     map[StreamID]*Exchange
	lastLocalID   StreamID
	lastPeerID    StreamID
	responder     Responder
	connPrincipal *Principal
	setupDone     bool
	shuttingDown  bool
	sched         *scheduler
	doneChan      chan struct{}
	closeOnce     sync.Once
	closeErr      error
	err           error

	violations   int64
	lastRead     int64 // Unix nanoseconds
	lastPingSent int64 // Unix nanoseconds
	lastPongRcvd int64 // Unix nanoseconds
	latency      int64 // nanoseconds
	netLog       int32
	serial       uuid.UUID
}

// NewMuxer creates a new Muxer and initializes it.
func NewMuxer(rwc io.ReadWriteCloser, role Role, routes *Registry) *Muxer {
	mux := &Muxer{
		ReadWriteCloser:   rwc,
		Role:              role,
		Routes:            routes,
		InitialCredit:     DefaultInitialCredit,
		DrainTimeout:      DefaultDrainTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveMissed:   DefaultKeepaliveMissed,
		exchanges:         make(map[StreamID]*Exchange),
		sched:             newScheduler(),
		doneChan:          make(chan struct{}),
		serial:            uuid.New(),
	}
	if role == RoleClient {
		mux.setupDone = true
	}
	return mux
}

func (mux *Muxer) String() string {
	return fmt.Sprintf("[Muxer %s %s]", mux.Serial(), mux.Role)
}

// Serial returns a short string identifying the Muxer in logs.
func (mux *Muxer) Serial() string {
	return mux.serial.String()[:8]
}

func (mux *Muxer) logger(e *Exchange) *log.Entry {
	entry := log.WithField("mux", mux.Serial())
	if e != nil {
		entry = entry.WithFields(log.Fields{"stream": uint32(e.ID), "route": e.Route.Name})
	}
	return entry
}

// NetLog enables or disables logging of network frames at debug level.
func (mux *Muxer) NetLog(state bool) {
	var v int32
	if state {
		v = 1
	}
	atomic.StoreInt32(&mux.netLog, v)
}

func (mux *Muxer) isNetLog() bool {
	return atomic.LoadInt32(&mux.netLog) != 0
}

// Done returns a channel that is closed when the Muxer is closed.
func (mux *Muxer) Done() <-chan struct{} {
	return mux.doneChan
}

// Err returns the error that stopped the Muxer, or nil if it is still
// running or was closed locally.
func (mux *Muxer) Err() error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return mux.err
}

func (mux *Muxer) isClosed() bool {
	select {
	case <-mux.doneChan:
		return true
	default:
		return false
	}
}

// ProtocolViolations returns the number of frames discarded because they
// did not fit the state of the connection or exchange they referenced.
func (mux *Muxer) ProtocolViolations() int64 {
	return atomic.LoadInt64(&mux.violations)
}

// ActiveExchanges returns the number of exchanges not yet in a terminal state.
func (mux *Muxer) ActiveExchanges() int {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return len(mux.exchanges)
}

// Principal returns the connection-wide Principal resolved at SETUP, if any.
func (mux *Muxer) Principal() *Principal {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return mux.connPrincipal
}

func (mux *Muxer) violation(err error) {
	atomic.AddInt64(&mux.violations, 1)
	mux.logger(nil).WithError(err).Warn("protocol violation")
}

// Serve processes incoming and outgoing frames for the Muxer until it is
// closed or the connection fails. It returns nil if the Muxer was closed
// locally, otherwise the reason it stopped.
func (mux *Muxer) Serve() error {
	if mux.Role == RoleClient {
		setup := mux.Setup
		if setup == nil {
			setup = DefaultSetupInfo()
		}
		if setup.KeepaliveInterval == 0 {
			setup.KeepaliveInterval = mux.KeepaliveInterval
		}
		fd := FrameDataAllocID(0, FrameTypeSetup)
		if err := fd.WriteSetup(setup); err != nil {
			FrameDataFree(fd)
			mux.Close()
			return err
		}
		mux.sched.push(0, fd)
	}

	atomic.StoreInt64(&mux.lastRead, time.Now().UnixNano())

	var eg errgroup.Group
	eg.Go(func() error {
		_, err := mux.ReadFrom(bufio.NewReaderSize(mux.ReadWriteCloser, 64*1024))
		mux.fail(err)
		return err
	})
	eg.Go(func() error {
		_, err := mux.WriteTo(bufio.NewWriterSize(mux.ReadWriteCloser, 64*1024))
		mux.fail(err)
		return err
	})
	if mux.KeepaliveInterval > 0 {
		eg.Go(mux.keepalive)
	}
	eg.Wait()
	return mux.Err()
}

// ReadFrom implements io.ReaderFrom. Frames are read from r and dispatched
// until an error occurs.
func (mux *Muxer) ReadFrom(r io.Reader) (n int64, err error) {
	var unreported int64
	hasCollector := mux.StatsCollector != nil

	defer func() {
		if hasCollector && unreported > 0 {
			mux.StatsCollector.AddBytesRead(unreported)
		}
	}()

	for {
		var m int64
		fd := FrameDataAlloc()
		m, err = fd.ReadFrom(r)
		n += m

		if hasCollector {
			unreported += m
			if unreported > int64(FrameMaxSize) {
				mux.StatsCollector.AddBytesRead(unreported)
				unreported = 0
			}
		}

		if err != nil {
			FrameDataFree(fd)
			return
		}

		atomic.StoreInt64(&mux.lastRead, time.Now().UnixNano())

		if mux.isNetLog() {
			mux.logger(nil).Debug("READ ", fd)
		}

		err = mux.dispatch(fd)
		FrameDataFree(fd)
		if err != nil {
			return
		}
	}
}

type flusher interface {
	Flush() error
}

// WriteTo implements io.WriterTo. Frames are taken from the scheduler and
// written to w until the Muxer is closed or an error occurs. The output is
// flushed whenever no frame is immediately available.
func (mux *Muxer) WriteTo(w io.Writer) (n int64, err error) {
	var unreported int64
	var written int64
	f, hasFlusher := w.(flusher)
	hasCollector := mux.StatsCollector != nil

	for err == nil {
		fd := mux.sched.pop()
		if fd == nil {
			if hasFlusher {
				err = f.Flush()
			}
			if err == nil {
				mux.sched.flushed()
			}
			if hasCollector && unreported > 0 {
				mux.StatsCollector.AddBytesWritten(unreported)
				unreported = 0
			}
			if err == nil {
				select {
				case <-mux.sched.signal:
				case <-mux.doneChan:
					return n, errors.WithStack(ErrMuxerClosed)
				}
			}
			continue
		}

		if mux.isNetLog() {
			mux.logger(nil).Debug("WRIT ", fd)
		}

		written, err = fd.WriteTo(w)
		n += written
		FrameDataFree(fd)

		if hasCollector {
			unreported += written
			if unreported > int64(FrameMaxSize) {
				mux.StatsCollector.AddBytesWritten(unreported)
				unreported = 0
			}
		}
	}
	return
}

// dispatch routes a received frame. Only errors that are fatal to the
// Muxer are returned; protocol violations are counted and the frame dropped.
func (mux *Muxer) dispatch(fd FrameData) error {
	fh := fd.Header()

	if fh.IsConnControl() {
		return mux.connControl(fd)
	}

	mux.mu.Lock()
	setupDone := mux.setupDone
	e := mux.exchanges[fh.StreamID()]
	mux.mu.Unlock()

	if !setupDone {
		mux.writeConnError(ErrorCodeInvalidSetup, "expected SETUP")
		mux.drainWrites(time.Second)
		return errors.WithStack(ProtocolViolationError{StreamID: fh.StreamID(), Type: fh.Type(), Reason: "expected SETUP"})
	}

	if e != nil {
		if fh.Type().IsRequest() {
			mux.violation(ProtocolViolationError{StreamID: fh.StreamID(), Type: fh.Type(), Reason: "stream in use"})
			return nil
		}
		if err := e.receive(fd); err != nil {
			mux.violation(err)
		}
		return nil
	}

	if fh.Type().IsRequest() {
		mux.accept(fd)
		return nil
	}

	mux.violation(ProtocolViolationError{StreamID: fh.StreamID(), Type: fh.Type(), Reason: "unknown stream"})
	return nil
}

func (mux *Muxer) isPeerStreamID(id StreamID) bool {
	if mux.Role == RoleClient {
		return id%2 == 0
	}
	return id%2 == 1
}

// accept handles a request frame for a new stream opened by the peer.
func (mux *Muxer) accept(fd FrameData) {
	fh := fd.Header()
	id := fh.StreamID()

	mux.mu.Lock()
	if !mux.isPeerStreamID(id) || id <= mux.lastPeerID || id > MaxStreamID {
		mux.mu.Unlock()
		mux.violation(ProtocolViolationError{StreamID: id, Type: fh.Type(), Reason: "stream ID not allowed"})
		return
	}
	mux.lastPeerID = id
	responder := mux.responder
	principal := mux.connPrincipal
	shuttingDown := mux.shuttingDown
	mux.mu.Unlock()

	if responder == nil {
		responder = mux.Routes
	}

	fp := NewFrameParser(fd)
	initialN, route, p, err := fp.ReadRequest(fh.Type(), fh.HasMetadata())
	if err != nil {
		mux.violation(ProtocolViolationError{StreamID: id, Type: fh.Type(), Reason: err.Error()})
		mux.writeError(id, ErrorCodeInvalid, "malformed request")
		return
	}

	logger := mux.logger(nil).WithFields(log.Fields{"stream": uint32(id), "route": route})

	if shuttingDown {
		mux.writeError(id, ErrorCodeCanceled, "shutting down")
		return
	}

	var rt *Route
	if responder != nil {
		rt, err = responder.Lookup(route)
	} else {
		err = errors.WithStack(RouteNotFoundError{Route: route})
	}
	if err == nil && (rt.Handler == nil || rt.Model != fh.Type().Model()) {
		err = errors.Wrapf(RouteNotFoundError{Route: route}, "no %v handler", fh.Type().Model())
	}
	if err != nil {
		logger.WithError(err).Info("request refused")
		mux.writeError(id, ErrorCodeInvalid, err.Error())
		return
	}

	e := newExchange(mux, id, rt, false)
	e.Principal = principal
	switch rt.Model {
	case RequestResponse:
		e.inboundDone = true
		e.credits.Request(1)
	case RequestStream:
		e.inboundDone = true
		if initialN > 0 {
			e.credits.Request(int64(initialN))
		}
	case RequestChannel:
		if initialN > 0 {
			e.credits.Request(int64(initialN))
		}
		e.inbox = append(e.inbox, p)
		e.freeItems = 1
		if fh.HasComplete() {
			e.inboundDone = true
		}
	}

	if !mux.addExchange(e) {
		return
	}

	// the exchange stays Opening until serve has authorized it
	go e.serve(&Request{Route: route, Payload: p, Principal: principal, StreamID: id})
}

// authorize resolves the Principal of an exchange opened by the peer and
// checks it against the route. It runs on the exchange's own goroutine,
// since an Authenticator may be slow.
func (e *Exchange) authorize(req *Request) error {
	mux := e.mux
	if req.Payload.HasMetadata() && mux.Authenticator != nil {
		reqPrincipal, err := mux.Authenticator.Authenticate(req.Payload.Metadata())
		if err != nil {
			mux.logger(e).WithError(err).Info("authentication failed")
			return errors.Wrap(UnauthorizedError{Route: req.Route}, "authentication failed")
		}
		if reqPrincipal != nil {
			req.Principal = reqPrincipal
		}
	}
	if !Authorize(e.Route, req.Principal) {
		mux.logger(e).Info("request unauthorized")
		return errors.WithStack(UnauthorizedError{Route: req.Route})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Principal = req.Principal
	if !e.advanceLocked(Active, nil) {
		return e.terminalErr()
	}
	if e.Route.Model == RequestChannel && !e.inboundDone && mux.InitialCredit > 0 {
		e.replenish = int64(mux.InitialCredit)
		e.demand.Request(e.replenish)
		rn := e.newFrame(FrameTypeRequestN)
		rn.WriteRequestN(mux.InitialCredit)
		e.writeLocked(rn)
	}
	return nil
}

func (mux *Muxer) addExchange(e *Exchange) bool {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.isClosed() {
		return false
	}
	mux.exchanges[e.ID] = e
	if sc, ok := mux.StatsCollector.(ExchangeStatsCollector); ok {
		sc.ExchangeOpened(e.Route.Model, e.requester)
	}
	return true
}

// exchangeFinished is called by an Exchange as it enters a terminal state.
func (mux *Muxer) exchangeFinished(e *Exchange, state ExchangeState) {
	mux.mu.Lock()
	if mux.exchanges[e.ID] == e {
		delete(mux.exchanges, e.ID)
	}
	mux.mu.Unlock()
	if sc, ok := mux.StatsCollector.(ExchangeStatsCollector); ok {
		sc.ExchangeFinished(e.Route.Model, state)
	}
	if mux.isNetLog() {
		mux.logger(e).Debug("DONE ", state)
	}
}

// exchangeWrite queues a frame for an exchange.
func (mux *Muxer) exchangeWrite(id StreamID, fd FrameData) error {
	return mux.sched.push(id, fd)
}

func (mux *Muxer) writeError(id StreamID, code ErrorCode, msg string) {
	fd := FrameDataAllocID(id, FrameTypeError)
	fd.WriteError(code, msg)
	mux.sched.push(id, fd)
}

func (mux *Muxer) writeConnError(code ErrorCode, msg string) {
	mux.writeError(0, code, msg)
}

// connControl handles frames on stream 0.
func (mux *Muxer) connControl(fd FrameData) error {
	fh := fd.Header()
	fp := NewFrameParser(fd)
	switch fh.Type() {
	case FrameTypeSetup:
		return mux.receiveSetup(fd)
	case FrameTypeKeepalive:
		if fh.HasRespond() {
			reply := FrameDataAllocID(0, FrameTypeKeepalive)
			reply.Write(fd.Payload())
			mux.sched.push(0, reply)
			return nil
		}
		now := time.Now().UnixNano()
		atomic.StoreInt64(&mux.lastPongRcvd, now)
		if sent, err := fp.ReadInt64(); err == nil && sent > 0 {
			atomic.StoreInt64(&mux.latency, now-sent)
		}
		return nil
	case FrameTypeError:
		rerr, err := fp.ReadError()
		if err != nil {
			return err
		}
		return errors.WithStack(rerr)
	}
	mux.violation(ProtocolViolationError{Type: fh.Type(), Reason: "not a connection frame"})
	return nil
}

func (mux *Muxer) receiveSetup(fd FrameData) (err error) {
	fh := fd.Header()
	mux.mu.Lock()
	already := mux.setupDone
	mux.mu.Unlock()
	if mux.Role != RoleServer || already {
		mux.writeConnError(ErrorCodeInvalidSetup, "unexpected SETUP")
		mux.drainWrites(time.Second)
		return errors.WithStack(ProtocolViolationError{Type: fh.Type(), Reason: "unexpected SETUP"})
	}

	fp := NewFrameParser(fd)
	info, err := fp.ReadSetup(fh.HasMetadata())
	if err != nil {
		mux.writeConnError(ErrorCodeInvalidSetup, err.Error())
		mux.drainWrites(time.Second)
		return err
	}

	var responder Responder
	var principal *Principal
	if mux.Acceptor != nil {
		responder, principal, err = mux.Acceptor.Accept(info, mux)
	} else if info.Payload.HasMetadata() && mux.Authenticator != nil {
		principal, err = mux.Authenticator.Authenticate(info.Payload.Metadata())
	}
	if err != nil {
		mux.logger(nil).WithError(err).Info("setup rejected")
		mux.writeConnError(ErrorCodeRejectedSetup, errors.Cause(err).Error())
		mux.drainWrites(time.Second)
		return errors.Wrap(err, "setup rejected")
	}

	mux.mu.Lock()
	mux.setupDone = true
	if responder != nil {
		mux.responder = responder
	}
	mux.connPrincipal = principal
	mux.mu.Unlock()
	mux.logger(nil).WithField("principal", principal).Debug("setup accepted ", info)
	return nil
}

// drainWrites waits up to d for queued frames to be written.
func (mux *Muxer) drainWrites(d time.Duration) {
	deadline := time.Now().Add(d)
	for mux.sched.len() > 0 && time.Now().Before(deadline) && !mux.isClosed() {
		time.Sleep(time.Millisecond)
	}
}

func (mux *Muxer) keepalive() error {
	missed := mux.KeepaliveMissed
	if missed < 1 {
		missed = DefaultKeepaliveMissed
	}
	ticker := time.NewTicker(mux.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mux.doneChan:
			return nil
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, atomic.LoadInt64(&mux.lastRead)))
			if idle > mux.KeepaliveInterval*time.Duration(missed) {
				err := errors.Errorf("no frames received for %v", idle)
				mux.fail(err)
				return err
			}
			mux.Ping()
		}
	}
}

// Ping sends a KEEPALIVE frame and returns without waiting for response.
func (mux *Muxer) Ping() {
	fd := FrameDataAllocID(0, FrameTypeKeepalive)
	fd.Header().SetFlag(FrameFlagRespond)
	now := time.Now().UnixNano()
	atomic.StoreInt64(&mux.lastPingSent, now)
	fd.WriteInt64(now)
	mux.sched.push(0, fd)
}

// Latency returns the result of the last successful ping/pong measurement,
// or the zero value if there is no current valid measurement.
func (mux *Muxer) Latency() (d time.Duration) {
	ping := atomic.LoadInt64(&mux.lastPingSent)
	if ping > 0 {
		pong := atomic.LoadInt64(&mux.lastPongRcvd)
		if ping <= pong {
			d = time.Duration(atomic.LoadInt64(&mux.latency))
		}
	}
	return
}

// fail stops the Muxer because of err. Live exchanges are cancelled with a
// TransportFailure.
func (mux *Muxer) fail(err error) {
	if err == nil {
		err = io.EOF
	}
	mux.shutdown(err)
}

// Close closes the Muxer immediately. Live exchanges are cancelled and the
// connection is closed. It is safe to call Close more than once.
func (mux *Muxer) Close() error {
	return mux.shutdown(nil)
}

func (mux *Muxer) shutdown(cause error) error {
	mux.closeOnce.Do(func() {
		mux.mu.Lock()
		if cause != nil {
			mux.err = cause
		}
		close(mux.doneChan)
		live := make([]*Exchange, 0, len(mux.exchanges))
		for _, e := range mux.exchanges {
			live = append(live, e)
		}
		mux.mu.Unlock()

		mux.sched.close()
		mux.closeErr = mux.ReadWriteCloser.Close()

		exchangeErr := errors.WithStack(ErrMuxerClosed)
		if cause != nil {
			exchangeErr = errors.WithStack(&TransportFailure{Err: cause})
			mux.logger(nil).WithError(cause).Debug("muxer stopped")
		}
		for _, e := range live {
			e.abort(exchangeErr)
		}
	})
	if cause == nil && isClosedError(mux.closeErr) {
		return nil
	}
	return mux.closeErr
}

// Shutdown stops accepting new exchanges from the peer and waits for the
// live ones to finish and their frames to be written, then closes the Muxer.
// If ctx is done first, the Muxer is closed and the context error returned.
func (mux *Muxer) Shutdown(ctx context.Context) error {
	mux.mu.Lock()
	mux.shuttingDown = true
	mux.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if mux.ActiveExchanges() == 0 && mux.sched.len() == 0 {
			return mux.Close()
		}
		select {
		case <-ticker.C:
		case <-mux.doneChan:
			return mux.Close()
		case <-ctx.Done():
			mux.Close()
			return errors.WithStack(ctx.Err())
		}
	}
}

func (mux *Muxer) nextLocalID() (id StreamID, err error) {
	if mux.lastLocalID == 0 {
		if mux.Role == RoleClient {
			id = 1
		} else {
			id = 2
		}
	} else {
		if mux.lastLocalID > MaxStreamID-2 {
			return 0, errors.WithStack(ErrStreamIDsExhausted)
		}
		id = mux.lastLocalID + 2
	}
	mux.lastLocalID = id
	return
}

// OpenExchange opens an exchange for route, sending p as the request.
// The route must be in Routes and principal must be authorized for it,
// otherwise RouteNotFoundError or UnauthorizedError is returned and nothing
// is sent. Streams and channels are granted InitialCredit, and more credit
// is granted automatically as items are consumed with Next.
// The exchange is cancelled if ctx is done before it finishes.
func (mux *Muxer) OpenExchange(ctx context.Context, route string, p Payload, principal *Principal) (*Exchange, error) {
	e, err := mux.OpenExchangeCredit(ctx, route, p, principal, mux.InitialCredit)
	if err == nil && e.Route.Model != RequestResponse && mux.InitialCredit > 0 {
		e.mu.Lock()
		e.replenish = int64(mux.InitialCredit)
		e.mu.Unlock()
	}
	return e, err
}

// OpenExchangeCredit is like OpenExchange, but grants initialCredit and
// leaves granting more to the caller using Exchange.Request.
func (mux *Muxer) OpenExchangeCredit(ctx context.Context, route string, p Payload, principal *Principal, initialCredit uint32) (*Exchange, error) {
	rt, err := mux.Routes.Authorize(route, principal)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if initialCredit > MaxCredit {
		initialCredit = MaxCredit
	}

	fd := FrameDataAllocID(0, requestFrameType(rt.Model))
	if err = fd.WriteRequest(initialCredit, route, p); err != nil {
		FrameDataFree(fd)
		return nil, err
	}

	mux.mu.Lock()
	if mux.isClosed() {
		mux.mu.Unlock()
		FrameDataFree(fd)
		return nil, errors.WithStack(ErrMuxerClosed)
	}
	id, err := mux.nextLocalID()
	if err != nil {
		mux.mu.Unlock()
		FrameDataFree(fd)
		return nil, err
	}
	e := newExchange(mux, id, rt, true)
	e.Principal = principal
	mux.exchanges[id] = e
	mux.mu.Unlock()

	if sc, ok := mux.StatsCollector.(ExchangeStatsCollector); ok {
		sc.ExchangeOpened(rt.Model, true)
	}

	fd.Header().SetStreamID(id)

	e.mu.Lock()
	switch rt.Model {
	case RequestResponse:
		e.outboundDone = true
		e.demand.Request(1)
	case RequestStream:
		e.outboundDone = true
		if initialCredit > 0 {
			e.demand.Request(int64(initialCredit))
		}
	case RequestChannel:
		if initialCredit > 0 {
			e.demand.Request(int64(initialCredit))
		}
	}
	if e.State() == Opening {
		if err = e.writeLocked(fd); err != nil {
			e.advanceLocked(Cancelled, err)
		} else {
			e.advanceLocked(Active, nil)
			e.armDrainTimerLocked(mux.DrainTimeout)
			e.stopCtxCancel = context.AfterFunc(ctx, e.Cancel)
		}
	} else {
		FrameDataFree(fd)
		err = e.terminalErr()
	}
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return e, nil
}

func (mux *Muxer) openModel(ctx context.Context, model InteractionModel, route string, p Payload, principal *Principal) (*Exchange, error) {
	rt, err := mux.Routes.Lookup(route)
	if err != nil {
		return nil, err
	}
	if rt.Model != model {
		return nil, errors.Wrapf(RouteNotFoundError{Route: route}, "route is %v, not %v", rt.Model, model)
	}
	return mux.OpenExchange(ctx, route, p, principal)
}

// RequestResponse sends p to a request-response route and waits for the response.
func (mux *Muxer) RequestResponse(ctx context.Context, route string, p Payload, principal *Principal) (Payload, error) {
	e, err := mux.openModel(ctx, RequestResponse, route, p, principal)
	if err != nil {
		return Payload{}, err
	}
	return e.Response(ctx)
}

// RequestStream opens a request-stream exchange. Consume it with Next.
func (mux *Muxer) RequestStream(ctx context.Context, route string, p Payload, principal *Principal) (*Exchange, error) {
	return mux.openModel(ctx, RequestStream, route, p, principal)
}

// RequestChannel opens a request-channel exchange with p as the first
// outbound item. Send more with Send and CloseSend, consume with Next.
func (mux *Muxer) RequestChannel(ctx context.Context, route string, p Payload, principal *Principal) (*Exchange, error) {
	return mux.openModel(ctx, RequestChannel, route, p, principal)
}
