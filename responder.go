// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// serve authorizes an exchange opened by the peer and runs the route's
// handler, then completes or fails the outbound leg according to its result.
func (e *Exchange) serve(req *Request) {
	ctx := exchangeContext{Context: context.Background(), e: e}
	sink := exchangeSink{e}

	if err := e.authorize(req); err != nil {
		if !e.State().IsTerminal() {
			e.fail(ErrorCodeRejected, err)
		}
		return
	}

	err := e.callHandler(ctx, req, sink)
	if err == nil {
		e.completeOutbound()
		return
	}
	if e.State().IsTerminal() {
		return
	}

	failure := &HandlerFailure{Route: e.Route.Name, Err: err}
	logger := e.mux.logger(e).WithError(err)
	if e.Route.Recovery != nil {
		if err = e.callRecovery(ctx, req, failure, sink); err == nil {
			logger.Debug("handler failed, recovered")
			e.completeOutbound()
			return
		}
		failure = &HandlerFailure{Route: e.Route.Name, Err: err}
	}
	logger.Info("handler failed")
	e.fail(ErrorCodeApplicationError, failure)
}

func recoverPanic(dst *error) {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Error("handler panic: ", r)
		*dst = errors.Errorf("panic: %v", r)
	}
}

func (e *Exchange) callHandler(ctx context.Context, req *Request, sink Sink) (err error) {
	defer recoverPanic(&err)
	switch h := e.Route.Handler.(type) {
	case ResponseHandler:
		var p Payload
		if p, err = h(ctx, req); err == nil {
			err = sink.Emit(ctx, p)
		} else if errors.Cause(err) == ErrEmptyResponse {
			err = nil
		}
	case StreamHandler:
		err = h(ctx, req, sink)
	case ChannelHandler:
		err = h(ctx, req, exchangeSource{e}, sink)
	default:
		err = fmt.Errorf("unsupported handler type %T", h)
	}
	return
}

func (e *Exchange) callRecovery(ctx context.Context, req *Request, failure error, sink Sink) (err error) {
	defer recoverPanic(&err)
	return e.Route.Recovery(ctx, req, failure, sink)
}

// errorMessage returns the text sent to the peer in an ERROR frame.
func errorMessage(err error) string {
	var hf *HandlerFailure
	if errors.As(err, &hf) && hf.Err != nil {
		return errors.Cause(hf.Err).Error()
	}
	return errors.Cause(err).Error()
}
