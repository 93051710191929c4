// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import "context"

// Sink is the outbound leg of an exchange as seen by a handler.
type Sink interface {
	// Emit sends p to the peer, suspending until the peer has granted credit.
	// It fails immediately with ErrCancelled once the exchange is cancelled.
	// A request-response sink accepts a single Emit.
	Emit(ctx context.Context, p Payload) error
}

// Source is the inbound leg of a channel exchange as seen by a handler.
type Source interface {
	// Next returns the next item, or io.EOF once the peer completed its leg.
	Next(ctx context.Context) (Payload, error)
}

type exchangeSink struct {
	e *Exchange
}

func (s exchangeSink) Emit(ctx context.Context, p Payload) error {
	return s.e.emit(ctx, p, s.e.Route.Model == RequestResponse)
}

type exchangeSource struct {
	e *Exchange
}

func (s exchangeSource) Next(ctx context.Context) (Payload, error) {
	return s.e.Next(ctx)
}

// exchangeContext is done when its exchange reaches a terminal state.
type exchangeContext struct {
	context.Context
	e *Exchange
}

func (ctx exchangeContext) Done() <-chan struct{} {
	return ctx.e.done
}

func (ctx exchangeContext) Err() error {
	select {
	case <-ctx.e.done:
		return context.Canceled
	default:
		return nil
	}
}

type exchangeContextKey struct{}

// ExchangeFromContext returns the Exchange a handler is serving, or nil.
func ExchangeFromContext(ctx context.Context) *Exchange {
	e, _ := ctx.Value(exchangeContextKey{}).(*Exchange)
	return e
}

func (ctx exchangeContext) Value(key interface{}) interface{} {
	if key == (exchangeContextKey{}) {
		return ctx.e
	}
	return ctx.Context.Value(key)
}
