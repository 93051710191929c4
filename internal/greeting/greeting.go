// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package greeting implements the demo routes: greet, greet-stream,
// greetings, error and ping-pong.
package greeting

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/linkdata/rmux"
)

// Route names.
const (
	RouteGreet       = "greet"
	RouteGreetStream = "greet-stream"
	RouteGreetings   = "greetings"
	RouteError       = "error"
	RoutePingPong    = "ping-pong"
)

// RecoveredGreeting is the greeting sent in place of the error route's failure.
const RecoveredGreeting = "OH NO! "

// ErrIllegalArgument is the failure of the error route.
var ErrIllegalArgument = errors.New("illegal argument")

// Request is the JSON body of a greeting request.
type Request struct {
	Name string `json:"name"`
}

// Response is the JSON body of a greeting.
type Response struct {
	Greeting string `json:"greeting"`
}

// Encode returns v as a JSON Payload with the given metadata.
func Encode(v interface{}, metadata []byte) (rmux.Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return rmux.Payload{}, errors.WithStack(err)
	}
	return rmux.NewPayload(b, metadata), nil
}

// DecodeRequest parses a Request. An empty payload is an empty Request.
func DecodeRequest(p rmux.Payload) (req Request, err error) {
	if len(p.Data()) > 0 {
		err = errors.WithStack(json.Unmarshal(p.Data(), &req))
	}
	return
}

// DecodeResponse parses a Response.
func DecodeResponse(p rmux.Payload) (resp Response, err error) {
	err = errors.WithStack(json.Unmarshal(p.Data(), &resp))
	return
}

// Service serves the greeting routes.
type Service struct {
	Interval time.Duration    // delay between streamed greetings
	Now      func() time.Time // time.Now if nil
}

// NewService returns a Service streaming one greeting per interval.
func NewService(interval time.Duration) *Service {
	return &Service{Interval: interval}
}

func (svc *Service) now() time.Time {
	if svc.Now != nil {
		return svc.Now()
	}
	return time.Now()
}

// Greet returns the greeting for name.
func (svc *Service) Greet(name string) Response {
	return Response{Greeting: "Hello " + name + " @ " + svc.now().UTC().Format(time.RFC3339Nano)}
}

// Register adds the greeting routes to reg.
func (svc *Service) Register(reg *rmux.Registry) {
	reg.Register(RouteGreet, rmux.ResponseHandler(svc.greet))
	reg.Register(RouteGreetStream, rmux.StreamHandler(svc.greetStream))
	reg.Register(RouteGreetings, rmux.StreamHandler(svc.greetings), rmux.RequireAuthentication())
	reg.Register(RouteError, rmux.StreamHandler(svc.fail), rmux.WithRecovery(svc.recover))
	reg.Register(RoutePingPong, rmux.ChannelHandler(svc.pingPong))
}

// Declare adds the greeting routes to the catalog of a requester, with
// the same interaction models and authorization rules as Register.
func Declare(reg *rmux.Registry) {
	reg.Declare(RouteGreet, rmux.RequestResponse)
	reg.Declare(RouteGreetStream, rmux.RequestStream)
	reg.Declare(RouteGreetings, rmux.RequestStream, rmux.RequireAuthentication())
	reg.Declare(RouteError, rmux.RequestStream)
	reg.Declare(RoutePingPong, rmux.RequestChannel)
}

func (svc *Service) greet(ctx context.Context, req *rmux.Request) (rmux.Payload, error) {
	r, err := DecodeRequest(req.Payload)
	if err != nil {
		return rmux.Payload{}, err
	}
	return Encode(svc.Greet(r.Name), nil)
}

// stream emits a greeting for name once per interval until the exchange ends.
// Emit blocks while the requester has granted no credit.
func (svc *Service) stream(ctx context.Context, name string, sink rmux.Sink) error {
	timer := time.NewTimer(svc.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		p, err := Encode(svc.Greet(name), nil)
		if err != nil {
			return err
		}
		if err = sink.Emit(ctx, p); err != nil {
			return err
		}
		timer.Reset(svc.Interval)
	}
}

func (svc *Service) greetStream(ctx context.Context, req *rmux.Request, sink rmux.Sink) error {
	r, err := DecodeRequest(req.Payload)
	if err != nil {
		return err
	}
	return svc.stream(ctx, r.Name, sink)
}

func (svc *Service) greetings(ctx context.Context, req *rmux.Request, sink rmux.Sink) error {
	log.WithField("principal", req.Principal.Identity).Info("greetings")
	return svc.stream(ctx, req.Principal.Identity, sink)
}

func (svc *Service) fail(ctx context.Context, req *rmux.Request, sink rmux.Sink) error {
	return errors.WithStack(ErrIllegalArgument)
}

func (svc *Service) recover(ctx context.Context, req *rmux.Request, err error, sink rmux.Sink) error {
	if !errors.Is(err, ErrIllegalArgument) {
		return err
	}
	p, encErr := Encode(Response{Greeting: RecoveredGreeting}, nil)
	if encErr != nil {
		return encErr
	}
	return sink.Emit(ctx, p)
}

// Reply returns "pong" for "ping" and "ping" for "pong", ignoring case.
func Reply(in string) (string, error) {
	switch {
	case strings.EqualFold(in, "ping"):
		return "pong", nil
	case strings.EqualFold(in, "pong"):
		return "ping", nil
	}
	return "", errors.Errorf("incoming value must be either 'ping' or 'pong', got %q", in)
}

func (svc *Service) pingPong(ctx context.Context, req *rmux.Request, src rmux.Source, sink rmux.Sink) error {
	for {
		p, err := src.Next(ctx)
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return nil
			}
			return err
		}
		log.WithField("stream", uint32(req.StreamID)).Debugf("received: %q", p.DataString())
		out, err := Reply(p.DataString())
		if err != nil {
			return err
		}
		if err = sink.Emit(ctx, rmux.PayloadString(out)); err != nil {
			return err
		}
	}
}
