// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// InteractionModel is the shape of an exchange.
type InteractionModel int

const (
	// RequestResponse is one request payload and at most one response payload.
	RequestResponse InteractionModel = iota + 1
	// RequestStream is one request payload and a credit-gated stream of responses.
	RequestStream
	// RequestChannel is two independent credit-gated streams, one each way.
	RequestChannel
)

var interactionModelTexts = map[InteractionModel]string{
	RequestResponse: "REQUEST_RESPONSE",
	RequestStream:   "REQUEST_STREAM",
	RequestChannel:  "REQUEST_CHANNEL",
}

func (m InteractionModel) String() string {
	if s, ok := interactionModelTexts[m]; ok {
		return s
	}
	return fmt.Sprintf("InteractionModel(%d)", int(m))
}

// Request is what a handler receives when an exchange is opened by the peer.
type Request struct {
	Route     string
	Payload   Payload
	Principal *Principal // nil if the request was anonymous
	StreamID  StreamID
}

// Handler is implemented by ResponseHandler, StreamHandler and ChannelHandler.
type Handler interface {
	Model() InteractionModel
}

// ResponseHandler answers a request-response exchange with a single payload.
// Returning ErrEmptyResponse completes the exchange without a payload.
type ResponseHandler func(ctx context.Context, req *Request) (Payload, error)

// Model returns RequestResponse.
func (ResponseHandler) Model() InteractionModel { return RequestResponse }

// StreamHandler produces the responses of a request-stream exchange by
// calling sink.Emit. Returning nil completes the stream.
type StreamHandler func(ctx context.Context, req *Request, sink Sink) error

// Model returns RequestStream.
func (StreamHandler) Model() InteractionModel { return RequestStream }

// ChannelHandler consumes the inbound leg of a request-channel exchange
// from src and produces the outbound leg with sink. The request payload is
// the first inbound item and is also available as req.Payload.
type ChannelHandler func(ctx context.Context, req *Request, src Source, sink Sink) error

// Model returns RequestChannel.
func (ChannelHandler) Model() InteractionModel { return RequestChannel }

// RecoveryHandler is invoked once when a handler fails. It may emit
// substitute items to sink. Returning nil completes the exchange normally,
// returning an error fails it.
type RecoveryHandler func(ctx context.Context, req *Request, err error, sink Sink) error

// Route binds a name to a handler, an interaction model and an
// authorization rule.
type Route struct {
	Name                   string
	Model                  InteractionModel
	RequiresAuthentication bool
	Authorizer             func(*Principal) bool // optional, applied after the authentication check
	Handler                Handler               // nil for routes only known to a requester
	Recovery               RecoveryHandler       // optional
}

func (rt *Route) String() string {
	auth := ""
	if rt.RequiresAuthentication {
		auth = " AUTH"
	}
	return fmt.Sprintf("[Route %q %v%s]", rt.Name, rt.Model, auth)
}

// Authorize returns true if principal may use the route.
func Authorize(rt *Route, principal *Principal) bool {
	if rt.RequiresAuthentication && principal == nil {
		return false
	}
	if rt.Authorizer != nil {
		return rt.Authorizer(principal)
	}
	return true
}

// RouteOption configures a Route when it is registered.
type RouteOption func(*Route)

// RequireAuthentication makes the route reject anonymous requests.
func RequireAuthentication() RouteOption {
	return func(rt *Route) { rt.RequiresAuthentication = true }
}

// WithAuthorizer sets an additional authorization predicate.
func WithAuthorizer(fn func(*Principal) bool) RouteOption {
	return func(rt *Route) { rt.Authorizer = fn }
}

// RequireRole requires authentication and that the principal holds role.
func RequireRole(role string) RouteOption {
	return func(rt *Route) {
		rt.RequiresAuthentication = true
		rt.Authorizer = func(p *Principal) bool { return p.HasRole(role) }
	}
}

// WithRecovery sets the handler invoked when the route's handler fails.
func WithRecovery(fn RecoveryHandler) RouteOption {
	return func(rt *Route) { rt.Recovery = fn }
}

// Responder resolves route names for inbound requests.
type Responder interface {
	Lookup(name string) (*Route, error)
}

// Registry maps route names to Routes. Lookups never block; writers copy
// the table, so a Registry may be updated while Muxers are serving from it.
// Registering an existing name replaces the previous Route.
type Registry struct {
	mu     sync.Mutex   // serializes writers
	routes atomic.Value // map[string]*Route
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	reg := &Registry{}
	reg.routes.Store(map[string]*Route{})
	return reg
}

func (reg *Registry) table() map[string]*Route {
	if m, ok := reg.routes.Load().(map[string]*Route); ok {
		return m
	}
	return nil
}

func (reg *Registry) add(rt *Route) *Route {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	old := reg.table()
	m := make(map[string]*Route, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[rt.Name] = rt
	reg.routes.Store(m)
	return rt
}

// Register adds a route served by h.
func (reg *Registry) Register(name string, h Handler, opts ...RouteOption) *Route {
	if h == nil {
		panic("rmux: Register with nil Handler")
	}
	rt := &Route{Name: name, Model: h.Model(), Handler: h}
	for _, opt := range opts {
		opt(rt)
	}
	return reg.add(rt)
}

// Declare adds a route the peer serves, so that requests for it can be
// validated and authorized locally before any frame is sent.
func (reg *Registry) Declare(name string, model InteractionModel, opts ...RouteOption) *Route {
	rt := &Route{Name: name, Model: model}
	for _, opt := range opts {
		opt(rt)
	}
	return reg.add(rt)
}

// Lookup returns the Route for name, or RouteNotFoundError.
func (reg *Registry) Lookup(name string) (*Route, error) {
	if reg != nil {
		if rt, ok := reg.table()[name]; ok {
			return rt, nil
		}
	}
	return nil, errors.WithStack(RouteNotFoundError{Route: name})
}

// Authorize looks up name and checks principal against it.
func (reg *Registry) Authorize(name string, principal *Principal) (*Route, error) {
	rt, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !Authorize(rt, principal) {
		return nil, errors.WithStack(UnauthorizedError{Route: name})
	}
	return rt, nil
}

// Routes returns the registered routes sorted by name.
func (reg *Registry) Routes() (routes []*Route) {
	for _, rt := range reg.table() {
		routes = append(routes, rt)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Name < routes[j].Name })
	return
}
