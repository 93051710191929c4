// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package gateway serves the greeting routes over HTTP, relaying each HTTP
// request to an upstream rmux server as one exchange.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/linkdata/rmux"
	"github.com/linkdata/rmux/authmeta"
	"github.com/linkdata/rmux/internal/greeting"
)

// Requester opens exchanges upstream. *rmux.Client and *rmux.Muxer implement it.
type Requester interface {
	RequestResponse(ctx context.Context, route string, p rmux.Payload, principal *rmux.Principal) (rmux.Payload, error)
	RequestStream(ctx context.Context, route string, p rmux.Payload, principal *rmux.Principal) (*rmux.Exchange, error)
}

// Gateway receives HTTP requests and relays them to the upstream server.
// Closing the HTTP request cancels its exchange.
type Gateway struct {
	Requester   Requester
	Credentials authmeta.Credentials // used for routes that require authentication
	router      *httprouter.Router
}

// NewGateway returns a Gateway relaying to r.
func NewGateway(r Requester, creds authmeta.Credentials) *Gateway {
	g := &Gateway{
		Requester:   r,
		Credentials: creds,
		router:      httprouter.New(),
	}
	g.router.GET("/greet/*path", g.greetPath)
	g.router.GET("/greetings", g.greetings)
	g.router.GET("/error", g.error)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// greetPath serves /greet/:name and /greet/sse/:name. httprouter can't
// have both a parameter and a static segment at the same position.
func (g *Gateway) greetPath(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path := strings.TrimPrefix(ps.ByName("path"), "/")
	if name, ok := strings.CutPrefix(path, "sse/"); ok && name != "" && !strings.Contains(name, "/") {
		g.greetStream(w, r, name)
		return
	}
	if path == "" || strings.Contains(path, "/") {
		http.NotFound(w, r)
		return
	}
	g.greet(w, r, path)
}

// StatusCode maps an exchange error to an HTTP status code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case rmux.IsUnauthorized(err):
		return http.StatusUnauthorized
	case rmux.IsRouteNotFound(err):
		return http.StatusNotFound
	case rmux.IsTransportFailure(err), errors.Cause(err) == rmux.ErrMuxerClosed:
		return http.StatusBadGateway
	case errors.Cause(err) == rmux.ErrDrainTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log.WithError(err).WithField("uri", r.RequestURI).Info("gateway request failed")
	http.Error(w, errors.Cause(err).Error(), StatusCode(err))
}

func (g *Gateway) greet(w http.ResponseWriter, r *http.Request, name string) {
	p, err := greeting.Encode(greeting.Request{Name: name}, nil)
	if err == nil {
		p, err = g.Requester.RequestResponse(r.Context(), greeting.RouteGreet, p, nil)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(p.Data())
}

func (g *Gateway) greetStream(w http.ResponseWriter, r *http.Request, name string) {
	p, err := greeting.Encode(greeting.Request{Name: name}, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	g.relayStream(w, r, greeting.RouteGreetStream, p, nil)
}

func (g *Gateway) greetings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g.relayStream(w, r, greeting.RouteGreetings, g.Credentials.Payload(nil), g.Credentials.Principal())
}

func (g *Gateway) error(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g.relayStream(w, r, greeting.RouteError, rmux.Payload{}, nil)
}

// relayStream writes each item of a request-stream exchange as a
// server-sent event until the stream ends or the HTTP client goes away.
func (g *Gateway) relayStream(w http.ResponseWriter, r *http.Request, route string, p rmux.Payload, principal *rmux.Principal) {
	ctx := r.Context()
	e, err := g.Requester.RequestStream(ctx, route, p, principal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer e.Cancel()

	flusher, _ := w.(http.Flusher)
	started := false
	for {
		item, err := e.Next(ctx)
		if err != nil {
			if errors.Cause(err) == io.EOF {
				if !started {
					w.Header().Set("Content-Type", "text/event-stream")
					w.WriteHeader(http.StatusOK)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			if !started {
				writeError(w, r, err)
				return
			}
			log.WithError(err).WithField("route", route).Info("stream ended with error")
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", jsonString(errors.Cause(err).Error()))
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if !started {
			started = true
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
		}
		if _, err = fmt.Fprintf(w, "data: %s\n\n", item.Data()); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
