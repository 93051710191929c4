// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package rmux implements a reactive exchange multiplexer.

A Muxer carries many concurrent exchanges over a single connection, such as
a TCP socket or a WebSocket. Either side may open an exchange by naming a
route. Three interaction models are supported: request-response (one
payload each way), request-stream (one request, a stream of responses) and
request-channel (a stream each way).

Streams are flow controlled by the consumer. A producer may only emit as
many items as the consumer has requested, and blocks in Sink.Emit until it
is granted more. Each exchange is isolated: a failing handler, a cancelled
exchange or a peer that stops consuming affect only their own exchange.

Routes are kept in a Registry. A route may require an authenticated
Principal and may carry an authorization predicate. Requests that name an
unknown route, or that are not authorized, are refused before any frame is
sent on the requester side, and with an ERROR frame on the responder side.

A frame is the basic structure within a Muxer data stream. It consists of
an eight byte frame header followed by the frame payload bytes. The header
holds the stream ID, the frame type, the flags and the payload size.
*/
package rmux
