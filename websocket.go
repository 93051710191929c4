// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// websocketConn presents a WebSocket as a byte stream. Each Write is sent
// as one binary message; reads span message boundaries.
type websocketConn struct {
	conn *websocket.Conn
	rmu  sync.Mutex // guards r
	r    io.Reader
	wmu  sync.Mutex
}

// NewWebsocketConn returns an io.ReadWriteCloser carrying a byte stream
// over conn using binary messages.
func NewWebsocketConn(conn *websocket.Conn) io.ReadWriteCloser {
	return &websocketConn{conn: conn}
}

func (wc *websocketConn) Read(p []byte) (n int, err error) {
	wc.rmu.Lock()
	defer wc.rmu.Unlock()
	for {
		if wc.r == nil {
			var mt int
			if mt, wc.r, err = wc.conn.NextReader(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				wc.r = nil
				return 0, errors.Errorf("unexpected websocket message type %d", mt)
			}
		}
		if n, err = wc.r.Read(p); err == io.EOF {
			wc.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return
	}
}

func (wc *websocketConn) Write(p []byte) (int, error) {
	wc.wmu.Lock()
	defer wc.wmu.Unlock()
	if err := wc.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (wc *websocketConn) Close() error {
	wc.wmu.Lock()
	wc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	wc.wmu.Unlock()
	return wc.conn.Close()
}
