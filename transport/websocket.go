/*
   Copyright 2024 the plex authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a *websocket.Conn into a Transport, per spec section 6:
// binary type is used for every frame, and the open/message/close/error
// lifecycle is translated into the Transport callback contract. Unlike
// framedConn, no length prefix is added -- gorilla/websocket already frames
// messages at the protocol level.
func WebSocket(conn *websocket.Conn) Transport {
	w := &wsTransport{conn: conn}
	go w.readLoop()
	return w
}

// IsWebSocketLike reports whether v looks like a WebSocket connection per
// spec section 6's detection heuristic (send+close+readyState+URL). Go's
// gorilla/websocket.Conn is a concrete type, so this is a cheap type
// assertion rather than JS-style duck typing; it exists so callers that
// receive an interface{} transport (e.g. from a generic dial helper) can
// still branch the way the spec describes.
func IsWebSocketLike(v any) (*websocket.Conn, bool) {
	c, ok := v.(*websocket.Conn)
	return c, ok
}

type wsTransport struct {
	baseHandlers

	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func (w *wsTransport) Send(msg []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.isClosed() {
		return ErrClosed
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (w *wsTransport) Close() error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	w.closeMu.Unlock()
	return w.conn.Close()
}

func (w *wsTransport) isClosed() bool {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	return w.closed
}

func (w *wsTransport) readLoop() {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			wasLocalClose := w.isClosed()
			_ = w.Close()
			if wasLocalClose || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.fireClose()
				return
			}
			w.fireError(err)
			return
		}
		if typ != websocket.BinaryMessage && typ != websocket.TextMessage {
			continue
		}
		w.fireMessage(data)
	}
}
