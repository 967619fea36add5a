/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package replication

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/utils/log"
)

// wsSocket adapts a gorilla/websocket connection to the Socket interface.
// Writes are serialised with a mutex since gorilla forbids concurrent
// writers on one connection.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketSocket wraps an already-established websocket connection.
func NewWebsocketSocket(conn *websocket.Conn) Socket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) Send(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *wsSocket) Recv() ([]byte, error) {
	_, b, err := s.conn.ReadMessage()
	return b, err
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

// DialWebsocket connects to a remote peer's websocket listener and
// registers the resulting Socket with mux under peerID ("outbound
// connection to a known peer").
func DialWebsocket(mux *Multiplexer, peerID uint64, addr string) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return errors.Wrapf(err, "transport: dial peer %d at %s", peerID, addr)
	}
	mux.Register(peerID, NewWebsocketSocket(conn))
	return nil
}

// WebsocketServer accepts inbound peer connections and hands each one to a
// Multiplexer once the connecting peer identifies itself, mirroring
// rpc/jsonrpc's WebsocketServer.Serve upgrade-and-hand-off shape.
type WebsocketServer struct {
	Addr string
	Mux  *Multiplexer

	// IdentifyPeer extracts the caller's peer id from the upgrade request,
	// e.g. from a query parameter or header set by conf.PeerInfo.Addr
	// convention. It returns ok=false to reject the connection.
	IdentifyPeer func(r *http.Request) (peerID uint64, ok bool)

	server   http.Server
	listener net.Listener
}

// Serve accepts and upgrades incoming connections until Shutdown is called.
func (ws *WebsocketServer) Serve() error {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		peerID, ok := ws.IdentifyPeer(r)
		if !ok {
			http.Error(rw, "unknown peer", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.WithError(err).Error("transport: upgrade http connection to websocket failed")
			return
		}
		ws.Mux.Register(peerID, NewWebsocketSocket(conn))
	})

	listener, err := net.Listen("tcp", ws.Addr)
	if err != nil {
		return errors.Wrapf(err, "transport: bind %s", ws.Addr)
	}
	ws.listener = listener
	ws.server.Handler = mux
	return ws.server.Serve(listener)
}

// Shutdown immediately closes the listener and any connections not yet
// upgraded.
func (ws *WebsocketServer) Shutdown() error {
	return ws.server.Close()
}
