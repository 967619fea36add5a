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
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/utils"
	"github.com/rowsync/rowsync/utils/log"
)

// Socket is one bidirectional, ordered byte channel to exactly one remote
// peer. Node opens one Socket per known peer and never multiplexes several
// peers over a single Socket, so no stream-multiplexing library sits
// underneath it ("one connection per peer").
type Socket interface {
	// Send writes one already-encoded wire message.
	Send(b []byte) error
	// Recv blocks for the next inbound wire message.
	Recv() ([]byte, error)
	// Close tears the connection down.
	Close() error
}

// Codec turns Envelopes into wire bytes and back. Node picks one based on
// conf.Config.SocketStringMode ("dual wire encoding").
type Codec interface {
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte, *Envelope) error
}

// jsonCodec and msgpackCodec are the two Codec implementations Node
// chooses between; msgpack is the default for peer-to-peer links since it
// is denser, JSON is offered for socketStringMode transports such as a
// browser websocket console.
type jsonCodec struct{}

func (jsonCodec) Marshal(e Envelope) ([]byte, error) { return json.Marshal(e) }
func (jsonCodec) Unmarshal(b []byte, e *Envelope) error { return json.Unmarshal(b, e) }

type msgpackCodec struct{}

func (msgpackCodec) Marshal(e Envelope) ([]byte, error) {
	buf, err := utils.EncodeMsgPack(e)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(b []byte, e *Envelope) error {
	return utils.DecodeMsgPack(b, e)
}

// NewCodec returns the JSON codec when stringMode is set, msgpack
// otherwise.
func NewCodec(stringMode bool) Codec {
	if stringMode {
		return jsonCodec{}
	}
	return msgpackCodec{}
}

// Dispatcher routes decoded envelopes by message type to Node's handlers.
// It exists as its own type so transport_ws.go and any future transport
// share one dispatch path.
type Dispatcher struct {
	OnPatch        func(peer uint64, p Patch)
	OnPing         func(peer uint64, payload PingPayload)
	OnMissingPatch func(peer uint64, req MissingPatchRequest)
}

// Handle decodes b with codec and dispatches it to the matching handler.
func (d *Dispatcher) Handle(fromPeer uint64, codec Codec, b []byte) error {
	var env Envelope
	if err := codec.Unmarshal(b, &env); err != nil {
		return errors.Wrap(err, "transport: decode envelope")
	}
	switch env.Type {
	case MsgPatch:
		if d.OnPatch != nil {
			d.OnPatch(fromPeer, env.ToPatch())
		}
	case MsgPing:
		if d.OnPing != nil {
			payload, ok := env.Delta.pingPayload()
			if !ok {
				log.Warnf("transport: malformed ping payload from peer %d", fromPeer)
				return nil
			}
			d.OnPing(fromPeer, payload)
		}
	case MsgMissingPatch:
		if d.OnMissingPatch != nil {
			d.OnMissingPatch(fromPeer, env.ToMissingPatchRequest())
		}
	default:
		log.Warnf("transport: unknown message type %d from peer %d", env.Type, fromPeer)
	}
	return nil
}

// pingPayload reinterprets a decoded Delta (map[string]interface{} after a
// JSON/msgpack round trip) as a PingPayload.
func (d Delta) pingPayload() (PingPayload, bool) {
	out := make(PingPayload, len(d))
	for k, v := range d {
		snap, ok := v.([]interface{})
		if !ok || len(snap) != 5 {
			return nil, false
		}
		var arr PeerStatSnapshot
		for i, n := range snap {
			f, ok := toInt64(n)
			if !ok {
				return nil, false
			}
			arr[i] = f
		}
		out[k] = arr
	}
	return out, true
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// Multiplexer owns one Socket per known peer, feeding every inbound
// message to a Dispatcher and serialising outbound sends per peer.
type Multiplexer struct {
	mu       sync.RWMutex
	sockets  map[uint64]Socket
	codec    Codec
	dispatch *Dispatcher
}

// NewMultiplexer returns an empty Multiplexer using codec for wire framing
// and dispatch for routing inbound messages.
func NewMultiplexer(codec Codec, dispatch *Dispatcher) *Multiplexer {
	return &Multiplexer{sockets: make(map[uint64]Socket), codec: codec, dispatch: dispatch}
}

// Register attaches sock as the channel to peerID and starts its read loop.
// Registering a peer already present replaces and closes the old socket.
func (m *Multiplexer) Register(peerID uint64, sock Socket) {
	m.mu.Lock()
	old, existed := m.sockets[peerID]
	m.sockets[peerID] = sock
	m.mu.Unlock()
	if existed {
		old.Close()
	}
	go m.readLoop(peerID, sock)
}

func (m *Multiplexer) readLoop(peerID uint64, sock Socket) {
	for {
		b, err := sock.Recv()
		if err != nil {
			log.Infof("transport: read loop for peer %d ended: %s", peerID, err)
			m.mu.Lock()
			if m.sockets[peerID] == sock {
				delete(m.sockets, peerID)
			}
			m.mu.Unlock()
			return
		}
		if err := m.dispatch.Handle(peerID, m.codec, b); err != nil {
			log.Warnf("transport: dispatch from peer %d failed: %s", peerID, err)
		}
	}
}

// Send encodes env and writes it to peerID's socket. It returns an error if
// the peer has no registered socket, mirroring the "socket-skip" policy:
// the caller logs and moves on rather than blocking a whole broadcast on
// one down peer.
func (m *Multiplexer) Send(peerID uint64, env Envelope) error {
	m.mu.RLock()
	sock, ok := m.sockets[peerID]
	m.mu.RUnlock()
	if !ok {
		return errors.Errorf("transport: no socket registered for peer %d", peerID)
	}
	b, err := m.codec.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "transport: encode envelope")
	}
	return sock.Send(b)
}

// Broadcast sends env to every currently connected peer, skipping and
// logging any peer whose socket write fails instead of aborting the whole
// round ("skip socket, log, continue").
func (m *Multiplexer) Broadcast(env Envelope) {
	m.mu.RLock()
	peers := make([]uint64, 0, len(m.sockets))
	for id := range m.sockets {
		peers = append(peers, id)
	}
	m.mu.RUnlock()

	for _, id := range peers {
		if err := m.Send(id, env); err != nil {
			log.Warnf("transport: broadcast to peer %d skipped: %s", id, err)
		}
	}
}

// Peers returns the set of currently registered peer ids.
func (m *Multiplexer) Peers() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.sockets))
	for id := range m.sockets {
		out = append(out, id)
	}
	return out
}

// CloseAll closes every registered socket.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sockets {
		s.Close()
		delete(m.sockets, id)
	}
}
