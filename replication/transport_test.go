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
	"io"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// pipeSocket is an in-memory Socket for tests: messages written with Send
// land on out (so a test can assert what was sent), and messages a test
// pushes onto in are what Recv delivers (simulating inbound traffic).
type pipeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newPipeSocket() *pipeSocket {
	return &pipeSocket{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeSocket) Send(b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeSocket) Recv() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeSocket) Close() error {
	close(p.closed)
	return nil
}

func TestCodecRoundTrip(t *testing.T) {
	Convey("Given a patch envelope", t, func() {
		env := FromPatch(Patch{Type: MsgPatch, At: FromParts(1000, 2), Peer: 1, Seq: 5, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(1), "name": "bolt"}})

		Convey("the msgpack codec round-trips it", func() {
			c := NewCodec(false)
			b, err := c.Marshal(env)
			So(err, ShouldBeNil)
			var got Envelope
			So(c.Unmarshal(b, &got), ShouldBeNil)
			So(got.Type, ShouldEqual, MsgPatch)
			So(got.Peer, ShouldEqual, uint64(1))
			So(got.Seq, ShouldEqual, uint64(5))
		})

		Convey("the json codec round-trips it", func() {
			c := NewCodec(true)
			b, err := c.Marshal(env)
			So(err, ShouldBeNil)
			var got Envelope
			So(c.Unmarshal(b, &got), ShouldBeNil)
			So(got.Type, ShouldEqual, MsgPatch)
			So(got.Tab, ShouldEqual, "widgets")
		})
	})
}

func TestMultiplexerDispatch(t *testing.T) {
	Convey("Given a multiplexer with a registered peer socket", t, func() {
		received := make(chan Patch, 1)
		dispatch := &Dispatcher{
			OnPatch: func(peer uint64, p Patch) { received <- p },
		}
		mux := NewMultiplexer(NewCodec(false), dispatch)
		sock := newPipeSocket()
		mux.Register(7, sock)

		Convey("sending a patch envelope from the peer side reaches OnPatch", func() {
			env := FromPatch(Patch{Type: MsgPatch, At: FromParts(1000, 0), Peer: 7, Seq: 1, Ver: 1, Tab: "widgets",
				Delta: Delta{"id": int64(1)}})
			b, err := NewCodec(false).Marshal(env)
			So(err, ShouldBeNil)
			sock.in <- b

			select {
			case p := <-received:
				So(p.Peer, ShouldEqual, uint64(7))
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for dispatch")
			}
		})

		Convey("Send writes an encoded envelope the peer can read back", func() {
			err := mux.Send(7, FromPatch(Patch{Type: MsgPatch, Tab: "widgets"}))
			So(err, ShouldBeNil)

			var b []byte
			select {
			case b = <-sock.out:
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for outbound write")
			}
			var got Envelope
			So(NewCodec(false).Unmarshal(b, &got), ShouldBeNil)
			So(got.Tab, ShouldEqual, "widgets")
		})

		Convey("Send to an unregistered peer fails", func() {
			err := mux.Send(999, FromPatch(Patch{Type: MsgPatch}))
			So(err, ShouldNotBeNil)
		})
	})
}
