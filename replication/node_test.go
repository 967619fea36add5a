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
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/rowsync/rowsync/conf"
)

func newTestNode(t *testing.T) *Node {
	db := openTestDB(t)
	cfg := &conf.Config{ThisPeerID: 1, PatchApplyDelayMs: 5}
	n, err := New(cfg, db)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func TestNodeUpsertAppliesLocally(t *testing.T) {
	Convey("Given a node over a database with a planned widgets table", t, func() {
		n := newTestNode(t)

		Convey("Upsert writes, applies synchronously, and returns a satisfied session token", func() {
			tok, err := n.Upsert("widgets", Delta{"id": int64(1), "name": "bolt", "qty": int64(5)})
			So(err, ShouldBeNil)
			So(string(tok), ShouldNotBeEmpty)

			var name string
			So(n.db.QueryRow(`SELECT name FROM widgets WHERE id = 1`).Scan(&name), ShouldBeNil)
			So(name, ShouldEqual, "bolt")

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			So(n.WaitFor(ctx, tok), ShouldBeNil)
		})

		Convey("two Upserts to the same row get increasing sequence ids", func() {
			tok1, err := n.Upsert("widgets", Delta{"id": int64(1), "name": "a", "qty": int64(1)})
			So(err, ShouldBeNil)
			tok2, err := n.Upsert("widgets", Delta{"id": int64(1), "name": "b", "qty": int64(2)})
			So(err, ShouldBeNil)

			_, seq1, err := tok1.Parse()
			So(err, ShouldBeNil)
			_, seq2, err := tok2.Parse()
			So(err, ShouldBeNil)
			So(seq2, ShouldBeGreaterThan, seq1)
		})
	})
}

func TestNodeHandleRemotePatch(t *testing.T) {
	Convey("Given a node that knows about peer 2", t, func() {
		n := newTestNode(t)
		n.Stats.Ensure(2)

		Convey("a remote patch is saved and scheduled for debounced apply", func() {
			p := Patch{Type: MsgPatch, At: FromParts(1000, 0), Peer: 2, Seq: 1, Ver: 0, Tab: "widgets",
				Delta: Delta{"id": int64(9), "name": "remote", "qty": int64(1)}}
			n.handleRemotePatch(2, p)

			stat, ok := n.Stats.Get(2)
			So(ok, ShouldBeTrue)
			So(stat.LastSeq, ShouldEqual, uint64(1))

			time.Sleep(50 * time.Millisecond)
			var name string
			So(n.db.QueryRow(`SELECT name FROM widgets WHERE id = 9`).Scan(&name), ShouldBeNil)
			So(name, ShouldEqual, "remote")
		})
	})
}
