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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGapDetectorFindsHole(t *testing.T) {
	Convey("Given patches from peer 3 with sequence 2 missing", t, func() {
		db := openTestDB(t)
		planner := NewPlanner(nil)
		So(planner.Replan(db), ShouldBeNil)
		store := NewStore(db, planner)
		stats := NewPeerStatTracker()
		stats.Ensure(3)

		p1 := Patch{Type: MsgPatch, At: FromParts(1000, 0), Peer: 3, Seq: 1, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(1), "name": "a", "qty": int64(1)}}
		p3 := Patch{Type: MsgPatch, At: FromParts(3000, 0), Peer: 3, Seq: 3, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(3), "name": "c", "qty": int64(3)}}
		So(store.SavePatch(p1, 1), ShouldBeNil)
		So(store.SavePatch(p3, 1), ShouldBeNil)

		stats.Observe(3, 1, FromParts(1000, 0))
		stats.Observe(3, 3, FromParts(3000, 0))

		detector := NewGapDetector(db, planner, stats, 0)

		Convey("DetectMissing asks for exactly sequence 2 from peer 3", func() {
			reqs, err := detector.DetectMissing(1)
			So(err, ShouldBeNil)
			So(len(reqs), ShouldEqual, 1)
			So(reqs[0].Peer, ShouldEqual, 3)
			So(reqs[0].MinSeq, ShouldEqual, 2)
			So(reqs[0].MaxSeq, ShouldEqual, 2)
		})
	})

	Convey("Given no gaps among tracked peers", t, func() {
		db := openTestDB(t)
		planner := NewPlanner(nil)
		So(planner.Replan(db), ShouldBeNil)
		stats := NewPeerStatTracker()
		detector := NewGapDetector(db, planner, stats, 0)

		Convey("DetectMissing returns no requests", func() {
			reqs, err := detector.DetectMissing(1)
			So(err, ShouldBeNil)
			So(reqs, ShouldBeEmpty)
		})
	})
}

func TestGapDetectorRespond(t *testing.T) {
	Convey("Given a store holding a peer's patch history", t, func() {
		db := openTestDB(t)
		planner := NewPlanner(nil)
		So(planner.Replan(db), ShouldBeNil)
		store := NewStore(db, planner)
		stats := NewPeerStatTracker()
		detector := NewGapDetector(db, planner, stats, 0)

		p := Patch{Type: MsgPatch, At: FromParts(1000, 0), Peer: 9, Seq: 5, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(5), "name": "e", "qty": int64(5)}}
		So(store.SavePatch(p, 1), ShouldBeNil)

		Convey("Respond returns the requested range", func() {
			got, err := detector.Respond(store, MissingPatchRequest{Peer: 9, MinSeq: 5, MaxSeq: 5, ForPeer: 1})
			So(err, ShouldBeNil)
			So(len(got), ShouldEqual, 1)
			So(got[0].Seq, ShouldEqual, 5)
		})
	})
}
