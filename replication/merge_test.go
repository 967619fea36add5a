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
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMergeApplierLWW(t *testing.T) {
	Convey("Given two conflicting patches for the same row from different peers", t, func() {
		db := openTestDB(t)
		planner := NewPlanner(nil)
		So(planner.Replan(db), ShouldBeNil)
		store := NewStore(db, planner)
		applier := NewMergeApplier(db, planner)

		earlier := Patch{Type: MsgPatch, At: FromParts(1000, 0), Peer: 1, Seq: 1, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(1), "name": "from-peer-1", "qty": int64(1)}}
		later := Patch{Type: MsgPatch, At: FromParts(2000, 0), Peer: 2, Seq: 1, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(1), "name": "from-peer-2", "qty": int64(2)}}
		So(store.SavePatch(earlier, 1), ShouldBeNil)
		So(store.SavePatch(later, 1), ShouldBeNil)

		Convey("applying the table keeps the later patch's values", func() {
			So(applier.ApplyTable("widgets", 0), ShouldBeNil)

			var name string
			var qty int
			So(db.QueryRow(`SELECT name, qty FROM widgets WHERE id = 1`).Scan(&name, &qty), ShouldBeNil)
			So(name, ShouldEqual, "from-peer-2")
			So(qty, ShouldEqual, 2)
		})

		Convey("applying twice is idempotent", func() {
			So(applier.ApplyTable("widgets", 0), ShouldBeNil)
			So(applier.ApplyTable("widgets", 0), ShouldBeNil)

			var count int
			So(db.QueryRow(`SELECT COUNT(*) FROM widgets`).Scan(&count), ShouldBeNil)
			So(count, ShouldEqual, 1)
		})
	})

	Convey("Given a patch that only touches one column", t, func() {
		db := openTestDB(t)
		planner := NewPlanner(nil)
		So(planner.Replan(db), ShouldBeNil)
		store := NewStore(db, planner)
		applier := NewMergeApplier(db, planner)

		full := Patch{Type: MsgPatch, At: FromParts(1000, 0), Peer: 1, Seq: 1, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(1), "name": "bolt", "qty": int64(5)}}
		So(store.SavePatch(full, 1), ShouldBeNil)
		So(applier.ApplyTable("widgets", 0), ShouldBeNil)

		partial := Patch{Type: MsgPatch, At: FromParts(2000, 0), Peer: 1, Seq: 2, Ver: 1, Tab: "widgets",
			Delta: Delta{"id": int64(1), "qty": int64(9)}}
		So(store.SavePatch(partial, 1), ShouldBeNil)

		Convey("the untouched column is preserved by the null-as-unchanged rule", func() {
			So(applier.ApplyTable("widgets", 0), ShouldBeNil)

			var name string
			var qty int
			So(db.QueryRow(`SELECT name, qty FROM widgets WHERE id = 1`).Scan(&name, &qty), ShouldBeNil)
			So(name, ShouldEqual, "bolt")
			So(qty, ShouldEqual, 9)
		})
	})
}

func TestDebouncedApplierCoalesces(t *testing.T) {
	Convey("Given a debounced applier with a short delay", t, func() {
		db := openTestDB(t)
		planner := NewPlanner(nil)
		So(planner.Replan(db), ShouldBeNil)
		store := NewStore(db, planner)
		applier := NewMergeApplier(db, planner)
		debounced := NewDebouncedApplier(applier, 20*time.Millisecond)

		Convey("scheduling the same table three times in a burst applies it once", func() {
			for seq := uint64(1); seq <= 3; seq++ {
				p := Patch{Type: MsgPatch, At: FromParts(int64(1000*seq), 0), Peer: 1, Seq: seq, Ver: 1, Tab: "widgets",
					Delta: Delta{"id": int64(1), "name": "w", "qty": int64(seq)}}
				So(store.SavePatch(p, 1), ShouldBeNil)
				debounced.Schedule("widgets", 0)
				time.Sleep(5 * time.Millisecond)
			}

			time.Sleep(50 * time.Millisecond)

			var qty int
			So(db.QueryRow(`SELECT qty FROM widgets WHERE id = 1`).Scan(&qty), ShouldBeNil)
			So(qty, ShouldEqual, 3)

			debounced.Close()
		})
	})
}
