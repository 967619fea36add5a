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
	"database/sql"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func openMigrationTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open(EngineDriver(), ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := EnsureInfraTables(db); err != nil {
		t.Fatalf("ensure infra tables: %v", err)
	}
	return db
}

func TestMigratorApply(t *testing.T) {
	Convey("Given a fresh database and a two-step migration set", t, func() {
		db := openMigrationTestDB(t)
		planner := NewPlanner(nil)
		applier := NewMergeApplier(db, planner)
		store := NewStore(db, planner)
		migrator := NewMigrator(db, planner, applier, store)

		migrations := []Migration{
			{Version: 1, Up: `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`, Down: `DROP TABLE widgets`},
			{Version: 2, Up: `CREATE TABLE widgets_patches (_patchedAt INTEGER, _sequenceId INTEGER, _peerId INTEGER, id INTEGER, name TEXT)`,
				Down: `DROP TABLE widgets_patches`},
		}

		Convey("applying advances the recorded version and replans the catalog", func() {
			So(migrator.Apply(migrations), ShouldBeNil)

			version, err := migrator.CurrentVersion()
			So(err, ShouldBeNil)
			So(version, ShouldEqual, 2)

			_, known := planner.Plan("widgets")
			So(known, ShouldBeTrue)
		})

		Convey("re-applying the same set is a no-op", func() {
			So(migrator.Apply(migrations), ShouldBeNil)
			So(migrator.Apply(migrations), ShouldBeNil)

			var count int
			So(db.QueryRow(`SELECT COUNT(*) FROM migrations`).Scan(&count), ShouldBeNil)
			So(count, ShouldEqual, 2)
		})
	})
}

func TestMigratorReplaysPendingPatches(t *testing.T) {
	Convey("Given a patch staged under a not-yet-applied schema version", t, func() {
		db := openMigrationTestDB(t)
		planner := NewPlanner(nil)
		applier := NewMergeApplier(db, planner)
		store := NewStore(db, planner)
		migrator := NewMigrator(db, planner, applier, store)

		before := Migration{Version: 1, Up: `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`, Down: `DROP TABLE widgets`}
		So(migrator.Apply([]Migration{before}), ShouldBeNil)

		p := Patch{Type: MsgPatch, At: FromParts(1000, 0), Peer: 1, Seq: 1, Ver: 2, Tab: "widgets",
			Delta: Delta{"id": int64(1), "name": "bolt"}}
		So(store.SavePatch(p, 1), ShouldBeNil)

		var pendingCount int
		So(db.QueryRow(`SELECT COUNT(*) FROM pending_patches`).Scan(&pendingCount), ShouldBeNil)
		So(pendingCount, ShouldEqual, 1)

		after := Migration{Version: 2, Up: `CREATE TABLE widgets_patches (_patchedAt INTEGER, _sequenceId INTEGER, _peerId INTEGER, id INTEGER, name TEXT)`,
			Down: `DROP TABLE widgets_patches`}

		Convey("the next migration replays it into the shadow table and materialises it", func() {
			So(migrator.Apply([]Migration{before, after}), ShouldBeNil)

			So(db.QueryRow(`SELECT COUNT(*) FROM pending_patches`).Scan(&pendingCount), ShouldBeNil)
			So(pendingCount, ShouldEqual, 0)

			var name string
			So(db.QueryRow(`SELECT name FROM widgets WHERE id = 1`).Scan(&name), ShouldBeNil)
			So(name, ShouldEqual, "bolt")
		})
	})
}
