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

	"github.com/mattn/go-sqlite3"
)

// engineDriver is the sqlite3 driver name this package registers with the
// keep_last aggregate (and window) function already loaded, mirroring how
// xenomint/sqlite/sqlite.go registers its "sleep" UDF via ConnectHook.
const engineDriver = "sqlite3-replicon"

func init() {
	sql.Register(engineDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) error {
			return c.RegisterAggregator("keep_last", newKeepLast, true)
		},
	})
}

// EngineDriver returns the registered driver name embedders should pass to
// sql.Open to get a connection with keep_last available.
func EngineDriver() string { return engineDriver }

// triple is the (patchedAt, peerId, sequenceId) lexicographic ordering key
// the keep_last aggregate compares by.
type triple struct {
	at   int64
	peer int64
	seq  int64
}

// greaterThan reports whether t is lexicographically greater than o.
func (t triple) greaterThan(o triple) bool {
	if t.at != o.at {
		return t.at > o.at
	}
	if t.peer != o.peer {
		return t.peer > o.peer
	}
	return t.seq > o.seq
}

// keepLast implements the keep_last(value, patchedAt, peerId, sequenceId)
// user-defined aggregate:
//
// - the first invocation in a group initialises state with the row's
// triple and value, regardless of nullness;
// - subsequent invocations update state iff the incoming value is
// non-null AND the incoming triple is strictly greater than state's.
//
// This yields per-column last-writer-wins with null-as-unchanged
// semantics. Both the aggregate (Step/Done) and window (Value/Inverse)
// forms are implemented on the same type; the window form recomputes on
// each frame, so Inverse is a no-op.
type keepLast struct {
	have  bool
	best  triple
	value interface{}
}

func newKeepLast() *keepLast {
	return &keepLast{}
}

// Step is called once per row in the group.
func (k *keepLast) Step(value interface{}, patchedAt, peerID, seqID int64) {
	t := triple{at: patchedAt, peer: peerID, seq: seqID}
	if !k.have {
		k.have = true
		k.best = t
		k.value = value
		return
	}
	if value != nil && t.greaterThan(k.best) {
		k.best = t
		k.value = value
	}
}

// Done returns the aggregate's result: the value belonging to the row with
// the greatest (patchedAt, peerId, sequenceId) triple among rows with a
// non-null value (null values never displace an earlier value).
func (k *keepLast) Done() interface{} {
	return k.value
}

// Value returns the current window-frame result without resetting state,
// letting sqlite3 use keep_last as a window function too.
func (k *keepLast) Value() interface{} {
	return k.value
}

// Inverse is the window-function "remove a row from the frame" callback.
// keep_last recomputes its winner from scratch on every frame rather than
// maintaining a removable running value, so inverse is a no-op; Step is
// invoked again for every row entering the new frame.
func (k *keepLast) Inverse(interface{}, int64, int64, int64) {}
