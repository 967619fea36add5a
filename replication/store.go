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
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/utils/log"
)

// Store persists patches into per-table shadow stores or the pending
// staging store, and enforces retention.
type Store struct {
	db      *sql.DB
	planner *Planner
}

// NewStore returns a Store bound to db and planner.
func NewStore(db *sql.DB, planner *Planner) *Store {
	return &Store{db: db, planner: planner}
}

// EnsureInfraTables creates the pending_patches and migrations tables if
// absent ("Persistence layout").
func EnsureInfraTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS migrations (id INTEGER PRIMARY KEY, up TEXT NOT NULL, down TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS pending_patches (
			_patchedAt INTEGER NOT NULL,
			_peerId INTEGER NOT NULL,
			_sequenceId INTEGER NOT NULL,
			patchVersion INTEGER NOT NULL,
			tableName TEXT NOT NULL,
			delta TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_patches_patchedAt ON pending_patches (_patchedAt)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return errors.Wrap(err, "store: ensure infra tables")
		}
	}
	return nil
}

// SavePatch persists patch: into pending_patches when it targets the
// reserved table or patch.Ver differs from dbVersion (schema mismatch),
// otherwise into the matching shadow table. A matching-version patch for
// an unknown table is dropped with a warning.
func (s *Store) SavePatch(patch Patch, dbVersion int) error {
	if patch.Tab == PendingTable {
		return s.saveToPending(patch)
	}

	if patch.Ver != dbVersion {
		return s.saveToPending(patch)
	}

	tp, known := s.planner.Plan(patch.Tab)
	if !known {
		log.Warnf("store: dropping patch for unknown table %q from peer %d", patch.Tab, patch.Peer)
		return nil
	}

	return s.saveToShadow(tp, patch)
}

func (s *Store) saveToShadow(tp *TablePlan, patch Patch) error {
	args := make([]interface{}, 0, len(tp.AllColumns)+3)
	args = append(args, int64(patch.At), int64(patch.Seq), int64(patch.Peer))
	for _, col := range tp.AllColumns {
		args = append(args, patch.Delta[col])
	}
	_, err := s.db.Exec(tp.SavePatch, args...)
	return errors.Wrapf(err, "store: save patch to %s_patches", tp.Table)
}

func (s *Store) saveToPending(patch Patch) error {
	deltaJSON, err := json.Marshal(patch.Delta)
	if err != nil {
		return errors.Wrap(err, "store: marshal pending delta")
	}
	_, err = s.db.Exec(
		`INSERT INTO pending_patches (_patchedAt, _peerId, _sequenceId, patchVersion, tableName, delta) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(patch.At), int64(patch.Peer), int64(patch.Seq), patch.Ver, patch.Tab, string(deltaJSON),
	)
	return errors.Wrap(err, "store: save pending patch")
}

// DeleteOldPatches runs the retention sweep across every shadow store and
// pending_patches, deleting rows with _patchedAt < before.
func (s *Store) DeleteOldPatches(before HLC) error {
	for _, table := range s.planner.Tables() {
		tp, _ := s.planner.Plan(table)
		if _, err := s.db.Exec(tp.DeleteOldPatches, int64(before)); err != nil {
			return errors.Wrapf(err, "store: delete old patches from %s_patches", table)
		}
	}
	_, err := s.db.Exec(`DELETE FROM pending_patches WHERE _patchedAt < ?`, int64(before))
	return errors.Wrap(err, "store: delete old pending patches")
}

// patchRow is an intermediate scan target for GetPatchRange.
type patchRow struct {
	table string
	seq   uint64
	at    HLC
	peer  uint64
	cols  []string
	vals  []interface{}
}

// GetPatchRange answers a MISSING_PATCH request: it scans every shadow
// store for rows from peer with sequenceId in [minSeq, maxSeq], and
// returns them as ordered Patch envelopes, stamped with the current
// schema version so the receiving peer's SavePatch routes them straight
// into its own shadow store instead of pending_patches.
func (s *Store) GetPatchRange(peer, minSeq, maxSeq uint64) ([]Patch, error) {
	var all []patchRow

	for _, table := range s.planner.Tables() {
		tp, _ := s.planner.Plan(table)
		rows, err := s.db.Query(tp.GetPatchRangeTemplate, peer, minSeq, maxSeq)
		if err != nil {
			return nil, errors.Wrapf(err, "store: query patch range from %s_patches", table)
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				scanArgs := make([]interface{}, 3+len(tp.AllColumns))
				var seq, at, peerID int64
				scanArgs[0], scanArgs[1], scanArgs[2] = &seq, &at, &peerID
				vals := make([]interface{}, len(tp.AllColumns))
				for i := range vals {
					scanArgs[3+i] = &vals[i]
				}
				if err := rows.Scan(scanArgs...); err != nil {
					return err
				}
				all = append(all, patchRow{
					table: table, seq: uint64(seq), at: HLC(at), peer: uint64(peerID),
					cols: tp.AllColumns, vals: vals,
				})
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, errors.Wrapf(err, "store: scan patch range from %s_patches", table)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	version, err := s.currentSchemaVersion()
	if err != nil {
		return nil, err
	}

	out := make([]Patch, len(all))
	for i, r := range all {
		delta := make(Delta, len(r.cols))
		for j, c := range r.cols {
			delta[c] = r.vals[j]
		}
		out[i] = Patch{Type: MsgPatch, At: r.at, Peer: r.peer, Seq: r.seq, Ver: version, Tab: r.table, Delta: delta}
	}
	return out, nil
}

// currentSchemaVersion returns the highest migration id recorded, or 0 if
// none have run yet.
func (s *Store) currentSchemaVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM migrations`).Scan(&version)
	if err != nil {
		return 0, errors.Wrap(err, "store: read current schema version")
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
