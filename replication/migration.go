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

	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/utils/log"
)

// Migration is one versioned schema step: Up runs to move the schema
// forward to Version, Down reverses it.
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrator applies versioned migrations inside one transaction, then
// replans the Planner and folds back anything staged in pending_patches
// under the new schema.
type Migrator struct {
	db      *sql.DB
	planner *Planner
	applier *MergeApplier
	store   *Store
}

// NewMigrator returns a Migrator bound to its collaborators.
func NewMigrator(db *sql.DB, planner *Planner, applier *MergeApplier, store *Store) *Migrator {
	return &Migrator{db: db, planner: planner, applier: applier, store: store}
}

// CurrentVersion returns the highest migration id recorded, or 0 if none
// have run yet.
func (m *Migrator) CurrentVersion() (int, error) {
	var version sql.NullInt64
	err := m.db.QueryRow(`SELECT MAX(id) FROM migrations`).Scan(&version)
	if err != nil {
		return 0, errors.Wrap(err, "migration: read current version")
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Apply runs every migration in migrations (assumed sorted ascending by
// Version) whose Version is greater than the current one, each inside its
// own transaction alongside its migrations-table bookkeeping row ("one
// atomic transaction per migration"). On success it replans the table
// catalog and replays pending_patches written under the old schema
// (replayed eagerly on the next migration that advances the schema).
func (m *Migrator) Apply(migrations []Migration) error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	applied := false
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.applyOne(mig); err != nil {
			return errors.Wrapf(err, "migration: apply version %d", mig.Version)
		}
		applied = true
	}

	if !applied {
		return nil
	}

	if err := m.planner.Replan(m.db); err != nil {
		return errors.Wrap(err, "migration: replan after migration")
	}
	if err := m.applyPendingPatches(); err != nil {
		return errors.Wrap(err, "migration: replay pending patches")
	}
	return nil
}

func (m *Migrator) applyOne(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				log.Errorf("migration: rollback failed: %s", rerr)
			}
		}
	}()

	if _, err = tx.Exec(mig.Up); err != nil {
		return errors.Wrap(err, "exec up script")
	}
	if _, err = tx.Exec(`INSERT INTO migrations (id, up, down) VALUES (?, ?, ?)`, mig.Version, mig.Up, mig.Down); err != nil {
		return errors.Wrap(err, "record migration")
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	log.Infof("migration: applied version %d", mig.Version)
	return nil
}

// Rollback reverses migrations down to (and including) targetVersion+1,
// running each Down script in its own transaction in descending order.
func (m *Migrator) Rollback(targetVersion int) error {
	rows, err := m.db.Query(`SELECT id, down FROM migrations WHERE id > ? ORDER BY id DESC`, targetVersion)
	if err != nil {
		return errors.Wrap(err, "migration: list migrations to roll back")
	}
	type step struct {
		id int
		down string
	}
	var steps []step
	for rows.Next() {
		var s step
		if err := rows.Scan(&s.id, &s.down); err != nil {
			rows.Close()
			return errors.Wrap(err, "migration: scan rollback row")
		}
		steps = append(steps, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range steps {
		if err := m.rollbackOne(s.id, s.down); err != nil {
			return errors.Wrapf(err, "migration: roll back version %d", s.id)
		}
	}

	if len(steps) == 0 {
		return nil
	}
	if err := m.planner.Replan(m.db); err != nil {
		return errors.Wrap(err, "migration: replan after rollback")
	}
	return nil
}

func (m *Migrator) rollbackOne(id int, down string) (err error) {
	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				log.Errorf("migration: rollback failed: %s", rerr)
			}
		}
	}()

	if _, err = tx.Exec(down); err != nil {
		return errors.Wrap(err, "exec down script")
	}
	if _, err = tx.Exec(`DELETE FROM migrations WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "delete migration record")
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	log.Infof("migration: rolled back version %d", id)
	return nil
}

// applyPendingPatches drains pending_patches for every row whose
// patchVersion now matches the current schema (post-replan) into the
// matching shadow table, then folds each touched table.
func (m *Migrator) applyPendingPatches() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	rows, err := m.db.Query(
		`SELECT rowid, _patchedAt, _peerId, _sequenceId, tableName, delta FROM pending_patches WHERE patchVersion = ?`,
		current)
	if err != nil {
		return errors.Wrap(err, "query pending patches")
	}

	type staged struct {
		rowid int64
		patch Patch
	}
	var toApply []staged
	for rows.Next() {
		var rowid, at, peer, seq int64
		var table, deltaJSON string
		if err := rows.Scan(&rowid, &at, &peer, &seq, &table, &deltaJSON); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan pending patch")
		}
		var delta Delta
		if err := json.Unmarshal([]byte(deltaJSON), &delta); err != nil {
			rows.Close()
			return errors.Wrap(err, "unmarshal pending delta")
		}
		toApply = append(toApply, staged{rowid: rowid, patch: Patch{
			Type: MsgPatch, At: HLC(at), Peer: uint64(peer), Seq: uint64(seq), Ver: current, Tab: table, Delta: delta,
		}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	touched := make(map[string]bool)
	for _, s := range toApply {
		tp, known := m.planner.Plan(s.patch.Tab)
		if !known {
			continue
		}
		if err := m.store.saveToShadow(tp, s.patch); err != nil {
			return errors.Wrapf(err, "replay pending patch for %s", s.patch.Tab)
		}
		if _, err := m.db.Exec(`DELETE FROM pending_patches WHERE rowid = ?`, s.rowid); err != nil {
			return errors.Wrap(err, "delete replayed pending patch")
		}
		touched[s.patch.Tab] = true
	}

	for table := range touched {
		if err := m.applier.ApplyTable(table, 0); err != nil {
			return errors.Wrapf(err, "apply replayed patches for %s", table)
		}
	}
	if len(toApply) > 0 {
		log.Infof("migration: replayed %d pending patches across %d tables", len(toApply), len(touched))
	}
	return nil
}
