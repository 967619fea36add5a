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
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/utils/log"
)

// MergeApplier folds a table's shadow store into its materialised rows via
// the planner's keep_last-driven ApplyPatchesTemplate. A run is
// always safe to repeat: the aggregate recomputes the LWW winner from
// scratch, so applying the same range twice is a no-op.
type MergeApplier struct {
	db      *sql.DB
	planner *Planner

	mu          sync.Mutex
	appliedFrom map[string]HLC // per-table highest fromTs applied so far
}

// NewMergeApplier returns a MergeApplier bound to db and planner.
func NewMergeApplier(db *sql.DB, planner *Planner) *MergeApplier {
	return &MergeApplier{db: db, planner: planner, appliedFrom: make(map[string]HLC)}
}

// ApplyTable runs table's ApplyPatchesTemplate over every shadow row with
// _patchedAt >= fromTs, then records fromTs if it is the highest applied so
// far. Local writes apply synchronously; remote writes go through the
// debounced path below.
func (m *MergeApplier) ApplyTable(table string, fromTs HLC) error {
	tp, ok := m.planner.Plan(table)
	if !ok {
		return errors.Wrapf(ErrUnknownTable, "merge: table %q", table)
	}

	if _, err := m.db.Exec(tp.ApplyPatchesTemplate, int64(fromTs)); err != nil {
		return errors.Wrapf(err, "merge: apply patches for %s", table)
	}

	m.mu.Lock()
	if fromTs > m.appliedFrom[table] {
		m.appliedFrom[table] = fromTs
	}
	m.mu.Unlock()
	return nil
}

// ApplyAll runs ApplyTable(table, 0) for every planned table, used after a
// migration replans the schema and pending patches are replayed.
func (m *MergeApplier) ApplyAll() error {
	for _, table := range m.planner.Tables() {
		if err := m.ApplyTable(table, 0); err != nil {
			return err
		}
	}
	return nil
}

// DebouncedApplier coalesces bursts of remote patches into a single apply
// pass per table per debounce window ("debounce remote-origin applies").
// Local writes bypass it and call MergeApplier.ApplyTable directly for
// read-your-writes.
type DebouncedApplier struct {
	applier *MergeApplier
	delay   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	lowest map[string]HLC
	closed bool
}

// NewDebouncedApplier returns a DebouncedApplier that folds a table delay
// after the first Schedule call since its previous flush.
func NewDebouncedApplier(applier *MergeApplier, delay time.Duration) *DebouncedApplier {
	return &DebouncedApplier{
		applier: applier,
		delay:   delay,
		timers:  make(map[string]*time.Timer),
		lowest:  make(map[string]HLC),
	}
}

// Schedule marks table dirty from fromTs and arms its debounce timer if
// none is already pending. Repeated calls within the debounce window only
// lower the pending low watermark -- the timer itself is untouched, so a
// sustained stream of inbound patches still flushes at most one debounce
// interval after the first of them arrived.
func (d *DebouncedApplier) Schedule(table string, fromTs HLC) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if cur, ok := d.lowest[table]; !ok || fromTs < cur {
		d.lowest[table] = fromTs
	}

	if _, pending := d.timers[table]; pending {
		return
	}
	d.timers[table] = time.AfterFunc(d.delay, func() { d.flush(table) })
}

func (d *DebouncedApplier) flush(table string) {
	d.mu.Lock()
	fromTs := d.lowest[table]
	delete(d.lowest, table)
	delete(d.timers, table)
	d.mu.Unlock()

	if err := d.applier.ApplyTable(table, fromTs); err != nil {
		log.Errorf("merge: debounced apply of %s failed: %s", table, err)
	}
}

// Close stops every pending timer without running a final apply; callers
// that need a clean shutdown should ApplyAll beforehand.
func (d *DebouncedApplier) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.lowest = make(map[string]HLC)
}
