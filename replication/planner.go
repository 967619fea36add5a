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
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/utils/log"
)

const shadowSuffix = "_patches"

// PrepareStatementHook lets the embedding application choose placeholder
// syntax ("a configurable prepare-statement hook"). The default yields a
// single "?" per column, which is what mattn/go-sqlite3 expects.
type PrepareStatementHook func(table, column string) string

func defaultPlaceholderHook(string, string) string { return "?" }

// TablePlan holds the compiled SQL templates for one replicated table.
type TablePlan struct {
	Table      string
	PKColumns  []string
	AllColumns []string // PK columns followed by non-key columns, in schema order

	SavePatch             string
	ApplyPatchesTemplate  string // has one "?" placeholder for fromTs
	DeleteOldPatches      string
	GetPatchRangeTemplate string // has three placeholders: peer, minSeq, maxSeq
}

// nonKeyColumns returns AllColumns minus PKColumns, preserving order.
func (p *TablePlan) nonKeyColumns() []string {
	pk := make(map[string]bool, len(p.PKColumns))
	for _, c := range p.PKColumns {
		pk[c] = true
	}
	var out []string
	for _, c := range p.AllColumns {
		if !pk[c] {
			out = append(out, c)
		}
	}
	return out
}

// Planner introspects the schema catalog and compiles per-table SQL plans
// plus the global plans that UNION ALL across every shadow store and the
// pending staging store.
type Planner struct {
	hook   PrepareStatementHook
	plans  map[string]*TablePlan
	tables []string // replicated table names, stable order
}

// NewPlanner returns a Planner using the given placeholder hook (nil uses
// the "?" default).
func NewPlanner(hook PrepareStatementHook) *Planner {
	if hook == nil {
		hook = defaultPlaceholderHook
	}
	return &Planner{hook: hook, plans: make(map[string]*TablePlan)}
}

// Plan returns the compiled plan for table, or nil if not planned.
func (p *Planner) Plan(table string) (*TablePlan, bool) {
	tp, ok := p.plans[table]
	return tp, ok
}

// Tables returns every replicated table name, in planning order.
func (p *Planner) Tables() []string {
	out := make([]string, len(p.tables))
	copy(out, p.tables)
	return out
}

// Replan enumerates every "<table>_patches" table in the catalog (except
// pending_patches), derives each base table's primary key and non-key
// columns, and recompiles every SQL template. It is idempotent and safe
// to call again after a schema migration.
func (p *Planner) Replan(db *sql.DB) (err error) {
	shadowTables, err := listShadowTables(db)
	if err != nil {
		return errors.Wrap(err, "planner: list shadow tables")
	}

	plans := make(map[string]*TablePlan, len(shadowTables))
	var order []string
	for _, shadow := range shadowTables {
		base := strings.TrimSuffix(shadow, shadowSuffix)
		pk, all, perr := introspectTable(db, base)
		if perr != nil {
			log.Warnf("planner: skipping %s: %v", base, perr)
			continue
		}
		tp := p.compile(base, pk, all)
		plans[base] = tp
		order = append(order, base)
	}

	p.plans = plans
	p.tables = order
	return nil
}

func (p *Planner) compile(table string, pk, all []string) *TablePlan {
	tp := &TablePlan{Table: table, PKColumns: pk, AllColumns: all}
	shadow := table + shadowSuffix
	nonKey := tp.nonKeyColumns()

	// savePatch: insert every shadow column plus provenance.
	shadowCols := append([]string{"_patchedAt", "_sequenceId", "_peerId"}, all...)
	placeholders := make([]string, len(shadowCols))
	for i, c := range shadowCols {
		placeholders[i] = p.hook(shadow, c)
	}
	tp.SavePatch = fmt.Sprintf(
		`INSERT INTO "%s" (%s) VALUES (%s)`,
		shadow, quoteIdents(shadowCols), strings.Join(placeholders, ", "),
	)

	// applyPatches(fromTs): fold the shadow store into the materialised
	// table with the keep_last aggregate, upserting on conflict.
	selectCols := make([]string, 0, len(all))
	for _, c := range pk {
		selectCols = append(selectCols, quoteIdent(c))
	}
	for _, c := range nonKey {
		selectCols = append(selectCols, fmt.Sprintf(
			`keep_last(%s, _patchedAt, _peerId, _sequenceId) AS %s`, quoteIdent(c), quoteIdent(c)))
	}
	var conflictSets []string
	for _, c := range nonKey {
		conflictSets = append(conflictSets, fmt.Sprintf(`%s=coalesce(excluded.%s, %s)`, quoteIdent(c), quoteIdent(c), quoteIdent(c)))
	}
	conflictClause := "DO NOTHING"
	if len(conflictSets) > 0 {
		conflictClause = "DO UPDATE SET " + strings.Join(conflictSets, ", ")
	}
	tp.ApplyPatchesTemplate = fmt.Sprintf(
		`INSERT INTO "%s" (%s) SELECT %s FROM "%s" WHERE _patchedAt >= %s GROUP BY %s `+
			`ON CONFLICT (%s) %s`,
		table, quoteIdents(all), strings.Join(selectCols, ", "), shadow, p.hook(shadow, "_patchedAt"),
		quoteIdents(pk), quoteIdents(pk), conflictClause,
	)

	tp.DeleteOldPatches = fmt.Sprintf(`DELETE FROM "%s" WHERE _patchedAt < %s`, shadow, p.hook(shadow, "_patchedAt"))

	tp.GetPatchRangeTemplate = fmt.Sprintf(
		`SELECT _sequenceId, _patchedAt, _peerId, %s FROM "%s" WHERE _peerId = %s AND _sequenceId BETWEEN %s AND %s ORDER BY _sequenceId`,
		quoteIdents(all), shadow, p.hook(shadow, "_peerId"), p.hook(shadow, "_sequenceId"), p.hook(shadow, "_sequenceId"),
	)

	return tp
}

func quoteIdent(c string) string { return fmt.Sprintf(`"%s"`, c) }

func quoteIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return strings.Join(out, ", ")
}

// listShadowTables returns every "<table>_patches" table name known to the
// catalog, excluding pending_patches.
func listShadowTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name LIKE '%' || ?`, shadowSuffix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if name == PendingPatchesTable {
			continue
		}
		if !strings.HasSuffix(name, shadowSuffix) {
			continue
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// introspectTable returns a base table's primary-key columns and the full
// ordered column list via PRAGMA table_info.
func introspectTable(db *sql.DB, table string) (pk []string, all []string, err error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info("%s")`, table))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type col struct {
		name    string
		pkOrder int
	}
	var cols []col
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pkOrder   int
		)
		if err = rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pkOrder); err != nil {
			return nil, nil, err
		}
		cols = append(cols, col{name: name, pkOrder: pkOrder})
		all = append(all, name)
	}
	if err = rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, errors.Errorf("table %q not found", table)
	}

	maxOrder := 0
	for _, c := range cols {
		if c.pkOrder > maxOrder {
			maxOrder = c.pkOrder
		}
	}
	for order := 1; order <= maxOrder; order++ {
		for _, c := range cols {
			if c.pkOrder == order {
				pk = append(pk, c.name)
			}
		}
	}
	if len(pk) == 0 {
		return nil, nil, errors.Errorf("table %q has no primary key", table)
	}
	return pk, all, nil
}

// ListMissingSequenceIDsSQL and GetLastPatchInfoSQL are built lazily from
// the current plan set since they UNION ALL across every shadow store
// plus pending_patches.

// ListMissingSequenceIDsSQL builds the UNION ALL query that finds every
// (peerId, sequenceId) gap across all shadow stores and pending_patches,
// starting at fromTs.
func (p *Planner) ListMissingSequenceIDsSQL() string {
	var parts []string
	for _, t := range p.tables {
		shadow := t + shadowSuffix
		parts = append(parts, fmt.Sprintf(
			`SELECT _peerId AS peer, _sequenceId AS seq, _patchedAt AS at FROM "%s" WHERE _patchedAt >= ?`, shadow))
	}
	parts = append(parts, fmt.Sprintf(
		`SELECT _peerId AS peer, _sequenceId AS seq, _patchedAt AS at FROM "%s" WHERE _patchedAt >= ?`, PendingPatchesTable))

	union := strings.Join(parts, " UNION ALL ")
	return fmt.Sprintf(`
WITH all_patches AS (%s),
ordered AS (
  SELECT peer, seq, at,
    LEAD(seq) OVER (PARTITION BY peer ORDER BY seq) AS next_seq
  FROM all_patches
)
SELECT peer, seq, at, (next_seq - seq - 1) AS nb_missing
FROM ordered
WHERE next_seq IS NOT NULL AND next_seq - seq > 1
ORDER BY peer, seq`, union)
}

// GetLastPatchInfoSQL builds the UNION ALL query returning the max
// patchedAt/sequenceId this node itself has produced, used to restore
// lastSequenceId/lastPatchAtTimestamp at startup.
func (p *Planner) GetLastPatchInfoSQL() string {
	var parts []string
	for _, t := range p.tables {
		shadow := t + shadowSuffix
		parts = append(parts, fmt.Sprintf(
			`SELECT _patchedAt AS at, _sequenceId AS seq FROM "%s" WHERE _peerId = ? AND _patchedAt >= ?`, shadow))
	}
	parts = append(parts, fmt.Sprintf(
		`SELECT _patchedAt AS at, _sequenceId AS seq FROM "%s" WHERE _peerId = ? AND _patchedAt >= ?`, PendingPatchesTable))
	union := strings.Join(parts, " UNION ALL ")
	return fmt.Sprintf(`SELECT COALESCE(MAX(at), 0), COALESCE(MAX(seq), 0) FROM (%s)`, union)
}
