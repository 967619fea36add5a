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

import "github.com/pkg/errors"

// Configuration errors: surfaced synchronously to the caller.
var (
	// ErrNotMigrated is returned by Upsert before the first migration runs.
	ErrNotMigrated = errors.New("replication: database schema not yet migrated")
	// ErrUnknownTable is returned when a caller references a table with no
	// <table>_patches shadow table.
	ErrUnknownTable = errors.New("replication: unknown replicated table")
	// ErrNoStorage is returned when a node is constructed with a nil
	// database handle.
	ErrNoStorage = errors.New("replication: no storage configured")
)

// Migration errors.
var (
	// ErrMigrationFailed names a failed migration batch. Migrator.Apply and
	// Rollback return the wrapped driver error rather than this value, and
	// run each migration in its own transaction, so a failure leaves the
	// earlier migrations of the batch applied.
	ErrMigrationFailed = errors.New("replication: migration batch failed")
)

// Session-token errors.
var (
	// ErrSessionTimeout is returned when read-your-writes polling exceeds
	// its deadline without observing the requested sequence id.
	ErrSessionTimeout = errors.New("replication: read-your-writes deadline exceeded")
)
