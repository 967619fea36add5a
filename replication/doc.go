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

// Package replication implements multi-writer, leaderless, eventually
// consistent replication on top of an embedded SQLite database.
//
// Every participating peer keeps a complete local copy of the replicated
// tables. Any peer may accept writes; peers exchange row-level patches over
// a pluggable transport; all correct peers converge to identical state
// without a coordinator. The package owns the patch pipeline, the hybrid
// logical clock, the last-writer-wins merge operator, gap detection and
// retransmission, schema-versioned staging, and the retention/heartbeat
// loop. It does not own the SQL engine's query surface, schema migrations
// driver wiring, or the network transport byte-pushing itself -- those are
// supplied by the embedder: an *sql.DB opened through EngineDriver(),
// Socket implementations registered with the Multiplexer, and the
// Migration list passed to Migrator.Apply.
package replication
