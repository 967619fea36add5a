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
	"context"
	"database/sql"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/conf"
	"github.com/rowsync/rowsync/utils/log"
)

// Node wires every replication collaborator (clock, planner, store, merge
// applier, peer-stat tracker, gap detector, transport multiplexer,
// migrator, heartbeat scheduler and metrics) into the single object an
// embedder constructs and drives.
type Node struct {
	cfg *conf.Config
	db  *sql.DB

	Clock     *Clock
	Planner   *Planner
	Store     *Store
	Applier   *MergeApplier
	Debounced *DebouncedApplier
	Stats     *PeerStatTracker
	Gap       *GapDetector
	Mux       *Multiplexer
	Migrator  *Migrator
	Heartbeat *HeartbeatScheduler
	Metrics   *Metrics

	selfSeq uint64 // atomically incremented, this node's own sequence counter
}

// New builds a Node bound to db, which must already have its keep_last
// aggregate available (i.e. opened via EngineDriver()); New creates the
// infra tables itself. A nil db yields ErrNoStorage. A zero cfg.ThisPeerID
// is replaced with one derived from the wall clock and random low bits.
// It does not start the heartbeat loop; call Start for that.
func New(cfg *conf.Config, db *sql.DB) (*Node, error) {
	if db == nil {
		return nil, ErrNoStorage
	}
	if cfg.ThisPeerID == 0 {
		cfg.ThisPeerID = uint64(time.Now().UnixMilli()-conf.HLCEpoch)<<hlcCounterBits | uint64(rand.Intn(8091))
	}
	if err := EnsureInfraTables(db); err != nil {
		return nil, err
	}

	planner := NewPlanner(nil)
	if err := planner.Replan(db); err != nil {
		return nil, errors.Wrap(err, "node: initial replan")
	}

	store := NewStore(db, planner)
	applier := NewMergeApplier(db, planner)
	stats := NewPeerStatTracker()
	for _, peer := range cfg.KnownPeers {
		stats.Ensure(peer.PeerID)
	}
	stats.Ensure(cfg.ThisPeerID)

	n := &Node{
		cfg:       cfg,
		db:        db,
		Clock:     NewClock(conf.HLCEpoch),
		Planner:   planner,
		Store:     store,
		Applier:   applier,
		Debounced: NewDebouncedApplier(applier, durationOrDefault(cfg.PatchApplyDelayMs, conf.DefaultPatchApplyDelay)),
		Stats:     stats,
		Gap:       NewGapDetector(db, planner, stats, maxRequestsOrDefault(cfg.MaxRequestForMissingPatches)),
		Migrator:  NewMigrator(db, planner, applier, store),
		Metrics:   NewMetrics(stats),
	}

	dispatch := &Dispatcher{
		OnPatch:        n.handleRemotePatch,
		OnPing:         n.handleRemotePing,
		OnMissingPatch: n.handleMissingPatch,
	}
	n.Mux = NewMultiplexer(NewCodec(cfg.SocketStringMode), dispatch)

	n.Heartbeat = &HeartbeatScheduler{
		SelfPeer:  cfg.ThisPeerID,
		Interval:  durationOrDefault(cfg.HeartbeatIntervalMs, conf.DefaultHeartbeatInterval),
		Retention: durationOrDefault(cfg.MaxPatchRetentionMs, conf.DefaultMaxPatchRetention),
		Clock:     n.Clock,
		Store:     store,
		Stats:     stats,
		Gap:       n.Gap,
		Mux:       n.Mux,
		Metrics:   n.Metrics,
	}

	if err := n.restoreSelfSeq(); err != nil {
		return nil, err
	}
	return n, nil
}

func durationOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func maxRequestsOrDefault(n int) int {
	if n <= 0 {
		return conf.DefaultMaxRequestForMissingPatches
	}
	return n
}

// restoreSelfSeq recovers this node's own last sequence id from its own
// shadow stores at startup, so a restart doesn't reuse a sequence number.
func (n *Node) restoreSelfSeq() error {
	var at, seq int64
	nParts := len(n.Planner.Tables()) + 1 // +1 for pending_patches
	args := make([]interface{}, 0, 2*nParts)
	for i := 0; i < nParts; i++ {
		args = append(args, n.cfg.ThisPeerID, int64(0))
	}
	row := n.db.QueryRow(n.Planner.GetLastPatchInfoSQL(), args...)
	if err := row.Scan(&at, &seq); err != nil {
		return errors.Wrap(err, "node: restore self sequence")
	}
	atomic.StoreUint64(&n.selfSeq, uint64(seq))
	self, _ := n.Stats.Get(n.cfg.ThisPeerID)
	if self != nil {
		self.LastSeq = uint64(seq)
		self.LastPatchAt = HLC(at)
		self.GuaranteedContiguousSeq = uint64(seq)
		self.GuaranteedContiguousAt = HLC(at)
	}
	return nil
}

// Start launches the heartbeat scheduler, unless cfg.HeartbeatIntervalMs
// is 0, which disables it.
func (n *Node) Start() {
	if n.cfg.HeartbeatIntervalMs == 0 {
		return
	}
	n.Heartbeat.Start()
}

// Stop halts the heartbeat scheduler, flushes any debounced applies, and
// closes every transport socket.
func (n *Node) Stop() {
	n.Heartbeat.Stop()
	n.Debounced.Close()
	if err := n.Applier.ApplyAll(); err != nil {
		log.Errorf("node: final apply on stop failed: %s", err)
	}
	n.Mux.CloseAll()
}

// CurrentVersion exposes the schema version patches are stamped with.
func (n *Node) CurrentVersion() (int, error) { return n.Migrator.CurrentVersion() }

// Upsert writes a local change to table, assigning it the next HLC
// timestamp and this node's next sequence id, applying it synchronously so
// a subsequent local read observes it immediately, and broadcasting it to
// every connected peer.
func (n *Node) Upsert(table string, delta Delta) (SessionToken, error) {
	version, err := n.CurrentVersion()
	if err != nil {
		return "", err
	}

	seq := atomic.AddUint64(&n.selfSeq, 1)
	at := n.Clock.Create()
	patch := Patch{Type: MsgPatch, At: at, Peer: n.cfg.ThisPeerID, Seq: seq, Ver: version, Tab: table, Delta: delta}

	if err := n.Store.SavePatch(patch, version); err != nil {
		return "", err
	}
	if err := n.Applier.ApplyTable(table, at); err != nil {
		return "", err
	}

	if self, ok := n.Stats.Get(n.cfg.ThisPeerID); ok {
		self.LastSeq, self.LastPatchAt = seq, at
		self.GuaranteedContiguousSeq, self.GuaranteedContiguousAt = seq, at
	}

	n.Mux.Broadcast(FromPatch(patch))
	n.Metrics.ObserveMessage(directionSent)

	return NewSessionToken(n.cfg.ThisPeerID, seq), nil
}

// WaitFor blocks until tok's write is guaranteed applied locally, or ctx
// expires, or cfg.ReadYourWriteTimeoutMs (5s by default) passes. A malformed tok is treated as no token at all and lets the
// request through; a tok naming a peer this node has no stats for yet is
// treated as best-effort consistent rather than a hard failure.
func (n *Node) WaitFor(ctx context.Context, tok SessionToken) error {
	peerID, _, err := tok.Parse()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, durationOrDefault(n.cfg.ReadYourWriteTimeoutMs, conf.DefaultReadYourWriteTimeout))
	defer cancel()
	err = WaitReadYourWrites(ctx, func() (bool, error) {
		stat, ok := n.Stats.Get(peerID)
		if !ok {
			return true, nil
		}
		return tok.SatisfiedBy(stat)
	})
	if err != nil {
		n.Metrics.ObserveReadYourWriteTimeout()
	}
	return err
}

func (n *Node) handleRemotePatch(peer uint64, p Patch) {
	n.Metrics.ObserveMessage(directionReceived)
	if p.Peer == n.cfg.ThisPeerID {
		// Our own patch looped back through a cyclic peer graph; drop it
		// to avoid amplifying it around the cycle.
		return
	}
	n.Clock.Receive(p.At)
	n.Metrics.ObserveClockDrift(n.Clock.DriftMs())

	version, err := n.CurrentVersion()
	if err != nil {
		log.Errorf("node: read schema version for inbound patch failed: %s", err)
		return
	}
	if err := n.Store.SavePatch(p, version); err != nil {
		log.Errorf("node: save inbound patch failed: %s", err)
		return
	}
	n.Stats.Observe(peer, p.Seq, p.At)
	if p.Tab != PendingTable {
		n.Debounced.Schedule(p.Tab, p.At)
	}
}

func (n *Node) handleRemotePing(peer uint64, payload PingPayload) {
	n.Metrics.ObserveMessage(directionReceived)
	// A ping only refreshes liveness; it carries no new patch to fold in,
	// so it re-observes the peer's own last-known (seq, at) pair.
	if stat, ok := n.Stats.Get(peer); ok {
		n.Stats.Observe(peer, stat.LastSeq, stat.LastPatchAt)
	}
}

func (n *Node) handleMissingPatch(peer uint64, req MissingPatchRequest) {
	n.Metrics.ObserveMessage(directionReceived)
	n.Metrics.ObserveRetransmissionRequest(directionReceived)

	patches, err := n.Gap.Respond(n.Store, req)
	if err != nil {
		log.Errorf("node: respond to missing-patch request from peer %d failed: %s", peer, err)
		return
	}
	for _, p := range patches {
		if err := n.Mux.Send(req.ForPeer, FromPatch(p)); err != nil {
			log.Warnf("node: could not resend patch seq %d to peer %d: %s", p.Seq, req.ForPeer, err)
		}
		n.Metrics.ObserveMessage(directionSent)
	}
	n.Metrics.ObserveRetransmissionRequest(directionSent)
}
