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

	"github.com/pkg/errors"

	"github.com/rowsync/rowsync/utils/log"
)

// GapDetector finds holes in the per-peer sequence-id stream across every
// shadow store and pending_patches, and turns them into bounded
// MISSING_PATCH requests.
type GapDetector struct {
	db      *sql.DB
	planner *Planner
	stats   *PeerStatTracker

	// maxRequests bounds how many MISSING_PATCH requests one sweep emits,
	// protecting a peer that just reconnected after a long partition from
	// flooding itself with retransmission demands.
	maxRequests int
}

// NewGapDetector returns a GapDetector bounded to maxRequests requests per
// sweep; a non-positive value disables the bound.
func NewGapDetector(db *sql.DB, planner *Planner, stats *PeerStatTracker, maxRequests int) *GapDetector {
	return &GapDetector{db: db, planner: planner, stats: stats, maxRequests: maxRequests}
}

// DetectMissing scans for gaps among peers currently behind their
// last-seen sequence id, bounds the first gap per peer as the new
// guaranteed-contiguous floor (it cannot regress past a hole that is
// already outstanding), and returns the requests to send, capped at
// maxRequests with the overflow logged.
func (g *GapDetector) DetectMissing(selfPeer uint64) ([]MissingPatchRequest, error) {
	peers, fromTs, any := g.stats.PeersWithGaps()
	if !any {
		return nil, nil
	}
	peerSet := make(map[uint64]bool, len(peers))
	for _, p := range peers {
		peerSet[p] = true
	}

	nParts := len(g.planner.Tables()) + 1 // +1 for pending_patches
	args := make([]interface{}, nParts)
	for i := range args {
		args[i] = int64(fromTs)
	}
	rows, err := g.db.Query(g.planner.ListMissingSequenceIDsSQL(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "gap: query missing sequence ids")
	}
	defer rows.Close()

	seenFirstGap := make(map[uint64]bool, len(peers))
	var requests []MissingPatchRequest
	for rows.Next() {
		var peer uint64
		var seq, at, nbMissing int64
		if err := rows.Scan(&peer, &seq, &at, &nbMissing); err != nil {
			return nil, errors.Wrap(err, "gap: scan missing sequence id row")
		}
		if !peerSet[peer] {
			continue
		}
		if !seenFirstGap[peer] {
			seenFirstGap[peer] = true
			g.stats.BoundGap(peer, uint64(seq), HLC(at))
		}
		requests = append(requests, MissingPatchRequest{
			Type: MsgMissingPatch, Peer: peer, MinSeq: uint64(seq) + 1,
			MaxSeq: uint64(seq) + uint64(nbMissing), ForPeer: selfPeer,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "gap: iterate missing sequence ids")
	}

	if g.maxRequests > 0 && len(requests) > g.maxRequests {
		log.Warnf("gap: %d gaps found, capping retransmission requests to %d", len(requests), g.maxRequests)
		requests = requests[:g.maxRequests]
	}

	for _, p := range peers {
		if !seenFirstGap[p] {
			// PeersWithGaps and the gap query disagree; nothing to request
			// for this peer this sweep, so don't leave it starved forever.
			g.stats.MarkSynced(p)
		}
	}

	return requests, nil
}

// Respond answers an inbound MISSING_PATCH request with the patches this
// node holds for req.Peer in [req.MinSeq, req.MaxSeq].
func (g *GapDetector) Respond(store *Store, req MissingPatchRequest) ([]Patch, error) {
	return store.GetPatchRange(req.Peer, req.MinSeq, req.MaxSeq)
}
