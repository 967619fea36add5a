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
	"sync"
	"time"

	"github.com/rowsync/rowsync/utils/log"
)

// Indices into a PeerStatSnapshot / PeerStat, in the fixed order of the
// ping wire five-tuple.
const (
	LastPatchAtTimestamp = iota
	LastSequenceID
	GuaranteedContiguousPatchAtTimestamp
	GuaranteedContiguousSequenceID
	LastMessageTimestamp
)

// PeerStat is the mutable, in-memory five-tuple of counters tracked per
// remote peer.
type PeerStat struct {
	LastPatchAt             HLC
	LastSeq                 uint64
	GuaranteedContiguousAt  HLC
	GuaranteedContiguousSeq uint64
	LastMessageMs           int64

	synced bool
}

// Snapshot returns the wire five-tuple for this peer stat.
func (p *PeerStat) Snapshot() PeerStatSnapshot {
	return PeerStatSnapshot{
		int64(p.LastPatchAt),
		int64(p.LastSeq),
		int64(p.GuaranteedContiguousAt),
		int64(p.GuaranteedContiguousSeq),
		p.LastMessageMs,
	}
}

// IsSynced reports whether the guaranteed-contiguous prefix has caught up
// to the highest sequence id ever seen from this peer ("Synced").
func (p *PeerStat) IsSynced() bool {
	return p.GuaranteedContiguousSeq == p.LastSeq
}

// SyncedHook is invoked exactly once per peer, the first time its
// guaranteed-contiguous prefix catches up to its last-seen sequence id
// ("synced(peerId)").
type SyncedHook func(peerID uint64)

// PeerStatTracker owns the peer-stat map and applies the per-message
// update rule below. Every method takes mu, so it is safe for concurrent
// use; the *PeerStat pointers returned by Get are shared, not copies.
type PeerStatTracker struct {
	mu       sync.Mutex
	stats    map[uint64]*PeerStat
	onSynced SyncedHook
	nowFunc  func() time.Time
}

// NewPeerStatTracker returns an empty tracker.
func NewPeerStatTracker() *PeerStatTracker {
	return &PeerStatTracker{
		stats:   make(map[uint64]*PeerStat),
		nowFunc: time.Now,
	}
}

// OnSynced registers the hook fired when a peer first becomes synced.
func (t *PeerStatTracker) OnSynced(hook SyncedHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSynced = hook
}

// Ensure creates a zeroed PeerStat for peerID if absent, as done when a
// socket is registered.
func (t *PeerStatTracker) Ensure(peerID uint64) *PeerStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(peerID)
}

func (t *PeerStatTracker) ensureLocked(peerID uint64) *PeerStat {
	ps, ok := t.stats[peerID]
	if !ok {
		ps = &PeerStat{}
		t.stats[peerID] = ps
	}
	return ps
}

// Get returns the PeerStat for peerID, or nil if unknown.
func (t *PeerStatTracker) Get(peerID uint64) (*PeerStat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.stats[peerID]
	return ps, ok
}

// All returns a snapshot copy of every tracked peer id.
func (t *PeerStatTracker) All() map[uint64]*PeerStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]*PeerStat, len(t.stats))
	for k, v := range t.stats {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Observe applies the inbound-message update rule for a PATCH or PING from
// peerID carrying sequence seq and clock at. It returns false if peerID is
// unknown: dropped with a debug log.
func (t *PeerStatTracker) Observe(peerID uint64, seq uint64, at HLC) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.stats[peerID]
	if !ok {
		log.Debugf("peerstat: message from unknown peer %d dropped", peerID)
		return false
	}

	ps.LastMessageMs = t.nowFunc().UnixMilli()

	if seq > ps.LastSeq {
		ps.LastSeq = seq
		ps.LastPatchAt = at
	}

	gap := int64(seq) - int64(ps.GuaranteedContiguousSeq)
	switch {
	case gap == 1:
		ps.GuaranteedContiguousSeq = seq
		ps.GuaranteedContiguousAt = at
		if !ps.synced && ps.IsSynced() {
			ps.synced = true
			if t.onSynced != nil {
				t.onSynced(peerID)
			}
		}
	case gap > 1:
		// Leave the guaranteed fields where they are; the gap resolves
		// only once missing sequences arrive and the next sweep runs.
	default:
		// seq <= GuaranteedContiguousSeq: duplicate, liveness already bumped.
	}

	return true
}

// MarkSynced force-sets the guaranteed-contiguous fields to the last-seen
// ones and fires the synced hook once, used by the gap detector for peers
// with no outstanding gap.
func (t *PeerStatTracker) MarkSynced(peerID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.stats[peerID]
	if !ok {
		return
	}
	ps.GuaranteedContiguousSeq = ps.LastSeq
	ps.GuaranteedContiguousAt = ps.LastPatchAt
	if ps.synced {
		return
	}
	ps.synced = true
	if t.onSynced != nil {
		t.onSynced(peerID)
	}
}

// BoundGap sets a peer's guaranteed-contiguous fields to the bound of its
// first observed gap ("first gap per peer bounds the safe prefix").
func (t *PeerStatTracker) BoundGap(peerID uint64, seq uint64, at HLC) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.ensureLocked(peerID)
	ps.GuaranteedContiguousSeq = seq
	ps.GuaranteedContiguousAt = at
}

// PeersWithGaps returns peer ids whose last-seen sequence exceeds their
// guaranteed-contiguous sequence, and the minimum GuaranteedContiguousAt
// among them -- the input to the gap-detection sweep.
func (t *PeerStatTracker) PeersWithGaps() (peers []uint64, fromTs HLC, any bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, ps := range t.stats {
		if ps.LastSeq > ps.GuaranteedContiguousSeq {
			peers = append(peers, id)
			if !any || ps.GuaranteedContiguousAt < fromTs {
				fromTs = ps.GuaranteedContiguousAt
			}
			any = true
		}
	}
	return
}
