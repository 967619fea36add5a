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
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rowsync/rowsync/conf"
	"github.com/rowsync/rowsync/utils/log"
	"github.com/rowsync/rowsync/utils/timer"
)

// HeartbeatScheduler drives the periodic, non-request-triggered work of a
// node: liveness pings, the retention sweep with its persistent snapshot,
// and gap scans.
type HeartbeatScheduler struct {
	SelfPeer  uint64
	Interval  time.Duration
	Retention time.Duration

	Clock   *Clock
	Store   *Store
	Stats   *PeerStatTracker
	Gap     *GapDetector
	Mux     *Multiplexer
	Metrics *Metrics

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	ticks   int64
}

// jitterFraction bounds how much a tick can be pulled early or delayed, to
// keep peers on the same interval from pinging in lockstep ("avoid
// thundering-herd pings").
const jitterFraction = 0.1

// Start launches the scheduler's tick loop; it is a no-op if already
// running.
func (h *HeartbeatScheduler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return
	}
	h.stop = make(chan struct{})
	h.stopped = make(chan struct{})
	go h.run(h.stop, h.stopped)
}

// Stop halts the tick loop and waits for it to exit.
func (h *HeartbeatScheduler) Stop() {
	h.mu.Lock()
	stop := h.stop
	stopped := h.stopped
	h.stop = nil
	h.stopped = nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

func (h *HeartbeatScheduler) run(stop, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-stop:
			return
		case <-time.After(h.jittered()):
			h.tick()
		}
	}
}

func (h *HeartbeatScheduler) jittered() time.Duration {
	delta := float64(h.Interval) * jitterFraction * (2*rand.Float64() - 1)
	return h.Interval + time.Duration(delta)
}

// tick runs one round of ping, gap-scan and (once every
// conf.DefaultRetentionSweepInterval worth of ticks, i.e. every 720th tick
// or once per hour at the default 5s interval) the retention sweep, which
// runs far less often than the heartbeat itself.
func (h *HeartbeatScheduler) tick() {
	h.mu.Lock()
	h.ticks++
	n := h.ticks
	h.mu.Unlock()

	h.broadcastPing()
	h.scanForGaps()

	sweepEveryNTicks := int64(1)
	if h.Interval > 0 && conf.DefaultRetentionSweepInterval > h.Interval {
		sweepEveryNTicks = int64(conf.DefaultRetentionSweepInterval / h.Interval)
	}
	if n%sweepEveryNTicks == 0 {
		h.sweepRetention()
	}
}

// broadcastPing sends every peer this node's view of every tracked peer's
// stats, both as a non-persistent PING (liveness) and, so a restarted peer
// can recover state, folded into the next persistent snapshot on the
// reserved table.
func (h *HeartbeatScheduler) broadcastPing() {
	all := h.Stats.All()
	payload := make(PingPayload, len(all))
	for id, ps := range all {
		payload[uint64ToKey(id)] = ps.Snapshot()
	}

	env := Envelope{Type: MsgPing, Peer: h.SelfPeer, At: h.Clock.Create()}
	env.Delta = pingPayloadToDelta(payload)
	h.Mux.Broadcast(env)
}

func pingPayloadToDelta(p PingPayload) Delta {
	d := make(Delta, len(p))
	for k, v := range p {
		d[k] = v
	}
	return d
}

func uint64ToKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// scanForGaps asks the GapDetector for outstanding holes and requests them
// from the peer that produced them.
func (h *HeartbeatScheduler) scanForGaps() {
	reqs, err := h.Gap.DetectMissing(h.SelfPeer)
	if err != nil {
		log.Errorf("heartbeat: gap scan failed: %s", err)
		return
	}
	for _, req := range reqs {
		env := FromMissingPatchRequest(req)
		if err := h.Mux.Send(req.Peer, env); err != nil {
			log.Warnf("heartbeat: could not request missing patches from peer %d: %s", req.Peer, err)
		}
	}
}

// sweepRetention deletes patches older than Retention and persists a
// snapshot of every peer's stats to the reserved table, so a cold-started
// node can restore roughly where it left off. Its wall time feeds
// db_maintenance_time_seconds_total.
func (h *HeartbeatScheduler) sweepRetention() {
	t := timer.NewTimer()

	cutoff := HLC(int64(h.Clock.Create()) - int64(h.Retention.Milliseconds())<<hlcCounterBits)
	if err := h.Store.DeleteOldPatches(cutoff); err != nil {
		log.Errorf("heartbeat: retention sweep failed: %s", err)
	}
	t.Add("delete_old_patches")

	all := h.Stats.All()
	payload := make(PingPayload, len(all))
	for id, ps := range all {
		payload[uint64ToKey(id)] = ps.Snapshot()
	}
	snapshot := Patch{
		Type: MsgPatch, At: h.Clock.Create(), Peer: h.SelfPeer, Tab: PendingTable,
		Delta: pingPayloadToDelta(payload),
	}
	if err := h.Store.saveToPending(snapshot); err != nil {
		log.Errorf("heartbeat: persist peer snapshot failed: %s", err)
	}
	t.Add("persist_snapshot")

	if h.Metrics != nil {
		total := t.ToMap()["total"]
		h.Metrics.ObserveMaintenanceSeconds(total.Seconds())
	}
	log.WithFields(t.ToLogFields()).Debug("heartbeat: retention sweep complete")
}
