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
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rowsync/rowsync/conf"
)

func wallClockMs() int64 { return time.Now().UnixMilli() }

// direction labels the two counters that move in opposite ways across a
// socket.
const (
	directionSent     = "sent"
	directionReceived = "received"
)

// Metrics is the db_replication_* prometheus.Collector for one node,
// fed by PeerStatTracker, the transport layer and the session waiter
// rather than polled from a sleep loop ("Observability").
type Metrics struct {
	stats *PeerStatTracker

	messagesTotal          *prometheus.CounterVec
	retransmissionRequests *prometheus.CounterVec
	maintenanceTimeSeconds prometheus.Counter
	readYourWriteTimeouts  prometheus.Counter
	clockDriftMaxSeconds   prometheus.Gauge

	connectedPeersDesc *prometheus.Desc
	lagSecondsDesc     *prometheus.Desc

	maxDriftMillis int64 // atomically updated high-water mark
}

// NewMetrics wires a Metrics collector to stats, whose contents back the
// two gauges computed at scrape time.
func NewMetrics(stats *PeerStatTracker) *Metrics {
	return &Metrics{
		stats: stats,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_replication_messages_total",
			Help: "Count of replication protocol messages by direction.",
		}, []string{"direction"}),
		retransmissionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_replication_retransmission_requests_total",
			Help: "Count of MISSING_PATCH requests by direction.",
		}, []string{"direction"}),
		maintenanceTimeSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_maintenance_time_seconds_total",
			Help: "Cumulative time spent in retention sweeps.",
		}),
		readYourWriteTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_read_your_write_timeouts_total",
			Help: "Count of read-your-writes waits that expired before catching up.",
		}),
		clockDriftMaxSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_logical_clock_drift_max_seconds",
			Help: "Largest observed gap between this node's wall clock and its hybrid logical clock.",
		}),
		connectedPeersDesc: prometheus.NewDesc(
			"db_replication_connected_peers", "Number of peers this node tracks replication stats for.", nil, nil),
		lagSecondsDesc: prometheus.NewDesc(
			"db_replication_lag_seconds", "Seconds since the guaranteed-contiguous patch from a remote peer.",
			[]string{"remote_peer"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.messagesTotal.Describe(ch)
	m.retransmissionRequests.Describe(ch)
	m.maintenanceTimeSeconds.Describe(ch)
	m.readYourWriteTimeouts.Describe(ch)
	m.clockDriftMaxSeconds.Describe(ch)
	ch <- m.connectedPeersDesc
	ch <- m.lagSecondsDesc
}

// Collect implements prometheus.Collector, computing the two gauges from
// the live PeerStatTracker at scrape time.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.messagesTotal.Collect(ch)
	m.retransmissionRequests.Collect(ch)
	m.maintenanceTimeSeconds.Collect(ch)
	m.readYourWriteTimeouts.Collect(ch)
	m.clockDriftMaxSeconds.Collect(ch)

	all := m.stats.All()
	ch <- prometheus.MustNewConstMetric(m.connectedPeersDesc, prometheus.GaugeValue, float64(len(all)))

	nowMs := wallClockMs()
	for id, ps := range all {
		lagMs := nowMs - ps.GuaranteedContiguousAt.UnixMs(conf.HLCEpoch)
		if lagMs < 0 {
			lagMs = 0
		}
		ch <- prometheus.MustNewConstMetric(
			m.lagSecondsDesc, prometheus.GaugeValue, float64(lagMs)/1000, uint64ToKey(id))
	}
}

// ObserveMessage records one protocol message crossing the wire.
func (m *Metrics) ObserveMessage(direction string) {
	m.messagesTotal.WithLabelValues(direction).Inc()
}

// ObserveRetransmissionRequest records one MISSING_PATCH request sent or
// received.
func (m *Metrics) ObserveRetransmissionRequest(direction string) {
	m.retransmissionRequests.WithLabelValues(direction).Inc()
}

// ObserveMaintenanceSeconds adds elapsed to the maintenance-time counter.
func (m *Metrics) ObserveMaintenanceSeconds(elapsed float64) {
	m.maintenanceTimeSeconds.Add(elapsed)
}

// ObserveReadYourWriteTimeout records one expired read-your-writes wait.
func (m *Metrics) ObserveReadYourWriteTimeout() {
	m.readYourWriteTimeouts.Inc()
}

// ObserveClockDrift updates the high-water mark for logical-clock drift.
func (m *Metrics) ObserveClockDrift(driftMs int64) {
	for {
		cur := atomic.LoadInt64(&m.maxDriftMillis)
		if driftMs <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&m.maxDriftMillis, cur, driftMs) {
			m.clockDriftMaxSeconds.Set(float64(driftMs) / 1000)
			return
		}
	}
}
