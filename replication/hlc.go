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

// HLC is a 53-bit hybrid logical clock: the high 40 bits encode
// milliseconds since the HLC epoch (2025-01-01 UTC), the low 13 bits are a
// causality counter in [0, 8191].
type HLC uint64

const (
	hlcCounterBits = 13
	hlcCounterMax  = (1 << hlcCounterBits) - 1
)

// FromParts builds an HLC value from a millisecond timestamp (since the HLC
// epoch, i.e. already shifted to wall_ms-HLC_EPOCH) and a counter.
func FromParts(ms int64, counter uint32) HLC {
	return HLC(uint64(ms)<<hlcCounterBits | uint64(counter)&hlcCounterMax)
}

// Counter returns the low 13-bit causality counter.
func (h HLC) Counter() uint32 {
	return uint32(uint64(h) & hlcCounterMax)
}

// Timestamp returns the high bits: milliseconds since the HLC epoch.
func (h HLC) Timestamp() int64 {
	return int64(uint64(h) >> hlcCounterBits)
}

// UnixMs returns the wall-clock Unix millisecond timestamp the value
// encodes: Timestamp() + HLC epoch.
func (h HLC) UnixMs(epochMs int64) int64 {
	return h.Timestamp() + epochMs
}

// Clock is a Hybrid Logical Clock bound to one peer. Every method takes mu,
// so it is safe for concurrent use from multiple goroutines.
type Clock struct {
	mu sync.Mutex

	epochMs       int64
	highestRemote HLC
	counter       uint32
	clockDriftHLC int64
	nowFunc       func() time.Time
}

// NewClock returns a Clock anchored at epochMs (Unix milliseconds of the
// HLC epoch).
func NewClock(epochMs int64) *Clock {
	return &Clock{
		epochMs: epochMs,
		nowFunc: time.Now,
	}
}

// Create mints a new HLC value for a local event. Two calls within the
// same wall millisecond with no intervening Receive return the same
// value -- local ordering within a millisecond is decided by the peer's
// sequenceId, not by the clock counter.
func (c *Clock) Create() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.nowFunc().UnixMilli() - c.epochMs
	now := HLC(uint64(nowMs) << hlcCounterBits)

	if now > c.highestRemote {
		c.counter = 0
		return now
	}

	c.counter++
	if c.counter > hlcCounterMax {
		log.Warnf("hlc: counter overflow at ms=%d, emitting value anyway", nowMs)
	}
	c.clockDriftHLC = int64(c.highestRemote) - int64(now)
	return c.highestRemote + HLC(c.counter)
}

// Receive folds a remote HLC value into the clock's view so that
// subsequent Create() calls are guaranteed to exceed it.
func (c *Clock) Receive(remote HLC) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.highestRemote && remote.Timestamp() > c.highestRemote.Timestamp() {
		c.counter = 0
	}
	if remote > c.highestRemote {
		c.highestRemote = remote
	}
}

// DriftMs returns the most recently observed clock drift, in milliseconds,
// between this peer's wall clock and the highest remote HLC seen. Used by
// the db_logical_clock_drift_max_seconds metric.
func (c *Clock) DriftMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockDriftHLC >> hlcCounterBits
}

// EpochMs returns the clock's HLC epoch, for UnixMs conversions.
func (c *Clock) EpochMs() int64 {
	return c.epochMs
}
