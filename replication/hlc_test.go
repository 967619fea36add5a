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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

const testEpochMs = int64(1735689600000) // 2025-01-01 UTC

func TestHLCRoundTrip(t *testing.T) {
	Convey("Given an arbitrary (ms, counter) pair", t, func() {
		for ms := int64(0); ms < 1000; ms += 137 {
			for _, c := range []uint32{0, 1, 8191} {
				h := FromParts(ms, c)
				So(h.Timestamp(), ShouldEqual, ms)
				So(h.Counter(), ShouldEqual, c)
				So(h.UnixMs(testEpochMs), ShouldEqual, ms+testEpochMs)
			}
		}
	})
}

func TestClockCreateMonotonic(t *testing.T) {
	Convey("Given a clock pinned at a fixed wall time", t, func() {
		fixed := time.UnixMilli(testEpochMs + 1000)
		clk := NewClock(testEpochMs)
		clk.nowFunc = func() time.Time { return fixed }

		Convey("repeated Create() calls within the same ms are equal", func() {
			a := clk.Create()
			b := clk.Create()
			So(a, ShouldEqual, b)
			So(a.Timestamp(), ShouldEqual, 1000)
		})
	})

	Convey("Given a clock that has received a higher remote value", t, func() {
		fixed := time.UnixMilli(testEpochMs + 1000)
		clk := NewClock(testEpochMs)
		clk.nowFunc = func() time.Time { return fixed }

		remote := FromParts(1001, 0)
		clk.Receive(remote)

		Convey("Create() strictly exceeds the received value", func() {
			got := clk.Create()
			So(got, ShouldBeGreaterThan, remote)
		})
	})
}

func TestClockUnderSkew(t *testing.T) {
	Convey("Given inbound patches arriving out of wall-clock order (scenario 6)", t, func() {
		clk := NewClock(testEpochMs)
		wall := testEpochMs + 1000
		clk.nowFunc = func() time.Time { return time.UnixMilli(wall) }

		clk.Receive(FromParts(1001, 0))
		clk.Receive(FromParts(1000, 0))
		clk.Receive(FromParts(1001, 0))
		clk.Receive(FromParts(1001, 0))

		Convey("moving the wall clock backwards still yields a strictly increasing value", func() {
			clk.nowFunc = func() time.Time { return time.UnixMilli(wall - 100) }
			got := clk.Create()
			So(got, ShouldEqual, FromParts(1001, 1))
		})
	})
}

func TestReceiveNeverRegresses(t *testing.T) {
	Convey("Given a sequence of Receive calls with decreasing values", t, func() {
		clk := NewClock(testEpochMs)
		clk.Receive(FromParts(500, 10))
		before := clk.highestRemote
		clk.Receive(FromParts(100, 0))

		Convey("highestRemote never decreases", func() {
			So(clk.highestRemote, ShouldEqual, before)
		})
	})
}
