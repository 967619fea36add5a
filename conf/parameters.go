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

package conf

import "time"

// These parameters should be kept consistent across every peer; divergent
// peers still converge, but pick values that favor bounded staleness.
const (
	// DefaultHeartbeatInterval is the heartbeat scheduler tick.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultPatchApplyDelay is the merge-applier debounce window.
	DefaultPatchApplyDelay = 10 * time.Millisecond
	// DefaultMaxPatchRetention bounds shadow/pending patch history.
	DefaultMaxPatchRetention = 25 * time.Hour
	// DefaultRetentionSweepInterval is how often the retention sweep runs.
	DefaultRetentionSweepInterval = time.Hour
	// DefaultReadYourWriteTimeout bounds the read-your-writes backoff loop.
	DefaultReadYourWriteTimeout = 5 * time.Second
	// DefaultMaxRequestForMissingPatches caps gaps requested per sweep.
	DefaultMaxRequestForMissingPatches = 64
)

// HLCEpoch is the zero point of the hybrid logical clock: 2025-01-01 UTC,
// expressed as Unix milliseconds.
const HLCEpoch = 1735689600000
