// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lifecycle quiesces a connection pool before a process checkpoint
// and brings it back after restore.
//
// A checkpoint must not capture open sockets. Before the snapshot the
// Coordinator suspends the pool so it hands out no new connections, evicts
// the idle ones, and waits a bounded time for the borrowed ones to be
// returned and closed. If they are not, the pool is closed outright. After
// restore the Coordinator lifts the suspension, or rebuilds the pool if it
// had to be closed.
package lifecycle

import "fmt"

// PoolState is the health of a pool as seen by the coordinator.
type PoolState int

const (
	// Normal pools hand out connections.
	Normal PoolState = iota
	// Suspended pools keep their configuration but block new acquisitions.
	Suspended
	// ShutDown pools are closed for good and must be rebuilt.
	ShutDown
)

// Raw pool states as reported by Pool.RawState.
const (
	rawNormal    int32 = 0
	rawSuspended int32 = 1
	rawShutdown  int32 = 2
)

func (s PoolState) String() string {
	switch s {
	case Normal:
		return "normal"
	case Suspended:
		return "suspended"
	case ShutDown:
		return "shutdown"
	default:
		return fmt.Sprintf("PoolState(%d)", int(s))
	}
}

// MarshalText renders the state by name in YAML and JSON output.
func (s PoolState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PoolSnapshot is a point-in-time reading of a pool. The counts are read one
// after another and may be mutually inconsistent under load.
type PoolSnapshot struct {
	State             PoolState `yaml:"state" json:"state"`
	TotalConnections  int       `yaml:"total_connections" json:"total_connections"`
	ActiveConnections int       `yaml:"active_connections" json:"active_connections"`
	IdleConnections   int       `yaml:"idle_connections" json:"idle_connections"`
}

// QuiesceOutcome reports how a quiesce ended. Drained is false when the pool
// had to be closed with connections still open; RemainingConnections is the
// number that were open at that point.
type QuiesceOutcome struct {
	Drained              bool `yaml:"drained" json:"drained"`
	RemainingConnections int  `yaml:"remaining_connections" json:"remaining_connections"`
}

// ResumeAction is what Resume did to the pool.
type ResumeAction string

const (
	ResumeNoop          ResumeAction = "noop"
	ResumeLifted        ResumeAction = "resumed"
	ResumeReconstructed ResumeAction = "reconstructed"
	ResumeSkipped       ResumeAction = "skipped"
)
