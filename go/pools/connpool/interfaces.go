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

// Package connpool provides a generic connection pool that can be suspended,
// drained and resumed around a process checkpoint.
//
// A suspended pool keeps its configuration and its counters but hands out no
// connections: Get blocks until Resume (or the caller's context expires).
// SoftEvict marks every connection for closure so that, once the borrowed
// ones are returned, the pool holds no sockets at all.
package connpool

import "fmt"

// Connection represents a pooled database connection.
// Implementations must be safe for concurrent use by a single client.
type Connection interface {
	// IsClosed returns true if the connection has been closed.
	IsClosed() bool

	// Close closes the connection and releases associated resources.
	Close() error
}

// State is the raw pool state. The numbering is stable and reported as-is to
// lifecycle probes.
type State int32

const (
	StateNormal    State = 0
	StateSuspended State = 1
	StateShutdown  State = 2
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspended:
		return "suspended"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
