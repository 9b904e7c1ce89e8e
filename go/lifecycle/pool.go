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

package lifecycle

import (
	"context"
	"time"

	"github.com/multigres/poolsnap/go/connregistry"
)

// Pool is the view of a connection pool the coordinator drives. The pool
// owns the thread safety of every method.
type Pool interface {
	// Name labels the pool in logs and metrics.
	Name() string

	// RawState returns 0 (normal), 1 (suspended) or 2 (shut down).
	RawState() int32

	// Suspend stops the pool from handing out connections. Acquisitions made
	// while suspended block until Resume.
	Suspend() error

	// Resume lifts a suspension.
	Resume() error

	// SoftEvictIdle closes idle connections now and marks borrowed ones to
	// close when they are returned.
	SoftEvictIdle()

	// Close closes the pool and every connection it holds. A closed pool
	// cannot be reopened.
	Close() error

	TotalConnections() int
	ActiveConnections() int
	IdleConnections() int

	// SupportsSuspension reports whether Suspend can be used.
	SupportsSuspension() bool

	// IdleTimeout is how long the pool lets a connection sit idle.
	IdleTimeout() time.Duration

	// Reconstruct builds a new, open pool from this pool's configuration.
	// It does not wait for connections to be established.
	Reconstruct(ctx context.Context) (Pool, error)
}

// Introspector is implemented by pools that can list their open sockets.
type Introspector interface {
	ListOpenConnections() []connregistry.ConnectionDescriptor
}
