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
	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/mterrors"
)

// Probe reads pool state. It never changes the pool.
type Probe struct{}

// Snapshot reads the pool's state and connection counts.
func (Probe) Snapshot(pool Pool) (PoolSnapshot, error) {
	if pool == nil {
		return PoolSnapshot{}, mterrors.MTP0002()
	}
	state, err := classify(pool.RawState())
	if err != nil {
		return PoolSnapshot{}, err
	}
	return PoolSnapshot{
		State:             state,
		TotalConnections:  pool.TotalConnections(),
		ActiveConnections: pool.ActiveConnections(),
		IdleConnections:   pool.IdleConnections(),
	}, nil
}

// Describe lists the pool's open sockets, or returns nil if the pool cannot
// report them.
func (Probe) Describe(pool Pool) []connregistry.ConnectionDescriptor {
	if in, ok := pool.(Introspector); ok {
		return in.ListOpenConnections()
	}
	return nil
}

func classify(raw int32) (PoolState, error) {
	switch raw {
	case rawNormal:
		return Normal, nil
	case rawSuspended:
		return Suspended, nil
	case rawShutdown:
		return ShutDown, nil
	default:
		return 0, mterrors.MTP0001(raw)
	}
}
