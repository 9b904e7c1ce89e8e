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

// Package connregistry tracks the database sockets a process holds open.
//
// Pools hand a Dialer to their driver; every socket it dials registers itself
// and deregisters when closed. The registry answers "which sockets are still
// open" before and after a checkpoint, when no live socket may survive the
// snapshot.
package connregistry

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a tracked socket.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosing    State = "closing"
)

// ConnectionDescriptor describes one open socket.
type ConnectionDescriptor struct {
	ID         uuid.UUID `yaml:"id" json:"id"`
	Pool       string    `yaml:"pool" json:"pool"`
	Network    string    `yaml:"network" json:"network"`
	LocalAddr  string    `yaml:"local_addr,omitempty" json:"local_addr,omitempty"`
	RemoteAddr string    `yaml:"remote_addr" json:"remote_addr"`
	State      State     `yaml:"state" json:"state"`
	OpenedAt   time.Time `yaml:"opened_at" json:"opened_at"`
}

// Registry is the set of currently open sockets. The zero value is not
// usable; create one with New and share it between pools.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*ConnectionDescriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[uuid.UUID]*ConnectionDescriptor),
	}
}

// Register records a socket that is being opened and returns its ID.
func (r *Registry) Register(pool, network, remoteAddr string) uuid.UUID {
	d := &ConnectionDescriptor{
		ID:         uuid.New(),
		Pool:       pool,
		Network:    network,
		RemoteAddr: remoteAddr,
		State:      StateConnecting,
		OpenedAt:   time.Now(),
	}

	r.mu.Lock()
	r.conns[d.ID] = d
	r.mu.Unlock()
	return d.ID
}

// MarkState updates the state of a registered socket, and its local address
// if non-empty. Unknown IDs are ignored.
func (r *Registry) MarkState(id uuid.UUID, state State, localAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.conns[id]
	if !ok {
		return
	}
	d.State = state
	if localAddr != "" {
		d.LocalAddr = localAddr
	}
}

// Deregister removes a socket. It is safe to call more than once.
func (r *Registry) Deregister(id uuid.UUID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Len returns the number of open sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns a copy of every open socket, oldest first.
func (r *Registry) List() []ConnectionDescriptor {
	return r.list(func(*ConnectionDescriptor) bool { return true })
}

// ListPool returns the open sockets dialed on behalf of pool, oldest first.
func (r *Registry) ListPool(pool string) []ConnectionDescriptor {
	return r.list(func(d *ConnectionDescriptor) bool { return d.Pool == pool })
}

func (r *Registry) list(keep func(*ConnectionDescriptor) bool) []ConnectionDescriptor {
	r.mu.RLock()
	out := make([]ConnectionDescriptor, 0, len(r.conns))
	for _, d := range r.conns {
		if keep(d) {
			out = append(out, *d)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b ConnectionDescriptor) int {
		return a.OpenedAt.Compare(b.OpenedAt)
	})
	return out
}
