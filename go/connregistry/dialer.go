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

package connregistry

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	_ pq.Dialer        = (*Dialer)(nil)
	_ pq.DialerContext = (*Dialer)(nil)
)

// Dialer dials sockets and records them in a Registry. It satisfies the
// lib/pq dialer interfaces so it can be handed to pq.Connector.Dialer.
type Dialer struct {
	Registry *Registry
	// Pool labels every socket this dialer opens.
	Pool string
	// KeepAlive is passed to net.Dialer. Zero uses the net package default.
	KeepAlive time.Duration
}

// Dial implements pq.Dialer.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialTimeout implements pq.Dialer.
func (d *Dialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.DialContext(ctx, network, address)
}

// DialContext implements pq.DialerContext.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	id := d.Registry.Register(d.Pool, network, address)

	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		d.Registry.Deregister(id)
		return nil, err
	}

	local := ""
	if addr := conn.LocalAddr(); addr != nil {
		local = addr.String()
	}
	d.Registry.MarkState(id, StateConnected, local)

	return &trackedConn{Conn: conn, id: id, registry: d.Registry}, nil
}

// trackedConn deregisters itself from the registry when closed.
type trackedConn struct {
	net.Conn
	id       uuid.UUID
	registry *Registry
	once     sync.Once
}

func (c *trackedConn) Close() error {
	c.registry.MarkState(c.id, StateClosing, "")
	err := c.Conn.Close()
	c.once.Do(func() { c.registry.Deregister(c.id) })
	return err
}
