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

// Package pgpool is a suspendable PostgreSQL connection pool that a
// lifecycle.Coordinator can drive through checkpoint and restore.
package pgpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/lifecycle"
	"github.com/multigres/poolsnap/go/pools/connpool"
	"github.com/multigres/poolsnap/go/pools/pgconn"
)

var (
	_ lifecycle.Pool         = (*Pool)(nil)
	_ lifecycle.Introspector = (*Pool)(nil)
)

// Config holds everything needed to build, and rebuild, a pool.
type Config struct {
	// DSN is a lib/pq connection string or URL.
	DSN string

	// Pool configures the underlying connection pool. Pool.Name names the
	// pool in logs, metrics and the socket registry.
	Pool connpool.Config

	// MinIdle is how many connections Warm opens.
	MinIdle int

	// KeepAlive is the TCP keep-alive period of new sockets.
	KeepAlive time.Duration

	// Registry records the pool's sockets. If nil, the pool gets its own.
	Registry *connregistry.Registry

	Logger *slog.Logger
}

// Pool is a PostgreSQL connection pool.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	pool   *connpool.Pool[*pgconn.Conn]
}

// New creates a pool. No connection is opened until one is requested.
func New(cfg Config) (*Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = connregistry.New()
	}
	if cfg.Pool.Logger == nil {
		cfg.Pool.Logger = cfg.Logger
	}

	connector, err := pgconn.NewConnector(cfg.DSN, &connregistry.Dialer{
		Registry:  cfg.Registry,
		Pool:      cfg.Pool.Name,
		KeepAlive: cfg.KeepAlive,
	})
	if err != nil {
		return nil, err
	}

	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("pool", cfg.Pool.Name),
		pool:   connpool.NewPool(connector.Connect, cfg.Pool),
	}, nil
}

// Get borrows a connection. It blocks while the pool is suspended.
func (p *Pool) Get(ctx context.Context) (*connpool.Pooled[*pgconn.Conn], error) {
	return p.pool.Get(ctx)
}

// Put returns a connection borrowed with Get.
func (p *Pool) Put(conn *connpool.Pooled[*pgconn.Conn]) error {
	return p.pool.Put(conn)
}

// Warm opens up to MinIdle connections and returns them to the pool.
func (p *Pool) Warm(ctx context.Context) error {
	conns := make([]*connpool.Pooled[*pgconn.Conn], 0, p.cfg.MinIdle)
	var err error
	for range p.cfg.MinIdle {
		var c *connpool.Pooled[*pgconn.Conn]
		c, err = p.pool.Get(ctx)
		if err != nil {
			err = fmt.Errorf("warming pool %s: %w", p.Name(), err)
			break
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		_ = p.pool.Put(c)
	}
	if err == nil {
		p.logger.InfoContext(ctx, "pool warmed", "connections", len(conns))
	}
	return err
}

// Stats returns the underlying pool statistics.
func (p *Pool) Stats() connpool.PoolStats {
	return p.pool.Stats()
}

// Name implements lifecycle.Pool.
func (p *Pool) Name() string {
	return p.cfg.Pool.Name
}

// RawState implements lifecycle.Pool.
func (p *Pool) RawState() int32 {
	return int32(p.pool.State())
}

// Suspend implements lifecycle.Pool.
func (p *Pool) Suspend() error {
	return p.pool.Suspend()
}

// Resume implements lifecycle.Pool.
func (p *Pool) Resume() error {
	return p.pool.Resume()
}

// SoftEvictIdle implements lifecycle.Pool.
func (p *Pool) SoftEvictIdle() {
	p.pool.SoftEvict()
}

// Close implements lifecycle.Pool. Closing a closed pool is not an error.
func (p *Pool) Close() error {
	err := p.pool.Close()
	if errors.Is(err, connpool.ErrPoolClosed) {
		return nil
	}
	return err
}

// TotalConnections implements lifecycle.Pool.
func (p *Pool) TotalConnections() int {
	return int(p.pool.Stats().Total)
}

// ActiveConnections implements lifecycle.Pool.
func (p *Pool) ActiveConnections() int {
	return int(p.pool.Stats().Active)
}

// IdleConnections implements lifecycle.Pool.
func (p *Pool) IdleConnections() int {
	return int(p.pool.Stats().Idle)
}

// SupportsSuspension implements lifecycle.Pool.
func (p *Pool) SupportsSuspension() bool {
	return p.cfg.Pool.AllowSuspension
}

// IdleTimeout implements lifecycle.Pool.
func (p *Pool) IdleTimeout() time.Duration {
	return p.cfg.Pool.IdleTimeout
}

// Reconstruct implements lifecycle.Pool. The new pool shares this pool's
// configuration and socket registry.
func (p *Pool) Reconstruct(ctx context.Context) (lifecycle.Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fresh, err := New(p.cfg)
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// ListOpenConnections implements lifecycle.Introspector.
func (p *Pool) ListOpenConnections() []connregistry.ConnectionDescriptor {
	return p.cfg.Registry.ListPool(p.Name())
}
