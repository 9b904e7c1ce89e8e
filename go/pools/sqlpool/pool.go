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

// Package sqlpool adapts a database/sql pool to lifecycle.Pool.
//
// database/sql cannot stop handing out connections, so a coordinator closes
// these pools before a checkpoint and builds a new one after restore.
package sqlpool

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/lifecycle"
	"github.com/multigres/poolsnap/go/pools/pgconn"
)

var (
	_ lifecycle.Pool         = (*Pool)(nil)
	_ lifecycle.Introspector = (*Pool)(nil)
)

// ErrSuspensionNotSupported is returned by Suspend and Resume.
var ErrSuspensionNotSupported = errors.New("database/sql pools cannot be suspended")

// defaultMaxIdleConns matches database/sql's own default.
const defaultMaxIdleConns = 2

// Config holds everything needed to build, and rebuild, a pool.
type Config struct {
	Name string
	// DSN is a lib/pq connection string or URL.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	KeepAlive       time.Duration

	// Registry records the pool's sockets. If nil, the pool gets its own.
	Registry *connregistry.Registry

	Logger *slog.Logger
}

// Pool wraps a *sql.DB.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	db     *sql.DB

	// evictMu serializes SoftEvictIdle, which briefly changes the idle limit.
	evictMu sync.Mutex
	closed  atomic.Bool
}

// New opens a pool. No connection is opened until one is requested.
func New(cfg Config) (*Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = connregistry.New()
	}

	connector, err := pgconn.NewConnector(cfg.DSN, &connregistry.Dialer{
		Registry:  cfg.Registry,
		Pool:      cfg.Name,
		KeepAlive: cfg.KeepAlive,
	})
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(connector.Driver())
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("pool", cfg.Name),
		db:     db,
	}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Name implements lifecycle.Pool.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// RawState implements lifecycle.Pool. The pool is either normal (0) or shut
// down (2).
func (p *Pool) RawState() int32 {
	if p.closed.Load() {
		return 2
	}
	return 0
}

// Suspend implements lifecycle.Pool.
func (p *Pool) Suspend() error {
	return ErrSuspensionNotSupported
}

// Resume implements lifecycle.Pool.
func (p *Pool) Resume() error {
	return ErrSuspensionNotSupported
}

// SoftEvictIdle implements lifecycle.Pool. Idle connections are closed by
// dropping the idle limit to zero and restoring it. database/sql has no way
// to mark borrowed connections, so those are reused until they expire.
func (p *Pool) SoftEvictIdle() {
	p.evictMu.Lock()
	defer p.evictMu.Unlock()

	before := p.db.Stats().Idle
	p.db.SetMaxIdleConns(-1)
	p.db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	p.logger.Info("evicted idle connections", "closed", before)
}

// Close implements lifecycle.Pool.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}

// TotalConnections implements lifecycle.Pool.
func (p *Pool) TotalConnections() int {
	return p.db.Stats().OpenConnections
}

// ActiveConnections implements lifecycle.Pool.
func (p *Pool) ActiveConnections() int {
	return p.db.Stats().InUse
}

// IdleConnections implements lifecycle.Pool.
func (p *Pool) IdleConnections() int {
	return p.db.Stats().Idle
}

// SupportsSuspension implements lifecycle.Pool.
func (p *Pool) SupportsSuspension() bool {
	return false
}

// IdleTimeout implements lifecycle.Pool.
func (p *Pool) IdleTimeout() time.Duration {
	return p.cfg.ConnMaxIdleTime
}

// Reconstruct implements lifecycle.Pool.
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
