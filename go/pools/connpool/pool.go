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

package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/poolsnap/go/pools/connstack"
	"github.com/multigres/poolsnap/go/tools/timer"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrTimeout is returned when no connection became available in time.
	ErrTimeout = errors.New("timeout waiting for connection")

	// ErrSuspensionNotAllowed is returned by Suspend on pools configured
	// without AllowSuspension.
	ErrSuspensionNotAllowed = errors.New("pool suspension is not allowed")
)

const (
	defaultCapacity     = 10
	minReapInterval     = 100 * time.Millisecond
	maxReapInterval     = 30 * time.Second
	defaultCloseWorkers = 8
)

// Config holds configuration for the connection pool.
type Config struct {
	// Name labels the pool in logs and metrics.
	Name string

	// Capacity is the maximum number of open connections. Defaults to 10.
	Capacity int

	// MaxIdle is the maximum number of idle connections to keep.
	// If 0, defaults to Capacity.
	MaxIdle int

	// IdleTimeout is how long a connection can be idle before being closed.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never closed due to age.
	MaxLifetime time.Duration

	// ConnectionTimeout bounds how long Get waits for a connection,
	// including the time spent suspended. If 0, only the caller's context
	// bounds the wait.
	ConnectionTimeout time.Duration

	// AllowSuspension enables Suspend and Resume.
	AllowSuspension bool

	// ReapInterval is how often idle connections are checked for expiry
	// and eviction. Defaults to half of IdleTimeout, clamped to [100ms, 30s].
	ReapInterval time.Duration

	// CloseWorkers bounds how many connections are closed concurrently
	// during eviction and shutdown. Defaults to 8.
	CloseWorkers int

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.Capacity {
		cfg.MaxIdle = cfg.Capacity
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = maxReapInterval
		if cfg.IdleTimeout > 0 {
			cfg.ReapInterval = min(max(cfg.IdleTimeout/2, minReapInterval), maxReapInterval)
		}
	}
	if cfg.CloseWorkers <= 0 {
		cfg.CloseWorkers = defaultCloseWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Pool is a connection pool with a suspend/resume lifecycle.
//
// Connections are created lazily by factory up to Capacity. Returned
// connections go onto a LIFO idle stack. A background reaper closes idle
// connections that outlived IdleTimeout or MaxLifetime, or that were evicted.
type Pool[C Connection] struct {
	cfg     Config
	logger  *slog.Logger
	factory func(context.Context) (C, error)

	idle connstack.Stack[*Pooled[C]]

	// slots holds one token per open connection and bounds them to Capacity.
	slots chan struct{}

	// mu protects all and wake.
	mu sync.Mutex
	// all is every open connection, borrowed or idle.
	all map[*Pooled[C]]struct{}
	// wake is closed and replaced whenever a waiter might make progress:
	// a connection was returned or closed, or the pool state changed.
	wake chan struct{}

	state    atomic.Int32
	total    atomic.Int64
	borrowed atomic.Int64
	waiting  atomic.Int64

	reaper  *timer.PeriodicRunner
	metrics *poolMetrics
}

// NewPool creates a pool in the normal state and starts its idle reaper.
// The factory is called to create new connections when needed.
func NewPool[C Connection](factory func(context.Context) (C, error), cfg Config) *Pool[C] {
	cfg = cfg.withDefaults()

	p := &Pool[C]{
		cfg:     cfg,
		logger:  cfg.Logger.With("pool", cfg.Name),
		factory: factory,
		slots:   make(chan struct{}, cfg.Capacity),
		all:     make(map[*Pooled[C]]struct{}),
		wake:    make(chan struct{}),
	}
	p.metrics = newPoolMetrics(cfg.Name, p.Stats)

	p.reaper = timer.NewPeriodicRunner(context.Background(), cfg.ReapInterval)
	p.reaper.Start(p.reap)
	return p
}

// Name returns the configured pool name.
func (p *Pool[C]) Name() string {
	return p.cfg.Name
}

// Config returns the effective configuration, defaults applied.
func (p *Pool[C]) Config() Config {
	return p.cfg
}

// State returns the current raw pool state.
func (p *Pool[C]) State() State {
	return State(p.state.Load())
}

// Get returns a connection from the pool, creating one if the pool is under
// capacity. While the pool is suspended, or at capacity, Get waits until a
// connection can be handed out or ctx (bounded by ConnectionTimeout) expires.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if p.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		defer cancel()
	}

	for {
		// Take the wake channel before checking anything so that an event
		// racing with the checks below still wakes us.
		wake := p.wakeChan()

		switch p.State() {
		case StateShutdown:
			return nil, ErrPoolClosed
		case StateNormal:
			if pooled, ok, err := p.tryGet(ctx); ok || err != nil {
				return pooled, err
			}
		}

		p.waiting.Add(1)
		select {
		case <-wake:
			p.waiting.Add(-1)
		case <-ctx.Done():
			p.waiting.Add(-1)
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}

// tryGet hands out an idle connection or creates a new one. It returns
// ok == false when the pool is at capacity with nothing idle.
func (p *Pool[C]) tryGet(ctx context.Context) (*Pooled[C], bool, error) {
	for {
		pooled, ok := p.idle.Pop()
		if !ok {
			break
		}
		if p.expired(pooled) || pooled.Conn().IsClosed() {
			_ = p.closeConn(pooled)
			continue
		}
		pooled.UpdateLastUsed()
		p.borrowed.Add(1)
		return pooled, true, nil
	}

	select {
	case p.slots <- struct{}{}:
	default:
		return nil, false, nil
	}

	conn, err := p.factory(ctx)
	if err != nil {
		<-p.slots
		p.broadcast()
		return nil, false, fmt.Errorf("failed to create connection: %w", err)
	}

	pooled := NewPooled(conn)
	p.mu.Lock()
	if p.State() == StateShutdown {
		p.mu.Unlock()
		_ = conn.Close()
		<-p.slots
		return nil, false, ErrPoolClosed
	}
	// The pool was suspended while factory ran. SoftEvict may already have
	// marked the open connections, so mark this one too.
	if p.State() != StateNormal {
		pooled.evicted.Store(true)
	}
	p.all[pooled] = struct{}{}
	p.mu.Unlock()

	p.borrowed.Add(1)
	p.total.Add(1)
	p.logger.Debug("opened connection", "conn_id", pooled.ID())
	return pooled, true, nil
}

// Put returns a borrowed connection to the pool. Connections that are
// evicted, expired, closed, or over MaxIdle are closed instead.
func (p *Pool[C]) Put(pooled *Pooled[C]) error {
	if pooled == nil {
		return nil
	}
	p.borrowed.Add(-1)

	if p.State() == StateShutdown {
		_ = p.closeConn(pooled)
		return ErrPoolClosed
	}

	if pooled.Evicted() || pooled.Conn().IsClosed() || p.expired(pooled) || p.idle.Len() >= p.cfg.MaxIdle {
		return p.closeConn(pooled)
	}

	pooled.UpdateLastUsed()
	p.idle.Push(pooled)
	p.broadcast()
	return nil
}

// Suspend stops the pool from handing out connections. Connections already
// borrowed are unaffected. Suspending a suspended pool is a no-op.
func (p *Pool[C]) Suspend() error {
	if !p.cfg.AllowSuspension {
		return ErrSuspensionNotAllowed
	}
	if p.state.CompareAndSwap(int32(StateNormal), int32(StateSuspended)) {
		p.logger.Info("pool suspended", "total", p.total.Load(), "active", p.borrowed.Load())
		return nil
	}
	if p.State() == StateShutdown {
		return ErrPoolClosed
	}
	return nil
}

// Resume lifts a suspension and wakes every waiting Get. Resuming a normal
// pool is a no-op.
func (p *Pool[C]) Resume() error {
	if !p.cfg.AllowSuspension {
		return ErrSuspensionNotAllowed
	}
	if p.state.CompareAndSwap(int32(StateSuspended), int32(StateNormal)) {
		p.broadcast()
		p.logger.Info("pool resumed", "waiting", p.waiting.Load())
		return nil
	}
	if p.State() == StateShutdown {
		return ErrPoolClosed
	}
	return nil
}

// SoftEvict marks every open connection for closure. Idle connections are
// closed immediately; borrowed ones are closed when they are returned.
// It returns the number of connections closed right away.
func (p *Pool[C]) SoftEvict() int {
	p.mu.Lock()
	for pooled := range p.all {
		pooled.evicted.Store(true)
	}
	p.mu.Unlock()

	idle := p.idle.Drain()
	if err := p.closeAll(idle); err != nil {
		p.logger.Warn("errors closing evicted connections", "err", err)
	}
	p.logger.Info("soft evicted connections", "closed_idle", len(idle), "remaining", p.total.Load())
	return len(idle)
}

// Close shuts the pool down and closes every connection, including the
// borrowed ones; their holders will see them as closed. Close returns the
// joined close errors, or ErrPoolClosed if the pool was already shut down.
func (p *Pool[C]) Close() error {
	for {
		old := p.state.Load()
		if State(old) == StateShutdown {
			return ErrPoolClosed
		}
		if p.state.CompareAndSwap(old, int32(StateShutdown)) {
			break
		}
	}

	p.reaper.Stop()
	p.broadcast()
	p.idle.Drain()

	p.mu.Lock()
	conns := make([]*Pooled[C], 0, len(p.all))
	for pooled := range p.all {
		conns = append(conns, pooled)
	}
	p.mu.Unlock()

	err := p.closeAll(conns)
	p.metrics.unregister()
	p.logger.Info("pool closed", "closed", len(conns))
	return err
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	total := p.total.Load()
	borrowed := p.borrowed.Load()
	return PoolStats{
		Total:   total,
		Active:  borrowed,
		Idle:    max(total-borrowed, 0),
		Waiting: p.waiting.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total   int64 // Open connections
	Active  int64 // Connections borrowed by clients
	Idle    int64 // Connections available in the pool
	Waiting int64 // Callers blocked in Get
}

func (p *Pool[C]) expired(pooled *Pooled[C]) bool {
	if p.cfg.MaxLifetime > 0 && pooled.Age() > p.cfg.MaxLifetime {
		return true
	}
	return p.cfg.IdleTimeout > 0 && pooled.IdleTime() > p.cfg.IdleTimeout
}

// reap closes idle connections that are evicted or expired.
func (p *Pool[C]) reap(context.Context) {
	stale := p.idle.RemoveIf(func(pooled *Pooled[C]) bool {
		return pooled.Evicted() || p.expired(pooled)
	})
	if len(stale) == 0 {
		return
	}
	if err := p.closeAll(stale); err != nil {
		p.logger.Warn("errors closing idle connections", "err", err)
	}
	p.logger.Debug("reaped idle connections", "closed", len(stale))
}

// closeConn closes a connection and releases its slot. Only the first call
// for a given connection has any effect.
func (p *Pool[C]) closeConn(pooled *Pooled[C]) error {
	if !pooled.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	delete(p.all, pooled)
	p.mu.Unlock()

	var err error
	if !pooled.Conn().IsClosed() {
		err = pooled.Conn().Close()
	}
	p.total.Add(-1)
	<-p.slots
	p.broadcast()

	if err != nil {
		return fmt.Errorf("closing connection %s: %w", pooled.ID(), err)
	}
	return nil
}

func (p *Pool[C]) wakeChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wake
}

func (p *Pool[C]) broadcast() {
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}
