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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/crac"
	"github.com/multigres/poolsnap/go/mterrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePool is a Pool whose counters are driven by the test.
type fakePool struct {
	name               string
	supportsSuspension bool
	idleTimeout        time.Duration

	// returnAfter, if set, returns every borrowed connection this long
	// after SoftEvictIdle. Zero means borrowed connections leak.
	returnAfter time.Duration

	suspendErr     error
	resumeErr      error
	closeErr       error
	reconstructErr error
	// stuckSuspended makes Resume succeed without changing state.
	stuckSuspended bool

	state  atomic.Int32
	active atomic.Int64
	idle   atomic.Int64

	suspends     atomic.Int32
	resumes      atomic.Int32
	evictions    atomic.Int32
	closes       atomic.Int32
	reconstructs atomic.Int32

	sockets []connregistry.ConnectionDescriptor
}

var (
	_ Pool         = (*fakePool)(nil)
	_ Introspector = (*fakePool)(nil)
)

func newFakePool(idle, active int) *fakePool {
	p := &fakePool{
		name:               "orders",
		supportsSuspension: true,
		idleTimeout:        5 * time.Second,
	}
	p.idle.Store(int64(idle))
	p.active.Store(int64(active))
	return p
}

func (p *fakePool) Name() string    { return p.name }
func (p *fakePool) RawState() int32 { return p.state.Load() }

func (p *fakePool) Suspend() error {
	p.suspends.Add(1)
	if p.suspendErr != nil {
		return p.suspendErr
	}
	p.state.CompareAndSwap(0, 1)
	return nil
}

func (p *fakePool) Resume() error {
	p.resumes.Add(1)
	if p.resumeErr != nil {
		return p.resumeErr
	}
	if !p.stuckSuspended {
		p.state.CompareAndSwap(1, 0)
	}
	return nil
}

func (p *fakePool) SoftEvictIdle() {
	p.evictions.Add(1)
	p.idle.Store(0)
	if p.returnAfter > 0 {
		time.AfterFunc(p.returnAfter, func() { p.active.Store(0) })
	}
}

func (p *fakePool) Close() error {
	p.closes.Add(1)
	p.state.Store(2)
	p.idle.Store(0)
	p.active.Store(0)
	return p.closeErr
}

func (p *fakePool) TotalConnections() int  { return int(p.active.Load() + p.idle.Load()) }
func (p *fakePool) ActiveConnections() int { return int(p.active.Load()) }
func (p *fakePool) IdleConnections() int   { return int(p.idle.Load()) }
func (p *fakePool) SupportsSuspension() bool {
	return p.supportsSuspension
}
func (p *fakePool) IdleTimeout() time.Duration { return p.idleTimeout }

func (p *fakePool) Reconstruct(context.Context) (Pool, error) {
	p.reconstructs.Add(1)
	if p.reconstructErr != nil {
		return nil, p.reconstructErr
	}
	return &fakePool{
		name:               p.name,
		supportsSuspension: p.supportsSuspension,
		idleTimeout:        p.idleTimeout,
	}, nil
}

func (p *fakePool) ListOpenConnections() []connregistry.ConnectionDescriptor {
	return p.sockets
}

func fastConfig() Config {
	return Config{PollInterval: 100 * time.Millisecond, GracePeriod: time.Second}
}

func requireState(t *testing.T, c *Coordinator, want PoolState) {
	t.Helper()
	snap, err := c.Snapshot()
	require.NoError(t, err)
	require.Equal(t, want, snap.State)
}

func TestQuiesceDrainsIdlePool(t *testing.T) {
	pool := newFakePool(2, 0)
	c := NewCoordinator(pool, fastConfig())

	start := time.Now()
	out, err := c.Quiesce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, QuiesceOutcome{Drained: true, RemainingConnections: 0}, out)
	assert.Equal(t, int32(1), pool.suspends.Load())
	assert.Equal(t, int32(1), pool.evictions.Load())
	assert.Equal(t, int32(0), pool.closes.Load())
	requireState(t, c, Suspended)

	require.NoError(t, c.Resume(context.Background()))
	requireState(t, c, Normal)
	assert.Same(t, pool, c.Pool())
	assert.Equal(t, int32(0), pool.reconstructs.Load())
}

func TestQuiesceWithoutSuspensionClosesPool(t *testing.T) {
	pool := newFakePool(1, 0)
	pool.supportsSuspension = false
	c := NewCoordinator(pool, fastConfig())

	start := time.Now()
	out, err := c.Quiesce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "no drain wait")

	assert.Equal(t, QuiesceOutcome{Drained: false, RemainingConnections: 1}, out)
	assert.Equal(t, int32(0), pool.suspends.Load())
	assert.Equal(t, int32(1), pool.closes.Load())
	requireState(t, c, ShutDown)

	require.NoError(t, c.Resume(context.Background()))
	requireState(t, c, Normal)
	assert.Equal(t, int32(1), pool.reconstructs.Load())

	fresh := c.Pool()
	assert.NotSame(t, pool, fresh)
	assert.Equal(t, pool.Name(), fresh.Name())
	assert.Equal(t, pool.IdleTimeout(), fresh.IdleTimeout())
}

func TestQuiesceWithoutSuspensionEmptyPool(t *testing.T) {
	pool := newFakePool(0, 0)
	pool.supportsSuspension = false
	c := NewCoordinator(pool, fastConfig())

	out, err := c.Quiesce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QuiesceOutcome{Drained: true, RemainingConnections: 0}, out)
	requireState(t, c, ShutDown)
}

func TestQuiesceLeakedConnectionEscalates(t *testing.T) {
	pool := newFakePool(0, 1)
	pool.idleTimeout = 100 * time.Millisecond
	c := NewCoordinator(pool, fastConfig())

	start := time.Now()
	out, err := c.Quiesce(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, elapsed, 1100*time.Millisecond)
	assert.Less(t, elapsed, 1600*time.Millisecond)
	assert.Equal(t, QuiesceOutcome{Drained: false, RemainingConnections: 1}, out)
	assert.Equal(t, int32(1), pool.closes.Load())
	requireState(t, c, ShutDown)
}

func TestQuiesceDrainsBeforeDeadline(t *testing.T) {
	pool := newFakePool(1, 2)
	pool.idleTimeout = 2 * time.Second
	pool.returnAfter = 150 * time.Millisecond
	c := NewCoordinator(pool, fastConfig())

	start := time.Now()
	out, err := c.Quiesce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, out.Drained)
	assert.Equal(t, 0, out.RemainingConnections)
	assert.Equal(t, int32(0), pool.closes.Load(), "a pool that drains in time is never closed")
	requireState(t, c, Suspended)
}

func TestQuiesceIdempotentWhenSuspended(t *testing.T) {
	pool := newFakePool(2, 0)
	c := NewCoordinator(pool, fastConfig())

	_, err := c.Quiesce(context.Background())
	require.NoError(t, err)

	first, err := c.Quiesce(context.Background())
	require.NoError(t, err)
	for range 3 {
		again, err := c.Quiesce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, QuiesceOutcome{Drained: true, RemainingConnections: 0}, first)
	assert.Equal(t, int32(1), pool.suspends.Load())
	assert.Equal(t, int32(1), pool.evictions.Load())
	assert.Equal(t, int32(0), pool.closes.Load())
	requireState(t, c, Suspended)
}

func TestQuiesceNoopWhenShutDown(t *testing.T) {
	pool := newFakePool(0, 0)
	pool.state.Store(2)
	c := NewCoordinator(pool, fastConfig())

	out, err := c.Quiesce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QuiesceOutcome{Drained: true}, out)
	assert.Equal(t, int32(0), pool.closes.Load())
}

func TestResumeAfterQuiesceAlwaysNormal(t *testing.T) {
	tests := []struct {
		name string
		pool func() *fakePool
	}{
		{
			name: "drained",
			pool: func() *fakePool { return newFakePool(3, 0) },
		},
		{
			name: "escalated",
			pool: func() *fakePool {
				p := newFakePool(1, 1)
				p.idleTimeout = 10 * time.Millisecond
				return p
			},
		},
		{
			name: "no suspension",
			pool: func() *fakePool {
				p := newFakePool(1, 1)
				p.supportsSuspension = false
				return p
			},
		},
		{
			name: "suspend refused",
			pool: func() *fakePool {
				p := newFakePool(1, 0)
				p.suspendErr = errors.New("not now")
				return p
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(tt.pool(), fastConfig())
			_, err := c.Quiesce(context.Background())
			require.NoError(t, err)
			require.NoError(t, c.Resume(context.Background()))
			requireState(t, c, Normal)
		})
	}
}

func TestResumeNormalIsNoop(t *testing.T) {
	pool := newFakePool(1, 1)
	c := NewCoordinator(pool, fastConfig())

	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, int32(0), pool.resumes.Load())
	assert.Equal(t, int32(0), pool.reconstructs.Load())
	assert.Same(t, pool, c.Pool())
}

func TestUnexpectedPoolState(t *testing.T) {
	pool := newFakePool(0, 0)
	pool.state.Store(7)
	c := NewCoordinator(pool, fastConfig())

	_, err := c.Quiesce(context.Background())
	require.ErrorIs(t, err, mterrors.MTP0001())
	assert.Contains(t, err.Error(), "unexpected pool state 7")

	err = c.Resume(context.Background())
	assert.True(t, mterrors.IsError(err, "MTP0001"))
	assert.Equal(t, mterrors.CodeInternal, mterrors.CodeOf(err))

	assert.Equal(t, int32(0), pool.suspends.Load())
	assert.Equal(t, int32(0), pool.closes.Load())
}

func TestNilPool(t *testing.T) {
	c := NewCoordinator(nil, fastConfig())

	_, err := c.Quiesce(context.Background())
	require.ErrorIs(t, err, mterrors.MTP0002())
	require.ErrorIs(t, c.Resume(context.Background()), mterrors.MTP0002())
	assert.Equal(t, mterrors.CodeInvalidArgument, mterrors.CodeOf(err))
}

func TestQuiesceContextCancelEscalates(t *testing.T) {
	pool := newFakePool(0, 1)
	pool.idleTimeout = 10 * time.Second
	c := NewCoordinator(pool, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := c.Quiesce(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, QuiesceOutcome{Drained: false, RemainingConnections: 1}, out)
	requireState(t, c, ShutDown)
}

func TestForcedCloseFailure(t *testing.T) {
	boom := errors.New("socket stuck")
	pool := newFakePool(1, 0)
	pool.supportsSuspension = false
	pool.closeErr = boom
	c := NewCoordinator(pool, fastConfig())

	out, err := c.Quiesce(context.Background())
	require.ErrorIs(t, err, mterrors.MTP0003(nil))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "forced close of pool orders failed")
	assert.Equal(t, 1, out.RemainingConnections)
}

func TestSuspendFailureEscalates(t *testing.T) {
	pool := newFakePool(2, 0)
	pool.suspendErr = errors.New("suspension disabled")
	c := NewCoordinator(pool, fastConfig())

	out, err := c.Quiesce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QuiesceOutcome{Drained: false, RemainingConnections: 2}, out)
	assert.Equal(t, int32(0), pool.evictions.Load())
	assert.Equal(t, int32(1), pool.closes.Load())
	requireState(t, c, ShutDown)
}

func TestReconstructFailure(t *testing.T) {
	boom := errors.New("database unreachable")
	pool := newFakePool(0, 0)
	pool.state.Store(2)
	pool.reconstructErr = boom
	c := NewCoordinator(pool, fastConfig())

	err := c.Resume(context.Background())
	require.ErrorIs(t, err, mterrors.MTP0004(nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, mterrors.CodeUnavailable, mterrors.CodeOf(err))
	assert.Same(t, pool, c.Pool())
}

func TestResumeFailure(t *testing.T) {
	boom := errors.New("refused")
	pool := newFakePool(0, 0)
	pool.state.Store(1)
	pool.resumeErr = boom
	c := NewCoordinator(pool, fastConfig())

	err := c.Resume(context.Background())
	require.ErrorIs(t, err, mterrors.MTP0005(nil))
	require.ErrorIs(t, err, boom)

	pool.resumeErr = nil
	pool.stuckSuspended = true
	err = c.Resume(context.Background())
	require.ErrorIs(t, err, mterrors.MTP0005(nil))
	assert.Contains(t, err.Error(), "pool reports suspended after resume")
}

func TestResumeSuspendedOnlyPolicy(t *testing.T) {
	pool := newFakePool(0, 0)
	pool.state.Store(2)
	cfg := fastConfig()
	cfg.ResumePolicy = ResumeSuspendedOnly
	c := NewCoordinator(pool, cfg)

	require.NoError(t, c.Resume(context.Background()))
	requireState(t, c, ShutDown)
	assert.Equal(t, int32(0), pool.reconstructs.Load())

	suspended := newFakePool(0, 0)
	suspended.state.Store(1)
	c = NewCoordinator(suspended, cfg)
	require.NoError(t, c.Resume(context.Background()))
	requireState(t, c, Normal)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, ResumeReconstruct, cfg.ResumePolicy)
	assert.NotNil(t, cfg.Logger)

	assert.Equal(t, minPollInterval, Config{PollInterval: time.Millisecond}.withDefaults().PollInterval)
	assert.Equal(t, maxPollInterval, Config{PollInterval: time.Minute}.withDefaults().PollInterval)
}

func TestParseResumePolicy(t *testing.T) {
	p, err := ParseResumePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ResumeReconstruct, p)

	p, err = ParseResumePolicy("suspended-only")
	require.NoError(t, err)
	assert.Equal(t, ResumeSuspendedOnly, p)

	_, err = ParseResumePolicy("sometimes")
	require.Error(t, err)
}

func TestResourceDrivesCoordinator(t *testing.T) {
	pool := newFakePool(2, 0)
	c := NewCoordinator(pool, fastConfig())

	cc := crac.NewContext(nil)
	cc.Register(c.Resource())

	require.NoError(t, cc.BeforeCheckpoint(context.Background()))
	requireState(t, c, Suspended)
	require.NoError(t, cc.AfterRestore(context.Background()))
	requireState(t, c, Normal)
}

func TestProbe(t *testing.T) {
	pool := newFakePool(2, 3)
	pool.sockets = []connregistry.ConnectionDescriptor{
		{ID: uuid.New(), Pool: "orders", State: connregistry.StateConnected},
	}

	snap, err := Probe{}.Snapshot(pool)
	require.NoError(t, err)
	assert.Equal(t, PoolSnapshot{State: Normal, TotalConnections: 5, ActiveConnections: 3, IdleConnections: 2}, snap)
	assert.Len(t, Probe{}.Describe(pool), 1)

	assert.Nil(t, Probe{}.Describe(nil))
}

func TestPoolStateString(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "suspended", Suspended.String())
	assert.Equal(t, "shutdown", ShutDown.String())
	assert.Equal(t, "PoolState(9)", PoolState(9).String())
}

func TestSnapshotCollector(t *testing.T) {
	pool := newFakePool(2, 1)
	c := NewCoordinator(pool, fastConfig())
	collector := NewSnapshotCollector(c)

	assert.Equal(t, 4, testutil.CollectAndCount(collector))

	pool.state.Store(9)
	assert.Equal(t, 0, testutil.CollectAndCount(collector))
}
