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

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/lifecycle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubPool is a suspendable pool with fixed counters.
type stubPool struct {
	state  atomic.Int32
	idle   atomic.Int64
	active atomic.Int64

	sockets []connregistry.ConnectionDescriptor
}

func (p *stubPool) Name() string    { return "orders" }
func (p *stubPool) RawState() int32 { return p.state.Load() }
func (p *stubPool) Suspend() error {
	p.state.CompareAndSwap(0, 1)
	return nil
}

func (p *stubPool) Resume() error {
	p.state.CompareAndSwap(1, 0)
	return nil
}
func (p *stubPool) SoftEvictIdle() { p.idle.Store(0) }
func (p *stubPool) Close() error {
	p.state.Store(2)
	p.idle.Store(0)
	p.active.Store(0)
	return nil
}
func (p *stubPool) TotalConnections() int      { return int(p.idle.Load() + p.active.Load()) }
func (p *stubPool) ActiveConnections() int     { return int(p.active.Load()) }
func (p *stubPool) IdleConnections() int       { return int(p.idle.Load()) }
func (p *stubPool) SupportsSuspension() bool   { return true }
func (p *stubPool) IdleTimeout() time.Duration { return time.Second }
func (p *stubPool) Reconstruct(context.Context) (lifecycle.Pool, error) {
	return &stubPool{}, nil
}

func (p *stubPool) ListOpenConnections() []connregistry.ConnectionDescriptor {
	return p.sockets
}

func newTestService(t *testing.T, pool lifecycle.Pool) *service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := lifecycle.NewCoordinator(pool, lifecycle.Config{
		PollInterval: 100 * time.Millisecond,
		GracePeriod:  100 * time.Millisecond,
		Logger:       logger,
	})
	return newService(coord, logger)
}

func do(t *testing.T, h http.HandlerFunc, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestDebugPool(t *testing.T) {
	pool := &stubPool{}
	pool.idle.Store(2)
	pool.active.Store(1)
	pool.sockets = []connregistry.ConnectionDescriptor{{
		ID:         uuid.New(),
		Pool:       "orders",
		Network:    "tcp",
		RemoteAddr: "10.0.0.1:5432",
		State:      connregistry.StateConnected,
	}}
	svc := newTestService(t, pool)

	rec := do(t, svc.handleDebugPool, http.MethodGet, "/debug/pool")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))

	var got struct {
		Pool     string `yaml:"pool"`
		Snapshot struct {
			State  string `yaml:"state"`
			Total  int    `yaml:"total_connections"`
			Active int    `yaml:"active_connections"`
			Idle   int    `yaml:"idle_connections"`
		} `yaml:"snapshot"`
		Sockets []struct {
			RemoteAddr string `yaml:"remote_addr"`
			State      string `yaml:"state"`
		} `yaml:"sockets"`
	}
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "orders", got.Pool)
	assert.Equal(t, "normal", got.Snapshot.State)
	assert.Equal(t, 3, got.Snapshot.Total)
	assert.Equal(t, 1, got.Snapshot.Active)
	assert.Equal(t, 2, got.Snapshot.Idle)
	require.Len(t, got.Sockets, 1)
	assert.Equal(t, "10.0.0.1:5432", got.Sockets[0].RemoteAddr)
	assert.Equal(t, "connected", got.Sockets[0].State)
}

func TestDebugPoolUnexpectedState(t *testing.T) {
	pool := &stubPool{}
	pool.state.Store(7)
	svc := newTestService(t, pool)

	rec := do(t, svc.handleDebugPool, http.MethodGet, "/debug/pool")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "MTP0001")
}

func TestDebugPoolWithoutPool(t *testing.T) {
	svc := newTestService(t, nil)

	rec := do(t, svc.handleDebugPool, http.MethodGet, "/debug/pool")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "MTP0002")
}

func TestCheckpointAndRestore(t *testing.T) {
	pool := &stubPool{}
	pool.idle.Store(2)
	svc := newTestService(t, pool)

	rec := do(t, svc.handleCheckpoint, http.MethodPost, "/checkpoint")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cp struct {
		Outcome lifecycle.QuiesceOutcome `yaml:"outcome"`
		State   struct {
			State string `yaml:"state"`
		} `yaml:"snapshot"`
	}
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &cp))
	assert.True(t, cp.Outcome.Drained)
	assert.Zero(t, cp.Outcome.RemainingConnections)
	assert.Equal(t, "suspended", cp.State.State)

	rec = do(t, svc.handleRestore, http.MethodPost, "/restore")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "state: normal")
	assert.Same(t, pool, svc.coord.Pool())
}

func TestRestoreRebuildsClosedPool(t *testing.T) {
	pool := &stubPool{}
	pool.state.Store(2)
	svc := newTestService(t, pool)

	rec := do(t, svc.handleRestore, http.MethodPost, "/restore")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "state: normal")
	assert.NotSame(t, pool, svc.coord.Pool())
}

func TestReadIgnoresUnknownPool(t *testing.T) {
	svc := newTestService(t, &stubPool{})
	svc.read(context.Background())
}

func TestVersionCommand(t *testing.T) {
	cmd := CreatePoolSnapCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "poolsnap "+version)
}

func TestRunRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		errorContains string
	}{
		{
			name:          "unknown datasource kind",
			args:          []string{"--datasource-kind", "bogus"},
			errorContains: "unknown datasource kind",
		},
		{
			name:          "unknown resume policy",
			args:          []string{"--lifecycle-resume-policy", "sometimes"},
			errorContains: "sometimes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := slog.Default()
			t.Cleanup(func() { slog.SetDefault(prev) })

			cmd := CreatePoolSnapCommand()
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)
			args := append([]string{"run", "--config-file-not-found-handling", "ignore", "--log-output", "stderr"}, tt.args...)
			cmd.SetArgs(args)

			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}
