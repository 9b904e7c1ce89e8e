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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/lifecycle"
	"github.com/multigres/poolsnap/go/mterrors"
	"github.com/multigres/poolsnap/go/pools/connpool"
	"github.com/multigres/poolsnap/go/pools/pgpool"
	"github.com/multigres/poolsnap/go/pools/sqlpool"
	"github.com/multigres/poolsnap/go/servenv"
)

const readTimeout = 5 * time.Second

// service serves the admin endpoints of one coordinated pool.
type service struct {
	coord  *lifecycle.Coordinator
	probe  lifecycle.Probe
	logger *slog.Logger
}

func newService(coord *lifecycle.Coordinator, logger *slog.Logger) *service {
	return &service{coord: coord, logger: logger}
}

// poolReport is the body of GET /debug/pool.
type poolReport struct {
	Pool     string                              `yaml:"pool"`
	Snapshot lifecycle.PoolSnapshot              `yaml:"snapshot"`
	Sockets  []connregistry.ConnectionDescriptor `yaml:"sockets,omitempty"`
}

// checkpointReport is the body of POST /checkpoint.
type checkpointReport struct {
	Outcome  lifecycle.QuiesceOutcome `yaml:"outcome"`
	Snapshot lifecycle.PoolSnapshot   `yaml:"snapshot"`
}

func (s *service) registerHandlers(sv *servenv.ServEnv) {
	sv.HTTPHandleFunc("GET /debug/pool", s.handleDebugPool)
	sv.HTTPHandleFunc("POST /checkpoint", s.handleCheckpoint)
	sv.HTTPHandleFunc("POST /restore", s.handleRestore)
}

func (s *service) handleDebugPool(w http.ResponseWriter, r *http.Request) {
	pool := s.coord.Pool()
	snap, err := s.probe.Snapshot(pool)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeYAML(w, poolReport{
		Pool:     pool.Name(),
		Snapshot: snap,
		Sockets:  s.probe.Describe(pool),
	})
}

func (s *service) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	// A client going away must not turn the drain into a hard close.
	ctx := context.WithoutCancel(r.Context())
	outcome, err := s.coord.OnCheckpointImminent(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.coord.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeYAML(w, checkpointReport{Outcome: outcome, Snapshot: snap})
}

func (s *service) handleRestore(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.coord.OnRestoreCompleted(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleDebugPool(w, r)
}

func (s *service) writeYAML(w http.ResponseWriter, v any) {
	out, err := yaml.Marshal(v)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(out)
}

func (s *service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch mterrors.CodeOf(err) {
	case mterrors.CodeInvalidArgument, mterrors.CodeFailedPrecondition:
		status = http.StatusConflict
	case mterrors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	s.logger.Error("admin request failed", "status", status, "err", err)
	http.Error(w, err.Error(), status)
}

// read borrows a connection and runs a trivial query. A suspended pool makes
// it wait until the timeout; a closed one fails at once.
func (s *service) read(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var err error
	switch p := s.coord.Pool().(type) {
	case *pgpool.Pool:
		err = readOne(ctx, p)
	case *sqlpool.Pool:
		err = p.DB().PingContext(ctx)
	default:
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, connpool.ErrPoolClosed), errors.Is(err, connpool.ErrTimeout), ctx.Err() != nil:
		s.logger.DebugContext(ctx, "reader skipped", "err", err)
	default:
		s.logger.WarnContext(ctx, "reader failed", "err", err)
	}
}

func readOne(ctx context.Context, p *pgpool.Pool) error {
	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Conn().QueryRow(ctx, "SELECT 1")
	return errors.Join(err, p.Put(conn))
}
