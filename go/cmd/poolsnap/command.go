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
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/crac"
	"github.com/multigres/poolsnap/go/datasource"
	"github.com/multigres/poolsnap/go/lifecycle"
	"github.com/multigres/poolsnap/go/pools/pgpool"
	"github.com/multigres/poolsnap/go/servenv"
	"github.com/multigres/poolsnap/go/tools/timer"
	"github.com/multigres/poolsnap/go/viperutil"
	"github.com/multigres/poolsnap/go/viperutil/debug"
)

// PoolSnapCommand holds the configuration shared by the poolsnap commands.
type PoolSnapCommand struct {
	reg  *viperutil.Registry
	vc   *viperutil.ViperConfig
	senv *servenv.ServEnv
	ds   *datasource.Config

	readInterval viperutil.Value[time.Duration]
}

// CreatePoolSnapCommand creates the root command with all subcommands.
func CreatePoolSnapCommand() *cobra.Command {
	cmd, _ := createPoolSnapCommand(viperutil.NewRegistry())
	return cmd
}

func createPoolSnapCommand(reg *viperutil.Registry) (*cobra.Command, *PoolSnapCommand) {
	ps := &PoolSnapCommand{
		reg:  reg,
		vc:   viperutil.NewViperConfig(reg),
		senv: servenv.New(reg),
		ds:   datasource.NewConfig(reg),
		readInterval: viperutil.Configure(reg, "read-interval", viperutil.Options[time.Duration]{
			Default:  time.Second,
			FlagName: "read-interval",
		}),
	}

	root := &cobra.Command{
		Use:   "poolsnap",
		Short: "A PostgreSQL connection pool that survives process checkpoint and restore",
		Long: `poolsnap keeps a PostgreSQL connection pool and quiesces it before the
process is checkpointed, so that the snapshot holds no open sockets. After
restore the pool is resumed, or rebuilt if it had to be closed.

A checkpoint tool notifies the process with SIGUSR1 before the checkpoint
and SIGUSR2 after restore. The same transitions are available over HTTP.`,
		SilenceUsage: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Open the data source and serve the admin endpoints",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return ps.vc.LoadConfig(ps.reg)
		},
		RunE: ps.run,
	}
	ps.vc.RegisterFlags(run.Flags())
	ps.senv.RegisterFlags(run.Flags())
	ps.ds.RegisterFlags(run.Flags())
	run.Flags().Duration("read-interval", ps.readInterval.Default(), "How often the demo reader borrows a connection. Zero disables it.")
	viperutil.BindFlags(run.Flags(), ps.readInterval)

	root.AddCommand(run)
	root.AddCommand(newVersionCommand())
	return root, ps
}

func (ps *PoolSnapCommand) run(cmd *cobra.Command, args []string) error {
	ps.senv.Init()
	logger := ps.senv.GetLogger()

	coordCfg, err := ps.ds.CoordinatorConfig(logger)
	if err != nil {
		return err
	}

	registry := connregistry.New()
	pool, err := ps.ds.Open(registry, logger)
	if err != nil {
		return fmt.Errorf("failed to open datasource: %w", err)
	}

	coord := lifecycle.NewCoordinator(pool, coordCfg)
	if err := prometheus.Register(lifecycle.NewSnapshotCollector(coord)); err != nil {
		_ = pool.Close()
		return fmt.Errorf("failed to register pool collector: %w", err)
	}

	cracCtx := crac.NewContext(logger)
	cracCtx.Register(coord.Resource())

	svc := newService(coord, logger)
	ps.senv.HTTPHandle("GET /metrics", promhttp.Handler())
	ps.senv.HTTPHandleFunc("GET /debug/config", debug.HandlerFunc(ps.reg, cmd.Flags(), "datasource.password", "datasource.url"))
	svc.registerHandlers(ps.senv)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if p, ok := pool.(*pgpool.Pool); ok && ps.ds.MinIdle() > 0 {
		if err := p.Warm(ctx); err != nil {
			logger.Warn("failed to warm pool", "pool", p.Name(), "err", err)
		}
	}

	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		crac.NewNotifier(cracCtx, logger).Run(ctx)
	}()

	var reader *timer.PeriodicRunner
	if interval := ps.readInterval.Get(); interval > 0 {
		reader = timer.NewPeriodicRunner(ctx, interval)
		ps.senv.OnRun(func() { reader.Start(svc.read) })
	}

	ps.senv.OnClose(func() {
		if reader != nil {
			reader.Stop()
		}
		cancel()
		<-notifierDone
		current := coord.Pool()
		if current == nil {
			return
		}
		if err := current.Close(); err != nil {
			logger.Warn("failed to close pool", "pool", current.Name(), "err", err)
		}
	})

	err = ps.senv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
