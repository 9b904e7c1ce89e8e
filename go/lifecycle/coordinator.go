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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/poolsnap/go/crac"
	"github.com/multigres/poolsnap/go/mterrors"
)

const (
	// DefaultPollInterval is how often the drain wait rechecks the pool.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultGracePeriod is added to the pool's idle timeout to get the
	// drain deadline.
	DefaultGracePeriod = time.Second

	minPollInterval = 100 * time.Millisecond
	maxPollInterval = time.Second
)

var tracer = otel.Tracer("github.com/multigres/poolsnap/go/lifecycle")

// ResumePolicy selects what Resume does with a pool that was shut down.
type ResumePolicy string

const (
	// ResumeReconstruct rebuilds a shut-down pool from its configuration.
	ResumeReconstruct ResumePolicy = "reconstruct"

	// ResumeSuspendedOnly only lifts suspensions. A pool that had to be
	// closed during quiesce stays closed, and the application is left
	// without a usable pool. Prefer ResumeReconstruct.
	ResumeSuspendedOnly ResumePolicy = "suspended-only"
)

// ParseResumePolicy parses a policy name. The empty string selects
// ResumeReconstruct.
func ParseResumePolicy(s string) (ResumePolicy, error) {
	switch ResumePolicy(s) {
	case "", ResumeReconstruct:
		return ResumeReconstruct, nil
	case ResumeSuspendedOnly:
		return ResumeSuspendedOnly, nil
	default:
		return "", fmt.Errorf("unknown resume policy %q (want %q or %q)", s, ResumeReconstruct, ResumeSuspendedOnly)
	}
}

// Config configures a Coordinator.
type Config struct {
	// PollInterval is clamped to [100ms, 1s]. Defaults to 500ms.
	PollInterval time.Duration

	// GracePeriod extends the drain deadline past the pool's idle timeout.
	// Defaults to 1s.
	GracePeriod time.Duration

	// ResumePolicy defaults to ResumeReconstruct.
	ResumePolicy ResumePolicy

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.PollInterval = min(max(cfg.PollInterval, minPollInterval), maxPollInterval)
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ResumePolicy == "" {
		cfg.ResumePolicy = ResumeReconstruct
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Coordinator drives a pool through quiesce and resume.
//
// Quiesce and Resume are serialized. The application keeps using the pool
// concurrently; the coordinator only issues control calls and reads
// counters.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	probe  Probe

	// opMu serializes Quiesce and Resume.
	opMu sync.Mutex

	poolMu sync.RWMutex
	pool   Pool
}

// NewCoordinator creates a coordinator for pool.
func NewCoordinator(pool Pool, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger,
		pool:   pool,
	}
}

// Pool returns the current pool. It changes only when Resume rebuilds a
// shut-down pool.
func (c *Coordinator) Pool() Pool {
	c.poolMu.RLock()
	defer c.poolMu.RUnlock()
	return c.pool
}

func (c *Coordinator) setPool(p Pool) {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	c.pool = p
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Snapshot reads the current pool.
func (c *Coordinator) Snapshot() (PoolSnapshot, error) {
	return c.probe.Snapshot(c.Pool())
}

// Quiesce brings the pool to a state where it holds no open connections.
//
// A pool that supports suspension is suspended, its idle connections are
// evicted, and Quiesce waits until the remaining ones are returned or the
// deadline of IdleTimeout plus GracePeriod passes, whichever comes first.
// On deadline, or if ctx is done first, the pool is closed. A pool that
// cannot be suspended is closed straight away. A pool that is already
// suspended or shut down is left alone.
//
// Not draining in time is reported through the outcome, not as an error.
// Errors are returned only when the pool cannot be read or fails to close.
func (c *Coordinator) Quiesce(ctx context.Context) (QuiesceOutcome, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	pool := c.Pool()
	snap, err := c.probe.Snapshot(pool)
	if err != nil {
		return QuiesceOutcome{}, err
	}
	name := pool.Name()

	ctx, span := tracer.Start(ctx, "lifecycle/quiesce", trace.WithAttributes(
		attribute.String("pool.name", name),
		attribute.String("pool.state", snap.State.String()),
		attribute.Int("pool.connections.total", snap.TotalConnections),
	))
	defer span.End()

	start := time.Now()
	outcome, result, err := c.quiesce(ctx, pool, snap)

	Metrics.Quiesce(QuiesceLabels{Pool: name, Result: result}).Inc()
	Metrics.QuiesceDuration(PoolLabels{Pool: name}).Observe(float64(time.Since(start)) / float64(time.Millisecond))
	span.SetAttributes(
		attribute.String("result", result),
		attribute.Bool("drained", outcome.Drained),
		attribute.Int("remaining", outcome.RemainingConnections),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (c *Coordinator) quiesce(ctx context.Context, pool Pool, snap PoolSnapshot) (QuiesceOutcome, string, error) {
	if snap.State != Normal {
		c.logger.InfoContext(ctx, "pool already quiesced", "pool", pool.Name(), "state", snap.State, "total", snap.TotalConnections)
		return QuiesceOutcome{
			Drained:              snap.TotalConnections == 0,
			RemainingConnections: snap.TotalConnections,
		}, quiesceNoop, nil
	}

	c.logSockets(ctx, pool, "open sockets before quiesce")

	if !pool.SupportsSuspension() {
		c.logger.InfoContext(ctx, "pool cannot be suspended, closing it", "pool", pool.Name())
		return c.hardClose(ctx, pool, pool.TotalConnections())
	}

	if err := pool.Suspend(); err != nil {
		c.logger.WarnContext(ctx, "suspending pool failed, closing it", "pool", pool.Name(), "err", err)
		return c.hardClose(ctx, pool, pool.TotalConnections())
	}
	pool.SoftEvictIdle()

	deadline := pool.IdleTimeout() + c.cfg.GracePeriod
	c.logger.InfoContext(ctx, "pool suspended, waiting for connections to drain",
		"pool", pool.Name(),
		"total", pool.TotalConnections(),
		"active", pool.ActiveConnections(),
		"deadline", deadline,
	)

	remaining, drained := c.waitForDrain(ctx, pool, deadline)
	if !drained {
		return c.hardClose(ctx, pool, remaining)
	}

	c.logger.InfoContext(ctx, "pool drained", "pool", pool.Name())
	c.logSockets(ctx, pool, "open sockets after quiesce")
	return QuiesceOutcome{Drained: true}, quiesceDrained, nil
}

// waitForDrain polls the pool until it holds no connections, the deadline
// passes, or ctx is done. It returns the last observed count.
func (c *Coordinator) waitForDrain(ctx context.Context, pool Pool, deadline time.Duration) (int, bool) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		remaining := pool.TotalConnections()
		if remaining == 0 {
			return 0, true
		}

		select {
		case <-ticker.C:
		case <-timer.C:
			remaining = pool.TotalConnections()
			if remaining > 0 {
				c.logger.WarnContext(ctx, "drain deadline passed with connections still open",
					"pool", pool.Name(), "remaining", remaining, "deadline", deadline)
			}
			return remaining, remaining == 0
		case <-ctx.Done():
			remaining = pool.TotalConnections()
			c.logger.WarnContext(ctx, "drain wait interrupted",
				"pool", pool.Name(), "remaining", remaining, "err", ctx.Err())
			return remaining, remaining == 0
		}
	}
}

// hardClose closes the pool. remaining is the number of connections open
// at the moment of escalation.
func (c *Coordinator) hardClose(ctx context.Context, pool Pool, remaining int) (QuiesceOutcome, string, error) {
	outcome := QuiesceOutcome{
		Drained:              remaining == 0,
		RemainingConnections: remaining,
	}
	if err := pool.Close(); err != nil {
		c.logger.ErrorContext(ctx, "closing pool failed", "pool", pool.Name(), "err", err)
		return outcome, quiesceError, mterrors.MTP0003(err, pool.Name())
	}
	c.logger.InfoContext(ctx, "pool closed", "pool", pool.Name(), "remaining", remaining)
	c.logSockets(ctx, pool, "open sockets after close")
	return outcome, quiesceClosed, nil
}

// Resume makes the pool usable again. A suspended pool is resumed; a
// shut-down pool is replaced by a new one built from its configuration,
// unless the policy is ResumeSuspendedOnly. Resume does not wait for any
// connection to be opened.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	pool := c.Pool()
	snap, err := c.probe.Snapshot(pool)
	if err != nil {
		return err
	}
	name := pool.Name()

	ctx, span := tracer.Start(ctx, "lifecycle/resume", trace.WithAttributes(
		attribute.String("pool.name", name),
		attribute.String("pool.state", snap.State.String()),
		attribute.String("policy", string(c.cfg.ResumePolicy)),
	))
	defer span.End()

	action, err := c.resume(ctx, pool, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		Metrics.Resume(ResumeLabels{Pool: name, Action: "error"}).Inc()
		return err
	}
	span.SetAttributes(attribute.String("action", string(action)))
	Metrics.Resume(ResumeLabels{Pool: name, Action: string(action)}).Inc()
	return nil
}

func (c *Coordinator) resume(ctx context.Context, pool Pool, snap PoolSnapshot) (ResumeAction, error) {
	switch snap.State {
	case Normal:
		c.logger.DebugContext(ctx, "pool already running", "pool", pool.Name())
		return ResumeNoop, nil

	case Suspended:
		if err := pool.Resume(); err != nil {
			return "", mterrors.MTP0005(err, pool.Name())
		}
		after, err := c.probe.Snapshot(pool)
		if err != nil {
			return "", err
		}
		if after.State != Normal {
			return "", mterrors.MTP0005(fmt.Errorf("pool reports %s after resume", after.State), pool.Name())
		}
		c.logger.InfoContext(ctx, "pool resumed", "pool", pool.Name())
		return ResumeLifted, nil

	default:
		if c.cfg.ResumePolicy == ResumeSuspendedOnly {
			c.logger.WarnContext(ctx, "pool is shut down and will not be rebuilt", "pool", pool.Name(), "policy", c.cfg.ResumePolicy)
			return ResumeSkipped, nil
		}
		fresh, err := pool.Reconstruct(ctx)
		if err != nil {
			return "", mterrors.MTP0004(err, pool.Name())
		}
		if fresh == nil {
			return "", mterrors.MTP0004(mterrors.MTP0002(), pool.Name())
		}
		c.setPool(fresh)
		c.logger.InfoContext(ctx, "pool rebuilt after shutdown", "pool", fresh.Name())
		return ResumeReconstructed, nil
	}
}

// OnCheckpointImminent quiesces the pool ahead of a checkpoint.
func (c *Coordinator) OnCheckpointImminent(ctx context.Context) (QuiesceOutcome, error) {
	return c.Quiesce(ctx)
}

// OnRestoreCompleted resumes the pool after a restore.
func (c *Coordinator) OnRestoreCompleted(ctx context.Context) error {
	return c.Resume(ctx)
}

// Resource adapts the coordinator for registration with a crac.Context.
func (c *Coordinator) Resource() crac.Resource {
	name := "pool"
	if p := c.Pool(); p != nil {
		name = "pool " + p.Name()
	}
	return crac.ResourceFuncs{
		Name: name,
		Before: func(ctx context.Context) error {
			_, err := c.OnCheckpointImminent(ctx)
			return err
		},
		After: c.OnRestoreCompleted,
	}
}

func (c *Coordinator) logSockets(ctx context.Context, pool Pool, msg string) {
	if !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	sockets := c.probe.Describe(pool)
	c.logger.DebugContext(ctx, msg, "pool", pool.Name(), "count", len(sockets))
	for _, s := range sockets {
		c.logger.DebugContext(ctx, "open socket",
			"id", s.ID,
			"state", s.State,
			"local", s.LocalAddr,
			"remote", s.RemoteAddr,
			"age", time.Since(s.OpenedAt),
		)
	}
}
