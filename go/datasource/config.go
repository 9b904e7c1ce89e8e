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

// Package datasource holds the configuration of the process's database pool
// and of the coordinator that quiesces it, and builds both from it.
package datasource

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/multigres/poolsnap/go/connregistry"
	"github.com/multigres/poolsnap/go/lifecycle"
	"github.com/multigres/poolsnap/go/pools/connpool"
	"github.com/multigres/poolsnap/go/pools/pgpool"
	"github.com/multigres/poolsnap/go/pools/sqlpool"
	"github.com/multigres/poolsnap/go/viperutil"
)

// Pool kinds.
const (
	// KindConnPool is the suspendable pool.
	KindConnPool = "connpool"
	// KindSQL is a database/sql pool. It cannot be suspended.
	KindSQL = "sql"
)

// Config holds viper-backed data source settings. Create with NewConfig,
// register flags with RegisterFlags, then build the pool with Open once
// flags are parsed.
type Config struct {
	reg *viperutil.Registry

	// --- Connection settings ---
	url      viperutil.Value[string]
	host     viperutil.Value[string]
	port     viperutil.Value[int]
	database viperutil.Value[string]
	user     viperutil.Value[string]
	password viperutil.Value[string]

	// --- Pool settings ---
	kind              viperutil.Value[string]
	poolName          viperutil.Value[string]
	capacity          viperutil.Value[int]
	minIdle           viperutil.Value[int]
	connectionTimeout viperutil.Value[time.Duration]
	idleTimeout       viperutil.Value[time.Duration]
	maxLifetime       viperutil.Value[time.Duration]
	allowSuspension   viperutil.Value[bool]

	// --- Lifecycle settings ---
	pollInterval viperutil.Value[time.Duration]
	gracePeriod  viperutil.Value[time.Duration]
	resumePolicy viperutil.Value[string]
}

// NewConfig declares the data source settings on reg.
func NewConfig(reg *viperutil.Registry) *Config {
	return &Config{
		reg: reg,

		url: viperutil.Configure(reg, "datasource.url", viperutil.Options[string]{
			FlagName: "datasource-url",
			EnvVars:  []string{"POOLSNAP_DATASOURCE_URL"},
		}),
		host: viperutil.Configure(reg, "datasource.host", viperutil.Options[string]{
			Default:  "localhost",
			FlagName: "datasource-host",
		}),
		port: viperutil.Configure(reg, "datasource.port", viperutil.Options[int]{
			Default:  5432,
			FlagName: "datasource-port",
		}),
		database: viperutil.Configure(reg, "datasource.database", viperutil.Options[string]{
			Default:  "postgres",
			FlagName: "datasource-database",
		}),
		user: viperutil.Configure(reg, "datasource.user", viperutil.Options[string]{
			Default:  "postgres",
			FlagName: "datasource-user",
			EnvVars:  []string{"POOLSNAP_DATASOURCE_USER"},
		}),
		password: viperutil.Configure(reg, "datasource.password", viperutil.Options[string]{
			FlagName: "datasource-password",
			EnvVars:  []string{"POOLSNAP_DATASOURCE_PASSWORD"},
		}),

		kind: viperutil.Configure(reg, "datasource.kind", viperutil.Options[string]{
			Default:  KindConnPool,
			FlagName: "datasource-kind",
		}),
		poolName: viperutil.Configure(reg, "datasource.pool-name", viperutil.Options[string]{
			Default:  "poolsnap",
			FlagName: "datasource-pool-name",
		}),
		capacity: viperutil.Configure(reg, "datasource.capacity", viperutil.Options[int]{
			Default:  10,
			FlagName: "datasource-capacity",
		}),
		minIdle: viperutil.Configure(reg, "datasource.min-idle", viperutil.Options[int]{
			Default:  0,
			FlagName: "datasource-min-idle",
		}),
		connectionTimeout: viperutil.Configure(reg, "datasource.connection-timeout", viperutil.Options[time.Duration]{
			Default:  30 * time.Second,
			FlagName: "datasource-connection-timeout",
		}),
		idleTimeout: viperutil.Configure(reg, "datasource.idle-timeout", viperutil.Options[time.Duration]{
			Default:  10 * time.Minute,
			FlagName: "datasource-idle-timeout",
		}),
		maxLifetime: viperutil.Configure(reg, "datasource.max-lifetime", viperutil.Options[time.Duration]{
			Default:  30 * time.Minute,
			FlagName: "datasource-max-lifetime",
		}),
		allowSuspension: viperutil.Configure(reg, "datasource.allow-suspension", viperutil.Options[bool]{
			Default:  true,
			FlagName: "datasource-allow-suspension",
		}),

		pollInterval: viperutil.Configure(reg, "lifecycle.poll-interval", viperutil.Options[time.Duration]{
			Default:  lifecycle.DefaultPollInterval,
			FlagName: "lifecycle-poll-interval",
		}),
		gracePeriod: viperutil.Configure(reg, "lifecycle.grace-period", viperutil.Options[time.Duration]{
			Default:  lifecycle.DefaultGracePeriod,
			FlagName: "lifecycle-grace-period",
		}),
		resumePolicy: viperutil.Configure(reg, "lifecycle.resume-policy", viperutil.Options[string]{
			Default:  string(lifecycle.ResumeReconstruct),
			FlagName: "lifecycle-resume-policy",
		}),
	}
}

// RegisterFlags declares the data source flags on fs and binds them.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("datasource-url", c.url.Default(), "PostgreSQL connection URL. Overrides host, port, database, user and password.")
	fs.String("datasource-host", c.host.Default(), "PostgreSQL host")
	fs.Int("datasource-port", c.port.Default(), "PostgreSQL port")
	fs.String("datasource-database", c.database.Default(), "PostgreSQL database")
	fs.String("datasource-user", c.user.Default(), "PostgreSQL user")
	fs.String("datasource-password", c.password.Default(), "PostgreSQL password")

	fs.String("datasource-kind", c.kind.Default(), fmt.Sprintf("Pool implementation: %s (suspendable) or %s (database/sql)", KindConnPool, KindSQL))
	fs.String("datasource-pool-name", c.poolName.Default(), "Name of the pool in logs and metrics")
	fs.Int("datasource-capacity", c.capacity.Default(), "Maximum number of open connections")
	fs.Int("datasource-min-idle", c.minIdle.Default(), "Connections opened at startup")
	fs.Duration("datasource-connection-timeout", c.connectionTimeout.Default(), "Maximum time to wait for a connection")
	fs.Duration("datasource-idle-timeout", c.idleTimeout.Default(), "How long a connection may stay idle before it is closed")
	fs.Duration("datasource-max-lifetime", c.maxLifetime.Default(), "Maximum lifetime of a connection")
	fs.Bool("datasource-allow-suspension", c.allowSuspension.Default(), "Allow the pool to be suspended before a checkpoint")

	fs.Duration("lifecycle-poll-interval", c.pollInterval.Default(), "How often a quiesce checks whether the pool has drained (100ms to 1s)")
	fs.Duration("lifecycle-grace-period", c.gracePeriod.Default(), "Time added to the idle timeout before a quiesce closes the pool")
	fs.String("lifecycle-resume-policy", c.resumePolicy.Default(), fmt.Sprintf("What resume does with a closed pool: %s or %s", lifecycle.ResumeReconstruct, lifecycle.ResumeSuspendedOnly))

	viperutil.BindFlags(fs,
		c.url, c.host, c.port, c.database, c.user, c.password,
		c.kind, c.poolName, c.capacity, c.minIdle,
		c.connectionTimeout, c.idleTimeout, c.maxLifetime, c.allowSuspension,
		c.pollInterval, c.gracePeriod, c.resumePolicy,
	)
}

// Kind returns the configured pool kind.
func (c *Config) Kind() string {
	return c.kind.Get()
}

// PoolName returns the configured pool name.
func (c *Config) PoolName() string {
	return c.poolName.Get()
}

// MinIdle returns how many connections to open at startup.
func (c *Config) MinIdle() int {
	return c.minIdle.Get()
}

// Open builds the configured pool. Sockets are recorded in registry. No
// connection is opened.
func (c *Config) Open(registry *connregistry.Registry, logger *slog.Logger) (lifecycle.Pool, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}

	switch kind := c.Kind(); kind {
	case KindConnPool:
		return pgpool.New(pgpool.Config{
			DSN: dsn,
			Pool: connpool.Config{
				Name:              c.PoolName(),
				Capacity:          c.capacity.Get(),
				IdleTimeout:       c.idleTimeout.Get(),
				MaxLifetime:       c.maxLifetime.Get(),
				ConnectionTimeout: c.connectionTimeout.Get(),
				AllowSuspension:   c.allowSuspension.Get(),
			},
			MinIdle:  c.MinIdle(),
			Registry: registry,
			Logger:   logger,
		})
	case KindSQL:
		return sqlpool.New(sqlpool.Config{
			Name:            c.PoolName(),
			DSN:             dsn,
			MaxOpenConns:    c.capacity.Get(),
			MaxIdleConns:    c.capacity.Get(),
			ConnMaxIdleTime: c.idleTimeout.Get(),
			ConnMaxLifetime: c.maxLifetime.Get(),
			Registry:        registry,
			Logger:          logger,
		})
	default:
		return nil, fmt.Errorf("unknown datasource kind %q (want %q or %q)", kind, KindConnPool, KindSQL)
	}
}

// CoordinatorConfig returns the configuration of the pool's coordinator.
func (c *Config) CoordinatorConfig(logger *slog.Logger) (lifecycle.Config, error) {
	policy, err := lifecycle.ParseResumePolicy(c.resumePolicy.Get())
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{
		PollInterval: c.pollInterval.Get(),
		GracePeriod:  c.gracePeriod.Get(),
		ResumePolicy: policy,
		Logger:       logger,
	}, nil
}
