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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys from OTel semantic conventions:
// - semconv.DBClientConnectionPoolNameKey = "db.client.connection.pool.name"
// - semconv.DBClientConnectionStateKey = "db.client.connection.state"
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

const meterName = "github.com/multigres/poolsnap/go/pools/connpool"

// poolMetrics reports pool statistics as observable instruments. The values
// are read from the pool at collection time, so nothing is recorded on the
// Get/Put path.
type poolMetrics struct {
	registration metric.Registration
}

func newPoolMetrics(poolName string, stats func() PoolStats) *poolMetrics {
	m := &poolMetrics{}
	meter := otel.Meter(meterName)

	var errs []error
	count, err := meter.Int64ObservableUpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("connection count: %w", err))
	}
	pending, err := meter.Int64ObservableUpDownCounter(
		"db.client.connection.pending_requests",
		metric.WithDescription("The number of current pending requests for an open connection."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("pending requests: %w", err))
	}
	if len(errs) > 0 {
		slog.Warn("connection pool metrics unavailable", "pool", poolName, "err", errors.Join(errs...))
		return m
	}

	poolAttr := attribute.String(attrKeyPoolName, poolName)
	idleAttrs := metric.WithAttributes(poolAttr, attribute.String(attrKeyState, "idle"))
	usedAttrs := metric.WithAttributes(poolAttr, attribute.String(attrKeyState, "used"))
	poolAttrs := metric.WithAttributes(poolAttr)

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(count, s.Idle, idleAttrs)
		o.ObserveInt64(count, s.Active, usedAttrs)
		o.ObserveInt64(pending, s.Waiting, poolAttrs)
		return nil
	}, count, pending)
	if err != nil {
		slog.Warn("connection pool metrics callback not registered", "pool", poolName, "err", err)
	}
	return m
}

func (m *poolMetrics) unregister() {
	if m == nil || m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		slog.Debug("unregistering connection pool metrics", "err", err)
	}
	m.registration = nil
}
