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
	"log/slog"

	"gfx.cafe/open/gotoprom"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gotoprom.MustInit(&Metrics, "poolsnap_lifecycle", prometheus.Labels{})
}

// QuiesceLabels label quiesce metrics.
type QuiesceLabels struct {
	Pool string `label:"pool"`
	// Result is drained, closed, noop or error.
	Result string `label:"result"`
}

// ResumeLabels label resume metrics.
type ResumeLabels struct {
	Pool   string `label:"pool"`
	Action string `label:"action"`
}

// PoolLabels label per-pool metrics.
type PoolLabels struct {
	Pool string `label:"pool"`
}

// Metrics are the coordinator's prometheus metrics, registered with the
// default registry.
var Metrics struct {
	Quiesce         func(QuiesceLabels) prometheus.Counter `name:"quiesce_total" help:"quiesce operations by result"`
	Resume          func(ResumeLabels) prometheus.Counter  `name:"resume_total" help:"resume operations by action"`
	QuiesceDuration func(PoolLabels) prometheus.Histogram  `name:"quiesce_duration_ms" buckets:"1,10,50,100,250,500,1000,2000,5000,10000,30000,60000" help:"ms spent quiescing a pool"`
}

const (
	quiesceDrained = "drained"
	quiesceClosed  = "closed"
	quiesceNoop    = "noop"
	quiesceError   = "error"
)

var (
	stateDesc = prometheus.NewDesc(
		"poolsnap_pool_state",
		"Pool state: 0 normal, 1 suspended, 2 shutdown.",
		[]string{"pool"}, nil,
	)
	connectionsDesc = prometheus.NewDesc(
		"poolsnap_pool_connections",
		"Pool connections by state.",
		[]string{"pool", "state"}, nil,
	)
)

// SnapshotCollector exports a fresh probe snapshot of the coordinator's
// current pool on every scrape.
type SnapshotCollector struct {
	coordinator *Coordinator
}

var _ prometheus.Collector = (*SnapshotCollector)(nil)

// NewSnapshotCollector creates a collector for c's pool. It follows pool
// replacements made by Resume.
func NewSnapshotCollector(c *Coordinator) *SnapshotCollector {
	return &SnapshotCollector{coordinator: c}
}

// Describe implements prometheus.Collector.
func (s *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- stateDesc
	ch <- connectionsDesc
}

// Collect implements prometheus.Collector.
func (s *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	pool := s.coordinator.Pool()
	snap, err := Probe{}.Snapshot(pool)
	if err != nil {
		slog.Warn("pool snapshot failed during scrape", "err", err)
		return
	}
	name := pool.Name()
	ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, float64(snap.State), name)
	ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(snap.TotalConnections), name, "total")
	ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(snap.ActiveConnections), name, "active")
	ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(snap.IdleConnections), name, "idle")
}
