/*
   Copyright 2024 the plex authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package pool

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// poolMetrics implements prometheus.Collector by deriving a gauge per
// tracked statistic from a live Pool.Stats() snapshot on every scrape,
// following the container-of-metrics idiom in
// rfratto-ckit/clientpool/metrics.go (that package's container type is
// internal to ckit and unimportable, so the container here is our own,
// materially reshaped around a snapshot-driven Collect rather than
// ckit's incrementally-updated gauges).
type poolMetrics struct {
	pool *Pool

	inFlight  *prometheus.Desc
	latency   *prometheus.Desc
	failures  *prometheus.Desc
	successes *prometheus.Desc
	cooldown  *prometheus.Desc
}

var _ prometheus.Collector = (*poolMetrics)(nil)

func newPoolMetrics(p *Pool) *poolMetrics {
	labels := []string{"peer_id"}
	return &poolMetrics{
		pool:      p,
		inFlight:  prometheus.NewDesc("plex_pool_in_flight", "Number of in-flight calls routed to this peer.", labels, nil),
		latency:   prometheus.NewDesc("plex_pool_latency_ms", "EWMA latency in milliseconds for this peer.", labels, nil),
		failures:  prometheus.NewDesc("plex_pool_failures_total", "Total failed calls routed to this peer.", labels, nil),
		successes: prometheus.NewDesc("plex_pool_successes_total", "Total successful calls routed to this peer.", labels, nil),
		cooldown:  prometheus.NewDesc("plex_pool_cooldown", "1 if this peer is currently in cooldown, else 0.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *poolMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.inFlight
	ch <- m.latency
	ch <- m.failures
	ch <- m.successes
	ch <- m.cooldown
}

// Collect implements prometheus.Collector.
func (m *poolMetrics) Collect(ch chan<- prometheus.Metric) {
	now := m.pool.clock.Now()
	for _, s := range m.pool.Stats() {
		label := strconv.FormatUint(s.ID, 10)
		ch <- prometheus.MustNewConstMetric(m.inFlight, prometheus.GaugeValue, float64(s.InFlight), label)
		ch <- prometheus.MustNewConstMetric(m.latency, prometheus.GaugeValue, s.LatencyMs, label)
		ch <- prometheus.MustNewConstMetric(m.failures, prometheus.CounterValue, float64(s.Failures), label)
		ch <- prometheus.MustNewConstMetric(m.successes, prometheus.CounterValue, float64(s.Successes), label)
		cd := 0.0
		if now.Before(s.CooldownUntil) {
			cd = 1
		}
		ch <- prometheus.MustNewConstMetric(m.cooldown, prometheus.GaugeValue, cd, label)
	}
}

// Collector exposes the pool's statistics as a prometheus.Collector. Pool
// itself does not implement the interface; register the value returned
// here.
func (p *Pool) Collector() prometheus.Collector { return p.metrics }
