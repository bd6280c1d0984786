/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package stats turns the event sink's stream into both a Prometheus
// registry and the legacy JSON snapshot endpoint, following the
// Inc/Dec/Snapshot/Reset/Start(port) shape of ptp4u's stats package.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/facebookincubator/tftpd/internal/eventsink"
)

// syncMapInt64 is a mutex-guarded key/value counter map, the same shape
// ptp4u's stats package uses for its per-message-type counters.
type syncMapInt64 struct {
	mu sync.Mutex
	m  map[string]int64
}

func newSyncMapInt64() *syncMapInt64 { return &syncMapInt64{m: make(map[string]int64)} }

func (s *syncMapInt64) inc(key string, delta int64) {
	s.mu.Lock()
	s.m[key] += delta
	s.mu.Unlock()
}

func (s *syncMapInt64) snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

func (s *syncMapInt64) reset() {
	s.mu.Lock()
	for k := range s.m {
		s.m[k] = 0
	}
	s.mu.Unlock()
}

// Collector consumes eventsink.Events and exposes them two ways: live
// Prometheus counters/gauges for /metrics, and a point-in-time map for the
// legacy JSON endpoint (see json.go).
type Collector struct {
	counters *syncMapInt64

	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	sessionsFailed    *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	blocksRetransmit  prometheus.Counter

	registry *prometheus.Registry
}

// New builds a Collector and registers its metrics on a private registry
// (never the global default, so multiple servers in one process, as in
// tests, never collide on metric names).
func New() *Collector {
	c := &Collector{
		counters: newSyncMapInt64(),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpd_sessions_started_total",
			Help: "Sessions started, by transfer direction.",
		}, []string{"transfer"}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpd_sessions_completed_total",
			Help: "Sessions completed successfully, by transfer direction.",
		}, []string{"transfer"}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpd_sessions_failed_total",
			Help: "Sessions that ended in failure, by transfer direction.",
		}, []string{"transfer"}),
		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpd_bytes_transferred_total",
			Help: "Bytes transferred, by transfer direction.",
		}, []string{"transfer"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tftpd_active_sessions",
			Help: "Sessions currently in flight.",
		}),
		blocksRetransmit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftpd_block_retransmits_total",
			Help: "DATA/ACK retransmissions due to timeout.",
		}),
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(c.sessionsStarted, c.sessionsCompleted, c.sessionsFailed,
		c.bytesTransferred, c.activeSessions, c.blocksRetransmit)
	return c
}

// Registry exposes the private Prometheus registry for wiring into
// promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Consume ranges over events until the channel closes, updating every
// counter. It is meant to run in its own goroutine, fed by an
// eventsink.Channel's Events().
func (c *Collector) Consume(events <-chan eventsink.Event) {
	for ev := range events {
		c.apply(ev)
	}
}

func (c *Collector) apply(ev eventsink.Event) {
	transfer := "read"
	if ev.Transfer == eventsink.Write {
		transfer = "write"
	}

	switch ev.Kind {
	case eventsink.SessionStarted:
		c.sessionsStarted.WithLabelValues(transfer).Inc()
		c.activeSessions.Inc()
		c.counters.inc("sessions_started."+transfer, 1)
	case eventsink.SessionCompleted:
		c.sessionsCompleted.WithLabelValues(transfer).Inc()
		c.activeSessions.Dec()
		c.bytesTransferred.WithLabelValues(transfer).Add(float64(ev.Bytes))
		c.counters.inc("sessions_completed."+transfer, 1)
		c.counters.inc("bytes_transferred."+transfer, int64(ev.Bytes))
	case eventsink.SessionFailed:
		c.sessionsFailed.WithLabelValues(transfer).Inc()
		c.activeSessions.Dec()
		c.counters.inc("sessions_failed."+transfer, 1)
	case eventsink.BlockProgress:
		// no counter of its own today; retransmit counting happens via
		// Retransmit below since a BlockProgress event only fires on a
		// forward step, not a retry.
	}
}

// Retransmit is called directly by a session (not via the event sink,
// which only carries terminal/progress events) whenever it resends a
// DATA or ACK after a timeout.
func (c *Collector) Retransmit() {
	c.blocksRetransmit.Inc()
	c.counters.inc("block_retransmits", 1)
}

// Snapshot returns a point-in-time copy of the legacy counters, keyed the
// way ptp4u's JSONStats.toMap names its entries (dotted category.label).
func (c *Collector) Snapshot() map[string]int64 {
	return c.counters.snapshot()
}

// Reset zeroes every legacy counter. The Prometheus registry is
// intentionally left alone: Prometheus counters are defined to be
// monotonic, so resetting them would misrepresent a rate() query across
// the reset boundary.
func (c *Collector) Reset() {
	c.counters.reset()
}
