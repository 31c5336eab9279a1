// Escriba is a web page archiving service.
// Copyright (C) 2025 Fernanda Queiroz
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for the broker and the
// archival pipeline loops.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	brokerMessages    *prometheus.CounterVec
	brokerDispatches  *prometheus.CounterVec
	brokerPurged      prometheus.Counter
	snapshotOutcomes  *prometheus.CounterVec
	snapshotDuration  *prometheus.HistogramVec
	derivationUpdates *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncBrokerMessage counts one inbound broker message by kind
// ("client" or a worker command name).
func IncBrokerMessage(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	if brokerMessages != nil {
		brokerMessages.WithLabelValues(sanitizeLabel(kind, "unknown")).Inc()
	}
}

// IncBrokerDispatch counts one request handed to a worker of service.
func IncBrokerDispatch(service string) {
	mu.RLock()
	defer mu.RUnlock()
	if brokerDispatches != nil {
		brokerDispatches.WithLabelValues(sanitizeLabel(service, "unknown")).Inc()
	}
}

// IncBrokerPurged counts one expired worker garbage-collected.
func IncBrokerPurged() {
	mu.RLock()
	defer mu.RUnlock()
	if brokerPurged != nil {
		brokerPurged.Inc()
	}
}

// ObserveSnapshot records one finished snapshot attempt.
func ObserveSnapshot(strategy, state string, duration time.Duration) {
	s := sanitizeLabel(strategy, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if snapshotOutcomes != nil {
		snapshotOutcomes.WithLabelValues(s, sanitizeLabel(state, "unknown")).Inc()
	}
	if snapshotDuration != nil {
		snapshotDuration.WithLabelValues(s).Observe(durationSeconds(duration))
	}
}

// IncDerivation counts one webpage attribute promoted from a snapshot.
func IncDerivation(attribute string) {
	mu.RLock()
	defer mu.RUnlock()
	if derivationUpdates != nil {
		derivationUpdates.WithLabelValues(sanitizeLabel(attribute, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escriba",
		Subsystem: "broker",
		Name:      "messages_total",
		Help:      "Total inbound broker messages by kind.",
	}, []string{"kind"})

	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escriba",
		Subsystem: "broker",
		Name:      "dispatches_total",
		Help:      "Total requests dispatched to workers by service.",
	}, []string{"service"})

	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escriba",
		Subsystem: "broker",
		Name:      "workers_purged_total",
		Help:      "Total expired workers garbage-collected by the broker.",
	})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escriba",
		Subsystem: "pipeline",
		Name:      "snapshots_total",
		Help:      "Total finished snapshot attempts by strategy and terminal state.",
	}, []string{"strategy", "state"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escriba",
		Subsystem: "pipeline",
		Name:      "snapshot_duration_seconds",
		Help:      "Duration of snapshot attempts by strategy.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"strategy"})

	derivations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escriba",
		Subsystem: "pipeline",
		Name:      "derivations_total",
		Help:      "Total webpage attributes promoted from snapshots.",
	}, []string{"attribute"})

	registry.MustRegister(messages, dispatches, purged, outcomes, duration, derivations)

	reg = registry
	brokerMessages = messages
	brokerDispatches = dispatches
	brokerPurged = purged
	snapshotOutcomes = outcomes
	snapshotDuration = duration
	derivationUpdates = derivations
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
