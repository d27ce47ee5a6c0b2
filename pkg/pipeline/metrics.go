// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector instruments a run with an in-process-only Prometheus
// registry: the teacher codebase exposes client_golang counters over an
// HTTP /metrics endpoint, but spec.md §1's "no network I/O occurs"
// invariant rules that out here, so this registry is never served. The
// MetricsDocument the Persistence Layer writes to disk is built by Document
// from the run's per-stage outcomes, not from this registry.
type MetricsCollector struct {
	registry *prometheus.Registry

	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewMetricsCollector returns a MetricsCollector with a fresh, private
// registry — never the global DefaultRegisterer, so multiple runs in the
// same process (as in tests) never collide on metric names.
func NewMetricsCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	stagesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_total",
		Help: "Count of stage terminations by outcome status.",
	}, []string{"stage", "status"})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Stage execution duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	registry.MustRegister(stagesTotal, stageDuration)

	return &MetricsCollector{registry: registry, stagesTotal: stagesTotal, stageDuration: stageDuration}
}

// Observe records one stage's terminal outcome.
func (m *MetricsCollector) Observe(stage string, result StageResult) {
	m.stagesTotal.WithLabelValues(stage, string(result.Status)).Inc()
	if result.Status != StageSkipped {
		m.stageDuration.WithLabelValues(stage).Observe(result.DurationSec)
	}
}

// Document builds a MetricsDocument for the given runID from the per-stage
// outcomes the orchestrator already tracked; it does not read the
// Prometheus registry — the
// registry exists to give this run a standard instrumentation surface
// other in-process tooling (tests, future exporters) can read, not to be
// the document's source of truth.
func (m *MetricsCollector) Document(runID string, outcomes []StageOutcome, timestamp time.Time) MetricsDocument {
	doc := MetricsDocument{
		RunID:     runID,
		Timestamp: timestamp,
		Outcomes:  outcomes,
	}
	for _, o := range outcomes {
		doc.TotalStages++
		switch o.Status {
		case StageOK:
			doc.OKStages++
		case StageSkipped:
			doc.SkippedStages++
		case StageFailed:
			doc.FailedStages++
		}
	}
	return doc
}

// Registry exposes the underlying Prometheus registry for callers (e.g. a
// future debug command) that want to gather raw metric families without
// going through Document.
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
