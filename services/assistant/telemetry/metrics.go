// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports Prometheus metrics for the query pipeline.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline instrumentation.
//
// Thread Safety: safe for concurrent use after construction.
type Metrics struct {
	StageDuration   *prometheus.HistogramVec
	EmergencyHits   *prometheus.CounterVec
	TierDecisions   *prometheus.CounterVec
	ChunksRetrieved prometheus.Histogram
	LLMRetries      prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// New registers the pipeline metrics on reg (nil uses the default
// registerer).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		// Already-registered collectors are fine in tests that build
		// multiple agents against the default registry.
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	m := &Metrics{
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "glycoassist",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Latency per pipeline stage.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 5, 15, 60},
		}, []string{"stage"}),
		EmergencyHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glycoassist",
			Subsystem: "safety",
			Name:      "emergency_hits_total",
			Help:      "Emergency detector matches by severity.",
		}, []string{"severity"}),
		TierDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glycoassist",
			Subsystem: "safety",
			Name:      "tier_decisions_total",
			Help:      "Safety tier outcomes.",
		}, []string{"tier", "action"}),
		ChunksRetrieved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "glycoassist",
			Subsystem: "retrieval",
			Name:      "chunks_returned",
			Help:      "Chunks surviving filtering per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15},
		}),
		LLMRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "glycoassist",
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "Transient LLM failures that were retried.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "glycoassist",
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Completed pipeline requests by outcome.",
		}, []string{"outcome"}),
	}

	factory(m.StageDuration)
	factory(m.EmergencyHits)
	factory(m.TierDecisions)
	factory(m.ChunksRetrieved)
	factory(m.LLMRetries)
	factory(m.RequestsTotal)
	return m
}

// Default returns the process-wide metrics registered on the default
// registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(nil)
	})
	return defaultMetrics
}

// ObserveStage times one pipeline stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
