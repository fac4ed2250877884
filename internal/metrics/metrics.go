// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects run, search, and health gauges. All record methods are
// nil-safe so callers can be wired with metrics disabled.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	searchesTriggered prometheus.Counter
	itemsEvaluated    prometheus.Counter
	itemsSearched     prometheus.Counter
	instanceHealthy   *prometheus.GaugeVec
	scheduledJobs     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "runs_total",
			Help:      "Search runs by terminal status.",
		}, []string{"status"}),
		searchesTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "searches_triggered_total",
			Help:      "Search commands dispatched to backends.",
		}),
		itemsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "items_evaluated_total",
			Help:      "Wanted items evaluated across all runs.",
		}),
		itemsSearched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "items_searched_total",
			Help:      "Wanted items dispatched across all runs.",
		}),
		instanceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fetcharr",
			Name:      "instance_healthy",
			Help:      "Instance health as seen by the monitor (1 healthy, 0 unhealthy).",
		}, []string{"instance_id"}),
		scheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fetcharr",
			Name:      "scheduled_jobs",
			Help:      "Entries currently registered with the scheduler.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsTotal,
		m.searchesTriggered,
		m.itemsEvaluated,
		m.itemsSearched,
		m.instanceHealthy,
		m.scheduledJobs,
	)
	return m
}

// Handler serves the registry for the standalone metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRun(status string, itemsEvaluated, itemsSearched, searchesTriggered int) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.itemsEvaluated.Add(float64(itemsEvaluated))
	m.itemsSearched.Add(float64(itemsSearched))
	m.searchesTriggered.Add(float64(searchesTriggered))
}

func (m *Metrics) SetInstanceHealth(instanceID int, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.instanceHealthy.WithLabelValues(strconv.Itoa(instanceID)).Set(v)
}

func (m *Metrics) SetScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.scheduledJobs.Set(float64(n))
}
