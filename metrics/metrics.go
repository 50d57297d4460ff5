// Copyright 2023 The DAP Aggregation Service Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the aggregator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request type labels for the inbound counter.
const (
	RequestUpload         = "upload"
	RequestHpkeConfig     = "hpke_config"
	RequestAggregateInit  = "aggregate_init"
	RequestAggregateCont  = "aggregate_continue"
	RequestAggregateShare = "aggregate_share"
	RequestCollect        = "collect"
	RequestCollectPoll    = "collect_poll"
)

// Metrics carries the aggregator's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	// InboundRequests counts protocol requests by type.
	InboundRequests *prometheus.CounterVec
	// Reports counts per-report outcomes by status, e.g. "aggregated",
	// "duplicate" or a rejection reason.
	Reports *prometheus.CounterVec
	// AggregationJobs gauges helper jobs currently between rounds.
	AggregationJobs prometheus.Gauge
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		InboundRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dap_inbound_request_total",
			Help: "Inbound protocol requests by type.",
		}, []string{"type"}),
		Reports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dap_report_total",
			Help: "Per-report outcomes by status.",
		}, []string{"status"}),
		AggregationJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dap_aggregation_job_open",
			Help: "Helper aggregation jobs waiting for their second round.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CountRequest increments the inbound counter for one request type.
func (m *Metrics) CountRequest(requestType string) {
	m.InboundRequests.WithLabelValues(requestType).Inc()
}

// CountReport increments the report counter for one outcome.
func (m *Metrics) CountReport(status string) {
	m.Reports.WithLabelValues(status).Inc()
}
