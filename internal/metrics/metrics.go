/*
Copyright 2024 Alexandre Mahdhaoui

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

// Package metrics holds the Prometheus collectors of the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reconcile results.
const (
	ReconcileOK      = "ok"
	ReconcileSkipped = "skipped"
	ReconcileRetry   = "retry"
	ReconcileError   = "error"
)

// Command outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeIgnored = "ignored"
)

// Metrics holds all agent collectors. A nil *Metrics records nothing.
type Metrics struct {
	Listeners              prometheus.Gauge
	Reconciles             *prometheus.CounterVec
	Commands               *prometheus.CounterVec
	Jobs                   *prometheus.CounterVec
	ListenerConnectFailure prometheus.Counter
}

// New creates the collectors. They are not registered.
func New() *Metrics {
	return &Metrics{
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vm_selfmanager_listeners",
			Help: "Number of pipe listeners tracked by the reconciler",
		}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vm_selfmanager_reconcile_total",
			Help: "Total number of reconciliation ticks by result",
		}, []string{"result"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vm_selfmanager_commands_total",
			Help: "Total number of guest commands by command and outcome",
		}, []string{"command", "outcome"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vm_selfmanager_jobs_total",
			Help: "Total number of awaited management jobs by final state",
		}, []string{"state"}),
		ListenerConnectFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vm_selfmanager_listener_connect_failures_total",
			Help: "Total number of listeners that failed to connect to their pipe",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Listeners.Describe(ch)
	m.Reconciles.Describe(ch)
	m.Commands.Describe(ch)
	m.Jobs.Describe(ch)
	m.ListenerConnectFailure.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Listeners.Collect(ch)
	m.Reconciles.Collect(ch)
	m.Commands.Collect(ch)
	m.Jobs.Collect(ch)
	m.ListenerConnectFailure.Collect(ch)
}

// Register registers m with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// SetListeners records the size of the listener map.
func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.Listeners.Set(float64(n))
}

// ObserveReconcile counts one tick.
func (m *Metrics) ObserveReconcile(result string) {
	if m == nil {
		return
	}
	m.Reconciles.WithLabelValues(result).Inc()
}

// ObserveCommand counts one dispatched command.
func (m *Metrics) ObserveCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, outcome).Inc()
}

// ObserveJob counts one awaited job by the state it ended in.
func (m *Metrics) ObserveJob(state string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(state).Inc()
}

// ObserveConnectFailure counts one failed pipe connection.
func (m *Metrics) ObserveConnectFailure() {
	if m == nil {
		return
	}
	m.ListenerConnectFailure.Inc()
}
