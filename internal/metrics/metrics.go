// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the process's Prometheus instruments and offers
// record helpers so callers never touch label plumbing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_runs_active",
			Help: "Runs currently executing in this process",
		},
	)

	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_runs_finished_total",
			Help: "Terminated runs by stop reason",
		},
		[]string{"reason"},
	)

	stepsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_steps_committed_total",
			Help: "Committed steps by outcome",
		},
		[]string{"outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_step_duration_seconds",
			Help:    "Wall time from step start to commit",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"outcome"},
	)

	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tool_calls_total",
			Help: "Dispatched tool calls by server and outcome",
		},
		[]string{"server_id", "outcome"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_tool_call_duration_seconds",
			Help:    "Round-trip time of dispatched tool calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"server_id"},
	)

	sessionsReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_sessions_ready",
			Help: "Tool-server sessions currently ready for calls",
		},
	)

	sessionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_session_failures_total",
			Help: "Session connect and supervision failures by server",
		},
		[]string{"server_id"},
	)

	approvalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_approvals_pending",
			Help: "Approval gates currently awaiting a decision",
		},
	)

	approvalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_approvals_resolved_total",
			Help: "Resolved approvals by decision",
		},
		[]string{"decision"},
	)
)

// RunStarted marks one more run executing.
func RunStarted() { runsActive.Inc() }

// RunDone marks one run loop exited, terminal or not.
func RunDone() { runsActive.Dec() }

// RunFinished counts a terminated run under its stop reason.
func RunFinished(reason string) { runsFinished.WithLabelValues(reason).Inc() }

// StepCommitted counts a committed step; outcome is "ok" or "error".
func StepCommitted(outcome string, d time.Duration) {
	stepsCommitted.WithLabelValues(outcome).Inc()
	stepDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ToolCallObserved records one dispatched call's outcome and latency.
func ToolCallObserved(serverID, outcome string, d time.Duration) {
	toolCalls.WithLabelValues(serverID, outcome).Inc()
	toolCallDuration.WithLabelValues(serverID).Observe(d.Seconds())
}

// SessionReady moves the ready-session gauge as servers come and go.
func SessionReady(up bool) {
	if up {
		sessionsReady.Inc()
	} else {
		sessionsReady.Dec()
	}
}

// SessionFailure counts one connect or supervision failure.
func SessionFailure(serverID string) { sessionFailures.WithLabelValues(serverID).Inc() }

// ApprovalRequested marks one more pending approval gate.
func ApprovalRequested() { approvalsPending.Inc() }

// ApprovalResolved records the decision and clears the pending gate.
func ApprovalResolved(decision string) {
	approvalsPending.Dec()
	approvalsResolved.WithLabelValues(decision).Inc()
}
