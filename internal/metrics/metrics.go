// UMP is an OGC API Processes federation gateway.
// Copyright (C) 2025  Matthew Burns
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

// Package metrics exposes Prometheus collectors for the gateway: upstream
// request outcomes, retry counts, poll loop activity, and job completions.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	upstreamRequests        *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamRetries         *prometheus.CounterVec
	pollTicks               *prometheus.CounterVec
	pollTasksLive           prometheus.Gauge
	jobsCompleted           *prometheus.CounterVec
)

// Operation labels for upstream requests.
const (
	OpListProcesses   = "processes.list"
	OpDescribeProcess = "processes.describe"
	OpExecute         = "execute"
	OpPollStatus      = "poll.status"
	OpFollowLocation  = "status.follow"
	OpFetchResults    = "results.fetch"
	OpVerifyResults   = "results.verify"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ump_upstream_requests_total",
		Help: "Upstream HTTP request attempts by provider, operation and status code.",
	}, []string{"provider", "op", "code"})

	upstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ump_upstream_request_duration_seconds",
		Help:    "Upstream HTTP request latency by provider and operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})

	upstreamRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ump_upstream_retries_total",
		Help: "Retried upstream requests by provider and operation.",
	}, []string{"provider", "op"})

	pollTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ump_poll_ticks_total",
		Help: "Poll loop iterations by provider.",
	}, []string{"provider"})

	pollTasksLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ump_poll_tasks_live",
		Help: "Number of currently running poll tasks.",
	})

	jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ump_jobs_completed_total",
		Help: "Jobs that reached a terminal status.",
	}, []string{"provider", "status"})

	reg.MustRegister(
		upstreamRequests,
		upstreamRequestDuration,
		upstreamRetries,
		pollTicks,
		pollTasksLive,
		jobsCompleted,
	)
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveUpstreamRequest records one completed upstream request attempt.
// Use a negative code for transport-level failures.
func ObserveUpstreamRequest(provider, op string, code int, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	upstreamRequests.WithLabelValues(provider, op, strconv.Itoa(code)).Inc()
	upstreamRequestDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
}

// IncUpstreamRetry counts one retried upstream request.
func IncUpstreamRetry(provider, op string) {
	mu.RLock()
	defer mu.RUnlock()
	upstreamRetries.WithLabelValues(provider, op).Inc()
}

// IncPollTick counts one poll loop iteration.
func IncPollTick(provider string) {
	mu.RLock()
	defer mu.RUnlock()
	pollTicks.WithLabelValues(provider).Inc()
}

// PollTaskStarted and PollTaskFinished track the live poll task gauge.
func PollTaskStarted() {
	mu.RLock()
	defer mu.RUnlock()
	pollTasksLive.Inc()
}

func PollTaskFinished() {
	mu.RLock()
	defer mu.RUnlock()
	pollTasksLive.Dec()
}

// IncJobCompleted counts a terminal job transition.
func IncJobCompleted(provider, status string) {
	mu.RLock()
	defer mu.RUnlock()
	jobsCompleted.WithLabelValues(provider, status).Inc()
}
