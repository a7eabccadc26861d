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

package observe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ump/internal/metrics"
	"ump/internal/providers"
	"ump/internal/upstream"
	"ump/pkg/gateway"
	"ump/pkg/ogc"
)

// HistoryAppender is the slice of the store the history observer needs.
type HistoryAppender interface {
	AppendStatus(ctx context.Context, jobID string, observedAt time.Time, snapshot ogc.StatusInfo) (bool, error)
}

// StatusHistoryObserver appends every new snapshot to the history table.
// Completion is not recorded separately; the terminal snapshot already
// arrived via the preceding status change.
type StatusHistoryObserver struct {
	Base
	store HistoryAppender
}

// NewStatusHistoryObserver builds the history observer.
func NewStatusHistoryObserver(store HistoryAppender) *StatusHistoryObserver {
	return &StatusHistoryObserver{store: store}
}

func (o *StatusHistoryObserver) Name() string { return "status-history" }

func (o *StatusHistoryObserver) OnJobCreated(ctx context.Context, job *gateway.Job, snapshot ogc.StatusInfo) error {
	_, err := o.store.AppendStatus(ctx, job.ID, job.Created, snapshot)
	return err
}

func (o *StatusHistoryObserver) OnStatusChanged(ctx context.Context, job *gateway.Job, _, newSnap ogc.StatusInfo) error {
	_, err := o.store.AppendStatus(ctx, job.ID, job.Updated, newSnap)
	return err
}

// PollScheduler is the slice of the job manager the polling observer needs.
// SchedulePoll is expected to be a no-op when a task is already live for the
// job, so the at-most-one-task invariant holds even under racing events.
type PollScheduler interface {
	SchedulePoll(job *gateway.Job)
	CancelPoll(jobID string)
}

// PollingSchedulerObserver starts a poll task when a job becomes pollable
// and cancels it once the job is terminal.
type PollingSchedulerObserver struct {
	Base
	sched PollScheduler
}

// NewPollingSchedulerObserver builds the polling observer.
func NewPollingSchedulerObserver(sched PollScheduler) *PollingSchedulerObserver {
	return &PollingSchedulerObserver{sched: sched}
}

func (o *PollingSchedulerObserver) Name() string { return "polling-scheduler" }

func (o *PollingSchedulerObserver) OnStatusChanged(_ context.Context, job *gateway.Job, _, newSnap ogc.StatusInfo) error {
	if newSnap.Status.IsTerminal() {
		o.sched.CancelPoll(job.ID)
		return nil
	}
	if job.RemoteStatusURL != "" {
		o.sched.SchedulePoll(job)
	}
	return nil
}

func (o *PollingSchedulerObserver) OnJobCompleted(_ context.Context, job *gateway.Job, _ ogc.StatusInfo) error {
	o.sched.CancelPoll(job.ID)
	return nil
}

// Prober is the slice of the HTTP client the results verifier needs.
type Prober interface {
	Head(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (*upstream.Response, error)
	Get(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (*upstream.Response, error)
}

// Downgrader marks a successful job failed after its results turned out to
// be unreachable.
type Downgrader interface {
	DowngradeToFailed(ctx context.Context, jobID, reason string) error
}

// ResultsVerificationObserver probes the remote results endpoint after a
// successful completion. Failures are logged; when a Downgrader is
// configured the job is additionally marked failed.
type ResultsVerificationObserver struct {
	Base
	client     Prober
	registry   *providers.Registry
	downgrader Downgrader // nil means log-only
	log        *slog.Logger
}

// NewResultsVerificationObserver builds the verifier. Pass a nil downgrader
// to log failures without touching the job.
func NewResultsVerificationObserver(client Prober, registry *providers.Registry, downgrader Downgrader, logger *slog.Logger) *ResultsVerificationObserver {
	return &ResultsVerificationObserver{client: client, registry: registry, downgrader: downgrader, log: logger}
}

func (o *ResultsVerificationObserver) Name() string { return "results-verification" }

func (o *ResultsVerificationObserver) OnJobCompleted(ctx context.Context, job *gateway.Job, final ogc.StatusInfo) error {
	if final.Status != ogc.StatusSuccessful {
		return nil
	}
	if len(job.Results) > 0 {
		// Outputs arrived synchronously and are stored locally; nothing
		// remote to verify.
		return nil
	}
	if job.RemoteStatusURL == "" {
		return nil
	}

	p := o.registry.Get(job.Provider)
	if p == nil {
		return fmt.Errorf("provider %q no longer configured", job.Provider)
	}
	resultsURL := strings.TrimSuffix(job.RemoteStatusURL, "/") + "/results"

	ok := o.probe(ctx, p, resultsURL)
	metrics.ObserveUpstreamRequest(p.Name, metrics.OpVerifyResults, boolCode(ok), 0)
	if ok {
		return nil
	}

	o.log.Warn("remote results endpoint unreachable", "job", job.ID, "provider", p.Name, "url", resultsURL)
	if o.downgrader != nil {
		return o.downgrader.DowngradeToFailed(ctx, job.ID, "remote results endpoint unreachable: "+resultsURL)
	}
	return nil
}

// probe tries HEAD first and falls back to GET for providers that reject
// HEAD on results endpoints.
func (o *ResultsVerificationObserver) probe(ctx context.Context, p *providers.Provider, url string) bool {
	resp, err := o.client.Head(ctx, url, p.Timeout, p.Auth.Headers())
	if err == nil && resp.StatusCode < 400 {
		return true
	}
	resp, err = o.client.Get(ctx, url, p.Timeout, p.Auth.Headers())
	return err == nil && resp.StatusCode < 400
}

func boolCode(ok bool) int {
	if ok {
		return 200
	}
	return -1
}
