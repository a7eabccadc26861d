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

// Package jobs is the lifecycle engine: it creates jobs, forwards execute
// requests upstream, derives status snapshots, runs the per-job poll loops
// and guarantees terminal states stay terminal.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ump/internal/derive"
	"ump/internal/metrics"
	"ump/internal/observe"
	"ump/internal/process"
	"ump/internal/providers"
	"ump/internal/retry"
	"ump/internal/store"
	"ump/internal/upstream"
	"ump/pkg/gateway"
	"ump/pkg/ogc"
	"ump/pkg/procid"
)

// Options wires a Manager.
type Options struct {
	Store         *store.Store
	Registry      *providers.Registry
	Processes     *process.Manager
	Client        *upstream.Client
	Deriver       *derive.Deriver
	Bus           *observe.Bus
	ForwardPolicy retry.Policy
	PollPolicy    retry.Policy
	PollInterval  time.Duration
	PollTimeout   time.Duration // 0 disables the forced-failure deadline
	PublicBaseURL string        // versioned public base for job links
	Log           *slog.Logger
}

// Manager coordinates the whole job lifecycle.
type Manager struct {
	store         *store.Store
	registry      *providers.Registry
	procs         *process.Manager
	client        *upstream.Client
	deriver       *derive.Deriver
	bus           *observe.Bus
	forwardPolicy retry.Policy
	pollPolicy    retry.Policy
	pollInterval  time.Duration
	pollTimeout   time.Duration
	publicBase    string
	log           *slog.Logger

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	closing    atomic.Bool
	wg         sync.WaitGroup

	mu    sync.Mutex
	polls map[string]context.CancelFunc
}

// New builds a Manager. The bus is expected to gain its observers (history,
// polling scheduler, results verifier) before the first job is created.
func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         opts.Store,
		registry:      opts.Registry,
		procs:         opts.Processes,
		client:        opts.Client,
		deriver:       opts.Deriver,
		bus:           opts.Bus,
		forwardPolicy: opts.ForwardPolicy,
		pollPolicy:    opts.PollPolicy,
		pollInterval:  opts.PollInterval,
		pollTimeout:   opts.PollTimeout,
		publicBase:    opts.PublicBaseURL,
		log:           opts.Log,
		rootCtx:       ctx,
		cancelRoot:    cancel,
		polls:         make(map[string]context.CancelFunc),
	}
}

// CreateAndForward creates a local job for the given process and forwards
// the execute request upstream. A job is always created once the process
// resolves; upstream failures are expressed through the job's status, never
// as an error return.
func (m *Manager) CreateAndForward(ctx context.Context, processID string, body json.RawMessage) (*gateway.Job, error) {
	if m.closing.Load() {
		return nil, gateway.ErrShuttingDown
	}

	desc, err := m.procs.Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	p, pid, err := m.registry.Resolve(desc.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &gateway.Job{
		ID:        uuid.New().String(),
		ProcessID: desc.ID,
		Provider:  p.Name,
		Status:    ogc.StatusAccepted,
		StatusInfo: ogc.StatusInfo{
			ProcessID: desc.ID,
			Type:      ogc.TypeProcess,
			JobID:     "",
			Status:    ogc.StatusAccepted,
		},
		Inputs:  body,
		Created: now,
		Updated: now,
	}
	job.StatusInfo.JobID = job.ID

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	m.bus.JobCreated(ctx, job, job.StatusInfo)
	m.log.Info("job created", "job", job.ID, "process", job.ProcessID)

	m.forward(ctx, job, p, pid)
	return job, nil
}

// forward posts the execute request upstream and applies the outcome to the
// job. All failure modes end in a failed snapshot on the job.
func (m *Manager) forward(ctx context.Context, job *gateway.Job, p *providers.Provider, pid procid.ID) {
	url := p.BaseURL + "/processes/" + pid.Bare + "/execution"
	headers := p.Auth.Headers()
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Prefer"] = "respond-async"

	resp, err := m.forwardPolicy.Do(ctx, p.Name, metrics.OpExecute, func(ctx context.Context) (*upstream.Response, error) {
		return m.client.Post(ctx, url, job.Inputs, p.Timeout, headers)
	})
	if err != nil {
		m.failJob(ctx, job, fmt.Sprintf("forwarding to %s failed: %v", p.Name, err))
		return
	}

	res := m.deriver.Derive(ctx, derive.Input{Provider: p, JobID: job.ID, ProcessID: job.ProcessID}, resp)
	m.applyDerived(ctx, job, res)
}

// PollOnce performs a single poll iteration for the job. It reports whether
// polling should stop.
func (m *Manager) PollOnce(ctx context.Context, jobID string) bool {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return true
		}
		// A store read blip must not kill the poll task.
		m.log.Warn("poll state read failed", "job", jobID, "error", err)
		return false
	}
	if job.Terminal() || job.RemoteStatusURL == "" {
		return true
	}

	p := m.registry.Get(job.Provider)
	if p == nil {
		m.log.Warn("provider removed while job in flight, polling stopped", "job", jobID, "provider", job.Provider)
		return true
	}

	resp, err := m.pollPolicy.Do(ctx, p.Name, metrics.OpPollStatus, func(ctx context.Context) (*upstream.Response, error) {
		return m.client.Get(ctx, job.RemoteStatusURL, p.Timeout, p.Auth.Headers())
	})
	if err != nil {
		// The loop's cadence is the retry mechanism here.
		m.log.Warn("poll failed", "job", jobID, "provider", p.Name, "error", err)
		return false
	}

	res := m.deriver.Derive(ctx, derive.Input{Provider: p, JobID: job.ID, ProcessID: job.ProcessID}, resp)
	if res.Fallback {
		// An unreadable status response is a provider hiccup, not a job
		// outcome. Only an explicit terminal snapshot or the poll deadline
		// ends the job.
		m.log.Warn("unreadable status response, keeping job open", "job", jobID, "provider", p.Name, "detail", res.Info.Message)
		return false
	}
	m.applyDerived(ctx, job, res)
	return job.Terminal()
}

// applyDerived applies a derived snapshot to the job: field updates,
// persistence, and observer dispatch. Identical snapshots are a no-op and
// transitions out of terminal states are logged and ignored.
func (m *Manager) applyDerived(ctx context.Context, job *gateway.Job, res derive.Result) {
	if job.Terminal() {
		if !res.Info.Equal(job.StatusInfo) {
			m.log.Warn("ignoring snapshot for terminal job", "job", job.ID, "claimed", res.Info.Status)
		}
		return
	}
	remoteChanged := false
	if res.RemoteStatusURL != "" && job.RemoteStatusURL == "" {
		job.RemoteStatusURL = res.RemoteStatusURL
		remoteChanged = true
	}
	if res.RemoteJobID != "" && job.RemoteJobID == "" {
		job.RemoteJobID = res.RemoteJobID
		remoteChanged = true
	}

	old := job.StatusInfo
	if res.Info.Equal(old) {
		job.Updated = time.Now().UTC()
		if remoteChanged {
			if err := m.store.UpdateJob(ctx, job); err != nil {
				m.log.Error("failed to persist remote identifiers", "job", job.ID, "error", err)
			}
			// An unchanged snapshot can still make the job pollable, e.g.
			// an acknowledgement that only carried a Location header.
			if job.RemoteStatusURL != "" {
				m.SchedulePoll(job)
			}
		}
		return
	}

	now := time.Now().UTC()
	job.StatusInfo = res.Info
	job.Status = res.Info.Status
	if len(res.Outputs) > 0 {
		job.Results = res.Outputs
	}
	if old.Status == ogc.StatusAccepted && job.Status != ogc.StatusAccepted && job.Started == nil {
		job.Started = &now
	}
	if job.Terminal() && job.Finished == nil {
		job.Finished = &now
	}
	job.Updated = now

	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.log.Error("failed to persist job update", "job", job.ID, "error", err)
		return
	}

	m.bus.StatusChanged(ctx, job, old, job.StatusInfo)
	if job.Terminal() {
		metrics.IncJobCompleted(job.Provider, string(job.Status))
		m.bus.JobCompleted(ctx, job, job.StatusInfo)
		m.log.Info("job completed", "job", job.ID, "status", job.Status)
	}
}

// failJob moves the job to the terminal failed state with a diagnostic.
func (m *Manager) failJob(ctx context.Context, job *gateway.Job, reason string) {
	m.applyDerived(ctx, job, derive.Result{Info: ogc.StatusInfo{
		ProcessID: job.ProcessID,
		Type:      ogc.TypeProcess,
		JobID:     job.ID,
		Status:    ogc.StatusFailed,
		Message:   reason,
	}})
}

// SchedulePoll starts a background poll task for the job unless one is
// already live. The polling-scheduler observer is the usual caller.
func (m *Manager) SchedulePoll(job *gateway.Job) {
	if m.closing.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.polls[job.ID]; live {
		return
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	m.polls[job.ID] = cancel
	m.wg.Add(1)
	metrics.PollTaskStarted()
	go m.pollLoop(ctx, job.ID, job.Provider, job.Created)
}

// CancelPoll stops the job's poll task if one is live. Idempotent.
func (m *Manager) CancelPoll(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.polls[jobID]; ok {
		cancel()
		delete(m.polls, jobID)
	}
}

// PollTaskLive reports whether a poll task currently exists for the job.
func (m *Manager) PollTaskLive(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.polls[jobID]
	return ok
}

func (m *Manager) pollLoop(ctx context.Context, jobID, provider string, created time.Time) {
	defer func() {
		m.mu.Lock()
		delete(m.polls, jobID)
		m.mu.Unlock()
		metrics.PollTaskFinished()
		m.wg.Done()
	}()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		metrics.IncPollTick(provider)

		if m.pollTimeout > 0 && time.Since(created) > m.pollTimeout {
			m.forceTimeout(ctx, jobID)
			return
		}
		if m.PollOnce(ctx, jobID) {
			return
		}
	}
}

// forceTimeout marks a job past its poll deadline as failed.
func (m *Manager) forceTimeout(ctx context.Context, jobID string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil || job.Terminal() {
		return
	}
	m.log.Warn("job exceeded poll timeout", "job", jobID, "timeout", m.pollTimeout)
	m.failJob(ctx, job, fmt.Sprintf("job did not finish within the configured poll timeout of %s", m.pollTimeout))
}

// ResumePolls schedules poll tasks for every non-terminal job with a known
// status URL. Called once at startup to pick up jobs that survived a
// restart.
func (m *Manager) ResumePolls(ctx context.Context) error {
	open, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for i := range open {
		if open[i].RemoteStatusURL == "" {
			continue
		}
		m.SchedulePoll(&open[i])
	}
	if len(open) > 0 {
		m.log.Info("resumed polling", "jobs", len(open))
	}
	return nil
}

// Job returns a job by its local id.
func (m *Manager) Job(ctx context.Context, id string) (*gateway.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns jobs matching the filter.
func (m *Manager) List(ctx context.Context, filter gateway.JobFilter) ([]gateway.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// History returns a job's recorded status snapshots.
func (m *Manager) History(ctx context.Context, id string) ([]gateway.StatusHistoryEntry, error) {
	if _, err := m.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListStatusHistory(ctx, id)
}

// Results returns the job's outputs: either the locally stored synchronous
// outputs or a proxy fetch from the remote results endpoint. Jobs that are
// not successful yield ErrNotReady (failed/dismissed included; their state
// is in the status document).
func (m *Manager) Results(ctx context.Context, id string) (json.RawMessage, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != ogc.StatusSuccessful {
		return nil, fmt.Errorf("job %s has status %s: %w", id, job.Status, gateway.ErrNotReady)
	}
	if len(job.Results) > 0 {
		return job.Results, nil
	}
	if job.RemoteStatusURL == "" {
		return nil, fmt.Errorf("job %s has no results source: %w", id, gateway.ErrNotFound)
	}

	p := m.registry.Get(job.Provider)
	if p == nil {
		return nil, fmt.Errorf("provider %q no longer configured: %w", job.Provider, gateway.ErrNotFound)
	}
	url := strings.TrimSuffix(job.RemoteStatusURL, "/") + "/results"
	start := time.Now()
	resp, err := m.client.Get(ctx, url, p.Timeout, p.Auth.Headers())
	metrics.ObserveUpstreamRequest(p.Name, metrics.OpFetchResults, responseCode(resp), time.Since(start))
	if err != nil {
		return nil, &upstream.BadGatewayError{URL: url, Reason: err.Error()}
	}
	if resp.StatusCode != 200 {
		return nil, &upstream.BadGatewayError{URL: url, Reason: fmt.Sprintf("results endpoint returned status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

// DowngradeToFailed marks a successful job failed. The results verifier is
// the only caller; this is the single sanctioned transition between
// terminal states.
func (m *Manager) DowngradeToFailed(ctx context.Context, jobID, reason string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != ogc.StatusSuccessful {
		return nil
	}

	old := job.StatusInfo
	now := time.Now().UTC()
	job.Status = ogc.StatusFailed
	job.StatusInfo.Status = ogc.StatusFailed
	job.StatusInfo.Message = reason
	job.StatusInfo.Progress = nil
	job.Updated = now
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	m.bus.StatusChanged(ctx, job, old, job.StatusInfo)
	return nil
}

// StatusDoc builds the public status document for a job: the stored core
// snapshot enriched with timestamps and gateway links. Remote identifiers
// never appear here.
func (m *Manager) StatusDoc(job *gateway.Job) ogc.StatusInfo {
	doc := job.StatusInfo
	doc.JobID = job.ID
	doc.ProcessID = job.ProcessID
	doc.Type = ogc.TypeProcess
	created := job.Created
	doc.Created = &created
	doc.Started = job.Started
	doc.Finished = job.Finished
	updated := job.Updated
	doc.Updated = &updated

	self := m.publicBase + "/jobs/" + job.ID
	doc.Links = []ogc.Link{
		{Href: self, Rel: "self", Type: "application/json"},
		{Href: self + "/status-history", Rel: "monitor", Type: "application/json"},
	}
	if job.Status == ogc.StatusSuccessful {
		doc.Links = append(doc.Links, ogc.Link{
			Href: self + "/results",
			Rel:  "http://www.opengis.net/def/rel/ogc/1.0/results",
			Type: "application/json",
		})
	}
	return doc
}

// Shutdown refuses new work, cancels all poll tasks and waits for them up
// to the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.cancelRoot()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("all poll tasks stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poll tasks did not stop before the grace deadline: %w", ctx.Err())
	}
}

func responseCode(r *upstream.Response) int {
	if r == nil {
		return -1
	}
	return r.StatusCode
}
