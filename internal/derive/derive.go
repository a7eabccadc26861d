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

// Package derive converts ambiguous upstream responses into a canonical
// status snapshot. Providers answer execute and poll calls in several
// shapes: a statusInfo document, the outputs directly, just a Location
// header, or garbage. A priority-ordered strategy list picks the first
// shape that matches; the last strategy always matches and yields a failed
// snapshot with a diagnostic.
package derive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"ump/internal/metrics"
	"ump/internal/providers"
	"ump/internal/upstream"
	"ump/pkg/ogc"
)

// maxExcerpt bounds the upstream body excerpt embedded in fallback
// diagnostics.
const maxExcerpt = 512

// Fetcher is the slice of the HTTP client the Location follow-up strategy
// needs.
type Fetcher interface {
	Get(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (*upstream.Response, error)
}

// Input carries the call context a strategy may consult: the provider the
// response came from and the identity of the local job being updated.
type Input struct {
	Provider  *providers.Provider
	JobID     string // local job id; always overwrites the upstream jobID
	ProcessID string // canonical process id
}

// Result is a derived snapshot plus the operational fields the job manager
// persists alongside it. RemoteJobID and RemoteStatusURL are empty when the
// response carried none.
type Result struct {
	Info            ogc.StatusInfo
	RemoteJobID     string
	RemoteStatusURL string
	Outputs         json.RawMessage // set when the upstream answered with results directly

	// Fallback marks a snapshot synthesized because no strategy could read
	// the response. The forward path fails the job on it; the poll loop
	// treats it as a provider hiccup and keeps the job open.
	Fallback bool
}

// Strategy is one rule for reading an upstream response.
type Strategy interface {
	Name() string
	Applies(resp *upstream.Response) bool
	Derive(ctx context.Context, in Input, resp *upstream.Response) Result
}

// Deriver dispatches over the registered strategies in priority order.
type Deriver struct {
	strategies []Strategy
	log        *slog.Logger
}

// New builds the standard strategy list: direct statusInfo, immediate
// results, Location follow-up, then the unconditional fallback.
func New(client Fetcher, logger *slog.Logger) *Deriver {
	d := &Deriver{log: logger}
	d.strategies = []Strategy{
		&directStatus{},
		&immediateResults{},
		&locationFollowUp{client: client, log: logger},
		&fallbackFailure{},
	}
	return d
}

// Derive runs the first applicable strategy. It never fails: the fallback
// strategy applies to everything.
func (d *Deriver) Derive(ctx context.Context, in Input, resp *upstream.Response) Result {
	for _, s := range d.strategies {
		if !s.Applies(resp) {
			continue
		}
		d.log.Debug("status derived", "provider", in.Provider.Name, "job", in.JobID, "strategy", s.Name())
		return s.Derive(ctx, in, resp)
	}
	// Unreachable: fallbackFailure applies unconditionally.
	return (&fallbackFailure{}).Derive(ctx, in, resp)
}

// statusProbe is the minimal shape test for a statusInfo body.
type statusProbe struct {
	JobID  string  `json:"jobID"`
	Status *string `json:"status"`
}

func probeStatus(body []byte) (statusProbe, bool) {
	var p statusProbe
	if err := json.Unmarshal(body, &p); err != nil {
		return statusProbe{}, false
	}
	return p, p.JobID != "" && p.Status != nil
}

// directStatus handles bodies that already are statusInfo documents.
type directStatus struct{}

func (s *directStatus) Name() string { return "direct-status" }

func (s *directStatus) Applies(resp *upstream.Response) bool {
	_, ok := probeStatus(resp.Body)
	return ok
}

func (s *directStatus) Derive(_ context.Context, in Input, resp *upstream.Response) Result {
	var info ogc.StatusInfo
	// Applies already proved the body unmarshals.
	_ = json.Unmarshal(resp.Body, &info)

	remoteJobID := info.JobID
	info.JobID = in.JobID
	info.ProcessID = in.ProcessID
	info.Type = ogc.TypeProcess
	// Remote links would leak provider hosts; the job manager attaches the
	// gateway's own links.
	info.Links = nil

	if !info.Status.Valid() {
		unknown := info.Status
		info.Status = ogc.StatusFailed
		info.Message = fmt.Sprintf("upstream reported unknown status %q", unknown)
		info.Progress = nil
	}

	return Result{
		Info:            info,
		RemoteJobID:     remoteJobID,
		RemoteStatusURL: resolveLocation(in.Provider.BaseURL, resp.Location()),
	}
}

// immediateResults handles providers that run synchronously and answer the
// execute call with the outputs themselves.
type immediateResults struct{}

func (s *immediateResults) Name() string { return "immediate-results" }

func (s *immediateResults) Applies(resp *upstream.Response) bool {
	if resp.StatusCode >= 400 {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &probe); err != nil {
		return false
	}
	_, hasOutputs := probe["outputs"]
	_, hasStatus := probe["status"]
	return hasOutputs && !hasStatus
}

func (s *immediateResults) Derive(_ context.Context, in Input, resp *upstream.Response) Result {
	progress := 100
	return Result{
		Info: ogc.StatusInfo{
			ProcessID: in.ProcessID,
			Type:      ogc.TypeProcess,
			JobID:     in.JobID,
			Status:    ogc.StatusSuccessful,
			Message:   "process completed synchronously",
			Progress:  &progress,
		},
		Outputs: json.RawMessage(resp.Body),
	}
}

// locationFollowUp handles async acknowledgements that carry nothing but a
// Location header: it resolves and fetches the status URL once, then reads
// that response as a statusInfo or immediate-results document.
type locationFollowUp struct {
	client Fetcher
	log    *slog.Logger
}

func (s *locationFollowUp) Name() string { return "location-follow-up" }

func (s *locationFollowUp) Applies(resp *upstream.Response) bool {
	return resp.Location() != ""
}

func (s *locationFollowUp) Derive(ctx context.Context, in Input, resp *upstream.Response) Result {
	statusURL := resolveLocation(in.Provider.BaseURL, resp.Location())

	followed, err := s.client.Get(ctx, statusURL, in.Provider.Timeout, in.Provider.Auth.Headers())
	metrics.ObserveUpstreamRequest(in.Provider.Name, metrics.OpFollowLocation, responseCode(followed), 0)
	if err != nil {
		s.log.Warn("status follow-up failed", "provider", in.Provider.Name, "job", in.JobID, "url", statusURL, "error", err)
		// The URL itself is kept: the poll loop retries it on its own cadence.
		return Result{
			Info: ogc.StatusInfo{
				ProcessID: in.ProcessID,
				Type:      ogc.TypeProcess,
				JobID:     in.JobID,
				Status:    ogc.StatusAccepted,
				Message:   "execution accepted; status endpoint not yet reachable",
			},
			RemoteStatusURL: statusURL,
		}
	}

	var inner Strategy = &directStatus{}
	if !inner.Applies(followed) {
		inner = &immediateResults{}
		if !inner.Applies(followed) {
			inner = &fallbackFailure{}
		}
	}
	out := inner.Derive(ctx, in, followed)
	out.RemoteStatusURL = statusURL
	return out
}

// fallbackFailure applies to everything the other strategies refused.
type fallbackFailure struct{}

func (s *fallbackFailure) Name() string { return "fallback-failure" }

func (s *fallbackFailure) Applies(*upstream.Response) bool { return true }

func (s *fallbackFailure) Derive(_ context.Context, in Input, resp *upstream.Response) Result {
	return Result{
		Fallback: true,
		Info: ogc.StatusInfo{
			ProcessID: in.ProcessID,
			Type:      ogc.TypeProcess,
			JobID:     in.JobID,
			Status:    ogc.StatusFailed,
			Message:   fmt.Sprintf("upstream returned status %d: %s", resp.StatusCode, excerpt(resp.Body)),
		},
	}
}

// excerpt truncates an upstream body for embedding in a diagnostic message.
func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxExcerpt {
		s = s[:maxExcerpt]
	}
	return s
}

// resolveLocation resolves a Location header value against the provider
// base. Absolute URLs pass through untouched even when they point at a
// different host; some providers run status on a separate endpoint.
func resolveLocation(base, loc string) string {
	if loc == "" {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return loc
	}
	b, err := url.Parse(base)
	if err != nil {
		return loc
	}
	return b.ResolveReference(ref).String()
}

func responseCode(r *upstream.Response) int {
	if r == nil {
		return -1
	}
	return r.StatusCode
}
