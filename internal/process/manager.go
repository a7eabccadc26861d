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

// Package process orchestrates discovery across all configured providers:
// concurrent list fan-out, descriptor lookup by canonical or bare id, and
// the caching in front of both.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ump/internal/cache"
	"ump/internal/metrics"
	"ump/internal/pipeline"
	"ump/internal/providers"
	"ump/internal/upstream"
	"ump/pkg/gateway"
	"ump/pkg/ogc"
	"ump/pkg/procid"
)

// Manager answers process discovery queries for the API layer and resolves
// process ids for the job manager.
type Manager struct {
	registry *providers.Registry
	client   *upstream.Client
	lists    *cache.ListCache
	descs    *cache.DescriptorCache
	pipe     *pipeline.Chain
	log      *slog.Logger
}

// New wires a Manager.
func New(registry *providers.Registry, client *upstream.Client, lists *cache.ListCache, descs *cache.DescriptorCache, pipe *pipeline.Chain, logger *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		client:   client,
		lists:    lists,
		descs:    descs,
		pipe:     pipe,
		log:      logger,
	}
}

// ListAll fetches every provider's process list concurrently and returns
// the concatenation in registry order. A provider that fails contributes an
// empty list; discovery never fails as a whole.
func (m *Manager) ListAll(ctx context.Context) ([]ogc.ProcessSummary, error) {
	provs := m.registry.List()
	results := make([][]ogc.ProcessSummary, len(provs))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range provs {
		if cached, ok := m.lists.Get(p.Name); ok {
			results[i] = cached
			continue
		}
		g.Go(func() error {
			list, err := m.fetchList(gctx, p)
			if err != nil {
				m.log.Warn("provider list fetch failed", "provider", p.Name, "error", err)
				return nil
			}
			m.lists.Put(p.Name, list)
			results[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []ogc.ProcessSummary
	for _, list := range results {
		all = append(all, list...)
	}
	return all, nil
}

// Get returns the descriptor for a canonical or bare process id. Bare ids
// resolve first-match-wins in registry order.
func (m *Manager) Get(ctx context.Context, id string) (*ogc.ProcessDescription, error) {
	if cached, ok := m.descs.Get(id); ok {
		return cached, nil
	}

	if pid, err := procid.Parse(id); err == nil {
		p := m.registry.Get(pid.Provider)
		if p == nil {
			return nil, fmt.Errorf("%w: unknown provider %q", gateway.ErrNotFound, pid.Provider)
		}
		if pol, ok := p.Policy(pid.Bare); ok && pol.Excluded {
			return nil, fmt.Errorf("%w: process %q is excluded", gateway.ErrNotFound, id)
		}
		desc, err := m.fetchDescriptor(ctx, p, pid.Bare)
		if err != nil {
			return nil, err
		}
		m.descs.Put(desc.ID, pid.Bare, desc)
		return desc, nil
	}

	if !procid.ValidComponent(id) {
		return nil, fmt.Errorf("%w: malformed process id %q", gateway.ErrInvalidInput, id)
	}
	return m.getByBare(ctx, id)
}

// getByBare scans providers in registry order for the first one listing the
// bare id.
func (m *Manager) getByBare(ctx context.Context, bare string) (*ogc.ProcessDescription, error) {
	for _, p := range m.registry.List() {
		list, ok := m.lists.Get(p.Name)
		if !ok {
			var err error
			list, err = m.fetchList(ctx, p)
			if err != nil {
				m.log.Warn("provider list fetch failed", "provider", p.Name, "error", err)
				continue
			}
			m.lists.Put(p.Name, list)
		}

		summary, found := findBare(list, p.Name, bare)
		if !found {
			continue
		}

		desc, err := m.fetchDescriptor(ctx, p, bare)
		if err != nil {
			// The list proved the process exists; a broken describe
			// endpoint degrades to the summary fields.
			m.log.Warn("describe failed, synthesizing from summary", "provider", p.Name, "process", bare, "error", err)
			desc = &ogc.ProcessDescription{ProcessSummary: summary}
		}
		m.descs.Put(desc.ID, bare, desc)
		return desc, nil
	}
	return nil, fmt.Errorf("%w: no provider offers process %q", gateway.ErrNotFound, bare)
}

// fetchList retrieves and normalizes one provider's /processes document.
func (m *Manager) fetchList(ctx context.Context, p *providers.Provider) ([]ogc.ProcessSummary, error) {
	url := p.BaseURL + "/processes"
	start := time.Now()
	resp, err := m.client.Get(ctx, url, p.Timeout, p.Auth.Headers())
	metrics.ObserveUpstreamRequest(p.Name, metrics.OpListProcesses, responseCode(resp), time.Since(start))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, &upstream.BadGatewayError{URL: url, Reason: fmt.Sprintf("list returned status %d", resp.StatusCode)}
	}

	var doc ogc.ProcessList
	if err := resp.DecodeJSON(url, &doc); err != nil {
		return nil, err
	}

	kept := make([]ogc.ProcessSummary, 0, len(doc.Processes))
	for i := range doc.Processes {
		s := doc.Processes[i]
		if err := m.pipe.ApplySummary(p, &s); err != nil {
			if errors.Is(err, pipeline.ErrDropped) {
				continue
			}
			return nil, err
		}
		if pid, err := procid.Parse(s.ID); err == nil {
			if pol, ok := p.Policy(pid.Bare); ok && pol.Excluded {
				continue
			}
		}
		kept = append(kept, s)
	}
	return kept, nil
}

// fetchDescriptor retrieves and normalizes one process description.
func (m *Manager) fetchDescriptor(ctx context.Context, p *providers.Provider, bare string) (*ogc.ProcessDescription, error) {
	url := p.BaseURL + "/processes/" + bare
	start := time.Now()
	resp, err := m.client.Get(ctx, url, p.Timeout, p.Auth.Headers())
	metrics.ObserveUpstreamRequest(p.Name, metrics.OpDescribeProcess, responseCode(resp), time.Since(start))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == 404:
		return nil, fmt.Errorf("%w: provider %q has no process %q", gateway.ErrNotFound, p.Name, bare)
	case resp.StatusCode != 200:
		return nil, &upstream.BadGatewayError{URL: url, Reason: fmt.Sprintf("describe returned status %d", resp.StatusCode)}
	}

	var desc ogc.ProcessDescription
	if err := resp.DecodeJSON(url, &desc); err != nil {
		return nil, err
	}
	if err := m.pipe.Apply(p, &desc); err != nil {
		if errors.Is(err, pipeline.ErrDropped) {
			return nil, fmt.Errorf("%w: provider %q returned an unusable document for %q", gateway.ErrNotFound, p.Name, bare)
		}
		return nil, err
	}
	return &desc, nil
}

// Invalidate drops the cached process list for one provider. Wired to the
// providers watcher so a reload is visible without waiting out the TTL.
func (m *Manager) Invalidate(provider string) {
	m.lists.Invalidate(provider)
}

func findBare(list []ogc.ProcessSummary, provider, bare string) (ogc.ProcessSummary, bool) {
	want := procid.Compose(provider, bare)
	for _, s := range list {
		if s.ID == want {
			return s, true
		}
	}
	return ogc.ProcessSummary{}, false
}

func responseCode(r *upstream.Response) int {
	if r == nil {
		return -1
	}
	return r.StatusCode
}
