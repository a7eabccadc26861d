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

package process

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ump/internal/cache"
	"ump/internal/pipeline"
	"ump/internal/providers"
	"ump/internal/upstream"
	"ump/pkg/gateway"
	"ump/pkg/ogc"
)

// fakeProvider is a minimal OGC API Processes upstream.
type fakeProvider struct {
	*httptest.Server
	listCalls     int
	describeCalls int
	failList      bool
	failDescribe  bool
	processes     []string
}

func newFakeProvider(t *testing.T, processIDs ...string) *fakeProvider {
	t.Helper()
	f := &fakeProvider{processes: processIDs}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /processes", func(w http.ResponseWriter, r *http.Request) {
		f.listCalls++
		if f.failList {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var list ogc.ProcessList
		for _, id := range f.processes {
			list.Processes = append(list.Processes, ogc.ProcessSummary{ID: id, Title: "proc " + id})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("GET /processes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.describeCalls++
		if f.failDescribe {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		id := r.PathValue("id")
		for _, known := range f.processes {
			if known == id {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(ogc.ProcessDescription{
					ProcessSummary: ogc.ProcessSummary{ID: id, Title: "proc " + id},
					Inputs:         map[string]json.RawMessage{"n": json.RawMessage(`{"schema":{"type":"integer"}}`)},
				})
				return
			}
		}
		http.NotFound(w, r)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func managerFixture(t *testing.T, provs ...*providers.Provider) *Manager {
	t.Helper()
	logger := slog.Default()
	pipe := pipeline.New(pipeline.Options{PublicBaseURL: "http://gateway.example.org/v1.0"}, logger)
	client := upstream.NewClient(logger)
	t.Cleanup(client.Close)
	return New(
		providers.NewRegistry(provs),
		client,
		cache.NewListCache(time.Minute),
		cache.NewDescriptorCache(time.Minute),
		pipe,
		logger,
	)
}

func prov(name, baseURL string) *providers.Provider {
	return &providers.Provider{Name: name, BaseURL: baseURL, Timeout: 2 * time.Second}
}

func TestListAllConcatenatesProviders(t *testing.T) {
	up1 := newFakeProvider(t, "square", "buffer")
	up2 := newFakeProvider(t, "resample")
	m := managerFixture(t, prov("ms1", up1.URL), prov("ms2", up2.URL))

	all, err := m.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d summaries, want 3", len(all))
	}
	ids := map[string]bool{}
	for _, s := range all {
		ids[s.ID] = true
	}
	for _, want := range []string{"ms1:square", "ms1:buffer", "ms2:resample"} {
		if !ids[want] {
			t.Errorf("missing canonical id %s in %v", want, ids)
		}
	}
}

func TestListAllSurvivesProviderFailure(t *testing.T) {
	up1 := newFakeProvider(t, "square")
	up2 := newFakeProvider(t, "resample")
	up2.failList = true
	m := managerFixture(t, prov("ms1", up1.URL), prov("ms2", up2.URL))

	all, err := m.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != "ms1:square" {
		t.Errorf("all = %+v", all)
	}
}

func TestListAllUsesCache(t *testing.T) {
	up := newFakeProvider(t, "square")
	m := managerFixture(t, prov("ms1", up.URL))

	for range 3 {
		if _, err := m.ListAll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if up.listCalls != 1 {
		t.Errorf("upstream hit %d times, want 1 (cache)", up.listCalls)
	}
}

func TestListAllFiltersExcludedProcesses(t *testing.T) {
	up := newFakeProvider(t, "square", "secret")
	p := prov("ms1", up.URL)
	p.Processes = map[string]providers.ProcessPolicy{
		"secret": {Excluded: true},
	}
	m := managerFixture(t, p)

	all, err := m.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "ms1:square" {
		t.Errorf("all = %+v", all)
	}
}

func TestGetCanonical(t *testing.T) {
	up := newFakeProvider(t, "square")
	m := managerFixture(t, prov("ms1", up.URL))

	desc, err := m.Get(context.Background(), "ms1:square")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if desc.ID != "ms1:square" {
		t.Errorf("ID = %q", desc.ID)
	}
	if len(desc.Inputs) != 1 {
		t.Errorf("inputs = %v", desc.Inputs)
	}

	// Second lookup is served from the descriptor cache.
	if _, err := m.Get(context.Background(), "ms1:square"); err != nil {
		t.Fatal(err)
	}
	if up.describeCalls != 1 {
		t.Errorf("describe hit %d times, want 1", up.describeCalls)
	}
}

func TestGetCanonicalUnknownProvider(t *testing.T) {
	m := managerFixture(t)
	if _, err := m.Get(context.Background(), "ghost:square"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetCanonicalUnknownProcess(t *testing.T) {
	up := newFakeProvider(t, "square")
	m := managerFixture(t, prov("ms1", up.URL))
	if _, err := m.Get(context.Background(), "ms1:ghost"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetExcludedProcessIsHidden(t *testing.T) {
	up := newFakeProvider(t, "secret")
	p := prov("ms1", up.URL)
	p.Processes = map[string]providers.ProcessPolicy{"secret": {Excluded: true}}
	m := managerFixture(t, p)

	if _, err := m.Get(context.Background(), "ms1:secret"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetBareFirstMatchWins(t *testing.T) {
	up1 := newFakeProvider(t, "square")
	up2 := newFakeProvider(t, "square")
	// Registry order is alphabetical; "alpha" must win over "beta".
	m := managerFixture(t, prov("alpha", up1.URL), prov("beta", up2.URL))

	desc, err := m.Get(context.Background(), "square")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if desc.ID != "alpha:square" {
		t.Errorf("ID = %q, want alpha:square", desc.ID)
	}
}

func TestGetBareSynthesizesOnDescribeFailure(t *testing.T) {
	up := newFakeProvider(t, "square")
	up.failDescribe = true
	m := managerFixture(t, prov("ms1", up.URL))

	desc, err := m.Get(context.Background(), "square")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if desc.ID != "ms1:square" || desc.Title != "proc square" {
		t.Errorf("synthesized descriptor = %+v", desc)
	}
	if len(desc.Inputs) != 0 {
		t.Errorf("synthesized descriptor should have no input schemas: %v", desc.Inputs)
	}
}

func TestGetBareNotFound(t *testing.T) {
	up := newFakeProvider(t, "square")
	m := managerFixture(t, prov("ms1", up.URL))
	if _, err := m.Get(context.Background(), "ghost"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMalformedID(t *testing.T) {
	m := managerFixture(t)
	if _, err := m.Get(context.Background(), "bad id!"); !errors.Is(err, gateway.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
