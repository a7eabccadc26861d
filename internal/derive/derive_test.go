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

package derive

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"ump/internal/providers"
	"ump/internal/upstream"
	"ump/pkg/ogc"
)

type fakeFetcher struct {
	resp *upstream.Response
	err  error
	urls []string
}

func (f *fakeFetcher) Get(_ context.Context, url string, _ time.Duration, _ map[string]string) (*upstream.Response, error) {
	f.urls = append(f.urls, url)
	return f.resp, f.err
}

func testInput() Input {
	return Input{
		Provider:  &providers.Provider{Name: "ms1", BaseURL: "http://ms1.example.org"},
		JobID:     "local-uuid",
		ProcessID: "ms1:square",
	}
}

func jsonResponse(code int, body string, header http.Header) *upstream.Response {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return &upstream.Response{StatusCode: code, Header: header, Body: []byte(body)}
}

func TestDirectStatusInfo(t *testing.T) {
	d := New(&fakeFetcher{}, slog.Default())
	hdr := http.Header{}
	hdr.Set("Location", "/jobs/remote-42")
	resp := jsonResponse(201, `{"jobID":"remote-42","status":"running","progress":40,"links":[{"href":"http://ms1.example.org/x"}]}`, hdr)

	out := d.Derive(context.Background(), testInput(), resp)
	if out.Info.Status != ogc.StatusRunning {
		t.Errorf("status = %s", out.Info.Status)
	}
	if out.Info.JobID != "local-uuid" {
		t.Errorf("jobID leaked: %q", out.Info.JobID)
	}
	if out.RemoteJobID != "remote-42" {
		t.Errorf("RemoteJobID = %q", out.RemoteJobID)
	}
	if out.RemoteStatusURL != "http://ms1.example.org/jobs/remote-42" {
		t.Errorf("RemoteStatusURL = %q", out.RemoteStatusURL)
	}
	if out.Info.ProcessID != "ms1:square" {
		t.Errorf("ProcessID = %q", out.Info.ProcessID)
	}
	if len(out.Info.Links) != 0 {
		t.Errorf("remote links kept: %v", out.Info.Links)
	}
	if out.Info.Progress == nil || *out.Info.Progress != 40 {
		t.Errorf("progress dropped: %v", out.Info.Progress)
	}
}

func TestDirectStatusInfoUnknownStatusBecomesFailed(t *testing.T) {
	d := New(&fakeFetcher{}, slog.Default())
	resp := jsonResponse(200, `{"jobID":"remote-42","status":"exploded"}`, nil)

	out := d.Derive(context.Background(), testInput(), resp)
	if out.Info.Status != ogc.StatusFailed {
		t.Errorf("status = %s, want failed", out.Info.Status)
	}
	if !strings.Contains(out.Info.Message, "exploded") {
		t.Errorf("message does not name the unknown value: %q", out.Info.Message)
	}
}

func TestImmediateResults(t *testing.T) {
	d := New(&fakeFetcher{}, slog.Default())
	resp := jsonResponse(200, `{"outputs":{"result":{"value":42}}}`, nil)

	out := d.Derive(context.Background(), testInput(), resp)
	if out.Info.Status != ogc.StatusSuccessful {
		t.Errorf("status = %s", out.Info.Status)
	}
	if out.Info.Progress == nil || *out.Info.Progress != 100 {
		t.Errorf("progress = %v, want 100", out.Info.Progress)
	}
	if len(out.Outputs) == 0 {
		t.Error("outputs handle not captured")
	}
	if out.RemoteJobID != "" {
		t.Errorf("RemoteJobID = %q, want empty", out.RemoteJobID)
	}
}

func TestLocationFollowUpResolvesAndFetches(t *testing.T) {
	fetcher := &fakeFetcher{
		resp: jsonResponse(200, `{"jobID":"remote-7","status":"accepted"}`, nil),
	}
	d := New(fetcher, slog.Default())
	hdr := http.Header{}
	hdr.Set("Location", "/jobs/remote-7")
	resp := jsonResponse(201, ``, hdr)

	out := d.Derive(context.Background(), testInput(), resp)
	if len(fetcher.urls) != 1 || fetcher.urls[0] != "http://ms1.example.org/jobs/remote-7" {
		t.Fatalf("followed urls = %v", fetcher.urls)
	}
	if out.Info.Status != ogc.StatusAccepted {
		t.Errorf("status = %s", out.Info.Status)
	}
	if out.RemoteJobID != "remote-7" {
		t.Errorf("RemoteJobID = %q", out.RemoteJobID)
	}
	if out.RemoteStatusURL != "http://ms1.example.org/jobs/remote-7" {
		t.Errorf("RemoteStatusURL = %q", out.RemoteStatusURL)
	}
}

func TestLocationFollowUpForeignHostFollowedVerbatim(t *testing.T) {
	fetcher := &fakeFetcher{
		resp: jsonResponse(200, `{"jobID":"r","status":"running"}`, nil),
	}
	d := New(fetcher, slog.Default())
	hdr := http.Header{}
	hdr.Set("Location", "http://status.elsewhere.org/jobs/r")
	resp := jsonResponse(201, ``, hdr)

	out := d.Derive(context.Background(), testInput(), resp)
	if out.RemoteStatusURL != "http://status.elsewhere.org/jobs/r" {
		t.Errorf("RemoteStatusURL = %q", out.RemoteStatusURL)
	}
	if len(fetcher.urls) != 1 || fetcher.urls[0] != "http://status.elsewhere.org/jobs/r" {
		t.Errorf("followed urls = %v", fetcher.urls)
	}
}

func TestLocationFollowUpFetchFailureKeepsURL(t *testing.T) {
	fetcher := &fakeFetcher{err: &upstream.TransportError{URL: "u", Err: errors.New("refused")}}
	d := New(fetcher, slog.Default())
	hdr := http.Header{}
	hdr.Set("Location", "/jobs/remote-9")
	resp := jsonResponse(201, ``, hdr)

	out := d.Derive(context.Background(), testInput(), resp)
	if out.RemoteStatusURL != "http://ms1.example.org/jobs/remote-9" {
		t.Errorf("RemoteStatusURL = %q, must survive the failed fetch", out.RemoteStatusURL)
	}
	// Not a failure: the poll loop will retry the kept URL.
	if out.Info.Status != ogc.StatusAccepted {
		t.Errorf("status = %s", out.Info.Status)
	}
}

func TestFallbackFailureTruncatesBody(t *testing.T) {
	d := New(&fakeFetcher{}, slog.Default())
	big := strings.Repeat("x", 2000)
	resp := &upstream.Response{StatusCode: 500, Header: http.Header{}, Body: []byte(big)}

	out := d.Derive(context.Background(), testInput(), resp)
	if out.Info.Status != ogc.StatusFailed {
		t.Errorf("status = %s", out.Info.Status)
	}
	if !strings.Contains(out.Info.Message, "500") {
		t.Errorf("message lacks status code: %q", out.Info.Message)
	}
	if len(out.Info.Message) > maxExcerpt+64 {
		t.Errorf("message not truncated: %d chars", len(out.Info.Message))
	}
	if !out.Fallback {
		t.Error("synthesized failure not marked as fallback")
	}
}

func TestErrorBodyThatIsStatusInfoIsStillDirect(t *testing.T) {
	// Some providers answer poll calls for failed jobs with 4xx plus a full
	// statusInfo body; the document wins over the status code.
	d := New(&fakeFetcher{}, slog.Default())
	resp := jsonResponse(410, `{"jobID":"remote-3","status":"dismissed"}`, nil)

	out := d.Derive(context.Background(), testInput(), resp)
	if out.Info.Status != ogc.StatusDismissed {
		t.Errorf("status = %s, want dismissed", out.Info.Status)
	}
	if out.Fallback {
		t.Error("explicit status document flagged as fallback")
	}
}

func TestDeterministicForIdenticalResponses(t *testing.T) {
	d := New(&fakeFetcher{}, slog.Default())
	resp := jsonResponse(200, `{"jobID":"remote-1","status":"running","progress":10}`, nil)

	a := d.Derive(context.Background(), testInput(), resp)
	b := d.Derive(context.Background(), testInput(), resp)
	if !a.Info.Equal(b.Info) {
		t.Error("identical responses derived different snapshots")
	}
}
