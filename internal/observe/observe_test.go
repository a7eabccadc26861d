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
	"errors"
	"log/slog"
	"testing"
	"time"

	"ump/internal/providers"
	"ump/internal/upstream"
	"ump/pkg/gateway"
	"ump/pkg/ogc"
)

type recordingObserver struct {
	Base
	name    string
	created int
	changed int
	done    int
	fail    bool
	panics  bool
}

func (o *recordingObserver) Name() string { return o.name }

func (o *recordingObserver) OnJobCreated(context.Context, *gateway.Job, ogc.StatusInfo) error {
	o.created++
	if o.panics {
		panic("observer exploded")
	}
	if o.fail {
		return errors.New("observer failed")
	}
	return nil
}

func (o *recordingObserver) OnStatusChanged(context.Context, *gateway.Job, ogc.StatusInfo, ogc.StatusInfo) error {
	o.changed++
	return nil
}

func (o *recordingObserver) OnJobCompleted(context.Context, *gateway.Job, ogc.StatusInfo) error {
	o.done++
	return nil
}

func testJob() *gateway.Job {
	return &gateway.Job{
		ID:        "j1",
		ProcessID: "ms1:square",
		Provider:  "ms1",
		Status:    ogc.StatusAccepted,
		Created:   time.Now(),
		Updated:   time.Now(),
	}
}

func TestBusIsolatesFailingObserver(t *testing.T) {
	bus := NewBus(slog.Default())
	bad := &recordingObserver{name: "bad", fail: true}
	good := &recordingObserver{name: "good"}
	bus.Register(bad, good)

	bus.JobCreated(context.Background(), testJob(), ogc.StatusInfo{})
	if bad.created != 1 || good.created != 1 {
		t.Errorf("calls: bad=%d good=%d", bad.created, good.created)
	}
}

func TestBusIsolatesPanickingObserver(t *testing.T) {
	bus := NewBus(slog.Default())
	bomb := &recordingObserver{name: "bomb", panics: true}
	good := &recordingObserver{name: "good"}
	bus.Register(bomb, good)

	// Must not panic through the bus.
	bus.JobCreated(context.Background(), testJob(), ogc.StatusInfo{})
	if good.created != 1 {
		t.Errorf("observer after the panicking one not invoked: %d", good.created)
	}
}

func TestBusDispatchesAllEvents(t *testing.T) {
	bus := NewBus(slog.Default())
	o := &recordingObserver{name: "rec"}
	bus.Register(o)

	job := testJob()
	bus.JobCreated(context.Background(), job, ogc.StatusInfo{})
	bus.StatusChanged(context.Background(), job, ogc.StatusInfo{}, ogc.StatusInfo{Status: ogc.StatusRunning})
	bus.JobCompleted(context.Background(), job, ogc.StatusInfo{Status: ogc.StatusSuccessful})
	if o.created != 1 || o.changed != 1 || o.done != 1 {
		t.Errorf("created=%d changed=%d done=%d", o.created, o.changed, o.done)
	}
}

type fakeAppender struct {
	appends int
}

func (f *fakeAppender) AppendStatus(context.Context, string, time.Time, ogc.StatusInfo) (bool, error) {
	f.appends++
	return true, nil
}

func TestStatusHistoryObserverAppendsOnCreatedAndChangedOnly(t *testing.T) {
	app := &fakeAppender{}
	o := NewStatusHistoryObserver(app)
	job := testJob()

	if err := o.OnJobCreated(context.Background(), job, ogc.StatusInfo{}); err != nil {
		t.Fatal(err)
	}
	if err := o.OnStatusChanged(context.Background(), job, ogc.StatusInfo{}, ogc.StatusInfo{}); err != nil {
		t.Fatal(err)
	}
	if err := o.OnJobCompleted(context.Background(), job, ogc.StatusInfo{}); err != nil {
		t.Fatal(err)
	}
	if app.appends != 2 {
		t.Errorf("appends = %d, want 2 (completed must not append)", app.appends)
	}
}

type fakeScheduler struct {
	scheduled []string
	cancelled []string
}

func (f *fakeScheduler) SchedulePoll(job *gateway.Job) { f.scheduled = append(f.scheduled, job.ID) }
func (f *fakeScheduler) CancelPoll(jobID string)       { f.cancelled = append(f.cancelled, jobID) }

func TestPollingSchedulerObserver(t *testing.T) {
	sched := &fakeScheduler{}
	o := NewPollingSchedulerObserver(sched)

	job := testJob()
	job.RemoteStatusURL = "http://ms1.example.org/jobs/r1"
	running := ogc.StatusInfo{Status: ogc.StatusRunning}
	if err := o.OnStatusChanged(context.Background(), job, ogc.StatusInfo{}, running); err != nil {
		t.Fatal(err)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != "j1" {
		t.Errorf("scheduled = %v", sched.scheduled)
	}

	// Terminal transitions cancel instead of schedule.
	done := ogc.StatusInfo{Status: ogc.StatusSuccessful}
	if err := o.OnStatusChanged(context.Background(), job, running, done); err != nil {
		t.Fatal(err)
	}
	if len(sched.cancelled) != 1 {
		t.Errorf("cancelled = %v", sched.cancelled)
	}
	if len(sched.scheduled) != 1 {
		t.Errorf("terminal status must not schedule: %v", sched.scheduled)
	}
}

func TestPollingSchedulerObserverSkipsJobsWithoutStatusURL(t *testing.T) {
	sched := &fakeScheduler{}
	o := NewPollingSchedulerObserver(sched)

	job := testJob() // no RemoteStatusURL
	if err := o.OnStatusChanged(context.Background(), job, ogc.StatusInfo{}, ogc.StatusInfo{Status: ogc.StatusRunning}); err != nil {
		t.Fatal(err)
	}
	if len(sched.scheduled) != 0 {
		t.Errorf("scheduled = %v, want none", sched.scheduled)
	}
}

type fakeProber struct {
	headCode int
	headErr  error
	getCode  int
	getErr   error
	heads    []string
	gets     []string
}

func (f *fakeProber) Head(_ context.Context, url string, _ time.Duration, _ map[string]string) (*upstream.Response, error) {
	f.heads = append(f.heads, url)
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &upstream.Response{StatusCode: f.headCode}, nil
}

func (f *fakeProber) Get(_ context.Context, url string, _ time.Duration, _ map[string]string) (*upstream.Response, error) {
	f.gets = append(f.gets, url)
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &upstream.Response{StatusCode: f.getCode}, nil
}

type fakeDowngrader struct {
	jobs []string
}

func (f *fakeDowngrader) DowngradeToFailed(_ context.Context, jobID, _ string) error {
	f.jobs = append(f.jobs, jobID)
	return nil
}

func verifierFixture(prober *fakeProber, dg Downgrader) (*ResultsVerificationObserver, *gateway.Job) {
	reg := providers.NewRegistry([]*providers.Provider{
		{Name: "ms1", BaseURL: "http://ms1.example.org", Timeout: time.Second},
	})
	o := NewResultsVerificationObserver(prober, reg, dg, slog.Default())
	job := testJob()
	job.Status = ogc.StatusSuccessful
	job.RemoteStatusURL = "http://ms1.example.org/jobs/r1"
	return o, job
}

func TestResultsVerifierProbesResultsURL(t *testing.T) {
	prober := &fakeProber{headCode: 200}
	o, job := verifierFixture(prober, nil)

	final := ogc.StatusInfo{Status: ogc.StatusSuccessful}
	if err := o.OnJobCompleted(context.Background(), job, final); err != nil {
		t.Fatal(err)
	}
	if len(prober.heads) != 1 || prober.heads[0] != "http://ms1.example.org/jobs/r1/results" {
		t.Errorf("heads = %v", prober.heads)
	}
	if len(prober.gets) != 0 {
		t.Errorf("HEAD succeeded, GET should not run: %v", prober.gets)
	}
}

func TestResultsVerifierFallsBackToGet(t *testing.T) {
	prober := &fakeProber{headCode: 405, getCode: 200}
	o, job := verifierFixture(prober, nil)

	if err := o.OnJobCompleted(context.Background(), job, ogc.StatusInfo{Status: ogc.StatusSuccessful}); err != nil {
		t.Fatal(err)
	}
	if len(prober.gets) != 1 {
		t.Errorf("gets = %v", prober.gets)
	}
}

func TestResultsVerifierDowngrades(t *testing.T) {
	prober := &fakeProber{headCode: 404, getCode: 404}
	dg := &fakeDowngrader{}
	o, job := verifierFixture(prober, dg)

	if err := o.OnJobCompleted(context.Background(), job, ogc.StatusInfo{Status: ogc.StatusSuccessful}); err != nil {
		t.Fatal(err)
	}
	if len(dg.jobs) != 1 || dg.jobs[0] != "j1" {
		t.Errorf("downgraded = %v", dg.jobs)
	}
}

func TestResultsVerifierIgnoresFailedJobs(t *testing.T) {
	prober := &fakeProber{}
	o, job := verifierFixture(prober, nil)

	if err := o.OnJobCompleted(context.Background(), job, ogc.StatusInfo{Status: ogc.StatusFailed}); err != nil {
		t.Fatal(err)
	}
	if len(prober.heads)+len(prober.gets) != 0 {
		t.Error("failed jobs must not be probed")
	}
}

func TestResultsVerifierSkipsLocalResults(t *testing.T) {
	prober := &fakeProber{}
	o, job := verifierFixture(prober, nil)
	job.Results = []byte(`{"outputs":{}}`)

	if err := o.OnJobCompleted(context.Background(), job, ogc.StatusInfo{Status: ogc.StatusSuccessful}); err != nil {
		t.Fatal(err)
	}
	if len(prober.heads)+len(prober.gets) != 0 {
		t.Error("locally stored results must not be probed")
	}
}
