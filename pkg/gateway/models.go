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

// Package gateway contains the shared domain models of the federation
// gateway: the Job record, its status history, and the error taxonomy the
// HTTP layer maps to OGC exception documents.
package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"ump/pkg/ogc"
)

// Errors surfaced to the HTTP layer. Everything that happens after a job
// has been created is expressed through the job's status document instead.
var (
	// ErrNotFound covers unknown processes and unknown jobs (404).
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput covers malformed process ids and invalid execute
	// bodies (400). No job is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrShuttingDown is returned for new work once shutdown began (503).
	ErrShuttingDown = errors.New("gateway is shutting down")
	// ErrNotReady is returned when results are requested before the job
	// reached the successful state (409).
	ErrNotReady = errors.New("job results not ready")
)

// Job is the gateway's durable record of one remote execution. The locally
// minted ID is the sole public identifier; RemoteJobID and RemoteStatusURL
// are operational detail that never leaves the gateway.
type Job struct {
	ID              string          `json:"job_id" db:"id"`
	ProcessID       string          `json:"process_id" db:"process_id"` // canonical {provider}:{bare}
	Provider        string          `json:"provider" db:"provider"`
	RemoteJobID     string          `json:"-" db:"remote_job_id"`
	RemoteStatusURL string          `json:"-" db:"remote_status_url"`
	Status          ogc.StatusCode  `json:"status" db:"status"`
	StatusInfo      ogc.StatusInfo  `json:"status_info" db:"status_info"`
	Inputs          json.RawMessage `json:"-" db:"inputs"`  // opaque snapshot; never embedded in StatusInfo
	Results         json.RawMessage `json:"-" db:"results"` // outputs an upstream returned synchronously, if any
	Created         time.Time       `json:"created" db:"created"`
	Started         *time.Time      `json:"started,omitempty" db:"started"`
	Finished        *time.Time      `json:"finished,omitempty" db:"finished"`
	Updated         time.Time       `json:"updated" db:"updated"`
}

// Terminal reports whether the job reached a state that forbids further
// transitions.
func (j *Job) Terminal() bool {
	return j.Status.IsTerminal()
}

// StatusHistoryEntry is one append-only snapshot of a job's status. Seq is
// strictly increasing per job.
type StatusHistoryEntry struct {
	JobID      string         `json:"job_id" db:"job_id"`
	Seq        int64          `json:"seq" db:"seq"`
	ObservedAt time.Time      `json:"observed_at" db:"observed_at"`
	Snapshot   ogc.StatusInfo `json:"snapshot" db:"snapshot"`
}

// JobFilter narrows ListJobs results. Zero values mean "no constraint".
type JobFilter struct {
	Status    []ogc.StatusCode
	ProcessID string // canonical id
	Provider  string
	Limit     int
	Offset    int
}
