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

// Package ogc contains the wire types of OGC API Processes (18-062r2) as the
// gateway speaks them: status info documents, process summaries and
// descriptions, link relations, and the exception document. These types are
// shared between the upstream-facing client code and the gateway's own API.
package ogc

import (
	"bytes"
	"encoding/json"
	"time"
)

// StatusCode is the lifecycle state of a job as defined by the OGC
// statusInfo schema: accepted → running → {successful|failed|dismissed}.
type StatusCode string

const (
	StatusAccepted   StatusCode = "accepted"
	StatusRunning    StatusCode = "running"
	StatusSuccessful StatusCode = "successful"
	StatusFailed     StatusCode = "failed"
	StatusDismissed  StatusCode = "dismissed"
)

// Valid reports whether the status is one of the allowed states.
func (s StatusCode) Valid() bool {
	switch s {
	case StatusAccepted, StatusRunning, StatusSuccessful, StatusFailed, StatusDismissed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status forbids further transitions.
func (s StatusCode) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusDismissed:
		return true
	default:
		return false
	}
}

// String returns the string value of the StatusCode.
func (s StatusCode) String() string { return string(s) }

// Link is an OGC link object.
type Link struct {
	Href     string `json:"href"`
	Rel      string `json:"rel,omitempty"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Hreflang string `json:"hreflang,omitempty"`
}

// StatusInfo is the canonical OGC job status document. The gateway returns
// it from every job endpoint; jobID always carries the gateway's own job id,
// never the remote one.
type StatusInfo struct {
	ProcessID string     `json:"processID,omitempty"`
	Type      string     `json:"type"`
	JobID     string     `json:"jobID"`
	Status    StatusCode `json:"status"`
	Message   string     `json:"message,omitempty"`
	Created   *time.Time `json:"created,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Updated   *time.Time `json:"updated,omitempty"`
	Progress  *int       `json:"progress,omitempty"`
	Links     []Link     `json:"links,omitempty"`
}

// TypeProcess is the only value the statusInfo "type" field may take.
const TypeProcess = "process"

// Equal reports whether two status documents are byte-identical once
// serialized. The repository uses this to suppress duplicate history
// entries, and the poll loop to detect no-op polls.
func (si StatusInfo) Equal(other StatusInfo) bool {
	a, errA := json.Marshal(si)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ProcessSummary is a single entry of a processes list response.
type ProcessSummary struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title,omitempty"`
	Description        string            `json:"description,omitempty"`
	Version            string            `json:"version,omitempty"`
	Keywords           []string          `json:"keywords,omitempty"`
	Metadata           []json.RawMessage `json:"metadata,omitempty"`
	JobControlOptions  []string          `json:"jobControlOptions,omitempty"`
	OutputTransmission []string          `json:"outputTransmission,omitempty"`
	Links              []Link            `json:"links,omitempty"`
}

// ProcessDescription extends a summary with input/output schemas. The
// schemas stay opaque to the gateway except for the light validation the
// execution endpoint performs.
type ProcessDescription struct {
	ProcessSummary
	Inputs  map[string]json.RawMessage `json:"inputs,omitempty"`
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
}

// ProcessList is the /processes response document.
type ProcessList struct {
	Processes []ProcessSummary `json:"processes"`
	Links     []Link           `json:"links"`
}

// JobList is the /jobs response document.
type JobList struct {
	Jobs  []StatusInfo `json:"jobs"`
	Links []Link       `json:"links"`
}

// Exception is the OGC/RFC 7807 style error document returned for
// pre-creation failures.
type Exception struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Exception type URIs per OGC API Processes requirement classes.
const (
	ExceptionNoSuchProcess = "http://www.opengis.net/def/exceptions/ogcapi-processes-1/1.0/no-such-process"
	ExceptionNoSuchJob     = "http://www.opengis.net/def/exceptions/ogcapi-processes-1/1.0/no-such-job"
	ExceptionNotReady      = "http://www.opengis.net/def/exceptions/ogcapi-processes-1/1.0/result-not-ready"
	ExceptionInvalidParam  = "http://www.opengis.net/def/exceptions/ogcapi-processes-1/1.0/invalid-parameter"
	ExceptionGeneric       = "about:blank"
)

// JobControlAsync is the only execution mode the gateway federates.
const JobControlAsync = "async-execute"

// DefaultOutputTransmission is injected when an upstream description omits
// the outputTransmission field.
var DefaultOutputTransmission = []string{"reference", "value"}
