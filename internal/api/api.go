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

// Package api is the gateway's HTTP surface: the OGC API Processes
// endpoints under the versioned mount point plus the unversioned landing,
// conformance, health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ump/internal/jobs"
	"ump/internal/metrics"
	"ump/internal/process"
	"ump/internal/store"
	"ump/internal/upstream"
	"ump/pkg/gateway"
	"ump/pkg/ogc"
)

// mount is the versioned path prefix all OGC endpoints live under.
const mount = "/v1.0"

// maxExecuteBody bounds execute request bodies.
const maxExecuteBody = 8 << 20

var conformsTo = []string{
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/ogc-process-description",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/json",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/job-list",
}

// Handler serves the gateway API.
type Handler struct {
	procs      *process.Manager
	jobs       *jobs.Manager
	store      *store.Store
	publicBase string // versioned public base, e.g. http://host:5000/v1.0
	log        *slog.Logger
}

// New builds the API handler and its routes.
func New(procs *process.Manager, jobMgr *jobs.Manager, st *store.Store, publicBase string, logger *slog.Logger) http.Handler {
	h := &Handler{
		procs:      procs,
		jobs:       jobMgr,
		store:      st,
		publicBase: strings.TrimRight(publicBase, "/"),
		log:        logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleLanding)
	mux.HandleFunc("GET /conformance", h.handleConformance)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET "+mount+"/processes", h.handleListProcesses)
	mux.HandleFunc("GET "+mount+"/processes/{id}", h.handleDescribeProcess)
	mux.HandleFunc("POST "+mount+"/processes/{id}/execution", h.handleExecute)
	mux.HandleFunc("GET "+mount+"/jobs", h.handleListJobs)
	mux.HandleFunc("GET "+mount+"/jobs/{id}", h.handleJobStatus)
	mux.HandleFunc("GET "+mount+"/jobs/{id}/results", h.handleJobResults)
	mux.HandleFunc("GET "+mount+"/jobs/{id}/status-history", h.handleJobHistory)

	return h.logRequests(mux)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.log.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

// writeError maps the gateway error taxonomy onto OGC exception documents.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var bge *upstream.BadGatewayError
	switch {
	case errors.Is(err, gateway.ErrInvalidInput):
		h.writeException(w, http.StatusBadRequest, ogc.ExceptionInvalidParam, "Invalid parameter", err.Error())
	case errors.Is(err, gateway.ErrNotFound):
		h.writeException(w, http.StatusNotFound, ogc.ExceptionNoSuchProcess, "Not found", err.Error())
	case errors.Is(err, gateway.ErrNotReady):
		h.writeException(w, http.StatusConflict, ogc.ExceptionNotReady, "Result not ready", err.Error())
	case errors.Is(err, gateway.ErrShuttingDown):
		h.writeException(w, http.StatusServiceUnavailable, ogc.ExceptionGeneric, "Shutting down", "the gateway is shutting down")
	case errors.As(err, &bge):
		h.writeException(w, http.StatusBadGateway, ogc.ExceptionGeneric, "Upstream failure", err.Error())
	default:
		h.log.Error("internal error", "error", err)
		h.writeException(w, http.StatusInternalServerError, ogc.ExceptionGeneric, "Internal error", "an internal error occurred")
	}
}

func (h *Handler) writeException(w http.ResponseWriter, status int, typeURI, title, detail string) {
	h.writeJSON(w, status, ogc.Exception{
		Type:   typeURI,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) handleLanding(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"title":       "UMP",
		"description": "OGC API Processes federation gateway",
		"links": []ogc.Link{
			{Href: h.publicBase + "/processes", Rel: "http://www.opengis.net/def/rel/ogc/1.0/processes", Type: "application/json", Title: "Processes"},
			{Href: h.publicBase + "/jobs", Rel: "http://www.opengis.net/def/rel/ogc/1.0/job-list", Type: "application/json", Title: "Jobs"},
			{Href: unversioned(h.publicBase) + "/conformance", Rel: "http://www.opengis.net/def/rel/ogc/1.0/conformance", Type: "application/json", Title: "Conformance"},
		},
	})
}

func (h *Handler) handleConformance(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"conformsTo": conformsTo})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	list, err := h.procs.ListAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []ogc.ProcessSummary{}
	}
	h.writeJSON(w, http.StatusOK, ogc.ProcessList{
		Processes: list,
		Links: []ogc.Link{
			{Href: h.publicBase + "/processes", Rel: "self", Type: "application/json"},
		},
	})
}

func (h *Handler) handleDescribeProcess(w http.ResponseWriter, r *http.Request) {
	desc, err := h.procs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, desc)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	desc, err := h.procs.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxExecuteBody))
	if err != nil {
		h.writeException(w, http.StatusBadRequest, ogc.ExceptionInvalidParam, "Invalid request body", err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte(`{}`)
	}
	if err := validateExecuteBody(body, desc); err != nil {
		h.writeError(w, err)
		return
	}

	job, err := h.jobs.CreateAndForward(r.Context(), desc.ID, body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// The execute endpoint always answers 201 once the local job exists;
	// forwarding failures live in the returned status document.
	w.Header().Set("Location", h.publicBase+"/jobs/"+job.ID)
	h.writeJSON(w, http.StatusCreated, h.jobs.StatusDoc(job))
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	list, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	docs := make([]ogc.StatusInfo, 0, len(list))
	for i := range list {
		docs = append(docs, h.jobs.StatusDoc(&list[i]))
	}
	links := []ogc.Link{
		{Href: h.publicBase + "/jobs", Rel: "self", Type: "application/json"},
	}
	// A full page means there may be more.
	if len(list) == filter.Limit {
		links = append(links, ogc.Link{
			Href: h.publicBase + "/jobs?" + nextPageQuery(r, filter),
			Rel:  "next",
			Type: "application/json",
		})
	}
	h.writeJSON(w, http.StatusOK, ogc.JobList{Jobs: docs, Links: links})
}

// nextPageQuery rebuilds the request's query with the offset advanced one
// page, keeping the status and processID filters intact.
func nextPageQuery(r *http.Request, filter gateway.JobFilter) string {
	q := r.URL.Query()
	q.Set("limit", strconv.Itoa(filter.Limit))
	q.Set("offset", strconv.Itoa(filter.Offset+filter.Limit))
	return q.Encode()
}

func parseJobFilter(r *http.Request) (gateway.JobFilter, error) {
	q := r.URL.Query()
	filter := gateway.JobFilter{
		ProcessID: q.Get("processID"),
		Limit:     100,
	}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			code := ogc.StatusCode(strings.TrimSpace(s))
			if !code.Valid() {
				return filter, errors.Join(gateway.ErrInvalidInput, errors.New("unknown status "+strconv.Quote(s)))
			}
			filter.Status = append(filter.Status, code)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return filter, errors.Join(gateway.ErrInvalidInput, errors.New("limit must be an integer between 1 and 1000"))
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.Join(gateway.ErrInvalidInput, errors.New("offset must be a non-negative integer"))
		}
		filter.Offset = n
	}
	return filter, nil
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobs.StatusDoc(job))
}

func (h *Handler) handleJobResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.jobs.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(results)
}

func (h *Handler) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.jobs.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	if entries == nil {
		entries = []gateway.StatusHistoryEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// writeJobError is writeError with the job-flavored 404 exception type.
func (h *Handler) writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, gateway.ErrNotFound) {
		h.writeException(w, http.StatusNotFound, ogc.ExceptionNoSuchJob, "No such job", err.Error())
		return
	}
	h.writeError(w, err)
}

// unversioned strips the version suffix from the public base.
func unversioned(base string) string {
	return strings.TrimSuffix(base, mount)
}
