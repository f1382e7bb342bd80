// Package httpapi implements a thin HTTP façade over the engine: job/
// step/action CRUD and query endpoints backed directly by a
// *duron.Client. One Server struct holds the collaborators, one method
// per route, with the response helpers doing the encoding.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/duron-io/duron"
	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/httpapi/response"
	"github.com/duron-io/duron/internal/store"
)

// Server holds the façade's sole collaborator: the engine's Client. It
// implements net/http handler methods mounted onto a chi.Router by
// NewRouter.
type Server struct {
	client          *duron.Client
	defaultPageSize int
	maxPageSize     int
}

// NewServer constructs a Server. defaultPageSize/maxPageSize bound the
// limit query parameter on list endpoints, typically sourced from
// config.PaginationConfig.
func NewServer(client *duron.Client, defaultPageSize, maxPageSize int) *Server {
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &Server{client: client, defaultPageSize: defaultPageSize, maxPageSize: maxPageSize}
}

// RunAction handles POST /actions/{name}/jobs: the request body is the raw
// JSON input, forwarded to duron.Client.RunActionByName.
func (s *Server) RunAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	raw, err := decodeRawBody(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	jobID, err := s.client.RunActionByName(r.Context(), name, raw)
	if err != nil {
		if domain.IsValidation(err) {
			response.BadRequest(w, err.Error())
			return
		}
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, map[string]string{"jobId": jobID})
}

// GetJobs handles GET /jobs, filtering and paginating via query params.
func (s *Server) GetJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.JobFilter{
		ActionName: q.Get("actionName"),
		GroupKey:   q.Get("groupKey"),
	}
	for _, raw := range q["status"] {
		filter.Status = append(filter.Status, domain.JobStatus(raw))
	}

	p := s.parsePagination(q)
	sort := store.Sort{Field: "createdAt", Descending: true}
	if f := q.Get("sortField"); f != "" {
		sort.Field = f
	}
	if q.Get("sortDir") == "asc" {
		sort.Descending = false
	}

	jobs, err := s.client.GetJobs(r.Context(), filter, p, sort)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"jobs": jobs})
}

// GetJobByID handles GET /jobs/{id}.
func (s *Server) GetJobByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.client.GetJobByID(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, job)
}

// GetJobStatus handles GET /jobs/{id}/status.
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.client.GetJobStatus(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"status": string(status)})
}

// WaitForJob handles GET /jobs/{id}/wait?timeoutMs=N: a long-poll endpoint
// parking the request on duron.Client.WaitForJob.
func (s *Server) WaitForJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeoutMs"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	job, err := s.client.WaitForJob(r.Context(), id, timeout)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if job == nil {
		response.OK(w, map[string]any{"job": nil, "timedOut": true})
		return
	}
	response.OK(w, map[string]any{"job": job, "timedOut": false})
}

// CancelJob handles POST /jobs/{id}/cancel.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.client.CancelJob(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]bool{"cancelled": ok})
}

// RetryJob handles POST /jobs/{id}/retry.
func (s *Server) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, ok, err := s.client.RetryJob(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if !ok {
		response.Conflict(w, "job not found, not terminal, or a non-terminal retry already exists")
		return
	}
	response.OK(w, map[string]string{"jobId": newID})
}

// DeleteJob handles DELETE /jobs/{id}.
func (s *Server) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.client.DeleteJob(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if !ok {
		response.Conflict(w, "job not found or still active")
		return
	}
	response.NoContent(w)
}

// DeleteJobs handles DELETE /jobs, bulk-deleting by the same filters
// GetJobs accepts.
func (s *Server) DeleteJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		ActionName: q.Get("actionName"),
		GroupKey:   q.Get("groupKey"),
	}
	for _, raw := range q["status"] {
		filter.Status = append(filter.Status, domain.JobStatus(raw))
	}

	n, err := s.client.DeleteJobs(r.Context(), filter)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]int64{"deleted": n})
}

// GetJobSteps handles GET /jobs/{id}/steps.
func (s *Server) GetJobSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	p := s.parsePagination(q)

	steps, err := s.client.GetJobSteps(r.Context(), id, p, q.Get("search"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"steps": steps})
}

// GetJobStepByID handles GET /steps/{id}.
func (s *Server) GetJobStepByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	step, err := s.client.GetJobStepByID(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, step)
}

// GetJobStepStatus handles GET /steps/{id}/status.
func (s *Server) GetJobStepStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.client.GetJobStepStatus(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"status": string(status)})
}

// GetActions handles GET /actions: per-action aggregate counts.
func (s *Server) GetActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.client.GetActions(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"actions": actions})
}

// GetActionsMetadata handles GET /actions/metadata: a deterministic mock
// input per registered action.
func (s *Server) GetActionsMetadata(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{"actions": s.client.GetActionsMetadata()})
}

func (s *Server) parsePagination(q map[string][]string) store.Pagination {
	p := store.Pagination{Limit: s.defaultPageSize}
	if raw := first(q, "limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			p.Limit = n
		}
	}
	if p.Limit > s.maxPageSize {
		p.Limit = s.maxPageSize
	}
	if raw := first(q, "offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			p.Offset = n
		}
	}
	return p
}

func first(q map[string][]string, key string) string {
	vs := q[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func decodeRawBody(r *http.Request) (json.RawMessage, error) {
	if r.ContentLength == 0 {
		return json.RawMessage("{}"), nil
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return json.RawMessage("{}"), nil
		}
		return nil, err
	}
	return raw, nil
}
