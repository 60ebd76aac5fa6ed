package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/queue"
)

// enqueueRequest is the body of the single and bulk enqueue endpoints.
type enqueueRequest struct {
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Payloads []json.RawMessage `json:"payloads,omitempty"`

	// Shared payload and category for by-category expansion.
	Category      string          `json:"category,omitempty"`
	SharedPayload json.RawMessage `json:"sharedPayload,omitempty"`

	Priority     int `json:"priority,omitempty"`
	DelaySeconds int `json:"delaySeconds,omitempty"`
	MaxAttempts  int `json:"maxAttempts,omitempty"`
}

func (req *enqueueRequest) options() queue.Options {
	return queue.Options{
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts: req.MaxAttempts,
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	var req enqueueRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	job, err := s.intake.Enqueue(r.Context(), tenant, r.PathValue("jobType"), req.Payload, req.options())
	if err != nil {
		s.writeServiceError(w, err, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": job.ID})
}

func (s *Server) handleEnqueueBulk(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	var req enqueueRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	parentID, jobs, err := s.intake.EnqueueBulk(r.Context(), tenant, r.PathValue("jobType"), req.Payloads, req.options())
	if err != nil {
		s.writeServiceError(w, err, "bulk enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"parentId": parentID,
		"jobIds":   jobIDs(jobs),
	})
}

func (s *Server) handleEnqueueByCategory(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	var req enqueueRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	parentID, jobs, accountCount, err := s.intake.EnqueueByCategory(
		r.Context(), tenant, r.PathValue("jobType"), req.Category, req.SharedPayload, req.options())
	if err != nil {
		s.writeServiceError(w, err, "by-category enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"parentId":     parentID,
		"jobIds":       jobIDs(jobs),
		"accountCount": accountCount,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	projection, err := s.intake.GetJob(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, projection)
}

func (s *Server) handleListByParent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	projections, err := s.intake.ListJobsByParent(r.Context(), tenant, r.PathValue("parentId"))
	if err != nil {
		s.writeServiceError(w, err, "group lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, projections)
}

// --- Accounts ---

type createAccountRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	Category   string `json:"category,omitempty"`
	Proxy      string `json:"proxy,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	var req createAccountRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	account := &accounts.Account{
		TenantID:   tenant,
		Identifier: req.Identifier,
		Password:   req.Password,
		Category:   req.Category,
		Proxy:      req.Proxy,
		UserAgent:  req.UserAgent,
		Endpoint:   req.Endpoint,
	}
	if err := s.accounts.Create(r.Context(), account); err != nil {
		s.writeServiceError(w, err, "account creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	var (
		list []*accounts.Account
		err  error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		list, err = s.accounts.ListByCategory(r.Context(), tenant, category)
	} else {
		list, err = s.accounts.List(r.Context(), tenant)
	}
	if err != nil {
		s.writeServiceError(w, err, "account listing failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	account, err := s.accounts.Get(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "account lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}

	if err := s.accounts.Delete(r.Context(), tenant, r.PathValue("id")); err != nil {
		s.writeServiceError(w, err, "account deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Admin ---

type queueStats struct {
	Queue    string              `json:"queue"`
	TenantID string              `json:"tenantId"`
	JobType  string              `json:"jobType"`
	Counts   map[queue.State]int `json:"counts"`
}

func (s *Server) handleAdminQueues(w http.ResponseWriter, r *http.Request) {
	var out []queueStats
	for _, q := range s.registry.Queues() {
		counts, err := q.Counts(r.Context())
		if err != nil {
			s.writeServiceError(w, err, "queue stats failed")
			return
		}
		out = append(out, queueStats{
			Queue:    q.Name(),
			TenantID: q.TenantID(),
			JobType:  string(q.JobType()),
			Counts:   counts,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func jobIDs(jobs []*queue.Job) []string {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.IsBadRequestError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Errorw(msg, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
