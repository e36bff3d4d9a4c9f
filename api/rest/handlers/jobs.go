package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"observatory-jobs/core/apperr"
	"observatory-jobs/core/models"
	"observatory-jobs/core/queue"
	"observatory-jobs/logging"
)

// JobService is the job queue as seen by the HTTP layer.
type JobService interface {
	CreateJob(ctx context.Context, requester models.Identity, req queue.CreateJobRequest) (*queue.CreateJobResponse, error)
	UpdateJobStatus(ctx context.Context, req queue.UpdateJobStatusRequest) (*models.Job, error)
	StartJob(ctx context.Context, req queue.StartJobRequest) (*models.Job, error)
	ListAndClaimUnread(ctx context.Context, site string, useReplica bool) ([]*models.Job, error)
	ListRecentJobs(ctx context.Context, site string, window time.Duration) ([]*models.Job, error)
}

// SiteLimiter throttles command creation per site.
type SiteLimiter interface {
	Allow(site string) bool
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobs    JobService
	limiter SiteLimiter
	logger  logging.Logger
}

// NewJobHandler creates a new job handler. limiter may be nil.
func NewJobHandler(jobs JobService, limiter SiteLimiter, logger logging.Logger) *JobHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &JobHandler{jobs: jobs, limiter: limiter, logger: logger}
}

// NewJobRequest is the body of POST /jobs/new
type NewJobRequest struct {
	Site           string         `json:"site"`
	Device         string         `json:"device"`
	Instance       string         `json:"instance"`
	Action         string         `json:"action"`
	RequiredParams map[string]any `json:"required_params"`
	OptionalParams map[string]any `json:"optional_params"`
	UserName       string         `json:"user_name"`
	UserID         string         `json:"user_id"`
}

// NewJobResponse is the created job, plus the flush report of a cancel-all.
type NewJobResponse struct {
	*models.Job
	CancelledJobs int      `json:"cancelled_jobs,omitempty"`
	FailedKeys    []string `json:"failed_keys,omitempty"`
	Warning       string   `json:"warning,omitempty"`
}

// CreateJob handles POST /jobs/new
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req NewJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// the authorizer's identity wins over whatever the body claims
	requester := identityFrom(r)
	if requester.UserID == "" {
		requester.UserID = req.UserID
		requester.UserName = req.UserName
	} else if requester.UserName == "" {
		requester.UserName = req.UserName
	}

	if h.limiter != nil && req.Site != "" && !h.limiter.Allow(req.Site) {
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:     "Too many commands for this site, slow down.",
			Retryable: true,
		})
		return
	}

	resp, err := h.jobs.CreateJob(r.Context(), requester, queue.CreateJobRequest{
		Site:           req.Site,
		DeviceType:     req.Device,
		DeviceInstance: req.Instance,
		Action:         req.Action,
		RequiredParams: params(req.RequiredParams),
		OptionalParams: params(req.OptionalParams),
	})
	if resp == nil {
		writeError(w, r, h.logger, err)
		return
	}

	out := NewJobResponse{
		Job:           resp.Job,
		CancelledJobs: resp.CancelledJobs,
		FailedKeys:    resp.FailedKeys,
	}
	if err != nil {
		h.logger.Warn(r.Context(), "job created with errors", "site", req.Site, "error", err)
		out.Warning = "Some older jobs could not be cancelled."
	}
	writeJSON(w, http.StatusOK, out)
}

// StatusRequest is the body of POST /jobs/updatejobstatus and /jobs/startjob
type StatusRequest struct {
	Site                 string          `json:"site"`
	ULID                 string          `json:"ulid"`
	NewStatus            string          `json:"newStatus"`
	SecondsUntilComplete json.RawMessage `json:"secondsUntilComplete"`
	Replica              bool            `json:"replica"`
}

func (s StatusRequest) eta() (*int, error) {
	v, err := intField("secondsUntilComplete", s.SecondsUntilComplete)
	if err != nil || v == nil {
		return nil, err
	}
	n := int(*v)
	return &n, nil
}

// UpdateJobStatus handles POST /jobs/updatejobstatus
func (h *JobHandler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	eta, err := req.eta()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	job, err := h.jobs.UpdateJobStatus(r.Context(), queue.UpdateJobStatusRequest{
		Site:       req.Site,
		JobID:      req.ULID,
		NewStatus:  models.Status(req.NewStatus),
		ETASeconds: eta,
		UseReplica: req.Replica,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// StartJob handles POST /jobs/startjob
func (h *JobHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	eta, err := req.eta()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	job, err := h.jobs.StartJob(r.Context(), queue.StartJobRequest{
		Site:       req.Site,
		JobID:      req.ULID,
		ETASeconds: eta,
		UseReplica: req.Replica,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// SiteRequest is the body of the listing endpoints
type SiteRequest struct {
	Site      string          `json:"site"`
	Replica   bool            `json:"replica"`
	TimeRange json.RawMessage `json:"timeRange"`
}

// GetNewJobs handles POST /jobs/getnewjobs
func (h *JobHandler) GetNewJobs(w http.ResponseWriter, r *http.Request) {
	var req SiteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	jobs, err := h.jobs.ListAndClaimUnread(r.Context(), req.Site, req.Replica)
	var be *apperr.BatchError
	if err != nil && !errors.As(err, &be) {
		writeError(w, r, h.logger, err)
		return
	}
	// claims that failed are still delivered; they will show up again
	if be != nil {
		h.logger.Warn(r.Context(), "partial claim", "site", req.Site, "failed", be.Len())
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

// maxWindowMs is the longest timeRange a time.Duration can hold.
const maxWindowMs = math.MaxInt64 / int64(time.Millisecond)

// GetRecentJobs handles POST /jobs/getrecentjobs
func (h *JobHandler) GetRecentJobs(w http.ResponseWriter, r *http.Request) {
	var req SiteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ms, err := intField("timeRange", req.TimeRange)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var window time.Duration
	if ms != nil {
		window = time.Duration(min(*ms, maxWindowMs)) * time.Millisecond
	}

	jobs, err := h.jobs.ListRecentJobs(r.Context(), req.Site, window)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func nonNil(jobs []*models.Job) []*models.Job {
	if jobs == nil {
		return []*models.Job{}
	}
	return jobs
}
