// Package queue implements the job queue: creating jobs, moving them through
// their status on either index, claiming unread work and listing recent jobs.
package queue

import (
	"context"
	"errors"
	"time"

	"observatory-jobs/core/apperr"
	"observatory-jobs/core/jobid"
	"observatory-jobs/core/models"
	"observatory-jobs/core/repository"
	"observatory-jobs/logging"
)

// DefaultRecentWindow is used when ListRecentJobs gets no window.
const DefaultRecentWindow = 24 * time.Hour

// Authorizer decides whether an identity may issue commands at a site.
type Authorizer interface {
	MayIssueCommands(ctx context.Context, id models.Identity, site string) (bool, error)
}

// IDSource hands out job ids.
type IDSource interface {
	New() string
}

// Config holds the engine's tunables.
type Config struct {
	// StoreTimeout bounds every single store call. Zero means no bound.
	StoreTimeout time.Duration
	// PageSize is the page length used when walking a site.
	PageSize int
}

// Engine is stateless between calls; everything durable lives in the store.
type Engine struct {
	store  repository.JobStore
	gate   Authorizer
	ids    IDSource
	now    func() time.Time
	cfg    Config
	logger logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for recent-job windows and, unless WithIDs
// is also given, for id generation.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDs replaces the id generator.
func WithIDs(ids IDSource) Option { return func(e *Engine) { e.ids = ids } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an engine over store, admitting callers through gate.
func NewEngine(store repository.JobStore, gate Authorizer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		gate:   gate,
		now:    time.Now,
		cfg:    cfg,
		logger: logging.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.ids == nil {
		e.ids = jobid.NewGenerator(e.now)
	}
	if e.cfg.PageSize <= 0 {
		e.cfg.PageSize = repository.DefaultPageSize
	}
	return e
}

// CreateJobRequest carries everything a new job needs except the requester.
type CreateJobRequest struct {
	Site           string
	DeviceType     string
	DeviceInstance string
	Action         string
	RequiredParams map[string]any
	OptionalParams map[string]any
}

// CreateJobResponse is the created job plus, for a cancel-all job, the flush
// report.
type CreateJobResponse struct {
	Job           *models.Job
	CancelledJobs int
	FailedKeys    []string
}

// CreateJob validates, authorizes and persists a new job. A cancel-all job
// then removes every older job of its site.
//
// When the flush is incomplete the response is still returned, together with
// an error describing what failed.
func (e *Engine) CreateJob(ctx context.Context, requester models.Identity, req CreateJobRequest) (*CreateJobResponse, error) {
	if err := validateCreate(requester, req); err != nil {
		return nil, err
	}

	ok, err := e.gate.MayIssueCommands(ctx, requester, req.Site)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Authorization("Someone else has a reservation right now. Please see the calendar for details.")
	}

	id := e.ids.New()
	tag := models.StatusTag(models.StatusUnread, id)
	optional := req.OptionalParams
	if optional == nil {
		optional = map[string]any{}
	}
	job := &models.Job{
		Site:            req.Site,
		JobID:           id,
		StatusID:        tag,
		ReplicaStatusID: tag,
		ETASeconds:      models.DefaultETA,
		Requester: models.Requester{
			UserID:    requester.UserID,
			UserName:  requester.UserName,
			UserRoles: append([]string(nil), requester.UserRoles...),
		},
		DeviceType:     req.DeviceType,
		DeviceInstance: req.DeviceInstance,
		Action:         req.Action,
		RequiredParams: req.RequiredParams,
		OptionalParams: optional,
	}

	sctx, cancel := e.storeContext(ctx)
	err = e.store.Put(sctx, job)
	cancel()
	if err != nil {
		return nil, apperr.Storage("create job", err)
	}
	job.Normalize()

	e.logger.Info(ctx, "job created",
		"site", job.Site, "ulid", job.JobID, "action", job.Action, "user_id", job.UserID)

	resp := &CreateJobResponse{Job: job}
	if job.Action != models.ActionCancelAll {
		return resp, nil
	}

	removed, err := e.flushBefore(ctx, job.Key())
	resp.CancelledJobs = removed
	var be *apperr.BatchError
	if errors.As(err, &be) {
		resp.FailedKeys = be.Failed
	}
	if err != nil {
		e.logger.Warn(ctx, "cancel-all incomplete", "site", job.Site, "removed", removed, "error", err)
		return resp, err
	}
	e.logger.Info(ctx, "cancel-all flushed site", "site", job.Site, "removed", removed)
	return resp, nil
}

func validateCreate(requester models.Identity, req CreateJobRequest) error {
	switch {
	case req.Site == "":
		return apperr.MissingField("site")
	case req.DeviceType == "":
		return apperr.MissingField("device")
	case req.DeviceInstance == "":
		return apperr.MissingField("instance")
	case req.Action == "":
		return apperr.MissingField("action")
	case req.RequiredParams == nil:
		return apperr.MissingField("required_params")
	case requester.UserID == "":
		return apperr.MissingField("user_id")
	case requester.UserName == "":
		return apperr.MissingField("user_name")
	}
	return nil
}

// flushBefore deletes every job of the site whose id sorts below the cancel
// job's own id. Jobs created after the cancel job survive.
func (e *Engine) flushBefore(ctx context.Context, cancelJob models.JobKey) (int, error) {
	batch := &apperr.BatchError{Kind: apperr.KindStorage, Op: "cancel all commands"}
	removed := 0
	page := repository.PageRequest{Limit: e.cfg.PageSize}

	for {
		sctx, cancel := e.storeContext(ctx)
		res, err := e.store.QueryBefore(sctx, cancelJob.Site, cancelJob.JobID, page)
		cancel()
		if err != nil {
			return removed, apperr.Storage("cancel all commands: list", err)
		}

		keys := make([]models.JobKey, 0, len(res.Jobs))
		for _, j := range res.Jobs {
			keys = append(keys, j.Key())
		}

		removed += e.deleteKeys(ctx, keys, batch)
		if res.Next == "" {
			return removed, batch.ErrOrNil()
		}
		page.After = res.Next
	}
}

func (e *Engine) deleteKeys(ctx context.Context, keys []models.JobKey, batch *apperr.BatchError) int {
	if len(keys) == 0 {
		return 0
	}
	if bd, ok := e.store.(repository.BatchDeleter); ok {
		sctx, cancel := e.storeContext(ctx)
		failed, err := bd.DeleteMany(sctx, keys)
		cancel()
		for _, k := range failed {
			batch.Add(k.String(), err)
		}
		return len(keys) - len(failed)
	}

	n := 0
	for _, k := range keys {
		sctx, cancel := e.storeContext(ctx)
		err := e.store.Delete(sctx, k)
		cancel()
		if err != nil {
			batch.Add(k.String(), err)
			continue
		}
		n++
	}
	return n
}

// UpdateJobStatusRequest moves one job on one index.
type UpdateJobStatusRequest struct {
	Site      string
	JobID     string
	NewStatus models.Status
	// ETASeconds nil means unknown and is stored as -1.
	ETASeconds *int
	UseReplica bool
}

// UpdateJobStatus rewrites the tag of the selected index to
// "<NewStatus>#<job id>" and always overwrites the eta. Any status may follow
// any other.
func (e *Engine) UpdateJobStatus(ctx context.Context, req UpdateJobStatusRequest) (*models.Job, error) {
	switch {
	case req.Site == "":
		return nil, apperr.MissingField("site")
	case req.JobID == "":
		return nil, apperr.MissingField("ulid")
	case req.NewStatus == "":
		return nil, apperr.MissingField("newStatus")
	}
	return e.setStatus(ctx, "update job status", req.Site, req.JobID, req.NewStatus, req.ETASeconds, req.UseReplica)
}

// StartJobRequest marks one job as started.
type StartJobRequest struct {
	Site       string
	JobID      string
	ETASeconds *int
	UseReplica bool
}

// StartJob is UpdateJobStatus with the STARTED status.
func (e *Engine) StartJob(ctx context.Context, req StartJobRequest) (*models.Job, error) {
	if req.Site == "" || req.JobID == "" {
		field := "site"
		if req.Site != "" {
			field = "ulid"
		}
		return nil, apperr.Validation(field, "requires site and job id")
	}
	return e.setStatus(ctx, "start job", req.Site, req.JobID, models.StatusStarted, req.ETASeconds, req.UseReplica)
}

func (e *Engine) setStatus(ctx context.Context, op, site, id string, status models.Status, eta *int, useReplica bool) (*models.Job, error) {
	seconds := models.DefaultETA
	if eta != nil {
		seconds = *eta
	}
	key := models.JobKey{Site: site, JobID: id}
	idx := models.IndexFor(useReplica)

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	job, err := e.store.UpdateStatus(sctx, key, idx, models.StatusTag(status, id), &seconds)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(site, id)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	e.logger.Debug(ctx, "job status set", "key", key.String(), "index", idx.String(), "status", string(status), "eta", seconds)
	return job, nil
}

// ListAndClaimUnread returns the site's jobs that are UNREAD on the selected
// index and marks each RECEIVED there. Each claim is its own atomic update;
// jobs that vanish before they are claimed are left out. Jobs whose claim
// failed for another reason are still returned and reported in the error.
func (e *Engine) ListAndClaimUnread(ctx context.Context, site string, useReplica bool) ([]*models.Job, error) {
	if site == "" {
		return nil, apperr.MissingField("site")
	}
	idx := models.IndexFor(useReplica)
	prefix := models.StatusTag(models.StatusUnread, "")

	var unread []*models.Job
	page := repository.PageRequest{Limit: e.cfg.PageSize}
	for {
		sctx, cancel := e.storeContext(ctx)
		res, err := e.store.QueryByStatus(sctx, site, idx, prefix, page)
		cancel()
		if err != nil {
			return nil, apperr.Storage("get new jobs", err)
		}
		unread = append(unread, res.Jobs...)
		if res.Next == "" {
			break
		}
		page.After = res.Next
	}

	batch := &apperr.BatchError{Kind: apperr.KindStorage, Op: "claim jobs"}
	claimed := make([]*models.Job, 0, len(unread))
	for _, j := range unread {
		sctx, cancel := e.storeContext(ctx)
		_, err := e.store.UpdateStatus(sctx, j.Key(), idx, models.StatusTag(models.StatusReceived, j.JobID), nil)
		cancel()
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			batch.Add(j.Key().String(), err)
		}
		claimed = append(claimed, j)
	}
	if batch.Len() > 0 {
		e.logger.Warn(ctx, "some claims failed", "site", site, "index", idx.String(), "failed", batch.Len())
	}
	return claimed, batch.ErrOrNil()
}

// ListRecentJobs returns every job of the site created within window of now,
// oldest first. A non-positive window means DefaultRecentWindow.
func (e *Engine) ListRecentJobs(ctx context.Context, site string, window time.Duration) ([]*models.Job, error) {
	if site == "" {
		return nil, apperr.MissingField("site")
	}
	if window <= 0 {
		window = DefaultRecentWindow
	}
	floor := jobid.Floor(e.now().Add(-window))

	var jobs []*models.Job
	page := repository.PageRequest{Limit: e.cfg.PageSize}
	for {
		sctx, cancel := e.storeContext(ctx)
		res, err := e.store.QueryFrom(sctx, site, floor, page)
		cancel()
		if err != nil {
			return nil, apperr.Storage("get recent jobs", err)
		}
		jobs = append(jobs, res.Jobs...)
		if res.Next == "" {
			return jobs, nil
		}
		page.After = res.Next
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}
