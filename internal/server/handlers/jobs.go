package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/audioshelf/internal/errors"
	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
	"github.com/3leaps/audioshelf/pkg/manifest"
)

const (
	// DefaultLogTail is the number of log lines returned when ?tail is absent.
	DefaultLogTail = 50
	maxLogTail     = 1000
	maxRequestBody = 1 << 20
)

// JobService is the part of the job engine the transport drives.
type JobService interface {
	Enqueue(ctx context.Context, tt jobregistry.TaskType, payload jobregistry.Payload) (*jobregistry.Job, error)
	Get(ctx context.Context, id string) (*jobregistry.Job, error)
	List(ctx context.Context, f jobregistry.ListFilter) ([]jobregistry.Job, error)
	Logs(ctx context.Context, id string, n int) ([]string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*jobregistry.Job, error)
	Delete(ctx context.Context, f jobregistry.DeleteFilter) (int, error)
}

// EventSource hands out live event subscriptions.
type EventSource interface {
	Subscribe(topics ...string) *hub.Subscriber
	Unsubscribe(sub *hub.Subscriber)
}

// Jobs serves the job REST API and the live status WebSockets.
type Jobs struct {
	svc     JobService
	events  EventSource
	logger  *zap.Logger
	logTail int
	now     func() time.Time
}

// NewJobs creates the job handlers. logTail <= 0 uses DefaultLogTail.
func NewJobs(svc JobService, events EventSource, logger *zap.Logger, logTail int) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logTail <= 0 {
		logTail = DefaultLogTail
	}
	return &Jobs{svc: svc, events: events, logger: logger, logTail: logTail, now: time.Now}
}

// Routes mounts the REST endpoints under /api/jobs and the sockets under /ws/jobs.
func (h *Jobs) Routes(r chi.Router) {
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Get("/", h.List)
		r.Delete("/", h.Delete)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/logs", h.Logs)
		r.Post("/{id}/pause", h.control(h.svc.Pause))
		r.Post("/{id}/resume", h.control(h.svc.Resume))
		r.Post("/{id}/cancel", h.control(h.svc.Cancel))
		r.Post("/{id}/retry", h.Retry)
	})
	if h.events != nil {
		r.Get("/ws/jobs", h.WatchAll)
		r.Get("/ws/jobs/{id}", h.WatchJob)
	}
}

// EnqueueResponse is returned by POST /api/jobs and POST /api/jobs/{id}/retry.
type EnqueueResponse struct {
	JobID         string             `json:"job_id"`
	Status        jobregistry.Status `json:"status"`
	Attempt       int                `json:"attempt,omitempty"`
	OriginalJobID *string            `json:"original_job_id,omitempty"`
}

// ListResponse is returned by GET /api/jobs.
type ListResponse struct {
	Jobs  []jobregistry.Job `json:"jobs"`
	Count int               `json:"count"`
}

// LogsResponse is returned by GET /api/jobs/{id}/logs.
type LogsResponse struct {
	JobID string   `json:"job_id"`
	Lines []string `json:"lines"`
}

// ControlResponse is returned by pause, resume and cancel.
type ControlResponse struct {
	Success bool `json:"success"`
}

// DeleteResponse is returned by DELETE /api/jobs.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// Enqueue accepts a job request body validated against the job-request schema.
func (h *Jobs) Enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("request body too large or unreadable", nil))
		return
	}

	m, err := manifest.LoadFromBytes(body, ".json")
	if err != nil {
		respondWithError(w, r, manifestError(r.Context(), err))
		return
	}
	tt, err := m.Task()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	payload, err := m.NormalizedPayload()
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	job, err := h.svc.Enqueue(r.Context(), tt, payload)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse(job))
}

func manifestError(ctx context.Context, err error) error {
	var verrs manifest.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return apperrors.NewValidationError("job request failed validation", verrs.Details())
	case errors.Is(err, manifest.ErrSchemaNotFound):
		return apperrors.WrapInternal(ctx, err, "job request schema unavailable")
	case jobregistry.IsValidation(err):
		return err
	}
	return apperrors.NewValidationError(err.Error(), nil)
}

func enqueueResponse(job *jobregistry.Job) EnqueueResponse {
	return EnqueueResponse{
		JobID:         job.ID,
		Status:        job.Status,
		Attempt:       job.Attempt,
		OriginalJobID: job.OriginalJobID,
	}
}

// List returns jobs oldest first, filtered by ?status=a,b&task_type=&since=&until=&limit=.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f jobregistry.ListFilter

	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f.Statuses = statuses

	if v := q.Get("task_type"); v != "" {
		tt, err := jobregistry.ParseTaskType(v)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		f.TaskType = tt
	}
	if f.CreatedAfter, err = parseTime("since", q.Get("since")); err != nil {
		respondWithError(w, r, err)
		return
	}
	if f.CreatedBefore, err = parseTime("until", q.Get("until")); err != nil {
		respondWithError(w, r, err)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewValidationError("limit must be a non-negative integer", map[string]any{"limit": v}))
			return
		}
		f.Limit = n
	}

	jobs, err := h.svc.List(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []jobregistry.Job{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs)})
}

// Get returns one job record.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Logs returns the last ?tail=N lines of the job log.
func (h *Jobs) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n := h.logTail
	if v := r.URL.Query().Get("tail"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			respondWithError(w, r, apperrors.NewValidationError("tail must be a non-negative integer", map[string]any{"tail": v}))
			return
		}
		n = min(parsed, maxLogTail)
	}

	lines, err := h.svc.Logs(r.Context(), id, n)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{JobID: id, Lines: lines})
}

// control adapts pause, resume and cancel. A request the job's state does not
// allow answers 409 and leaves the job untouched.
func (h *Jobs) control(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
			respondWithError(w, r, conflict(err))
			return
		}
		writeJSON(w, http.StatusOK, ControlResponse{Success: true})
	}
}

// Retry creates the next attempt of a finished job.
func (h *Jobs) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, conflict(err))
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse(job))
}

// Delete removes terminal history: ?status=&older_than=168h|before=RFC3339&delete_logs=true.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f jobregistry.DeleteFilter

	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f.Statuses = statuses

	if v := q.Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			respondWithError(w, r, apperrors.NewValidationError("older_than must be a positive duration", map[string]any{"older_than": v}))
			return
		}
		cutoff := h.now().Add(-d).UTC()
		f.Before = &cutoff
	}
	if f.Before == nil {
		if f.Before, err = parseTime("before", q.Get("before")); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	if v := q.Get("delete_logs"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, r, apperrors.NewValidationError("delete_logs must be a boolean", map[string]any{"delete_logs": v}))
			return
		}
		f.RemoveLogs = b
	}

	n, err := h.svc.Delete(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: n})
}

// conflict maps state rejections of an existing job to 409.
func conflict(err error) error {
	if jobregistry.IsValidation(err) && !errors.Is(err, jobregistry.ErrInvalidTransition) {
		return &apperrors.AppError{
			Code:    apperrors.CodeConflict,
			Status:  http.StatusConflict,
			Message: err.Error(),
			Err:     err,
		}
	}
	return err
}

func parseStatuses(v string) ([]jobregistry.Status, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var out []jobregistry.Status
	for _, part := range strings.Split(v, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := jobregistry.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func parseTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperrors.NewValidationError(name+" must be an RFC3339 timestamp", map[string]any{name: v})
	}
	t = t.UTC()
	return &t, nil
}
