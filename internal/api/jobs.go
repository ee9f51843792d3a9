package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/results"
)

type createJobRequest struct {
	Name        string     `json:"name" validate:"required,max=255"`
	Description string     `json:"description" validate:"max=2000"`
	Type        string     `json:"type" validate:"omitempty,oneof=web"`
	Config      job.Config `json:"config"`
	AutoStart   *bool      `json:"autoStart"`
}

type createJobResponse struct {
	JobID             string     `json:"jobId"`
	Name              string     `json:"name"`
	Status            job.Status `json:"status"`
	FolderName        string     `json:"folderName"`
	CreatedAt         time.Time  `json:"createdAt"`
	EstimatedDuration int        `json:"estimatedDuration"`
	Queued            bool       `json:"queued"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationDetails flattens validator errors into "field: rule" strings.
func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, fmt.Sprintf("%s: failed %s", field, rule))
	}
	return out
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" {
		req.Type = job.TypeWeb
	}
	req.Config = req.Config.WithDefaults()
	if err := s.validate.Struct(req); err != nil {
		writeValidation(w, err)
		return
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		s.logger.Error("generate job id", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	j, err := job.New(job.NewParams{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Type:        req.Type,
		CreatedBy:   callerFrom(r.Context()).ID,
		Config:      req.Config,
		CreatedAt:   s.deps.Clock.Now(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Store.CreateJob(r.Context(), j); err != nil {
		s.writeStoreError(w, err, "failed to create job")
		return
	}

	queued := false
	if req.AutoStart == nil || *req.AutoStart {
		if err := s.deps.Queue.Submit(j.ID); err != nil {
			s.logger.Warn("job created but not queued", zap.String("job_id", j.ID), zap.Error(err))
		} else {
			queued = true
		}
	}
	s.logger.Info("job created", zap.String("job_id", j.ID), zap.String("created_by", j.CreatedBy), zap.Bool("queued", queued))

	writeData(w, http.StatusCreated, createJobResponse{
		JobID:             j.ID,
		Name:              j.Name,
		Status:            j.Status,
		FolderName:        j.FolderName,
		CreatedAt:         j.CreatedAt,
		EstimatedDuration: int(j.EstimatedDuration() / time.Second),
		Queued:            queued,
	})
}

func writeValidation(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation failed",
		"details": validationDetails(err),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r, 20, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := job.ListFilter{Limit: p.limit, Offset: p.offset, Type: r.URL.Query().Get("type")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := job.Status(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Status = st
	}
	if c := callerFrom(r.Context()); !c.Admin {
		filter.CreatedBy = c.ID
	}
	jobs, total, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobs":       jobs,
		"pagination": p.result(total),
	})
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	filter := job.AggregateFilter{Since: s.deps.Clock.Now().Add(-24 * time.Hour)}
	if c := callerFrom(r.Context()); !c.Admin {
		filter.CreatedBy = c.ID
	}
	agg, err := s.deps.Store.Aggregate(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "failed to compute statistics")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"totalJobs":              agg.TotalJobs,
		"byStatus":               agg.ByStatus,
		"totalPagesScraped":      agg.TotalPagesScraped,
		"totalBytesDownloaded":   agg.TotalBytesDownloaded,
		"averageDurationSeconds": agg.AverageDuration.Seconds(),
		"last24h":                agg.Recent,
	})
}

// loadJob fetches the path job and hides jobs owned by someone else.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (job.Job, bool) {
	j, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeStoreError(w, err, "failed to load job")
		return job.Job{}, false
	}
	if c := callerFrom(r.Context()); !c.Admin && j.CreatedBy != c.ID {
		writeError(w, http.StatusNotFound, "job not found")
		return job.Job{}, false
	}
	return j, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, j)
}

type controlRequest struct {
	Action string `json:"action"`
}

type controlResponse struct {
	JobID   string     `json:"jobId"`
	Status  job.Status `json:"status"`
	Message string     `json:"message"`
}

func (s *Server) controlJob(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	action, err := job.ParseAction(req.Action)
	if err != nil || action == job.ActionComplete || action == job.ActionFail {
		writeError(w, http.StatusBadRequest, "action must be one of start, pause, resume, cancel")
		return
	}
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	if action == job.ActionStart {
		if j.Status != job.StatusPending {
			writeRejection(w, &job.RejectionError{Action: action, Current: j.Status})
			return
		}
		if err := s.deps.Queue.Submit(j.ID); err != nil {
			s.logger.Warn("queue job", zap.String("job_id", j.ID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "job queue is full")
			return
		}
		writeData(w, http.StatusOK, controlResponse{JobID: j.ID, Status: j.Status, Message: "job queued for execution"})
		return
	}

	updated, err := s.deps.Reporter.Transition(r.Context(), j.ID, action, nil)
	if err != nil {
		s.writeStoreError(w, err, "failed to control job")
		return
	}
	if s.deps.Controls != nil {
		s.deps.Controls.Signal(j.ID, action)
	}
	s.logger.Info("job control", zap.String("job_id", j.ID), zap.String("action", string(action)), zap.String("status", string(updated.Status)))
	writeData(w, http.StatusOK, controlResponse{JobID: j.ID, Status: updated.Status, Message: controlMessage(action)})
}

func controlMessage(a job.Action) string {
	switch a {
	case job.ActionPause:
		return "job paused"
	case job.ActionResume:
		return "job resumed"
	case job.ActionCancel:
		return "job cancelled"
	default:
		return "ok"
	}
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := job.LogFilter{Limit: p.limit, Offset: p.offset}
	if raw := r.URL.Query().Get("level"); raw != "" {
		lvl := job.LogLevel(raw)
		if !lvl.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown level %q", raw))
			return
		}
		filter.Level = lvl
	}
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	logs, total, err := s.deps.Store.ListLogs(r.Context(), j.ID, filter)
	if err != nil {
		s.writeStoreError(w, err, "failed to list logs")
		return
	}
	if logs == nil {
		logs = []job.LogEntry{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobId":      j.ID,
		"logs":       logs,
		"pagination": p.result(total),
	})
}

func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	format := j.FileFormat
	if raw := r.URL.Query().Get("format"); raw != "" {
		format = job.FileFormat(raw)
		if !format.Valid() {
			writeError(w, http.StatusBadRequest, "format must be one of json, markdown, html")
			return
		}
	}
	if format == "" {
		format = job.FormatJSON
	}

	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%s"`, j.FolderName, results.FileName(format)))
		w.WriteHeader(http.StatusOK)
		if err := s.deps.Results.Render(r.Context(), w, j, format); err != nil {
			s.logger.Error("render results", zap.String("job_id", j.ID), zap.Error(err))
		}
		return
	}

	items, total, err := s.deps.Store.ListResults(r.Context(), j.ID, p.limit, p.offset)
	if err != nil {
		s.writeStoreError(w, err, "failed to list results")
		return
	}
	if items == nil {
		items = []job.ResultItem{}
	}
	resp := map[string]any{
		"jobId":      j.ID,
		"itemsCount": total,
		"results":    items,
		"pagination": p.result(total),
	}
	if total > 0 {
		resp["exportUrl"] = fmt.Sprintf("/api/v1/jobs/%s/results?download=true&format=%s", j.ID, format)
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if j.Status == job.StatusRunning || j.Status == job.StatusPaused {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":         "cancel the job before deleting it",
			"currentStatus": j.Status,
		})
		return
	}
	if s.deps.Lifecycle != nil {
		if err := s.deps.Lifecycle.RemoveJobData(j); err != nil {
			s.logger.Error("remove job data", zap.String("job_id", j.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to remove job data")
			return
		}
	}
	if err := s.deps.Store.DeleteJob(r.Context(), j.ID); err != nil {
		s.writeStoreError(w, err, "failed to delete job")
		return
	}
	s.logger.Info("job deleted", zap.String("job_id", j.ID))
	writeData(w, http.StatusOK, map[string]any{"jobId": j.ID, "deleted": true})
}
