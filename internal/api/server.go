package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"inventory-collector/internal/lifecycle"
	"inventory-collector/internal/models"
	"inventory-collector/internal/plugin"
	"inventory-collector/internal/ratelimit"
	"inventory-collector/internal/reconcile"
	"inventory-collector/internal/rules"
	"inventory-collector/internal/store"
	"inventory-collector/internal/telemetry"
)

// Jobs is the job service behind the collect and job routes.
type Jobs interface {
	CreateJob(ctx context.Context, domainID, collectorID string) (models.Job, error)
	Get(ctx context.Context, domainID, jobID string) (models.Job, error)
	List(ctx context.Context, q store.JobQuery) ([]models.Job, error)
	Tasks(ctx context.Context, domainID, jobID string) ([]models.JobTask, error)
	Cancel(ctx context.Context, domainID, jobID string) (models.Job, error)
	InitPlugin(ctx context.Context, domainID, collectorID string) (map[string]any, error)
	Verify(ctx context.Context, domainID, collectorID, secretID string) error
}

// Rules is the collector rule service.
type Rules interface {
	List(ctx context.Context, domainID, collectorID string) ([]models.CollectorRule, error)
	Get(ctx context.Context, domainID, ruleID string) (models.CollectorRule, error)
	Create(ctx context.Context, rule models.CollectorRule) (models.CollectorRule, error)
	Update(ctx context.Context, domainID, ruleID string, p rules.Patch) (models.CollectorRule, error)
	ChangeOrder(ctx context.Context, domainID, ruleID string, order int) (models.CollectorRule, error)
	Delete(ctx context.Context, domainID, ruleID string) error
}

// Resources serves reads and user mutations of reconciled resources.
type Resources interface {
	GetResource(ctx context.Context, domainID, resourceID string) (models.Resource, error)
	ListRecords(ctx context.Context, domainID, resourceID string) ([]models.Record, error)
}

// ResourceWriter applies user changes through the reconciler so they are recorded.
type ResourceWriter interface {
	Update(ctx context.Context, cc models.ChangeContext, resourceID string, fields map[string]any) (reconcile.Result, error)
	Delete(ctx context.Context, cc models.ChangeContext, resourceID string) (models.Resource, error)
}

type Limiter interface {
	AllowCollect(ctx context.Context, domainID string) (ratelimit.Decision, error)
}

type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the inventory API.
type Server struct {
	jobs      Jobs
	rules     Rules
	resources Resources
	writer    ResourceWriter
	limiter   Limiter
	dlq       DeadLetters
	log       *zap.SugaredLogger
}

// Deps groups the collaborators of a Server. Limiter and DLQ are optional.
type Deps struct {
	Jobs      Jobs
	Rules     Rules
	Resources Resources
	Writer    ResourceWriter
	Limiter   Limiter
	DLQ       DeadLetters
}

// New constructs the API server.
func New(d Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		jobs:      d.Jobs,
		rules:     d.Rules,
		resources: d.Resources,
		writer:    d.Writer,
		limiter:   d.Limiter,
		dlq:       d.DLQ,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireDomain)

		r.Post("/collectors/{id}/collect", s.handleCollect)
		r.Post("/collectors/{id}/init", s.handleInitPlugin)
		r.Post("/collectors/{id}/verify", s.handleVerify)
		r.Get("/collectors/{id}/rules", s.handleListRules)
		r.Post("/collectors/{id}/rules", s.handleCreateRule)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/tasks", s.handleJobTasks)

		r.Get("/rules/{id}", s.handleGetRule)
		r.Patch("/rules/{id}", s.handleUpdateRule)
		r.Delete("/rules/{id}", s.handleDeleteRule)
		r.Post("/rules/{id}/order", s.handleChangeOrder)

		r.Get("/resources/{id}", s.handleGetResource)
		r.Patch("/resources/{id}", s.handleUpdateResource)
		r.Delete("/resources/{id}", s.handleDeleteResource)
		r.Get("/resources/{id}/records", s.handleRecords)
	})

	r.Get("/dlq", s.handleDLQ)
	return r
}

type ctxKey struct{}

func requireDomain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		domainID := r.Header.Get("X-Domain-ID")
		if domainID == "" {
			writeError(w, http.StatusBadRequest, "X-Domain-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, domainID)))
	})
}

func domainFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxKey{}).(string)
	return v
}

// userContext attributes a change to the calling user.
func userContext(r *http.Request) models.ChangeContext {
	user := r.Header.Get("X-User-ID")
	if user == "" {
		user = "anonymous"
	}
	return models.ChangeContext{DomainID: domainFrom(r), UserID: user}
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	domainID := domainFrom(r)
	if s.limiter != nil {
		d, err := s.limiter.AllowCollect(r.Context(), domainID)
		if err != nil {
			s.log.Errorw("rate limiter unavailable", "domain_id", domainID, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}
	job, err := s.jobs.CreateJob(r.Context(), domainID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleInitPlugin(w http.ResponseWriter, r *http.Request) {
	collectorID := chi.URLParam(r, "id")
	meta, err := s.jobs.InitPlugin(r.Context(), domainFrom(r), collectorID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collector_id": collectorID, "metadata": meta})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SecretID string `json:"secret_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.jobs.Verify(r.Context(), domainFrom(r), chi.URLParam(r, "id"), body.SecretID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := store.JobQuery{DomainID: domainFrom(r), CollectorID: r.URL.Query().Get("collector_id"), Limit: 100}
	if st := r.URL.Query().Get("status"); st != "" {
		q.Statuses = []models.JobStatus{models.JobStatus(st)}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	jobs, err := s.jobs.List(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": jobs, "total_count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), domainFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), domainFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.jobs.Tasks(r.Context(), domainFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": tasks, "total_count": len(tasks)})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.rules.List(r.Context(), domainFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": list, "total_count": len(list)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.CollectorRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rule.DomainID = domainFrom(r)
	rule.CollectorID = chi.URLParam(r, "id")
	created, err := s.rules.Create(r.Context(), rule)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.Context(), domainFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var p rules.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rule, err := s.rules.Update(r.Context(), domainFrom(r), chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Delete(r.Context(), domainFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type orderRequest struct {
	Order int `json:"order"`
}

func (s *Server) handleChangeOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rule, err := s.rules.ChangeOrder(r.Context(), domainFrom(r), chi.URLParam(r, "id"), req.Order)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.resources.GetResource(r.Context(), domainFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateResource(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a non-empty json object")
		return
	}
	res, err := s.writer.Update(r.Context(), userContext(r), chi.URLParam(r, "id"), fields)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Resource)
}

func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	if _, err := s.writer.Delete(r.Context(), userContext(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	domainID, id := domainFrom(r), chi.URLParam(r, "id")
	if _, err := s.resources.GetResource(r.Context(), domainID, id); err != nil {
		s.fail(w, err)
		return
	}
	records, err := s.resources.ListRecords(r.Context(), domainID, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": records, "total_count": len(records)})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		invalid   *models.ValidationError
		badChange *lifecycle.InvalidStateChangeError
		gateway   *plugin.GatewayError
	)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &badChange), errors.Is(err, reconcile.ErrAmbiguousMatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gateway):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Errorw("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
