package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"content-publisher/internal/models"
	"content-publisher/internal/ratelimit"
	"content-publisher/internal/service"
	"content-publisher/internal/telemetry"
)

// Server wires HTTP handlers for the job admission and control surface.
type Server struct {
	svc      *service.Service
	limiter  ratelimit.Limiter
	log      logrus.FieldLogger
	mediaDir string
}

// New constructs the API server. limiter may be nil to disable tenant rate limiting.
func New(svc *service.Service, limiter ratelimit.Limiter, log logrus.FieldLogger) *Server {
	return &Server{svc: svc, limiter: limiter, log: log}
}

// ServeMedia exposes locally staged media under /media so platforms can fetch it.
func (s *Server) ServeMedia(dir string) *Server {
	s.mediaDir = dir
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())
	if s.mediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/jobs", s.handleSchedule)
		r.Post("/publish", s.handlePublish)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Patch("/jobs/{id}/schedule", s.handleReschedule)
	})

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/brands/{brandID}/jobs", s.handleListJobs)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type scheduleResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Code              string                    `json:"code"`
	Message           string                    `json:"message"`
	JobID             string                    `json:"job_id,omitempty"`
	ValidationResults []models.ValidationResult `json:"validation_results,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.RequestError("invalid json"))
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFromRequest(r)
	}
	id, err := s.svc.ScheduleContent(r.Context(), req)
	if err != nil {
		var vf *models.ValidationFailure
		if errors.As(err, &vf) {
			code, status := models.ErrorCode(err)
			writeJSON(w, status, errorResponse{Code: code, Message: err.Error(), JobID: id, ValidationResults: vf.Results})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{JobID: id})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req service.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.RequestError("invalid json"))
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFromRequest(r)
	}
	resp, err := s.svc.Publish(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if len(resp.Jobs) > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("brand_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.JobFilter{
		Status:   models.Status(q.Get("status")),
		Platform: q.Get("platform"),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, models.RequestError("limit must be an integer"))
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeError(w, r, models.RequestError("offset must be an integer"))
		return
	}
	res, err := s.svc.ListJobs(r.Context(), chi.URLParam(r, "brandID"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RetryJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type rescheduleRequest struct {
	BrandID     string    `json:"brand_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.RequestError("invalid json"))
		return
	}
	job, err := s.svc.UpdateScheduledTime(r.Context(), chi.URLParam(r, "id"), req.BrandID, req.ScheduledAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r.URL.Query().Get("count"))
	if err != nil {
		s.writeError(w, r, models.RequestError("count must be an integer"))
		return
	}
	items, err := s.svc.DeadLetterIDs(r.Context(), int64(count))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Take(r.Context(), ratelimit.TenantKey(tenantFromRequest(r)))
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := models.ErrorCode(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
