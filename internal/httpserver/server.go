package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/installdesk/internal/auth"
	"github.com/ILLUVRSE/installdesk/internal/logging"
	"github.com/ILLUVRSE/installdesk/internal/models"
	"github.com/ILLUVRSE/installdesk/internal/service"
	"github.com/ILLUVRSE/installdesk/internal/store"
)

type Server struct {
	service  *service.Service
	store    store.Store
	verifier *auth.Verifier
	metrics  http.Handler
	log      *logrus.Entry
	timeout  time.Duration
}

type Options struct {
	// Verifier guards the supervisor routes; without one they answer 503.
	Verifier *auth.Verifier
	Metrics  http.Handler
	Log      *logrus.Entry
	// Timeout bounds each request. Defaults to 30s; it must exceed the
	// service sync wait.
	Timeout time.Duration
}

func New(svc *service.Service, st store.Store, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Server{
		service:  svc,
		store:    st,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		log:      opts.Log,
		timeout:  opts.Timeout,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/fulfillment", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalog)
		r.Post("/requests", s.handleFulfill)
		r.Get("/requests", s.handleList)
		r.Get("/requests/{id}", s.handleGet)

		r.Group(func(r chi.Router) {
			r.Use(s.supervisorAuth)
			r.Post("/requests/{id}/resume", s.handleResume)
			r.Post("/requests/{id}/approve", s.handleApprove)
			r.Post("/requests/{id}/reject", s.handleReject)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Catalog(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type fulfillRequest struct {
	Requester string `json:"requester"`
	Software  string `json:"software"`
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	var req fulfillRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	receipt, err := s.service.Fulfill(r.Context(), req.Requester, req.Software)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) && receipt.Message != "" {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": receipt.Message})
			return
		}
		s.respondErr(w, r, err)
		return
	}
	status := http.StatusAccepted
	if receipt.Status.Terminal() {
		status = http.StatusOK
	}
	respondJSON(w, status, receipt)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListRequestsFilter{Requester: q.Get("requester")}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			st := models.RequestStatus(strings.TrimSpace(part))
			if st == "" {
				continue
			}
			if !st.Valid() {
				respondError(w, http.StatusBadRequest, "unknown status "+string(st))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}
	reqs, err := s.service.List(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []models.InstallRequest{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	req, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	receipt, err := s.service.Resume(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

type decisionRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.service.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.service.Reject)
}

type decisionFunc func(ctx context.Context, id uuid.UUID, supervisor, notes string) (service.Receipt, error)

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, decide decisionFunc) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body decisionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
	}
	principal := auth.FromContext(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	receipt, err := decide(r.Context(), id, principal.Subject, body.Notes)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) supervisorAuth(next http.Handler) http.Handler {
	if s.verifier == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusServiceUnavailable, "supervisor auth not configured")
		})
	}
	return auth.RequireSupervisor(s.verifier)(next)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		entry := s.log.WithField("http_request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), entry)))
		entry.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyAttached),
		errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		logging.FromContext(r.Context(), s.log).WithError(err).Error("request failed")
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
