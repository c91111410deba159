package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"creditauth/api/internal/auth"
	"creditauth/api/internal/util"
	"creditauth/api/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/stats", s.handleStats)

		r.Route("/api/requests", func(r chi.Router) {
			r.Post("/", s.handleCreateRequest)
			r.Get("/", s.handleListRequests)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRequest)
				r.Patch("/", s.handleUpdateRequest)
				r.Post("/assign", s.handleAssign)
				r.Post("/decide", s.handleDecide)
				r.Post("/priority", s.handlePriority)
				r.Post("/risk", s.handleRisk)
				r.Post("/notes", s.handleNotes)
				r.Post("/stage-reviews", s.handleStageReview)
				r.Patch("/authorization-data", s.handleAuthorizationData)
				r.Get("/viability", s.handleViability)
				r.Get("/completeness", s.handleCompleteness)
				r.Post("/sessions", s.handleOpenReviewSession)
			})
		})

		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/application", s.handleOpenApplicationSession)
			r.Get("/{sid}", s.handleSessionState)
			r.Put("/{sid}/edits", s.handleSessionEdit)
			r.Post("/{sid}/save", s.handleSessionSave)
			r.Delete("/{sid}", s.handleSessionClose)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// The draft cache is optional; a failure degrades recovery but not readiness.
	if configured, err := s.service.PingDrafts(ctx); configured {
		if err != nil {
			checks["drafts"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["drafts"] = map[string]any{"status": "ok"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Stats(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body workflow.CreateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req, err := s.service.CreateRequest(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *HTTPServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := queryInt(query.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "page must be a number", nil)
		return
	}
	size, err := queryInt(query.Get("size"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "size must be a number", nil)
		return
	}
	result, err := s.service.ListRequests(r.Context(), sessionFrom(r), ListInput{
		AssigneeID: query.Get("assignee"),
		Status:     query.Get("status"),
		Priority:   query.Get("priority"),
		SearchTerm: query.Get("q"),
		Page:       page,
		Size:       size,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.service.GetRequest(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req, err := s.service.Assign(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Outcome string `json:"outcome"`
		Notes   string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	outcome := workflow.Status(strings.ToLower(strings.TrimSpace(body.Outcome)))
	req, err := s.service.Decide(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), outcome, body.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handlePriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority string `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	priority, err := workflow.ParsePriority(body.Priority)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, applied, err := s.service.SetPriority(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), priority)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "request": req})
}

func (s *HTTPServer) handleRisk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiskLevel string `json:"riskLevel"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req, err := s.service.SetRiskLevel(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.RiskLevel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	req, err := s.service.AppendNote(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleStageReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stage string `json:"stage"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	stage, err := workflow.ParseReviewStage(body.Stage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.service.RecordStageReview(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), stage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version int64 `json:"version"`
		workflow.RequestPatch
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Version <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version is required", map[string]any{"field": "version"})
		return
	}
	req, err := s.service.UpdateRequestDetails(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Version, body.RequestPatch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleAuthorizationData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version int64 `json:"version"`
		workflow.SnapshotPatch
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Version <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version is required", map[string]any{"field": "version"})
		return
	}
	req, err := s.service.UpdateFinancialSnapshot(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Version, body.SnapshotPatch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleViability(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.EvaluateViability(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.ScoreCompleteness(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleOpenReviewSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.OpenReviewSession(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleOpenApplicationSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.OpenApplicationSession(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleSessionState(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.SessionState(sessionFrom(r), chi.URLParam(r, "sid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSessionEdit(w http.ResponseWriter, r *http.Request) {
	var body workflow.AuthorizationData
	if err := decodeBody(r, &body); err != nil {
		if errors.Is(err, workflow.ErrValidation) {
			s.fail(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	feedback, err := s.service.ApplyEdit(r.Context(), sessionFrom(r), chi.URLParam(r, "sid"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, feedback)
}

func (s *HTTPServer) handleSessionSave(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.SaveSession(r.Context(), sessionFrom(r), chi.URLParam(r, "sid"))
	if err != nil {
		s.failSession(w, r, err, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.CloseSession(r.Context(), sessionFrom(r), chi.URLParam(r, "sid"))
	if err != nil {
		s.failSession(w, r, err, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.failWith(w, r, err, nil)
}

// failSession reports the form state along with the error once the session
// is known, so the client can show what is still unsaved.
func (s *HTTPServer) failSession(w http.ResponseWriter, r *http.Request, err error, view SessionView) {
	if view.ID == "" {
		s.fail(w, r, err)
		return
	}
	s.failWith(w, r, err, view)
}

func (s *HTTPServer) failWith(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code, message, mapped := mapError(err)
	if details == nil {
		details = mapped
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("http request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody returns workflow validation errors from custom decoders as is,
// so an unsupported authorization data version is reported with its field.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		if errors.Is(err, workflow.ErrValidation) {
			return err
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	if domainErr := toDomainError(err); domainErr != nil {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
