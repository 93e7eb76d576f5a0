package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"decisionhelper/api/internal/analysis"
	"decisionhelper/api/internal/auth"
	"decisionhelper/api/internal/store"
)

const maxBodyBytes = 64 << 10

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	metrics    http.Handler
}

// NewHTTPServer exposes service over JSON. gatherer backs /metrics; nil
// disables the endpoint.
func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger, gatherer prometheus.Gatherer) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics http.Handler
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger, metrics: metrics}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		user, err := s.service.CurrentUser(r.Context())
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		if user == nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userId": nil, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userId": user.ID, "email": user.Email})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if err := s.service.Logout(r.Context()); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/decisions/analyze" {
		s.handleAnalyze(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/decisions" {
		s.handleSaveDecision(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/decisions/recent" {
		decisions, err := s.service.ListRecent(r.Context())
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		items := make([]decisionResponse, 0, len(decisions))
		for _, decision := range decisions {
			items = append(items, toDecisionResponse(decision))
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": items})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type decisionResponse struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Pros     []string `json:"pros"`
	Cons     []string `json:"cons"`
	// CreatedAt is milliseconds since the Unix epoch.
	CreatedAt int64 `json:"createdAt"`
}

func toDecisionResponse(decision store.Decision) decisionResponse {
	pros, cons := decision.Pros, decision.Cons
	if pros == nil {
		pros = []string{}
	}
	if cons == nil {
		cons = []string{}
	}
	return decisionResponse{
		ID:        decision.ID,
		Question:  decision.Question,
		Pros:      pros,
		Cons:      cons,
		CreatedAt: decision.CreatedAt.UnixMilli(),
	}
}

func (s *HTTPServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question *string `json:"question"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	if body.Question == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "question is required", nil)
		return
	}

	decision, err := s.service.Analyze(r.Context(), *body.Question)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionResponse(decision))
}

func (s *HTTPServer) handleSaveDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question *string  `json:"question"`
		Pros     []string `json:"pros"`
		Cons     []string `json:"cons"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	if body.Question == nil || body.Pros == nil || body.Cons == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "question, pros and cons are required", nil)
		return
	}

	decision, err := s.service.Save(r.Context(), SaveDecisionInput{
		Question: *body.Question,
		Pros:     body.Pros,
		Cons:     body.Cons,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": decision.ID})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Readiness(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBodyError(w, err)
		return
	}

	session, err := s.service.SignUp(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"accessToken": session.AccessToken,
		"expiresAt":   session.ExpiresAt.Unix(),
		"userId":      session.User.ID,
		"email":       session.User.Email,
	})
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBodyError(w, err)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": session.AccessToken,
		"expiresAt":   session.ExpiresAt.Unix(),
		"userId":      session.User.ID,
		"email":       session.User.Email,
	})
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = auth.WithBearerToken(ctx, bearerToken(r))
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(writer, r.Body, maxBodyBytes)
		}

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
			fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), nil)
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil
	case errors.Is(err, analysis.ErrEmptyResponse):
		return http.StatusBadGateway, "EMPTY_RESPONSE", "The reasoning service returned no content", nil
	case errors.Is(err, analysis.ErrMalformedOutput):
		return http.StatusBadGateway, "MALFORMED_OUTPUT", "The reasoning service returned an unusable analysis", nil
	case errors.Is(err, ErrAnalysisFailed):
		return http.StatusBadGateway, "ANALYSIS_FAILED", "Analysis failed", nil
	case errors.Is(err, ErrPersistence):
		return http.StatusInternalServerError, "PERSISTENCE_FAILURE", "Failed to save the decision", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
