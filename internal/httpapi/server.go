package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/boardrelay/internal/realtime"
	"github.com/agentworkforce/boardrelay/internal/whiteboard"
)

// BoardService is the slice of the whiteboard adapter the HTTP layer needs.
type BoardService interface {
	CreateBoard(ctx context.Context, req whiteboard.CreateBoardRequest) (*whiteboard.Board, error)
	GetBoard(ctx context.Context, boardID string, opts whiteboard.GetBoardOptions) (*whiteboard.Board, error)
	ListBoards(ctx context.Context) ([]whiteboard.Board, error)
	UpdateDiagram(ctx context.Context, boardID string, changes json.RawMessage) (*whiteboard.Diagram, error)
	GenerateMindMap(ctx context.Context, boardID, prompt string) (*whiteboard.MindMap, error)
	DeleteBoard(ctx context.Context, boardID string) error
	HandleWebhook(body []byte, signature string) error
	HealthCheck(ctx context.Context) bool
	Metrics() whiteboard.MetricsSnapshot
	PoolStats() whiteboard.PoolStats
	WebhookStats() whiteboard.WebhookPipelineStats
}

const signatureHeader = "X-Whiteboard-Signature"

type ServerConfig struct {
	MaxBodyBytes int64
	Logger       *logrus.Logger
}

type Server struct {
	service  BoardService
	realtime *realtime.Server
	cfg      ServerConfig
	metrics  http.Handler
	log      *logrus.Logger
}

func NewServer(service BoardService, rt *realtime.Server, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		service:  service,
		realtime: rt,
		cfg:      cfg,
		metrics:  newMetricsHandler(service),
		log:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/webhooks/whiteboard" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/realtime" && r.Method == http.MethodGet {
		s.realtime.HandleWS(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/metrics" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.service.Metrics())
		return
	}
	if r.URL.Path == "/v1/admin/pool" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.service.PoolStats())
		return
	}
	if r.URL.Path == "/v1/admin/webhooks" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.service.WebhookStats())
		return
	}
	if r.URL.Path == "/v1/admin/rooms" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"rooms":   s.realtime.Stats(),
			"clients": s.realtime.ClientCount(),
		})
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" && parts[1] == "boards" {
		s.handleBoards(w, r, parts[2:], correlationID)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	healthy := s.service.HealthCheck(r.Context())
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "upstream": healthy})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	err := s.service.HandleWebhook(body, r.Header.Get(signatureHeader))
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}
	var unauthorized *whiteboard.UnauthorizedWebhookError
	if errors.As(err, &unauthorized) {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
		return
	}
	if errors.Is(err, whiteboard.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
}

func (s *Server) handleBoards(w http.ResponseWriter, r *http.Request, rest []string, correlationID string) {
	switch {
	case len(rest) == 0 || (len(rest) == 1 && rest[0] == ""):
		switch r.Method {
		case http.MethodGet:
			s.handleListBoards(w, r, correlationID)
		case http.MethodPost:
			s.handleCreateBoard(w, r, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	case len(rest) == 1:
		boardID := rest[0]
		switch r.Method {
		case http.MethodGet:
			s.handleGetBoard(w, r, boardID, correlationID)
		case http.MethodPatch:
			s.handleUpdateDiagram(w, r, boardID, correlationID)
		case http.MethodDelete:
			s.handleDeleteBoard(w, r, boardID, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	case len(rest) == 2 && rest[1] == "mindmap" && r.Method == http.MethodPost:
		s.handleGenerateMindMap(w, r, rest[0], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request, correlationID string) {
	boards, err := s.service.ListBoards(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req whiteboard.CreateBoardRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	board, err := s.service.CreateBoard(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, board)
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	opts := whiteboard.GetBoardOptions{
		BypassCache: r.URL.Query().Get("fresh") == "true",
	}
	board, err := s.service.GetBoard(r.Context(), boardID, opts)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleUpdateDiagram(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid json", correlationID)
		return
	}
	diagram, err := s.service.UpdateDiagram(r.Context(), boardID, body)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, diagram)
}

func (s *Server) handleGenerateMindMap(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	mindMap, err := s.service.GenerateMindMap(r.Context(), boardID, req.Prompt)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, mindMap)
}

func (s *Server) handleDeleteBoard(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	if err := s.service.DeleteBoard(r.Context(), boardID); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var authErr *whiteboard.AuthError
	var rateErr *whiteboard.RateLimitError
	var timeoutErr *whiteboard.TimeoutError
	var apiErr *whiteboard.APIError
	switch {
	case errors.Is(err, whiteboard.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, whiteboard.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
	case errors.As(err, &authErr):
		writeError(w, http.StatusBadGateway, "upstream_auth", err.Error(), correlationID)
	case errors.As(err, &rateErr):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), correlationID)
	case errors.As(err, &timeoutErr):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err.Error(), correlationID)
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid json", correlationID)
		return false
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	})
}

// Run serves until ctx is cancelled, then drains with a shutdown grace
// period.
func Run(ctx context.Context, addr string, handler http.Handler, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("boardrelay listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
