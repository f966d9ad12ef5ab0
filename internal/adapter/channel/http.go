package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"troupe/internal/domain"
	"troupe/internal/infra/config"
	"troupe/internal/infra/middleware"
	"troupe/internal/usecase/multiagent"
)

// maxRequestBody caps every JSON request body.
const maxRequestBody = 1 << 20 // 1MB

// HTTPServer exposes the orchestrator as a JSON API under /api/v1.
type HTTPServer struct {
	svc      *multiagent.Service
	cfg      config.HTTPConfig
	sessions *sessionCookies
	logger   *slog.Logger
	server   *http.Server

	// Actual bound address (set after Start)
	boundAddr string

	// Lifecycle management for rate limiter cleanup goroutine
	cancel context.CancelFunc
}

// NewHTTPServer creates the JSON API server.
func NewHTTPServer(svc *multiagent.Service, cfg config.HTTPConfig, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		svc:      svc,
		cfg:      cfg,
		sessions: newSessionCookies(cfg.CookieName, cfg.CookieSecure),
		logger:   logger,
	}
}

// Handler builds the routed, middleware-wrapped handler. The rate limiter's
// eviction goroutine stops when ctx is done.
func (h *HTTPServer) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents", h.handleAgents)
	mux.HandleFunc("POST /api/v1/dispatch", h.handleDispatch)
	mux.HandleFunc("POST /api/v1/dispatch_next_speaker", h.handleDispatchNextSpeaker)
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/reset_conversation", h.handleReset)
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)

	mws := []func(http.Handler) http.Handler{
		middleware.AccessLog(h.logger),
		middleware.SecurityHeaders,
	}
	if rl := h.cfg.RateLimit; rl.Enabled {
		mws = append(mws, middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
			RequestsPerMin: rl.RequestsPerMinute,
			BurstSize:      rl.Burst,
			TrustedProxies: rl.TrustedProxies,
		}))
	}
	mws = append(mws, middleware.MaxBody(maxRequestBody))
	return middleware.Chain(mux, mws...)
}

// Start begins serving. Non-blocking (starts in goroutine).
func (h *HTTPServer) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	h.server = &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           h.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		h.cancel()
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.logger.Info("http api started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (h *HTTPServer) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Addr returns the bound listen address once started.
func (h *HTTPServer) Addr() string { return h.boundAddr }

type dispatchRequest struct {
	Message string `json:"message"`
}

type nextSpeakerRequest struct {
	CharacterName    string `json:"character_name"`
	CharacterMessage string `json:"character_message"`
	CurrentSpeakerID string `json:"current_speaker_id"`
}

type chatRequest struct {
	Message      string `json:"message"`
	AgentID      string `json:"agent_id"`
	SmartMode    bool   `json:"smart_mode"`
	AutoContinue bool   `json:"auto_continue"`
}

type resetRequest struct {
	AgentID  string `json:"agent_id"`
	ResetAll bool   `json:"reset_all"`
}

type inputMessage struct {
	CharacterName string `json:"character_name"`
	Message       string `json:"message"`
}

type debugInfo struct {
	FullResponse   string            `json:"full_response"`
	Analysis       string            `json:"analysis"`
	CurrentSpeaker *domain.AgentInfo `json:"current_speaker"`
	InputMessage   *inputMessage     `json:"input_message,omitempty"`
}

type nextSpeakerResponse struct {
	NextSpeaker *multiagent.SpeakerView `json:"next_speaker"`
	Analysis    string                  `json:"dispatcher_analysis"`
	DebugInfo   debugInfo               `json:"debug_info"`
}

type chatResponse struct {
	Response    string                  `json:"response"`
	Agent       domain.AgentInfo        `json:"agent"`
	NextSpeaker *multiagent.SpeakerView `json:"next_speaker"`
	Analysis    *string                 `json:"dispatcher_analysis"`
	DebugInfo   *debugInfo              `json:"debug_info"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func (h *HTTPServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	sid := h.sessions.ensure(w, r)
	view, err := h.svc.Agents(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTPServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		h.writeError(w, r, &domain.ValidationError{Field: "message", Value: "", Reason: "required"})
		return
	}

	sid := h.sessions.ensure(w, r)
	out, err := h.svc.Dispatch(r.Context(), sid, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPServer) handleDispatchNextSpeaker(w http.ResponseWriter, r *http.Request) {
	var req nextSpeakerRequest
	if !h.decode(w, r, &req) {
		return
	}

	sid := h.sessions.ensure(w, r)
	out, err := h.svc.DispatchNextSpeaker(r.Context(), sid, multiagent.NextSpeakerInput{
		CharacterName:    req.CharacterName,
		CharacterMessage: req.CharacterMessage,
		CurrentSpeakerID: req.CurrentSpeakerID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nextSpeakerResponse{
		NextSpeaker: out.NextSpeaker,
		Analysis:    out.Analysis,
		DebugInfo: debugInfo{
			FullResponse:   out.RawReply,
			Analysis:       out.Analysis,
			CurrentSpeaker: out.CurrentSpeaker,
			InputMessage:   &inputMessage{CharacterName: req.CharacterName, Message: req.CharacterMessage},
		},
	})
}

func (h *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Message == "" && !(req.SmartMode && req.AgentID == "") {
		h.writeError(w, r, &domain.ValidationError{Field: "message", Value: "", Reason: "required"})
		return
	}

	sid := h.sessions.ensure(w, r)
	out, err := h.svc.Chat(r.Context(), multiagent.ChatInput{
		SessionID:    sid,
		Message:      req.Message,
		AgentID:      req.AgentID,
		SmartMode:    req.SmartMode,
		AutoContinue: req.AutoContinue,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := chatResponse{
		Response:    out.Response,
		Agent:       out.Agent,
		NextSpeaker: out.NextSpeaker,
	}
	if out.NextSpeaker != nil {
		resp.Analysis = &out.Analysis
		resp.DebugInfo = &debugInfo{
			FullResponse:   out.DetectorReply,
			Analysis:       out.Analysis,
			CurrentSpeaker: &out.Agent,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}

	sid := h.sessions.ensure(w, r)
	if err := h.svc.Reset(r.Context(), sid, req.AgentID, req.ResetAll); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into v, writing a 400 on failure.
func (h *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	msg := "invalid JSON: " + err.Error()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		msg = "request body too large (max 1MB)"
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: domain.CodeInvalidInput})
	return false
}

// writeError maps err onto a status code and logs server-side failures.
func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Warn("api request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAgentNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
