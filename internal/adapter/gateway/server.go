package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"troupe/internal/domain"
	"troupe/internal/usecase/multiagent"
)

// defaultCookieName matches the JSON API's session cookie so a browser
// shares one session across both surfaces.
const defaultCookieName = "troupe_session"

// ServerConfig configures the gateway.
type ServerConfig struct {
	Addr       string
	CookieName string
	// MaxTurns caps character lines per user message. 0 = service default.
	MaxTurns int
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	sessionID string
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// send queues f for the write loop. It blocks while the queue is full so
// turns are never dropped.
func (cc *clientConn) send(ctx context.Context, f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	case <-cc.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Server is the WebSocket gateway that runs auto-continue conversations and
// pushes each character line to the client as it is produced.
type Server struct {
	svc       *multiagent.Service
	auth      Authenticator
	cfg       ServerConfig
	logger    *slog.Logger
	clients   sync.Map // connID (uint64) -> *clientConn
	httpSrv   *http.Server
	boundAddr string
	nextID    atomic.Uint64
	started   time.Time
}

// NewServer creates a gateway server.
func NewServer(svc *multiagent.Service, auth Authenticator, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = openAuth{}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	return &Server{svc: svc, auth: auth, cfg: cfg, logger: logger, started: time.Now()}
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("GET /api/v1/sessions", s.handleSessions)
	return mux
}

// Start begins accepting WebSocket connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// sessionFor picks the session from the query, then the session cookie, and
// mints a new one when neither is present.
func (s *Server) sessionFor(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", fmt.Errorf("invalid session id: %w", err)
		}
		return id, nil
	}
	if c, err := r.Cookie(s.cfg.CookieName); err == nil {
		if _, err := ulid.ParseStrict(c.Value); err == nil {
			return c.Value, nil
		}
	}
	return ulid.Make().String(), nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID, err := s.sessionFor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		info:      clientInfo,
		sessionID: sessionID,
		ws:        ws,
		sendCh:    make(chan Frame, 64),
		done:      make(chan struct{}),
	}
	s.clients.Store(connID, cc)

	s.logger.Info("gateway client connected", "conn_id", connID, "client", clientInfo.Name, "session_id", sessionID)

	go s.writeLoop(cc)

	ready, _ := json.Marshal(ReadyPayload{SessionID: sessionID})
	cc.send(r.Context(), Frame{Type: FrameTypeReady, Payload: ready})

	// Read loop (blocking).
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return // connection closed or error
		}

		switch {
		case frame.Type != FrameTypeSay:
			cc.send(ctx, Frame{Type: FrameTypeError, ID: frame.ID, Error: fmt.Sprintf("unsupported frame type %q", frame.Type)})
		case frame.Content == "":
			cc.send(ctx, Frame{Type: FrameTypeError, ID: frame.ID, Error: "content is required"})
		default:
			// The service serializes rounds per session, so concurrent says
			// queue up in arrival order.
			go s.converse(ctx, cc, frame)
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// TurnPayload is one character line.
type TurnPayload struct {
	Speaker     string                  `json:"speaker"`
	Agent       domain.AgentInfo        `json:"agent"`
	Content     string                  `json:"content"`
	Analysis    string                  `json:"analysis"`
	NextSpeaker *multiagent.SpeakerView `json:"next_speaker,omitempty"`
}

func (s *Server) converse(ctx context.Context, cc *clientConn, say Frame) {
	result, err := s.svc.Converse(ctx, cc.sessionID, say.Content, s.cfg.MaxTurns, func(turn multiagent.Turn) error {
		payload, err := json.Marshal(TurnPayload{
			Speaker:     turn.Agent.Name,
			Agent:       turn.Agent,
			Content:     turn.Content,
			Analysis:    turn.Analysis,
			NextSpeaker: turn.Next,
		})
		if err != nil {
			return err
		}
		if !cc.send(ctx, Frame{Type: FrameTypeTurn, ID: say.ID, Payload: payload}) {
			return context.Canceled
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("gateway conversation failed", "session_id", cc.sessionID, "error", err)
		cc.send(ctx, Frame{Type: FrameTypeError, ID: say.ID, Error: err.Error()})
		return
	}

	payload, _ := json.Marshal(HandoffPayload{Turns: len(result.Turns), Truncated: result.Truncated})
	cc.send(ctx, Frame{Type: FrameTypeHandoff, ID: say.ID, Payload: payload})
}

// SessionsResponse is the JSON body returned by GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions      []multiagent.SessionStatus `json:"sessions"`
	Connections   int                        `json:"connections"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SessionsResponse{
		Sessions:      s.svc.Registry().Sessions(),
		Connections:   s.Connections(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}
