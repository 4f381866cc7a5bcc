// Package server exposes the local control surface: a WebSocket JSON-RPC
// endpoint for heartbeat triggers and status, plus a health check. It binds
// to loopback and authenticates every request with the gateway token.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/stoatlabs/vigil/internal/bus"
	"github.com/stoatlabs/vigil/internal/heartbeat"
	obs "github.com/stoatlabs/vigil/internal/otel"
	"github.com/stoatlabs/vigil/internal/persistence"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid      = 1000
	ErrCodeUnauthorized = 4010
	ErrCodeBusy         = 4290
	ErrCodeThrottled    = 4291
)

// StatusProvider returns runtime status fields for system.status.
type StatusProvider func(ctx context.Context) (map[string]any, error)

type Config struct {
	Gateway *heartbeat.Gateway
	Store   *persistence.Store
	Bus     *bus.Bus

	// AuthToken authenticates HTTP callers and doubles as the privileged
	// caller secret presented to the heartbeat gateway.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string

	// Status supplies extra runtime fields for system.status. Optional.
	Status StatusProvider

	// Tracer records one server span per RPC when set.
	Tracer trace.Tracer

	// Metrics counts gateway rejections when set.
	Metrics *obs.Metrics
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.LastHeartbeatRun(ctx); err != nil {
			dbOK = false
		}
	}

	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		s.logger.Info("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = obs.StartServerSpan(ctx, s.cfg.Tracer, "rpc."+req.Method)
		defer span.End()
	}

	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		result = map[string]any{
			"protocol": "vigil",
			"version":  "1.0",
		}

	case "system.status":
		result, rpcErr = s.systemStatus(ctx)

	case "heartbeat.now":
		var p struct {
			Context string `json:"context"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		res, err := s.cfg.Gateway.HeartbeatNowWithContext(ctx, s.cfg.AuthToken, p.Context)
		result, rpcErr = s.runResult(ctx, res, err)

	case "reminder.fired":
		var p struct {
			ID      string    `json:"id"`
			Message string    `json:"message"`
			Label   string    `json:"label"`
			At      time.Time `json:"at"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Message == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if p.At.IsZero() {
			p.At = time.Now()
		}
		res, err := s.cfg.Gateway.ReminderFired(ctx, s.cfg.AuthToken, p.ID, p.At, p.Message, p.Label)
		result, rpcErr = s.runResult(ctx, res, err)

	case "message.received":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.Text) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "text must be non-empty"}
			break
		}
		res, err := s.cfg.Gateway.MessageReceived(ctx, s.cfg.AuthToken, p.Text)
		result, rpcErr = s.runResult(ctx, res, err)

	case "notification.posted":
		var p struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.Summary) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "summary must be non-empty"}
			break
		}
		res, err := s.cfg.Gateway.NotificationPosted(ctx, s.cfg.AuthToken, p.Summary)
		result, rpcErr = s.runResult(ctx, res, err)

	case "runs.recent":
		var p struct {
			Limit int `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		if p.Limit <= 0 || p.Limit > 100 {
			p.Limit = 20
		}
		if s.cfg.Store == nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: "run store unavailable"}
			break
		}
		runs, err := s.cfg.Store.RecentHeartbeatRuns(ctx, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"runs": runs}

	case "events.subscribe":
		var p struct {
			Prefix string `json:"prefix"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		s.subscribeClient(c, p.Prefix)
		result = map[string]any{"subscribed": true, "prefix": p.Prefix}

	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
}

func (s *Server) systemStatus(ctx context.Context) (any, *rpcError) {
	status := map[string]any{
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.clientCount(),
	}
	if s.cfg.Store != nil {
		if last, err := s.cfg.Store.LastHeartbeatRun(ctx); err == nil && last != nil {
			status["last_run"] = last
		}
	}
	if s.cfg.Status != nil {
		extra, err := s.cfg.Status(ctx)
		if err != nil {
			return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
		}
		for k, v := range extra {
			status[k] = v
		}
	}
	return status, nil
}

// runResult maps a gateway result and its error to an RPC payload.
func (s *Server) runResult(ctx context.Context, res heartbeat.Result, err error) (any, *rpcError) {
	reject := func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.GatewayRejects.Add(ctx, 1)
		}
	}
	switch {
	case errors.Is(err, heartbeat.ErrCallerUnauthorized):
		reject()
		return nil, &rpcError{Code: ErrCodeUnauthorized, Message: err.Error()}
	case errors.Is(err, heartbeat.ErrBusy), errors.Is(err, heartbeat.ErrDuplicateMessage):
		reject()
		return nil, &rpcError{Code: ErrCodeBusy, Message: err.Error()}
	case errors.Is(err, heartbeat.ErrCooldown):
		reject()
		return nil, &rpcError{Code: ErrCodeThrottled, Message: err.Error()}
	case err != nil:
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{
		"run_id":      res.RunID,
		"source":      res.Source,
		"outcome":     string(res.Outcome),
		"text":        res.Text,
		"duration_ms": res.Duration.Milliseconds(),
	}, nil
}

// subscribeClient forwards matching bus events to the client as JSON-RPC
// notifications until the connection goes away.
func (s *Server) subscribeClient(c *client, prefix string) {
	if s.cfg.Bus == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busSub != nil {
		// Re-subscribing replaces the previous subscription.
		c.busCancel()
		s.cfg.Bus.Unsubscribe(c.busSub)
	}

	sub := s.cfg.Bus.Subscribe(prefix)
	ctx, cancel := context.WithCancel(context.Background())
	c.busSub = sub
	c.busCancel = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if err := c.write(ctx, rpcResponse{
					JSONRPC: "2.0",
					Method:  "event",
					Params:  map[string]any{"topic": ev.Topic, "payload": ev.Payload},
				}); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}
