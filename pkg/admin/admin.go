// Package admin serves the controller's HTTP surface: roster and session
// queries, a few class-wide commands, Prometheus metrics and a websocket
// event stream for viewer UIs.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
	"cuacoj/classroom/pkg/remote"
	"cuacoj/classroom/pkg/server"
	"cuacoj/classroom/pkg/store"
	"cuacoj/classroom/pkg/transfer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Controller is the part of server.Server the admin surface drives.
type Controller interface {
	Clients() []server.Client
	BroadcastToAll(ctx context.Context, env *proto.Envelope) server.BroadcastResult
	SendToClients(ctx context.Context, ids []string, env *proto.Envelope) server.BroadcastResult
	NewEnvelope(t proto.MsgType) *proto.Envelope
}

type Sessions interface {
	Sessions() []remote.Session
	RequestControl(ctx context.Context, target string) (remote.Session, error)
	EndSession(target string)
}

// History is the persisted roster; optional.
type History interface {
	ListClients(ctx context.Context) ([]store.ClientRecord, error)
	ListTransfers(ctx context.Context, limit int) ([]store.TransferRecord, error)
}

// Pusher starts a file push in the background; it fails only when the
// push cannot start.
type Pusher interface {
	Push(path string, targets []string) error
}

// Sharer toggles the controller's screen broadcast.
type Sharer interface {
	StartShare() bool
	StopShare()
}

type Options struct {
	Token    string // sha256 hex or plain; empty disables auth
	Gatherer prometheus.Gatherer
	History  History
	Pusher   Pusher
	Sharer   Sharer
}

type Server struct {
	ctl      Controller
	sessions Sessions
	hub      *Hub
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(ctl Controller, sessions Sessions, hub *Hub, opts Options, logger *zap.Logger) *Server {
	return &Server{
		ctl:      ctl,
		sessions: sessions,
		hub:      hub,
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler returns the routed, token-protected mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/clients", s.auth(s.handleClients))
	mux.HandleFunc("GET /api/sessions", s.auth(s.handleSessions))
	mux.HandleFunc("GET /api/events", s.auth(s.handleEvents))
	mux.HandleFunc("GET /api/roster", s.auth(s.handleRoster))
	mux.HandleFunc("GET /api/transfers", s.auth(s.handleTransfers))
	mux.HandleFunc("POST /api/lock", s.auth(s.handleLock))
	mux.HandleFunc("POST /api/unlock", s.auth(s.handleUnlock))
	mux.HandleFunc("POST /api/notify", s.auth(s.handleNotify))
	mux.HandleFunc("POST /api/control/{id}", s.auth(s.handleControlStart))
	mux.HandleFunc("DELETE /api/control/{id}", s.auth(s.handleControlStop))
	mux.HandleFunc("POST /api/transfer", s.auth(s.handleTransfer))
	mux.HandleFunc("POST /api/collect", s.auth(s.handleCollect))
	mux.HandleFunc("POST /api/share", s.auth(s.handleShareStart))
	mux.HandleFunc("DELETE /api/share", s.auth(s.handleShareStop))
	mux.HandleFunc("GET /ws", s.auth(s.handleWS))
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", s.auth(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("admin listening", zap.String("addr", ln.Addr().String()), zap.Bool("auth", s.opts.Token != ""))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" && !MatchToken(tokenFrom(r), s.opts.Token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errkind.Kind(err) {
	case errkind.ErrNotFound:
		status = http.StatusNotFound
	case errkind.ErrPreconditionFailed:
		status = http.StatusConflict
	case errkind.ErrMalformedMessage:
		status = http.StatusBadRequest
	case errkind.ErrSession, errkind.ErrTransport:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Clients())
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Recent())
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.NotFound(w, r)
		return
	}
	list, err := s.opts.History.ListClients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.NotFound(w, r)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.opts.History.ListTransfers(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// commandBody targets every client when Targets is empty.
type commandBody struct {
	Targets []string `json:"targets"`
	Message string   `json:"message"`
	Title   string   `json:"title"`
	Text    string   `json:"text"`
	Path    string   `json:"path"`
	Pattern string   `json:"pattern"`
}

func decodeBody(r *http.Request) (commandBody, error) {
	var b commandBody
	if r.ContentLength == 0 {
		return b, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		return b, errors.Join(errkind.ErrMalformedMessage, err)
	}
	return b, nil
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, env *proto.Envelope, targets []string) {
	var res server.BroadcastResult
	if len(targets) == 0 {
		res = s.ctl.BroadcastToAll(r.Context(), env)
	} else {
		res = s.ctl.SendToClients(r.Context(), targets, env)
	}
	s.logger.Info("command sent", zap.Stringer("type", env.Type), zap.Int("sent", len(res.Sent)), zap.Int("failed", len(res.Failed)))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	env, _ := s.ctl.NewEnvelope(proto.MsgLockScreen).WithPayload(b.Message)
	s.dispatch(w, r, env, b.Targets)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.dispatch(w, r, s.ctl.NewEnvelope(proto.MsgUnlockScreen), b.Targets)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	env, err := s.ctl.NewEnvelope(proto.MsgNotification).WithPayload(proto.Notification{Title: b.Title, Text: b.Text})
	if err != nil {
		writeError(w, err)
		return
	}
	s.dispatch(w, r, env, b.Targets)
}

func (s *Server) handleControlStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.RequestControl(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleControlStop(w http.ResponseWriter, r *http.Request) {
	s.sessions.EndSession(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.opts.Pusher == nil {
		http.NotFound(w, r)
		return
	}
	b, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if b.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing path"})
		return
	}
	if err := s.opts.Pusher.Push(b.Path, b.Targets); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCollect asks agents for the files matching a name pattern; they
// arrive asynchronously as collect events.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := transfer.NewCollectionRequest(b.Pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	env, err := s.ctl.NewEnvelope(proto.MsgFileCollectionRequest).WithPayload(req)
	if err != nil {
		writeError(w, err)
		return
	}
	var res server.BroadcastResult
	if len(b.Targets) == 0 {
		res = s.ctl.BroadcastToAll(r.Context(), env)
	} else {
		res = s.ctl.SendToClients(r.Context(), b.Targets, env)
	}
	s.logger.Info("collect requested", zap.String("request", req.RequestID), zap.String("pattern", req.Pattern), zap.Int("sent", len(res.Sent)))
	writeJSON(w, http.StatusAccepted, struct {
		RequestID string `json:"requestId"`
		server.BroadcastResult
	}{req.RequestID, res})
}

func (s *Server) handleShareStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sharer == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": s.opts.Sharer.StartShare()})
}

func (s *Server) handleShareStop(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sharer == nil {
		http.NotFound(w, r)
		return
	}
	s.opts.Sharer.StopShare()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	sub := s.hub.subscribe()
	s.logger.Info("viewer connected", zap.String("remote", r.RemoteAddr))
	defer func() {
		s.hub.unsubscribe(sub)
		_ = ws.Close()
		s.logger.Info("viewer disconnected", zap.String("remote", r.RemoteAddr))
	}()

	// reader: only pongs and close frames are expected
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case b := <-sub.ch:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
