// Package server is the controller side of the message channel: a TCP
// listener, the connection registry keyed by client id, and dispatch of
// envelopes to and from registered agents.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"cuacoj/classroom/pkg/config"
	"cuacoj/classroom/pkg/discovery"
	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

// ServerID is the SenderId the controller stamps on its envelopes.
const ServerID = "server"

const defaultWriteTimeout = 10 * time.Second

type Option func(*Server)

// WithMetrics replaces the unregistered default metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithWriteTimeout bounds every write to an agent.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

type Server struct {
	logger       *zap.Logger
	metrics      *Metrics
	writeTimeout time.Duration

	infoMu sync.RWMutex
	cfg    config.ServerConfig

	mu        sync.RWMutex
	conns     map[string]*conn   // registered, keyed by client id
	open      map[*conn]struct{} // every accepted connection, closed on Stop
	observers []Observer

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	ln      net.Listener
	resp    *discovery.Responder
	adv     *discovery.Advertiser
	wg      sync.WaitGroup
}

func New(cfg config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		cfg:          cfg,
		conns:        make(map[string]*conn),
		open:         make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Subscribe adds an observer. Observers are never removed.
func (s *Server) Subscribe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Server) observerList() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Observer(nil), s.observers...)
}

// Start opens the TCP listener and the discovery responder, then returns.
// Calling Start on a running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running.Load() {
		return nil
	}
	cfg := s.config()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("listen tcp %d: %w", cfg.TCPPort, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.ln = ln
	s.cancel = cancel
	s.running.Store(true)

	limit := cfg.MaxConnections
	if limit <= 0 {
		limit = 256
	}
	sem := semaphore.NewWeighted(int64(limit))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, sem)
	}()

	resp, err := discovery.ListenResponder(":"+strconv.Itoa(cfg.DiscoveryPort), s.discoveryInfo, s.logger.Named("discovery"))
	if err != nil {
		// the message channel still works for agents configured with a manual address
		s.logger.Warn("discovery responder unavailable", zap.Int("port", cfg.DiscoveryPort), zap.Error(err))
	} else {
		s.resp = resp
		resp.SetHint(cfg.DiscoveryHint)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			resp.Serve(ctx)
		}()
		if cfg.AnnounceInterval > 0 && cfg.DiscoveryPort > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				resp.Announce(ctx, cfg.DiscoveryPort, cfg.AnnounceInterval)
			}()
		}
	}

	if cfg.MDNS {
		host, _ := os.Hostname()
		adv, err := discovery.Advertise(host, s.listenPort(), s.discoveryInfo)
		if err != nil {
			s.logger.Warn("mDNS advertise failed", zap.Error(err))
		} else {
			s.adv = adv
		}
	}

	s.logger.Info("server started",
		zap.String("addr", ln.Addr().String()),
		zap.Int("discovery_port", cfg.DiscoveryPort),
		zap.Int("max_connections", limit))
	return nil
}

// Stop cancels every loop, closes all connections and the listener and
// clears the registry. Registered clients are reported as disconnected.
func (s *Server) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.cancel()
	_ = s.ln.Close()
	if s.resp != nil {
		_ = s.resp.Close()
		s.resp = nil
	}
	if s.adv != nil {
		_ = s.adv.Close()
		s.adv = nil
	}

	s.mu.RLock()
	all := make([]*conn, 0, len(s.open))
	for c := range s.open {
		all = append(all, c)
	}
	s.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
	s.wg.Wait()

	s.mu.Lock()
	clear(s.conns)
	clear(s.open)
	s.mu.Unlock()
	s.metrics.Online.Set(0)
	s.logger.Info("server stopped")
}

func (s *Server) IsRunning() bool { return s.running.Load() }

// Port returns the bound TCP port, or 0 when stopped.
func (s *Server) Port() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.ln == nil || !s.running.Load() {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// DiscoveryAddr returns the responder's bound address, or nil.
func (s *Server) DiscoveryAddr() *net.UDPAddr {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.resp == nil {
		return nil
	}
	return s.resp.Addr()
}

func (s *Server) config() config.ServerConfig {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.cfg
}

// Reconfigure applies the hot-reloadable subset of cfg: class and teacher
// names and the discovery hint. Discovery replies and mDNS TXT records pick
// the names up on their next answer. Ports and limits need a restart.
func (s *Server) Reconfigure(cfg config.ServerConfig) {
	s.infoMu.Lock()
	s.cfg.ClassName = cfg.ClassName
	s.cfg.TeacherName = cfg.TeacherName
	s.cfg.DiscoveryHint = cfg.DiscoveryHint
	s.infoMu.Unlock()

	s.runMu.Lock()
	if s.resp != nil {
		s.resp.SetHint(cfg.DiscoveryHint)
	}
	s.runMu.Unlock()
	s.logger.Info("server reconfigured", zap.String("class", cfg.ClassName), zap.String("teacher", cfg.TeacherName))
}

func (s *Server) discoveryInfo() discovery.Record {
	cfg := s.config()
	return discovery.Record{
		ServerPort:  s.listenPort(),
		ClassName:   cfg.ClassName,
		TeacherName: cfg.TeacherName,
		OnlineCount: s.OnlineCount(),
	}
}

// listenPort is Port without runMu; the responder calls it while Start holds the lock.
func (s *Server) listenPort() int {
	ln := s.ln
	if ln == nil {
		return 0
	}
	return ln.Addr().(*net.TCPAddr).Port
}

// NewEnvelope returns an envelope stamped with the controller's identity.
func (s *Server) NewEnvelope(t proto.MsgType) *proto.Envelope {
	return proto.NewEnvelope(t, ServerID, s.config().TeacherName)
}

func (s *Server) acceptLoop(ctx context.Context, sem *semaphore.Weighted) {
	for {
		// at the limit, accept blocks here until a connection ends
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		nc, err := s.ln.Accept()
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		c := newConn(nc)
		s.mu.Lock()
		s.open[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer sem.Release(1)
			s.serveConn(ctx, c)
		}()
	}
}

// serveConn is the per-connection receive loop.
func (s *Server) serveConn(ctx context.Context, c *conn) {
	defer func() {
		c.close()
		s.mu.Lock()
		delete(s.open, c)
		s.mu.Unlock()
		s.deregister(c)
	}()
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	r := proto.NewReader(c.nc)
	for {
		env, err := r.Read()
		if err != nil {
			if errors.Is(err, errkind.ErrMalformedMessage) {
				s.metrics.Malformed.Inc()
				s.logger.Debug("malformed message dropped", zap.String("addr", c.addr), zap.Error(err))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Debug("connection read ended", zap.String("addr", c.addr), zap.String("id", c.id),
					zap.Error(fmt.Errorf("%w: %v", errkind.ErrTransport, err)))
			}
			return
		}
		c.touch()
		s.metrics.FramesIn.WithLabelValues(env.Type.String()).Inc()

		switch env.Type {
		case proto.MsgConnect:
			s.register(c, env)
		case proto.MsgHeartbeat:
			s.reply(c, s.NewEnvelope(proto.MsgHeartbeat))
		case proto.MsgDisconnect:
			return
		default:
			if c.id == "" {
				s.logger.Debug("message before handshake dropped", zap.String("addr", c.addr), zap.Stringer("type", env.Type))
				continue
			}
			for _, o := range s.observerList() {
				o.MessageReceived(c.id, env)
			}
		}
	}
}

func (s *Server) register(c *conn, env *proto.Envelope) {
	var info proto.ClientInfo
	if err := env.DecodePayload(&info); err != nil {
		s.logger.Debug("connect without client info", zap.String("addr", c.addr), zap.Error(err))
	}
	id := info.MachineID
	if id == "" {
		id = env.SenderID
	}
	if id == "" {
		s.logger.Warn("connect without client id dropped", zap.String("addr", c.addr))
		return
	}
	if info.MachineID == "" {
		info.MachineID = id
	}
	name := firstNonEmpty(info.DisplayName, env.SenderName, info.ComputerName, id)

	if c.id != "" && c.id != id {
		// same stream re-announced under a new id
		s.deregister(c)
	}

	s.mu.Lock()
	old := s.conns[id]
	c.id, c.name, c.info = id, name, info
	s.conns[id] = c
	online := len(s.conns)
	s.mu.Unlock()
	s.metrics.Online.Set(float64(online))

	if old != nil && old != c {
		s.logger.Info("client replaced", zap.String("id", id), zap.String("old_addr", old.addr), zap.String("addr", c.addr))
		old.close()
	}

	cfg := s.config()
	ack, err := s.NewEnvelope(proto.MsgConnectAck).WithPayload(proto.ConnectAck{ClassName: cfg.ClassName, TeacherName: cfg.TeacherName})
	if err == nil {
		ack.TargetID = id
		s.reply(c, ack)
	}
	s.logger.Info("client connected", zap.String("id", id), zap.String("name", name), zap.String("addr", c.addr), zap.Int("online", online))

	s.mu.RLock()
	snap := c.snapshot()
	s.mu.RUnlock()
	for _, o := range s.observerList() {
		o.ClientConnected(snap)
	}
}

// deregister removes c only if it is still the registered connection for its
// id; a replaced connection's exit leaves its successor in place.
func (s *Server) deregister(c *conn) {
	s.mu.Lock()
	id, name := c.id, c.name
	removed := false
	if id != "" && s.conns[id] == c {
		delete(s.conns, id)
		removed = true
	}
	online := len(s.conns)
	s.mu.Unlock()
	if !removed {
		return
	}
	s.metrics.Online.Set(float64(online))
	s.logger.Info("client disconnected", zap.String("id", id), zap.String("name", name), zap.Int("online", online))
	for _, o := range s.observerList() {
		o.ClientDisconnected(id, name)
	}
}

func (s *Server) reply(c *conn, env *proto.Envelope) {
	frame, err := proto.MarshalFrame(env)
	if err != nil {
		s.logger.Warn("encode failed", zap.Stringer("type", env.Type), zap.Error(err))
		return
	}
	s.writeTo(c, frame)
}

func (s *Server) writeTo(c *conn, frame []byte) bool {
	if err := c.write(frame, s.writeTimeout); err != nil {
		s.metrics.SendErrors.Inc()
		s.logger.Warn("send failed", zap.String("addr", c.addr), zap.Error(err))
		// a partial write leaves the stream unframed; the receive loop deregisters
		c.close()
		return false
	}
	s.metrics.FramesOut.Inc()
	return true
}

// SendToClient writes env to the registered connection for id. Failures are
// logged; the result only reports whether the write happened.
func (s *Server) SendToClient(id string, env *proto.Envelope) bool {
	s.mu.RLock()
	c := s.conns[id]
	s.mu.RUnlock()
	if c == nil {
		s.logger.Debug("send to unknown client", zap.String("id", id), zap.Stringer("type", env.Type))
		return false
	}
	frame, err := proto.MarshalFrame(env)
	if err != nil {
		s.logger.Warn("encode failed", zap.Stringer("type", env.Type), zap.Error(err))
		return false
	}
	return s.writeTo(c, frame)
}

// BroadcastResult reports per-client outcomes of a broadcast.
type BroadcastResult struct {
	Sent   []string `json:"sent"`
	Failed []string `json:"failed"`
}

// BroadcastToAll sends env to every registered client concurrently and
// returns once every send has returned.
func (s *Server) BroadcastToAll(ctx context.Context, env *proto.Envelope) BroadcastResult {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	return s.SendToClients(ctx, ids, env)
}

// SendToClients sends env to each listed id concurrently. Unknown ids count as failed.
func (s *Server) SendToClients(ctx context.Context, ids []string, env *proto.Envelope) BroadcastResult {
	var res BroadcastResult
	frame, err := proto.MarshalFrame(env)
	if err != nil {
		s.logger.Warn("encode failed", zap.Stringer("type", env.Type), zap.Error(err))
		res.Failed = append(res.Failed, ids...)
		return res
	}
	var mu sync.Mutex
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			s.mu.RLock()
			c := s.conns[id]
			s.mu.RUnlock()
			ok := c != nil && ctx.Err() == nil && s.writeTo(c, frame)
			mu.Lock()
			if ok {
				res.Sent = append(res.Sent, id)
			} else {
				res.Failed = append(res.Failed, id)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Sent)
	sort.Strings(res.Failed)
	return res
}

// Clients returns a snapshot of the registry sorted by id.
func (s *Server) Clients() []Client {
	s.mu.RLock()
	out := make([]Client, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Client returns the registered client id.
func (s *Server) Client(id string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return Client{}, false
	}
	return c.snapshot(), true
}

func (s *Server) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
