// Package agent is the student side of the message channel: one outbound
// TCP connection to the controller with a handshake, a receive loop and a
// heartbeat loop. It never reconnects on its own.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cuacoj/classroom/pkg/discovery"
	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
	"cuacoj/classroom/pkg/stream"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	defaultDialTimeout       = 5 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	disconnectWait           = time.Second
)

// Handler serves one message type. A non-nil reply is sent back to the controller.
type Handler func(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error)

// ConsentFunc decides whether a remote-control request is accepted.
type ConsentFunc func(controller string) bool

// Options configures an Agent. Zero values pick defaults.
type Options struct {
	Identity          Identity
	Version           string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Consent           ConsentFunc     // nil accepts every request
	Capturer          stream.Capturer // nil disables the screen feed
	NormalProfile     stream.Profile
	BoostedProfile    stream.Profile
}

// session is one connected lifetime.
type session struct {
	conn   net.Conn
	reader *proto.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	closing atomic.Bool // Disconnect in progress
}

type Agent struct {
	opts   Options
	obs    Observer
	logger *zap.Logger
	pacer  *stream.Pacer

	mu   sync.Mutex
	sess *session
	wmu  sync.Mutex

	hmu      sync.RWMutex
	handlers map[proto.MsgType]Handler

	connected  atomic.Bool
	controlled atomic.Bool
	locked     atomic.Bool
	lastAck    atomic.Int64
}

func New(opts Options, obs Observer, logger *zap.Logger) *Agent {
	if opts.Identity.ClientID == "" {
		opts.Identity = NewIdentity(opts.Identity.DisplayName)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.NormalProfile == (stream.Profile{}) {
		opts.NormalProfile = stream.NormalProfile
	}
	if opts.BoostedProfile == (stream.Profile{}) {
		opts.BoostedProfile = stream.BoostedProfile
	}
	if obs == nil {
		obs = NopObserver{}
	}
	a := &Agent{
		opts:     opts,
		obs:      obs,
		logger:   logger,
		handlers: make(map[proto.MsgType]Handler),
	}
	if opts.Capturer != nil {
		a.pacer = stream.NewPacer(opts.Capturer, a.sendFrame, opts.NormalProfile, opts.BoostedProfile, logger.Named("capture"))
	}
	a.registerSystemHandlers()
	return a
}

func (a *Agent) Identity() Identity { return a.opts.Identity }

func (a *Agent) IsConnected() bool { return a.connected.Load() }

// ControlActive reports whether a remote-control session is accepted.
func (a *Agent) ControlActive() bool { return a.controlled.Load() }

func (a *Agent) ScreenLocked() bool { return a.locked.Load() }

// Handle registers h for t, replacing any earlier handler. Types the receive
// loop interprets itself cannot be overridden.
func (a *Agent) Handle(t proto.MsgType, h Handler) {
	a.hmu.Lock()
	a.handlers[t] = h
	a.hmu.Unlock()
}

func (a *Agent) handler(t proto.MsgType) Handler {
	a.hmu.RLock()
	defer a.hmu.RUnlock()
	return a.handlers[t]
}

// NewEnvelope returns an envelope stamped with the agent's identity.
func (a *Agent) NewEnvelope(t proto.MsgType) *proto.Envelope {
	return proto.NewEnvelope(t, a.opts.Identity.ClientID, a.opts.Identity.DisplayName)
}

// Discover locates a controller; see discovery.Discover.
func (a *Agent) Discover(ctx context.Context, opts discovery.Options, timeout time.Duration) (*discovery.Record, error) {
	return discovery.Discover(ctx, opts, timeout, a.logger.Named("discovery"))
}

// Connect dials addr, performs the handshake and starts the background
// loops. The loops live until Disconnect, a read failure, or ctx ends.
func (a *Agent) Connect(ctx context.Context, addr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return fmt.Errorf("connect %s: already connected: %w", addr, errkind.ErrPreconditionFailed)
	}

	d := net.Dialer{Timeout: a.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w: %v", addr, errkind.ErrTransport, err)
	}
	id := a.opts.Identity
	hello, err := a.NewEnvelope(proto.MsgConnect).WithPayload(proto.ClientInfo{
		MachineID:    id.ClientID,
		DisplayName:  id.DisplayName,
		ComputerName: id.ComputerName,
		IPAddress:    localIP(conn),
		OS:           runtime.GOOS,
		Version:      a.opts.Version,
	})
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(a.opts.DialTimeout))
	if err := proto.WriteFrame(conn, hello); err != nil {
		conn.Close()
		return fmt.Errorf("handshake %s: %w: %v", addr, errkind.ErrTransport, err)
	}
	reader := proto.NewReader(conn)
	ack, err := readAck(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	var info proto.ConnectAck
	_ = ack.DecodePayload(&info)

	sctx, cancel := context.WithCancel(ctx)
	s := &session{conn: conn, reader: reader, cancel: cancel}
	a.sess = s
	a.connected.Store(true)
	a.lastAck.Store(time.Now().UnixNano())
	a.logger.Info("connected", zap.String("addr", addr), zap.String("class", info.ClassName), zap.String("teacher", info.TeacherName))
	a.obs.Connected(info)

	if a.pacer != nil {
		a.pacer.Start(sctx)
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		a.receiveLoop(sctx, s)
	}()
	go func() {
		defer s.wg.Done()
		a.heartbeatLoop(sctx, s)
	}()
	// a blocked read only notices cancellation through the socket
	context.AfterFunc(sctx, func() { a.teardown(s, "context cancelled") })
	return nil
}

// readAck waits for ConnectAck; malformed frames before it are skipped.
func readAck(r *proto.Reader) (*proto.Envelope, error) {
	for {
		env, err := r.Read()
		if errors.Is(err, errkind.ErrMalformedMessage) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errkind.ErrTransport, err)
		}
		if env.Type == proto.MsgConnectAck {
			return env, nil
		}
	}
}

// Disconnect sends a best-effort Disconnect, stops the loops and closes the
// socket. It is idempotent and must not be called from an Observer.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil {
		return
	}
	s.closing.Store(true)
	bye := a.NewEnvelope(proto.MsgDisconnect)
	if frame, err := proto.MarshalFrame(bye); err == nil {
		a.wmu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(disconnectWait))
		_, _ = s.conn.Write(frame)
		a.wmu.Unlock()
	}
	a.teardown(s, "disconnected by client")
	s.wg.Wait()
}

// teardown ends s exactly once. It does not wait for the loops.
func (a *Agent) teardown(s *session, reason string) {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		if a.pacer != nil {
			a.pacer.Stop()
			a.pacer.SetBoosted(false)
		}
		a.mu.Lock()
		if a.sess == s {
			a.sess = nil
		}
		a.mu.Unlock()
		a.connected.Store(false)
		a.controlled.Store(false)
		a.logger.Info("disconnected", zap.String("reason", reason))
		a.obs.Disconnected(reason)
	})
}

// Send writes env to the controller.
func (a *Agent) Send(env *proto.Envelope) error {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil {
		return fmt.Errorf("send %s: not connected: %w", env.Type, errkind.ErrPreconditionFailed)
	}
	frame, err := proto.MarshalFrame(env)
	if err != nil {
		return err
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w: %v", env.Type, errkind.ErrTransport, err)
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Send(a.NewEnvelope(proto.MsgHeartbeat)); err != nil {
				a.teardown(s, err.Error())
				return
			}
		}
	}
}

func (a *Agent) receiveLoop(ctx context.Context, s *session) {
	for {
		env, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, errkind.ErrMalformedMessage) {
				a.logger.Debug("malformed message dropped", zap.Error(err))
				continue
			}
			reason := "connection closed by controller"
			if !errors.Is(err, io.EOF) {
				reason = fmt.Sprintf("%v: %v", errkind.ErrTransport, err)
			}
			if ctx.Err() != nil || s.closing.Load() {
				reason = "disconnected by client"
			}
			a.teardown(s, reason)
			return
		}
		a.dispatch(ctx, env)
	}
}

func (a *Agent) dispatch(ctx context.Context, env *proto.Envelope) {
	switch env.Type {
	case proto.MsgHeartbeat:
		a.lastAck.Store(time.Now().UnixNano())
	case proto.MsgScreenShare:
		img, err := base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			a.logger.Debug("bad screen share frame", zap.Error(err))
			return
		}
		a.obs.ScreenShareReceived(img)
	case proto.MsgScreenShareStop:
		a.obs.ScreenShareStopped()
	case proto.MsgScreenshotRequest:
		if a.pacer == nil {
			a.logger.Debug("screenshot requested without a capturer")
			return
		}
		go func() {
			if err := a.pacer.Snapshot(ctx); err != nil && ctx.Err() == nil {
				a.logger.Debug("screenshot failed", zap.Error(err))
			}
		}()
	case proto.MsgLockScreen:
		a.locked.Store(true)
		a.obs.ScreenLocked(env.Payload)
	case proto.MsgUnlockScreen:
		a.locked.Store(false)
		a.obs.ScreenUnlocked()
	case proto.MsgControlStart:
		a.handleControlStart(env)
	case proto.MsgControlStop:
		if a.controlled.Swap(false) {
			a.setBoost(false)
			a.obs.ControlStopped()
		}
	case proto.MsgControlInputLock:
		var l proto.InputLock
		if err := env.DecodePayload(&l); err != nil {
			a.logger.Debug("bad input lock", zap.Error(err))
			return
		}
		a.obs.InputLockChanged(l.Locked)
	case proto.MsgControlMouse:
		if !a.controlled.Load() {
			return
		}
		var in proto.MouseInput
		if err := env.DecodePayload(&in); err == nil {
			a.obs.MouseInput(in)
		}
	case proto.MsgControlKeyboard:
		if !a.controlled.Load() {
			return
		}
		var in proto.KeyboardInput
		if err := env.DecodePayload(&in); err == nil {
			a.obs.KeyboardInput(in)
		}
	default:
		if h := a.handler(env.Type); h != nil {
			a.runHandler(ctx, h, env)
			return
		}
		a.obs.MessageReceived(env)
	}
}

func (a *Agent) runHandler(ctx context.Context, h Handler, env *proto.Envelope) {
	reply, err := h(ctx, env)
	if err != nil {
		a.logger.Warn("handler failed", zap.Stringer("type", env.Type), zap.Error(err))
	}
	if reply == nil {
		return
	}
	if err := a.Send(reply); err != nil {
		a.logger.Debug("handler reply failed", zap.Stringer("type", reply.Type), zap.Error(err))
	}
}

// handleControlStart always answers so a controller waiting for consent
// does not have to time out.
func (a *Agent) handleControlStart(env *proto.Envelope) {
	accept := a.opts.Consent == nil || a.opts.Consent(env.SenderName)
	reply := proto.MsgControlDeny
	if accept {
		reply = proto.MsgControlAccept
	}
	if err := a.Send(a.NewEnvelope(reply)); err != nil {
		a.logger.Debug("control reply failed", zap.Error(err))
	}
	if !accept {
		a.logger.Info("remote control denied", zap.String("controller", env.SenderName))
		return
	}
	if !a.controlled.Swap(true) {
		a.setBoost(true)
		a.obs.ControlStarted()
	}
}

func (a *Agent) setBoost(on bool) {
	if a.pacer != nil {
		a.pacer.SetBoosted(on)
	}
}

// CaptureBoosted reports whether the screen feed runs the boosted profile.
func (a *Agent) CaptureBoosted() bool {
	return a.pacer != nil && a.pacer.Boosted()
}

func (a *Agent) sendFrame(_ context.Context, f stream.Frame) error {
	env, err := a.NewEnvelope(proto.MsgScreenData).WithPayload(proto.ScreenFrame{
		ClientID:    a.opts.Identity.ClientID,
		ImageData:   f.Data,
		Width:       f.Width,
		Height:      f.Height,
		CaptureTime: f.CaptureTime,
	})
	if err != nil {
		return err
	}
	return a.Send(env)
}

func localIP(c net.Conn) string {
	if ta, ok := c.LocalAddr().(*net.TCPAddr); ok {
		return ta.IP.String()
	}
	return ""
}
