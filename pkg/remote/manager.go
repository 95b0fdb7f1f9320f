// Package remote drives remote-control sessions: one state machine per
// target agent, input forwarding and the view/lock toggles layered on the
// controller's message channel.
package remote

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

// Transport is the part of the controller's server the manager needs.
type Transport interface {
	IsRunning() bool
	SendToClient(id string, env *proto.Envelope) bool
	NewEnvelope(t proto.MsgType) *proto.Envelope
}

// Observer receives session notifications.
type Observer interface {
	SessionStarted(s Session)
	SessionEnded(s Session)
	ScreenDataReceived(clientID string, frame proto.ScreenFrame)
}

// ObserverFuncs adapts plain funcs to Observer; nil fields are skipped.
type ObserverFuncs struct {
	OnStarted func(Session)
	OnEnded   func(Session)
	OnFrame   func(string, proto.ScreenFrame)
}

func (f ObserverFuncs) SessionStarted(s Session) {
	if f.OnStarted != nil {
		f.OnStarted(s)
	}
}

func (f ObserverFuncs) SessionEnded(s Session) {
	if f.OnEnded != nil {
		f.OnEnded(s)
	}
}

func (f ObserverFuncs) ScreenDataReceived(id string, fr proto.ScreenFrame) {
	if f.OnFrame != nil {
		f.OnFrame(id, fr)
	}
}

type Options struct {
	Policy        AcceptPolicy
	AcceptDelay   time.Duration // AutoAccept transition delay
	AcceptTimeout time.Duration // RequireConsent wait
}

const (
	defaultAcceptDelay   = 500 * time.Millisecond
	defaultAcceptTimeout = 30 * time.Second
)

type Manager struct {
	transport Transport
	opts      Options
	logger    *zap.Logger

	mu        sync.RWMutex
	sessions  map[string]*session
	observers []Observer
}

func NewManager(t Transport, opts Options, logger *zap.Logger) *Manager {
	if opts.AcceptDelay <= 0 {
		opts.AcceptDelay = defaultAcceptDelay
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = defaultAcceptTimeout
	}
	return &Manager{
		transport: t,
		opts:      opts,
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func (m *Manager) observerList() []Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Observer(nil), m.observers...)
}

// RequestControl opens a session with target and blocks until it is Active
// or has failed. A live session for target is returned as is; a terminal
// one is replaced.
func (m *Manager) RequestControl(ctx context.Context, target string) (Session, error) {
	if !m.transport.IsRunning() {
		return Session{}, fmt.Errorf("request control of %s: server not running: %w", target, errkind.ErrPreconditionFailed)
	}

	m.mu.Lock()
	if cur, ok := m.sessions[target]; ok && cur.State.live() {
		snap := cur.snapshot()
		m.mu.Unlock()
		return snap, nil
	}
	s := &session{
		Session: Session{TargetClientID: target, State: StateConnecting, StartTime: time.Now()},
		answer:  make(chan bool, 1),
	}
	m.sessions[target] = s
	m.mu.Unlock()

	if !m.transport.SendToClient(target, m.transport.NewEnvelope(proto.MsgControlStart)) {
		return m.fail(s, "control start not delivered")
	}
	m.setState(s, StateWaitingForAccept)

	switch m.opts.Policy {
	case RequireConsent:
		timer := time.NewTimer(m.opts.AcceptTimeout)
		defer timer.Stop()
		select {
		case ok := <-s.answer:
			if !ok {
				return m.fail(s, "denied by student")
			}
		case <-timer.C:
			return m.fail(s, "no answer from student")
		case <-ctx.Done():
			return m.fail(s, ctx.Err().Error())
		}
	default:
		select {
		case <-time.After(m.opts.AcceptDelay):
		case <-ctx.Done():
			return m.fail(s, ctx.Err().Error())
		}
	}

	m.mu.Lock()
	if m.sessions[s.TargetClientID] != s || s.State != StateWaitingForAccept {
		// ended or replaced while waiting
		snap := s.snapshot()
		m.mu.Unlock()
		return snap, fmt.Errorf("request control of %s: session ended while waiting: %w", target, errkind.ErrSession)
	}
	s.State = StateActive
	s.ControlEnabled = true
	snap := s.snapshot()
	m.mu.Unlock()

	m.logger.Info("remote control active", zap.String("target", target))
	for _, o := range m.observerList() {
		o.SessionStarted(snap)
	}
	return snap, nil
}

func (m *Manager) setState(s *session, st State) {
	m.mu.Lock()
	if !s.State.Terminal() {
		s.State = st
	}
	m.mu.Unlock()
}

// fail marks s as Error. The entry stays until replaced or ended so callers
// can inspect it.
func (m *Manager) fail(s *session, reason string) (Session, error) {
	m.mu.Lock()
	if !s.State.Terminal() {
		s.State = StateError
		s.Err = reason
		s.EndTime = time.Now()
	}
	snap := s.snapshot()
	m.mu.Unlock()
	m.logger.Warn("remote control failed", zap.String("target", s.TargetClientID), zap.String("reason", reason))
	return snap, fmt.Errorf("request control of %s: %s: %w", s.TargetClientID, reason, errkind.ErrSession)
}

// controllable returns the session for target when input may be forwarded.
func (m *Manager) controllable(target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[target]
	return ok && s.State == StateActive && s.ControlEnabled
}

// SendMouseInput forwards a pointer event. x and y are normalised to [0,1]
// of the remote screen and mapped to the absolute device range. It is a
// no-op unless the session is Active with control enabled.
func (m *Manager) SendMouseInput(target string, x, y float64, action proto.MouseAction, delta int) bool {
	if !m.controllable(target) {
		return false
	}
	env, err := m.transport.NewEnvelope(proto.MsgControlMouse).WithPayload(proto.MouseInput{
		X:      toAbsolute(x),
		Y:      toAbsolute(y),
		Action: action,
		Delta:  delta,
	})
	if err != nil {
		return false
	}
	env.TargetID = target
	return m.transport.SendToClient(target, env)
}

// SendKeyboardInput forwards a key event under the same rules as SendMouseInput.
func (m *Manager) SendKeyboardInput(target string, in proto.KeyboardInput) bool {
	if !m.controllable(target) {
		return false
	}
	env, err := m.transport.NewEnvelope(proto.MsgControlKeyboard).WithPayload(in)
	if err != nil {
		return false
	}
	env.TargetID = target
	return m.transport.SendToClient(target, env)
}

func toAbsolute(v float64) int {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(0, math.Min(1, v))
	return int(math.Round(v * proto.AbsoluteMax))
}

// SetViewOnlyMode toggles input forwarding without ending the session.
func (m *Manager) SetViewOnlyMode(target string, viewOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[target]
	if !ok || s.State.Terminal() {
		return fmt.Errorf("view only %s: %w", target, errkind.ErrNotFound)
	}
	s.ControlEnabled = !viewOnly
	return nil
}

// SetInputLock tells the target to ignore its local keyboard and mouse.
// It is independent of view-only mode.
func (m *Manager) SetInputLock(target string, locked bool) error {
	m.mu.Lock()
	s, ok := m.sessions[target]
	if !ok || s.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("input lock %s: %w", target, errkind.ErrNotFound)
	}
	s.InputLocked = locked
	m.mu.Unlock()

	env, err := m.transport.NewEnvelope(proto.MsgControlInputLock).WithPayload(proto.InputLock{Locked: locked})
	if err != nil {
		return err
	}
	env.TargetID = target
	if !m.transport.SendToClient(target, env) {
		return fmt.Errorf("input lock %s: %w", target, errkind.ErrTransport)
	}
	return nil
}

// Pause moves an Active session to Paused; input is dropped while paused.
func (m *Manager) Pause(target string) error {
	return m.transition(target, StateActive, StatePaused)
}

// Resume moves a Paused session back to Active.
func (m *Manager) Resume(target string) error {
	return m.transition(target, StatePaused, StateActive)
}

func (m *Manager) transition(target string, from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[target]
	if !ok {
		return fmt.Errorf("%s %s: %w", to, target, errkind.ErrNotFound)
	}
	if s.State != from {
		return fmt.Errorf("%s %s: session is %s: %w", to, target, s.State, errkind.ErrPreconditionFailed)
	}
	s.State = to
	return nil
}

// TakeScreenshot asks the target for a fresh frame and returns the cached
// one. The fresh frame arrives later through screen intake.
func (m *Manager) TakeScreenshot(target string) ([]byte, error) {
	m.mu.RLock()
	s, ok := m.sessions[target]
	var frame []byte
	if ok {
		frame = s.LastFrame
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("screenshot %s: %w", target, errkind.ErrNotFound)
	}
	env := m.transport.NewEnvelope(proto.MsgScreenshotRequest)
	env.TargetID = target
	m.transport.SendToClient(target, env)
	return frame, nil
}

// EndSession removes the session for target, tells the agent to stop and
// raises SessionEnded. Ending a missing session is a no-op.
func (m *Manager) EndSession(target string) {
	snap, ok := m.remove(target, StateDisconnected)
	if !ok {
		return
	}
	env := m.transport.NewEnvelope(proto.MsgControlStop)
	env.TargetID = target
	m.transport.SendToClient(target, env)
	m.ended(snap)
}

// EndAll ends every session, e.g. on controller shutdown.
func (m *Manager) EndAll() {
	for _, s := range m.Sessions() {
		m.EndSession(s.TargetClientID)
	}
}

func (m *Manager) remove(target string, final State) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[target]
	if !ok {
		return Session{}, false
	}
	delete(m.sessions, target)
	if !s.State.Terminal() {
		s.State = final
		s.EndTime = time.Now()
	}
	return s.snapshot(), true
}

func (m *Manager) ended(snap Session) {
	m.logger.Info("remote control ended", zap.String("target", snap.TargetClientID), zap.Stringer("state", snap.State))
	for _, o := range m.observerList() {
		o.SessionEnded(snap)
	}
}

// Session returns the session for target.
func (m *Manager) Session(target string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[target]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Sessions returns every session sorted by target.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetClientID < out[j].TargetClientID })
	return out
}
