package remote

import (
	"go.uber.org/zap"

	"cuacoj/classroom/pkg/proto"
)

// HandleMessage consumes the agent messages the manager cares about: screen
// frames and consent replies. It matches server.ObserverFuncs.OnMessage.
func (m *Manager) HandleMessage(clientID string, env *proto.Envelope) {
	switch env.Type {
	case proto.MsgScreenData:
		m.intakeFrame(clientID, env)
	case proto.MsgControlAccept, proto.MsgControlDeny:
		m.mu.RLock()
		s, ok := m.sessions[clientID]
		m.mu.RUnlock()
		if !ok {
			return
		}
		select {
		case s.answer <- env.Type == proto.MsgControlAccept:
		default:
		}
	}
}

// intakeFrame caches frames for sessions that are Active or Paused; every
// frame is surfaced to observers, which also feed the thumbnail wall.
func (m *Manager) intakeFrame(clientID string, env *proto.Envelope) {
	var fr proto.ScreenFrame
	if err := env.DecodePayload(&fr); err != nil {
		m.logger.Debug("bad screen frame", zap.String("client", clientID), zap.Error(err))
		return
	}
	if fr.ClientID == "" {
		fr.ClientID = clientID
	}
	m.mu.Lock()
	if s, ok := m.sessions[clientID]; ok && (s.State == StateActive || s.State == StatePaused) {
		s.LastFrame = fr.ImageData
		s.FrameWidth = fr.Width
		s.FrameHeight = fr.Height
		s.FrameCount++
	}
	m.mu.Unlock()
	for _, o := range m.observerList() {
		o.ScreenDataReceived(clientID, fr)
	}
}

// ClientDisconnected ends the session of a client whose connection went away.
// No ControlStop is sent. It matches server.ObserverFuncs.OnDisconnected.
func (m *Manager) ClientDisconnected(clientID, _ string) {
	snap, ok := m.remove(clientID, StateDisconnected)
	if !ok {
		return
	}
	m.ended(snap)
}
