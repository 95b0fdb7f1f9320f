package main

import (
	"go.uber.org/zap"

	"cuacoj/classroom/pkg/agent"
	"cuacoj/classroom/pkg/proto"
)

// logObserver records what the controller asks of this machine. The lock
// screen, share viewer and input injection are desktop concerns outside this
// binary; here they are logged.
type logObserver struct {
	agent.NopObserver
	logger *zap.Logger
	lost   chan<- string

	frames int
}

func (o *logObserver) Connected(ack proto.ConnectAck) {
	o.logger.Info("joined class", zap.String("class", ack.ClassName), zap.String("teacher", ack.TeacherName))
}

func (o *logObserver) Disconnected(reason string) {
	select {
	case o.lost <- reason:
	default:
	}
}

func (o *logObserver) MessageReceived(env *proto.Envelope) {
	switch env.Type {
	case proto.MsgNotification:
		var n proto.Notification
		if err := env.DecodePayload(&n); err == nil {
			o.logger.Info("notification", zap.String("title", n.Title), zap.String("text", n.Text))
			return
		}
	case proto.MsgChat, proto.MsgChatBroadcast:
		o.logger.Info("chat", zap.String("from", env.SenderName), zap.String("text", env.Payload))
		return
	}
	o.logger.Debug("unhandled message", zap.Stringer("type", env.Type), zap.String("from", env.SenderID))
}

func (o *logObserver) ScreenShareReceived(image []byte) {
	// receive loop only, no locking needed
	o.frames++
	if o.frames == 1 {
		o.logger.Info("teacher screen share started", zap.Int("bytes", len(image)))
	}
}

func (o *logObserver) ScreenShareStopped() {
	o.logger.Info("teacher screen share stopped", zap.Int("frames", o.frames))
	o.frames = 0
}

func (o *logObserver) ScreenLocked(message string) {
	o.logger.Info("screen locked", zap.String("message", message))
}

func (o *logObserver) ScreenUnlocked() { o.logger.Info("screen unlocked") }

func (o *logObserver) ControlStarted() { o.logger.Info("remote control started") }

func (o *logObserver) ControlStopped() { o.logger.Info("remote control stopped") }

func (o *logObserver) InputLockChanged(locked bool) {
	o.logger.Info("input lock", zap.Bool("locked", locked))
}

func (o *logObserver) fileReceived(name, path string) {
	o.logger.Info("file received", zap.String("name", name), zap.String("path", path))
}
