package agent

import "cuacoj/classroom/pkg/proto"

// Observer receives agent notifications. All calls except Disconnected come
// from the receive loop, in message order; implementations must not block
// and must not call Disconnect.
type Observer interface {
	Connected(ack proto.ConnectAck)
	Disconnected(reason string)
	MessageReceived(env *proto.Envelope)

	ScreenShareReceived(image []byte)
	ScreenShareStopped()
	ScreenLocked(message string)
	ScreenUnlocked()

	ControlStarted()
	ControlStopped()
	InputLockChanged(locked bool)
	MouseInput(in proto.MouseInput)
	KeyboardInput(in proto.KeyboardInput)
}

// NopObserver ignores every notification; embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) Connected(proto.ConnectAck)        {}
func (NopObserver) Disconnected(string)               {}
func (NopObserver) MessageReceived(*proto.Envelope)   {}
func (NopObserver) ScreenShareReceived([]byte)        {}
func (NopObserver) ScreenShareStopped()               {}
func (NopObserver) ScreenLocked(string)               {}
func (NopObserver) ScreenUnlocked()                   {}
func (NopObserver) ControlStarted()                   {}
func (NopObserver) ControlStopped()                   {}
func (NopObserver) InputLockChanged(bool)             {}
func (NopObserver) MouseInput(proto.MouseInput)       {}
func (NopObserver) KeyboardInput(proto.KeyboardInput) {}
