package server

import (
	"time"

	"cuacoj/classroom/pkg/proto"
)

// Client is a snapshot of one registered connection.
type Client struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Addr        string           `json:"addr"`
	Info        proto.ClientInfo `json:"info"`
	ConnectedAt time.Time        `json:"connectedAt"`
	LastSeen    time.Time        `json:"lastSeen"`
}

// Observer receives connection notifications. Calls for one client arrive in
// order on that client's receive loop, so implementations must not block.
type Observer interface {
	ClientConnected(c Client)
	ClientDisconnected(id, name string)
	MessageReceived(id string, env *proto.Envelope)
}

// ObserverFuncs adapts plain funcs to Observer; nil fields are skipped.
type ObserverFuncs struct {
	OnConnected    func(c Client)
	OnDisconnected func(id, name string)
	OnMessage      func(id string, env *proto.Envelope)
}

func (f ObserverFuncs) ClientConnected(c Client) {
	if f.OnConnected != nil {
		f.OnConnected(c)
	}
}

func (f ObserverFuncs) ClientDisconnected(id, name string) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(id, name)
	}
}

func (f ObserverFuncs) MessageReceived(id string, env *proto.Envelope) {
	if f.OnMessage != nil {
		f.OnMessage(id, env)
	}
}
