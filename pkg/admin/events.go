package admin

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"cuacoj/classroom/pkg/proto"
	"cuacoj/classroom/pkg/remote"
	"cuacoj/classroom/pkg/server"
)

// Event kinds pushed to viewers.
const (
	KindClientConnected    = "client.connected"
	KindClientDisconnected = "client.disconnected"
	KindSessionStarted     = "session.started"
	KindSessionEnded       = "session.ended"
	KindFrame              = "frame"
	KindTransfer           = "transfer"
	KindCollect            = "collect"
)

const (
	recentCap     = 500
	subscriberBuf = 64
)

type Event struct {
	Kind     string    `json:"kind"`
	ClientID string    `json:"clientId,omitempty"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data,omitempty"`
}

type subscriber struct {
	ch chan []byte
}

// Hub fans events out to websocket viewers and keeps a short backlog of
// non-frame events for /api/events.
type Hub struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	recent []Event
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Publish encodes e once and queues it for every viewer. A viewer whose
// queue is full misses the event.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("event encode failed", zap.String("kind", e.Kind), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.Kind != KindFrame {
		if len(h.recent) >= recentCap {
			h.recent = append(h.recent[1:], e)
		} else {
			h.recent = append(h.recent, e)
		}
	}
	for s := range h.subs {
		select {
		case s.ch <- b:
		default:
			h.logger.Debug("viewer lagging, event dropped", zap.String("kind", e.Kind))
		}
	}
}

// Recent returns the backlog, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.recent...)
}

func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan []byte, subscriberBuf)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// ServerObserver publishes registry changes.
func (h *Hub) ServerObserver() server.Observer {
	return server.ObserverFuncs{
		OnConnected: func(c server.Client) {
			h.Publish(Event{Kind: KindClientConnected, ClientID: c.ID, Data: c})
		},
		OnDisconnected: func(id, name string) {
			h.Publish(Event{Kind: KindClientDisconnected, ClientID: id, Data: map[string]string{"name": name}})
		},
	}
}

type frameData struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Image  []byte `json:"image"` // JPEG, base64 in JSON
}

// RemoteObserver publishes session changes and every screen frame, which
// feeds the thumbnail wall.
func (h *Hub) RemoteObserver() remote.Observer {
	return remote.ObserverFuncs{
		OnStarted: func(s remote.Session) {
			h.Publish(Event{Kind: KindSessionStarted, ClientID: s.TargetClientID, Data: s})
		},
		OnEnded: func(s remote.Session) {
			h.Publish(Event{Kind: KindSessionEnded, ClientID: s.TargetClientID, Data: s})
		},
		OnFrame: func(id string, fr proto.ScreenFrame) {
			h.Publish(Event{Kind: KindFrame, ClientID: id, Time: fr.CaptureTime,
				Data: frameData{Width: fr.Width, Height: fr.Height, Image: fr.ImageData}})
		},
	}
}
