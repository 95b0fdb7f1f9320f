package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
	"cuacoj/classroom/pkg/remote"
	"cuacoj/classroom/pkg/server"
)

type sent struct {
	targets []string
	env     *proto.Envelope
}

type fakeController struct {
	mu      sync.Mutex
	clients []server.Client
	sent    []sent
}

func (f *fakeController) Clients() []server.Client { return f.clients }

func (f *fakeController) BroadcastToAll(ctx context.Context, env *proto.Envelope) server.BroadcastResult {
	ids := make([]string, 0, len(f.clients))
	for _, c := range f.clients {
		ids = append(ids, c.ID)
	}
	return f.SendToClients(ctx, ids, env)
}

func (f *fakeController) SendToClients(_ context.Context, ids []string, env *proto.Envelope) server.BroadcastResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{ids, env})
	var res server.BroadcastResult
	for _, id := range ids {
		found := false
		for _, c := range f.clients {
			found = found || c.ID == id
		}
		if found {
			res.Sent = append(res.Sent, id)
		} else {
			res.Failed = append(res.Failed, id)
		}
	}
	return res
}

func (f *fakeController) NewEnvelope(t proto.MsgType) *proto.Envelope {
	return proto.NewEnvelope(t, server.ServerID, "Teacher")
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions []remote.Session
	err      error
	ended    []string
}

func (f *fakeSessions) set(sessions []remote.Session, err error) {
	f.mu.Lock()
	f.sessions, f.err = sessions, err
	f.mu.Unlock()
}

func (f *fakeSessions) Sessions() []remote.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeSessions) RequestControl(_ context.Context, target string) (remote.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return remote.Session{}, f.err
	}
	return remote.Session{TargetClientID: target, StateName: "Active"}, nil
}

func (f *fakeSessions) EndSession(target string) {
	f.mu.Lock()
	f.ended = append(f.ended, target)
	f.mu.Unlock()
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *fakeController, *fakeSessions, *Hub) {
	t.Helper()
	ctl := &fakeController{clients: []server.Client{{ID: "S1", Name: "Alice"}, {ID: "S2", Name: "Bob"}}}
	ss := &fakeSessions{}
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(New(ctl, ss, hub, opts, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv, ctl, ss, hub
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMatchToken(t *testing.T) {
	hashed := HashToken("s3cret")
	assert.True(t, MatchToken("s3cret", hashed))
	assert.True(t, MatchToken("s3cret", strings.ToUpper(hashed)))
	assert.False(t, MatchToken("wrong", hashed))
	assert.True(t, MatchToken("plain", "plain"))
	assert.False(t, MatchToken("plai", "plain"))
	assert.False(t, MatchToken("", hashed))
	assert.False(t, MatchToken("x", ""))
}

func TestEnsureTokenPersistsHash(t *testing.T) {
	dir := t.TempDir()
	plain, hashed, first, err := EnsureToken(dir)
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, MatchToken(plain, hashed))

	plain2, hashed2, first2, err := EnsureToken(dir)
	require.NoError(t, err)
	assert.False(t, first2)
	assert.Empty(t, plain2)
	assert.Equal(t, hashed, hashed2)
}

func TestAuthRequired(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Options{Token: HashToken("tok")})

	assert.Equal(t, http.StatusUnauthorized, do(t, "GET", srv.URL+"/api/clients", "", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(t, "GET", srv.URL+"/api/clients", "bad", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/api/clients", "tok", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/api/clients?token=tok", "", "").StatusCode)

	req, _ := http.NewRequest("GET", srv.URL+"/api/sessions", nil)
	req.Header.Set("X-Auth-Token", "tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientsAndSessions(t *testing.T) {
	srv, _, ss, _ := newTestServer(t, Options{})
	ss.set([]remote.Session{{TargetClientID: "S1", StateName: "Paused"}}, nil)

	var clients []server.Client
	require.NoError(t, json.NewDecoder(do(t, "GET", srv.URL+"/api/clients", "", "").Body).Decode(&clients))
	require.Len(t, clients, 2)
	assert.Equal(t, "Alice", clients[0].Name)

	var sessions []map[string]any
	require.NoError(t, json.NewDecoder(do(t, "GET", srv.URL+"/api/sessions", "", "").Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "Paused", sessions[0]["state"])

	assert.Equal(t, http.StatusNotFound, do(t, "GET", srv.URL+"/api/roster", "", "").StatusCode)
}

func TestLockCommands(t *testing.T) {
	srv, ctl, _, _ := newTestServer(t, Options{})

	var res server.BroadcastResult
	resp := do(t, "POST", srv.URL+"/api/lock", "", `{"message":"Eyes on the board"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, []string{"S1", "S2"}, res.Sent)

	resp = do(t, "POST", srv.URL+"/api/unlock", "", `{"targets":["S2","S9"]}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, []string{"S2"}, res.Sent)
	assert.Equal(t, []string{"S9"}, res.Failed)

	assert.Equal(t, http.StatusBadRequest, do(t, "POST", srv.URL+"/api/notify", "", `{`).StatusCode)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	require.Len(t, ctl.sent, 2)
	assert.Equal(t, proto.MsgLockScreen, ctl.sent[0].env.Type)
	assert.Equal(t, "Eyes on the board", ctl.sent[0].env.Payload)
	assert.Equal(t, proto.MsgUnlockScreen, ctl.sent[1].env.Type)
}

func TestCollectEndpoint(t *testing.T) {
	srv, ctl, _, _ := newTestServer(t, Options{})

	var res struct {
		RequestID string   `json:"requestId"`
		Sent      []string `json:"sent"`
	}
	resp := do(t, "POST", srv.URL+"/api/collect", "", `{"pattern":"*.docx","targets":["S2"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, []string{"S2"}, res.Sent)

	assert.Equal(t, http.StatusBadRequest, do(t, "POST", srv.URL+"/api/collect", "", `{"pattern":"../*"}`).StatusCode)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	require.Len(t, ctl.sent, 1)
	assert.Equal(t, proto.MsgFileCollectionRequest, ctl.sent[0].env.Type)
	var req proto.FileCollectionRequest
	require.NoError(t, ctl.sent[0].env.DecodePayload(&req))
	assert.Equal(t, proto.FileCollectionRequest{RequestID: res.RequestID, Pattern: "*.docx"}, req)
}

func TestControlEndpoints(t *testing.T) {
	srv, _, ss, _ := newTestServer(t, Options{})

	resp := do(t, "POST", srv.URL+"/api/control/S1", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ss.set(nil, fmt.Errorf("request control: %w", errkind.ErrPreconditionFailed))
	assert.Equal(t, http.StatusConflict, do(t, "POST", srv.URL+"/api/control/S1", "", "").StatusCode)
	ss.set(nil, fmt.Errorf("control of S2 denied: %w", errkind.ErrSession))
	assert.Equal(t, http.StatusBadGateway, do(t, "POST", srv.URL+"/api/control/S2", "", "").StatusCode)

	assert.Equal(t, http.StatusNoContent, do(t, "DELETE", srv.URL+"/api/control/S1", "", "").StatusCode)
	ss.mu.Lock()
	assert.Equal(t, []string{"S1"}, ss.ended)
	ss.mu.Unlock()
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := server.NewMetrics(reg)
	m.Online.Set(3)
	srv, _, _, _ := newTestServer(t, Options{Gatherer: reg})

	resp := do(t, "GET", srv.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "classnet_clients_online 3")
}

func TestWebsocketStream(t *testing.T) {
	srv, _, _, hub := newTestServer(t, Options{Token: "plain-token"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=plain-token"

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.Viewers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.ServerObserver().ClientConnected(server.Client{ID: "S1", Name: "Alice"})
	hub.RemoteObserver().ScreenDataReceived("S1", proto.ScreenFrame{Width: 4, Height: 3, ImageData: []byte{0xff, 0xd8}})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e1, e2 Event
	require.NoError(t, ws.ReadJSON(&e1))
	require.NoError(t, ws.ReadJSON(&e2))
	assert.Equal(t, KindClientConnected, e1.Kind)
	assert.Equal(t, "S1", e1.ClientID)
	assert.Equal(t, KindFrame, e2.Kind)

	// frames are not kept in the backlog
	recent := hub.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, KindClientConnected, recent[0].Kind)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.Error(t, err)
}

func TestHubBacklogIsBounded(t *testing.T) {
	hub := NewHub(zap.NewNop())
	for i := range recentCap + 10 {
		hub.Publish(Event{Kind: KindTransfer, ClientID: fmt.Sprint(i)})
	}
	recent := hub.Recent()
	require.Len(t, recent, recentCap)
	assert.Equal(t, "10", recent[0].ClientID)
}

func TestSlowViewerDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.subscribe()
	defer hub.unsubscribe(sub)
	done := make(chan struct{})
	go func() {
		for range subscriberBuf * 2 {
			hub.Publish(Event{Kind: KindFrame})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full viewer")
	}
	assert.Len(t, sub.ch, subscriberBuf)
}

type fakePusher struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakePusher) Push(path string, _ []string) error {
	if strings.HasPrefix(path, "/missing") {
		return fmt.Errorf("send %s: %w", path, errkind.ErrNotFound)
	}
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return nil
}

type fakeSharer struct {
	mu      sync.Mutex
	running bool
}

func (f *fakeSharer) StartShare() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.running
	f.running = true
	return !was
}

func (f *fakeSharer) StopShare() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func TestTransferAndShareEndpoints(t *testing.T) {
	push := &fakePusher{}
	share := &fakeSharer{}
	srv, _, _, _ := newTestServer(t, Options{Pusher: push, Sharer: share})

	assert.Equal(t, http.StatusAccepted, do(t, "POST", srv.URL+"/api/transfer", "", `{"path":"/srv/lesson.pdf"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, "POST", srv.URL+"/api/transfer", "", `{"path":"/missing.pdf"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, "POST", srv.URL+"/api/transfer", "", `{}`).StatusCode)
	push.mu.Lock()
	assert.Equal(t, []string{"/srv/lesson.pdf"}, push.paths)
	push.mu.Unlock()

	var started map[string]bool
	require.NoError(t, json.NewDecoder(do(t, "POST", srv.URL+"/api/share", "", "").Body).Decode(&started))
	assert.True(t, started["started"])
	require.NoError(t, json.NewDecoder(do(t, "POST", srv.URL+"/api/share", "", "").Body).Decode(&started))
	assert.False(t, started["started"])
	assert.Equal(t, http.StatusNoContent, do(t, "DELETE", srv.URL+"/api/share", "", "").StatusCode)
}
