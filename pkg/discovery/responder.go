package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InfoFunc reports the controller's current self-description. ServerIP may be
// left empty; the responder fills in the address facing each requester.
type InfoFunc func() Record

// Responder answers discovery requests. It is stateless apart from the hint.
type Responder struct {
	conn   *net.UDPConn
	info   InfoFunc
	logger *zap.Logger

	mu   sync.RWMutex
	hint string
}

// ListenResponder binds addr (e.g. ":5001").
func ListenResponder(addr string, info InfoFunc, logger *zap.Logger) (*Responder, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, err
	}
	return &Responder{conn: conn, info: info, logger: logger}, nil
}

// Addr returns the bound address.
func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// SetHint sets the shared-secret hint. Requests with a different hint are ignored.
func (r *Responder) SetHint(h string) {
	r.mu.Lock()
	r.hint = h
	r.mu.Unlock()
}

func (r *Responder) currentHint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hint
}

// Serve answers requests until ctx is cancelled or the responder is closed.
func (r *Responder) Serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()

	buf := make([]byte, 1024)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			r.logger.Debug("discovery read failed", zap.Error(err))
			continue
		}
		hint, ok := parseRequest(buf[:n])
		if !ok {
			continue
		}
		if want := r.currentHint(); want != "" && hint != want {
			r.logger.Debug("discovery hint mismatch", zap.Stringer("from", from))
			continue
		}
		r.reply(from)
	}
}

func (r *Responder) reply(to *net.UDPAddr) {
	rec := r.info()
	if rec.ServerIP == "" {
		rec.ServerIP = localIPFor(to)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := r.conn.WriteToUDP(b, to); err != nil {
		r.logger.Debug("discovery reply failed", zap.Stringer("to", to), zap.Error(err))
	}
}

// Announce broadcasts the controller's Record to port every interval until
// ctx is done, feeding agents that listen passively.
func (r *Responder) Announce(ctx context.Context, port int, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec := r.info()
		rec.ServerIP = "" // listeners use the datagram source
		if b, err := json.Marshal(rec); err == nil {
			for _, ip := range broadcastTargets() {
				_, _ = r.conn.WriteToUDP(b, &net.UDPAddr{IP: ip, Port: port})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops Serve.
func (r *Responder) Close() error {
	return r.conn.Close()
}

// localIPFor returns the local address the kernel would use to reach to.
// No packet is sent: connecting a UDP socket only selects a route.
func localIPFor(to *net.UDPAddr) string {
	c, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: to.IP, Port: to.Port})
	if err != nil {
		return ""
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String()
}

// broadcastTargets returns the limited broadcast address plus the directed
// broadcast of every real interface.
func broadcastTargets() []net.IP {
	out := []net.IP{net.IPv4bcast}
	for _, n := range localNetworks() {
		out = append(out, directedBroadcast(n))
	}
	return out
}
