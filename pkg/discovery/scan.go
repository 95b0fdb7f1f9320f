package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ScanConfig bounds an active scan.
type ScanConfig struct {
	Port        int           // discovery port probed on each candidate
	MaxInFlight int           // concurrent sends
	BatchSize   int           // sends between pauses
	BatchPause  time.Duration // yield between batches so the local stack is not flooded
	Hint        string
	Plan        CandidatePlan
}

func (c ScanConfig) withDefaults() ScanConfig {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.Plan == (CandidatePlan{}) {
		c.Plan = DefaultPlan
	}
	return c
}

// Scanner probes candidate addresses with discovery requests and collects replies.
type Scanner struct {
	cfg        ScanConfig
	logger     *zap.Logger
	candidates func() []net.IP
}

func NewScanner(cfg ScanConfig, logger *zap.Logger) *Scanner {
	cfg = cfg.withDefaults()
	return &Scanner{
		cfg:        cfg,
		logger:     logger,
		candidates: func() []net.IP { return LocalCandidates(cfg.Plan) },
	}
}

// WithCandidates replaces interface-derived candidates with a fixed list.
func (s *Scanner) WithCandidates(ips []net.IP) *Scanner {
	cp := append([]net.IP(nil), ips...)
	s.candidates = func() []net.IP { return cp }
	return s
}

// Scan sends a request to every candidate and collects replies for window.
// The result is deduplicated by (address, port) and sorted; it is empty when
// nothing answered.
func (s *Scanner) Scan(ctx context.Context, window time.Duration) ([]Record, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(window)
	_ = conn.SetReadDeadline(deadline)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	results := resultSet{}
	var mu sync.Mutex
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			rec, ok := parseRecord(buf[:n], from)
			if !ok {
				continue
			}
			mu.Lock()
			fresh := results.add(rec)
			mu.Unlock()
			if fresh {
				s.logger.Info("controller found", zap.String("addr", rec.Addr()), zap.String("class", rec.ClassName))
			}
		}
	}()

	targets := s.candidates()
	s.logger.Debug("scan starting", zap.Int("candidates", len(targets)), zap.Duration("window", window))
	s.probe(ctx, conn, targets)

	<-ctx.Done()
	_ = conn.Close()
	<-collected

	mu.Lock()
	defer mu.Unlock()
	return results.sorted(), nil
}

// probe sends requests in batches, at most MaxInFlight at a time.
func (s *Scanner) probe(ctx context.Context, conn *net.UDPConn, targets []net.IP) {
	req := Request(s.cfg.Hint)
	for start := 0; start < len(targets); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(targets))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxInFlight)
		for _, ip := range targets[start:end] {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				// unreachable hosts are expected; a failed send never aborts the batch
				_, _ = conn.WriteToUDP(req, &net.UDPAddr{IP: ip, Port: s.cfg.Port})
				return nil
			})
		}
		_ = g.Wait()
		if s.cfg.BatchPause > 0 && end < len(targets) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.BatchPause):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
