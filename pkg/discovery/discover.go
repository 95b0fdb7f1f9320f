package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"cuacoj/classroom/pkg/errkind"
)

// Options composes the discovery strategies used by Discover.
type Options struct {
	ListenAddr string // passive listen address; defaults to ":<Scan.Port>"
	Scan       ScanConfig
	MDNS       bool
}

// Discover tries passive listen, then mDNS (when enabled), then an active scan,
// sharing timeout between them. It returns errkind.ErrDiscoveryTimeout when no
// controller answered; the caller then falls back to a manual address.
func Discover(ctx context.Context, opts Options, timeout time.Duration, logger *zap.Logger) (*Record, error) {
	opts.Scan = opts.Scan.withDefaults()
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":" + strconv.Itoa(opts.Scan.Port)
	}
	deadline := time.Now().Add(timeout)

	passive := timeout / 4
	rec, err := Listen(ctx, opts.ListenAddr, passive)
	switch {
	case err == nil:
		logger.Info("controller announced", zap.String("addr", rec.Addr()))
		return rec, nil
	case errors.Is(err, errkind.ErrDiscoveryTimeout):
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		// usually the port is taken, e.g. a controller on this host
		logger.Debug("passive listen unavailable", zap.Error(err))
	}

	if opts.MDNS {
		if found := Browse(ctx, timeout/4, logger); len(found) > 0 {
			return &found[0], nil
		}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, fmt.Errorf("discover: %w", errkind.ErrDiscoveryTimeout)
	}
	found, err := NewScanner(opts.Scan, logger).Scan(ctx, remaining)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("discover: %w", errkind.ErrDiscoveryTimeout)
	}
	return &found[0], nil
}

// ProbeAddr sends one request to addr and waits up to timeout for its reply.
// Used to validate a manually entered controller address.
func ProbeAddr(ctx context.Context, addr string, hint string, timeout time.Duration) (*Record, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	found, err := NewScanner(ScanConfig{Port: ua.Port, Hint: hint}, zap.NewNop()).
		WithCandidates([]net.IP{ua.IP}).
		Scan(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("probe %s: %w", addr, errkind.ErrDiscoveryTimeout)
	}
	return &found[0], nil
}
