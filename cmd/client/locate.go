package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"cuacoj/classroom/pkg/agent"
	cfgpkg "cuacoj/classroom/pkg/config"
	"cuacoj/classroom/pkg/discovery"
	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/resolve"
)

// locate returns the controller's host:port. Discovery runs first; the
// manually configured address is the fallback.
func locate(ctx context.Context, ag *agent.Agent, cfg cfgpkg.ClientConfig, logger *zap.Logger) (string, error) {
	rec, err := ag.Discover(ctx, discovery.Options{
		Scan: discovery.ScanConfig{
			Port:        cfg.DiscoveryPort,
			MaxInFlight: cfg.ScanMaxInFlight,
			BatchSize:   cfg.ScanBatchSize,
			BatchPause:  cfg.ScanBatchPause,
			Hint:        cfg.DiscoveryHint,
		},
		MDNS: cfg.MDNS,
	}, cfg.DiscoveryTimeout)
	if err == nil {
		logger.Info("controller found", zap.String("addr", rec.Addr()), zap.String("class", rec.ClassName),
			zap.String("teacher", rec.TeacherName), zap.Int("online", rec.OnlineCount))
		return rec.Addr(), nil
	}
	if !errors.Is(err, errkind.ErrDiscoveryTimeout) || cfg.ServerAddr == "" {
		return "", err
	}
	logger.Info("discovery timed out, using configured address", zap.String("server_addr", cfg.ServerAddr))
	return manualAddr(ctx, cfg, resolve.New(cfg.DNSServers, 2*time.Second, logger.Named("resolve")))
}

type ipv4Lookup interface {
	LookupIPv4(ctx context.Context, name string) ([]net.IP, error)
}

// manualAddr turns server_addr ("host" or "host:port") into ip:port.
func manualAddr(ctx context.Context, cfg cfgpkg.ClientConfig, r ipv4Lookup) (string, error) {
	host, port := cfg.ServerAddr, cfg.ServerPort
	if h, p, err := net.SplitHostPort(cfg.ServerAddr); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("server_addr %q: bad port", cfg.ServerAddr)
		}
		host, port = h, n
	}
	if port <= 0 {
		port = 5000
	}
	ips, err := r.LookupIPv4(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses: %w", host, errkind.ErrNotFound)
	}
	return net.JoinHostPort(ips[0].String(), strconv.Itoa(port)), nil
}
