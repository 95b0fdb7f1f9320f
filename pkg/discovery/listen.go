package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"cuacoj/classroom/pkg/errkind"
)

// Listen binds addr (the well-known discovery port) and waits up to timeout
// for an unsolicited announcement. It returns the first valid Record or an
// error wrapping errkind.ErrDiscoveryTimeout.
func Listen(ctx context.Context, addr string, timeout time.Duration) (*Record, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("passive listen on %s: %w", addr, errkind.ErrDiscoveryTimeout)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if rec, ok := parseRecord(buf[:n], from); ok {
			return &rec, nil
		}
	}
}
