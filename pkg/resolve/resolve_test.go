package resolve

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startDNS(t *testing.T, records map[string]dns.RR) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			if rr, ok := records[q.Name]; ok {
				m.Answer = append(m.Answer, rr)
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestParseServers(t *testing.T) {
	assert.Equal(t, []string{"10.0.0.1:53", "10.0.0.2:5353", "1.1.1.1:53"},
		ParseServers([]string{"10.0.0.1", " 10.0.0.2:5353 ", "", "1.1.1.1,"}))
	assert.Empty(t, ParseServers(nil))
}

func TestLookupFollowsCNAME(t *testing.T) {
	addr := startDNS(t, map[string]dns.RR{
		"teacher.school.lan.":    mustRR(t, "teacher.school.lan. 60 IN CNAME room204-pc.school.lan."),
		"room204-pc.school.lan.": mustRR(t, "room204-pc.school.lan. 60 IN A 192.168.1.10"),
	})
	r := New([]string{addr}, time.Second, zap.NewNop())

	ips, err := r.LookupIPv4(context.Background(), "teacher.school.lan")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "192.168.1.10", ips[0].String())
}

func TestLookupIPLiteral(t *testing.T) {
	r := New(nil, time.Second, zap.NewNop())
	ips, err := r.LookupIPv4(context.Background(), "192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", ips[0].String())

	_, err = r.LookupIPv4(context.Background(), "::1")
	assert.Error(t, err)
}

func TestLookupFallsBackToSystemResolver(t *testing.T) {
	addr := startDNS(t, map[string]dns.RR{})
	r := New([]string{addr}, time.Second, zap.NewNop())
	ips, err := r.LookupIPv4(context.Background(), "localhost")
	require.NoError(t, err)
	require.NotEmpty(t, ips)
	assert.True(t, ips[0].IsLoopback())
}
