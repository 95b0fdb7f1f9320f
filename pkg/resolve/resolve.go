// Package resolve turns a manually configured controller host name into
// addresses, querying configured DNS servers directly before falling back to
// the system resolver. Classroom networks often hand out a DNS server that
// does not know the teacher machine, while a school-local server does.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// maxCNAMEHops bounds alias chains.
const maxCNAMEHops = 5

var errNoAnswer = errors.New("no answer")

// ParseServers normalises "host" / "host:port" entries; an empty list yields
// the system resolver only.
func ParseServers(list []string) []string {
	var out []string
	for _, part := range list {
		for _, s := range strings.Split(part, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, _, err := net.SplitHostPort(s); err != nil {
				s = net.JoinHostPort(s, "53")
			}
			out = append(out, s)
		}
	}
	return out
}

type Resolver struct {
	servers []string
	client  *dns.Client
	logger  *zap.Logger
}

func New(servers []string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{
		servers: ParseServers(servers),
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		logger:  logger,
	}
}

// LookupIPv4 resolves name to IPv4 addresses, following CNAMEs. IP literals
// are returned as is.
func (r *Resolver) LookupIPv4(ctx context.Context, name string) ([]net.IP, error) {
	name = strings.TrimSpace(name)
	if ip := net.ParseIP(name); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return []net.IP{v4}, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", name)
	}
	if ips := r.lookupA(ctx, name); len(ips) > 0 {
		return ips, nil
	}
	// fallback to Go resolver
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	return addrs, nil
}

func (r *Resolver) lookupA(ctx context.Context, name string) []net.IP {
	if len(r.servers) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var acc []net.IP
	target := name
	for hop := 0; hop < maxCNAMEHops; hop++ {
		rrs, err := r.query(ctx, target, dns.TypeA)
		if err != nil {
			break
		}
		next := ""
		for _, rr := range rrs {
			switch v := rr.(type) {
			case *dns.A:
				if _, ok := seen[v.A.String()]; !ok {
					seen[v.A.String()] = struct{}{}
					acc = append(acc, v.A)
				}
			case *dns.CNAME:
				next = strings.TrimSuffix(v.Target, ".")
			}
		}
		// stop once addresses arrived; otherwise follow the alias
		if len(acc) > 0 || next == "" {
			break
		}
		target = next
	}
	return acc
}

func (r *Resolver) query(ctx context.Context, fqdn string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), qtype)
	for _, srv := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, srv)
		if err == nil && in != nil && in.Rcode == dns.RcodeSuccess {
			return append(in.Answer, in.Extra...), nil
		}
		rc := -1
		if in != nil {
			rc = in.Rcode
		}
		r.logger.Debug("dns query failed", zap.String("name", fqdn), zap.Uint16("type", qtype),
			zap.String("server", srv), zap.Int("rcode", rc), zap.Error(err))
	}
	return nil, errNoAnswer
}
