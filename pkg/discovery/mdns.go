package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// mdnsService is the DNS-SD service type controllers advertise.
const mdnsService = "_classnet._tcp"

// Advertiser publishes the controller over mDNS. It is the responder's
// zone: TXT fields are read from info when queried, so class, teacher and
// online count stay current without re-registering.
type Advertiser struct {
	info   func() Record
	server *mdns.Server

	mu  sync.Mutex
	svc *mdns.MDNSService
}

// Advertise registers instance on port and starts answering queries.
func Advertise(instance string, port int, info func() Record) (*Advertiser, error) {
	a, err := newAdvertiser(instance, "", nil, port, info)
	if err != nil {
		return nil, err
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: a})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	a.server = srv
	return a, nil
}

// newAdvertiser resolves host and ips from the local hostname when empty.
func newAdvertiser(instance, host string, ips []net.IP, port int, info func() Record) (*Advertiser, error) {
	svc, err := mdns.NewMDNSService(instance, mdnsService, "", host, port, ips, txtRecords(info()))
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	return &Advertiser{info: info, svc: svc}, nil
}

func txtRecords(rec Record) []string {
	return []string{
		"class=" + rec.ClassName,
		"teacher=" + rec.TeacherName,
		"online=" + strconv.Itoa(rec.OnlineCount),
	}
}

// Records implements mdns.Zone.
func (a *Advertiser) Records(q dns.Question) []dns.RR {
	return a.current().Records(q)
}

// current rebuilds the service when the TXT fields changed since the last query.
func (a *Advertiser) current() *mdns.MDNSService {
	txt := txtRecords(a.info())
	a.mu.Lock()
	defer a.mu.Unlock()
	if slices.Equal(txt, a.svc.TXT) {
		return a.svc
	}
	svc, err := mdns.NewMDNSService(a.svc.Instance, a.svc.Service, a.svc.Domain, a.svc.HostName, a.svc.Port, a.svc.IPs, txt)
	if err != nil {
		return a.svc
	}
	a.svc = svc
	return svc
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Browse queries mDNS for controllers for up to timeout.
func Browse(ctx context.Context, timeout time.Duration, logger *zap.Logger) []Record {
	entries := make(chan *mdns.ServiceEntry, 16)
	results := resultSet{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			if rec, ok := recordFromEntry(e); ok {
				results.add(rec)
			}
		}
	}()

	params := mdns.DefaultParams(mdnsService)
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true
	if ctx.Err() == nil {
		if err := mdns.Query(params); err != nil {
			logger.Debug("mDNS query failed", zap.Error(err))
		}
	}
	close(entries)
	wg.Wait()
	return results.sorted()
}

func recordFromEntry(e *mdns.ServiceEntry) (Record, bool) {
	if e == nil || e.Port <= 0 {
		return Record{}, false
	}
	ip := e.AddrV4
	if ip == nil || ip.IsUnspecified() {
		return Record{}, false
	}
	rec := Record{ServerIP: ip.String(), ServerPort: e.Port}
	for _, f := range e.InfoFields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch k {
		case "class":
			rec.ClassName = v
		case "teacher":
			rec.TeacherName = v
		case "online":
			rec.OnlineCount, _ = strconv.Atoi(v)
		}
	}
	return rec, true
}
