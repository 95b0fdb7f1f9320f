package discovery

import (
	"net"
	"strings"
)

// virtualMarkers are name fragments of adapters that never lead to a classroom LAN.
var virtualMarkers = []string{
	"virtual", "vmware", "vmnet", "vbox", "virtualbox", "hyper-v", "vethernet",
	"docker", "veth", "br-", "virbr", "tun", "tap", "utun", "wg", "tailscale",
	"zerotier", "zt", "npcap", "loopback", "bluetooth",
}

// isVirtualInterface reports whether an adapter name looks like a virtual or tunnel device.
func isVirtualInterface(name string) bool {
	n := strings.ToLower(name)
	for _, m := range virtualMarkers {
		if strings.HasPrefix(n, m) || (len(m) > 3 && strings.Contains(n, m)) {
			return true
		}
	}
	return false
}

// localNetworks returns the IPv4 networks of up, non-loopback, non-virtual interfaces.
func localNetworks() []*net.IPNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				out = append(out, &net.IPNet{IP: ip4, Mask: ipn.Mask})
			}
		}
	}
	return out
}

func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// subnet24 is the first three octets of a /24.
type subnet24 [3]byte

func subnetOf(ip net.IP) subnet24 {
	v4 := ip.To4()
	return subnet24{v4[0], v4[1], v4[2]}
}

// hosts returns .1-.254 followed by the directed broadcast .255, skipping skip.
func (s subnet24) hosts(skip net.IP) []net.IP {
	out := make([]net.IP, 0, 255)
	for h := 1; h <= 255; h++ {
		ip := net.IPv4(s[0], s[1], s[2], byte(h)).To4()
		if skip != nil && ip.Equal(skip) {
			continue
		}
		out = append(out, ip)
	}
	return out
}

// CandidatePlan controls which subnets an active scan covers.
type CandidatePlan struct {
	NeighborSpan int // third-octet neighbours probed around each local /24
	SeedSubnets  int // 192.168.0.0/24 .. 192.168.(n-1).0/24
}

// DefaultPlan is the plan used when none is configured.
var DefaultPlan = CandidatePlan{NeighborSpan: 1, SeedSubnets: 4}

// candidateSubnets orders subnets: each local /24, its neighbours, then fixed
// seeds. Duplicates are removed while preserving order.
func candidateSubnets(locals []net.IP, plan CandidatePlan) []subnet24 {
	seen := map[subnet24]bool{}
	var out []subnet24
	add := func(s subnet24) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, ip := range locals {
		add(subnetOf(ip))
	}
	for _, ip := range locals {
		base := subnetOf(ip)
		for d := 1; d <= plan.NeighborSpan; d++ {
			if int(base[2])-d >= 0 {
				add(subnet24{base[0], base[1], base[2] - byte(d)})
			}
			if int(base[2])+d <= 255 {
				add(subnet24{base[0], base[1], base[2] + byte(d)})
			}
		}
	}
	for i := 0; i < plan.SeedSubnets && i < 256; i++ {
		add(subnet24{192, 168, byte(i)})
	}
	add(subnet24{10, 0, 0})
	add(subnet24{172, 16, 0})
	return out
}

// Candidates expands the plan into probe addresses for the given local addresses.
func Candidates(locals []net.IP, plan CandidatePlan) []net.IP {
	var self net.IP
	var out []net.IP
	for _, s := range candidateSubnets(locals, plan) {
		self = nil
		for _, l := range locals {
			if subnetOf(l) == s {
				self = l.To4()
				break
			}
		}
		out = append(out, s.hosts(self)...)
	}
	return out
}

// LocalCandidates is Candidates seeded from this host's real interfaces.
func LocalCandidates(plan CandidatePlan) []net.IP {
	var locals []net.IP
	for _, n := range localNetworks() {
		locals = append(locals, n.IP)
	}
	return Candidates(locals, plan)
}
