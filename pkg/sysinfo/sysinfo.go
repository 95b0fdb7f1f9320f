// Package sysinfo answers the controller's system-information and process
// management requests from gopsutil.
package sysinfo

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

// Specs collects a hardware/OS summary. Partial failures leave fields empty.
func Specs(ctx context.Context) (proto.SystemSpecs, error) {
	var out proto.SystemSpecs
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("host info: %w", err)
	}
	out.Hostname = hi.Hostname
	out.OS = hi.OS
	out.Platform = hi.Platform
	out.PlatformVersion = hi.PlatformVersion
	out.UptimeSeconds = hi.Uptime

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		out.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryTotal = vm.Total
		out.MemoryAvailable = vm.Available
	}
	return out, nil
}

// Processes lists running processes sorted by resident memory, largest first.
// Processes that exit or deny access mid-listing are skipped.
func Processes(ctx context.Context) (proto.ProcessList, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return proto.ProcessList{}, fmt.Errorf("list processes: %w", err)
	}
	out := make([]proto.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := proto.ProcessInfo{PID: p.Pid, Name: name}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			info.MemoryRSS = mi.RSS
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemoryRSS != out[j].MemoryRSS {
			return out[i].MemoryRSS > out[j].MemoryRSS
		}
		return out[i].PID < out[j].PID
	})
	return proto.ProcessList{Processes: out}, nil
}

// Kill terminates pid. The agent's own process is refused.
func Kill(ctx context.Context, pid int32) error {
	if int(pid) == os.Getpid() {
		return fmt.Errorf("kill %d: refusing to kill the agent itself", pid)
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("kill %d: %w", pid, errkind.ErrNotFound)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// PrimaryIPv4 returns the first IPv4 address of an up, non-loopback
// interface, or "" when none is found.
func PrimaryIPv4(ctx context.Context) string {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if v4 := ip.To4(); v4 != nil && !v4.IsLinkLocalUnicast() {
				return v4.String()
			}
		}
	}
	return ""
}

func hasFlag(flags []string, f string) bool {
	for _, x := range flags {
		if strings.EqualFold(x, f) {
			return true
		}
	}
	return false
}
