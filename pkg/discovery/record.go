// Package discovery locates a controller on the LAN.
//
// The controller side runs a Responder on the well-known UDP port: it answers
// discovery requests with a Record and periodically announces the same Record
// by broadcast. The agent side can listen passively for announcements, browse
// mDNS, or actively probe candidate subnets with a Scanner.
package discovery

import (
	"bytes"
	"encoding/json"
	"net"
	"sort"
	"strconv"
)

// DefaultPort is the well-known discovery port.
const DefaultPort = 5001

// requestMarker prefixes every discovery request datagram; an optional
// ":hint" suffix carries the shared-secret hint.
const requestMarker = "CLASSNET_DISCOVER"

// Record describes one controller. It is the discovery response payload.
type Record struct {
	ServerIP    string `json:"ServerIp"`
	ServerPort  int    `json:"ServerPort"`
	ClassName   string `json:"ClassName"`
	TeacherName string `json:"TeacherName"`
	OnlineCount int    `json:"OnlineCount"`
}

// Addr returns host:port of the controller's TCP message channel.
func (r Record) Addr() string {
	return net.JoinHostPort(r.ServerIP, strconv.Itoa(r.ServerPort))
}

func (r Record) key() string { return r.Addr() }

// Request builds a discovery request datagram.
func Request(hint string) []byte {
	if hint == "" {
		return []byte(requestMarker)
	}
	return []byte(requestMarker + ":" + hint)
}

// parseRequest reports whether b is a discovery request and returns its hint.
func parseRequest(b []byte) (hint string, ok bool) {
	b = bytes.TrimSpace(b)
	if !bytes.HasPrefix(b, []byte(requestMarker)) {
		return "", false
	}
	rest := b[len(requestMarker):]
	switch {
	case len(rest) == 0:
		return "", true
	case rest[0] == ':':
		return string(rest[1:]), true
	default:
		return "", false
	}
}

// parseRecord decodes a response or announcement datagram. from fills in the
// address when the controller left ServerIp empty.
func parseRecord(b []byte, from *net.UDPAddr) (Record, bool) {
	if len(b) == 0 || b[0] != '{' {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false
	}
	if rec.ServerPort <= 0 || rec.ServerPort > 65535 {
		return Record{}, false
	}
	if rec.ServerIP == "" && from != nil {
		rec.ServerIP = from.IP.String()
	}
	if net.ParseIP(rec.ServerIP) == nil {
		return Record{}, false
	}
	return rec, true
}

// resultSet deduplicates records by (address, port).
type resultSet map[string]Record

func (s resultSet) add(r Record) bool {
	if _, ok := s[r.key()]; ok {
		return false
	}
	s[r.key()] = r
	return true
}

func (s resultSet) sorted() []Record {
	out := make([]Record, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}
