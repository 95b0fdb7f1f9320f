package agent

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// Identity is how the agent presents itself for one process run.
type Identity struct {
	ClientID     string
	DisplayName  string
	ComputerName string
}

// NewIdentity derives a ClientID from the host name plus a random suffix,
// so two runs on the same machine never collide. displayName defaults to
// the host name.
func NewIdentity(displayName string) Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if strings.TrimSpace(displayName) == "" {
		displayName = host
	}
	return Identity{
		ClientID:     host + "-" + suffix,
		DisplayName:  strings.TrimSpace(displayName),
		ComputerName: host,
	}
}
