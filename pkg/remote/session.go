package remote

import (
	"fmt"
	"strings"
	"time"
)

// State is a remote-control session state.
type State int

const (
	StateConnecting State = iota
	StateWaitingForAccept
	StateActive
	StatePaused
	StateDisconnected
	StateError
)

var stateNames = [...]string{"Connecting", "WaitingForAccept", "Active", "Paused", "Disconnected", "Error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDisconnected || s == StateError }

// live sessions block a new request for the same target
func (s State) live() bool { return !s.Terminal() }

// AcceptPolicy decides how WaitingForAccept is left.
type AcceptPolicy int

const (
	// AutoAccept activates after a fixed delay regardless of the agent's reply.
	AutoAccept AcceptPolicy = iota
	// RequireConsent waits for ControlAccept or ControlDeny from the agent.
	RequireConsent
)

// ParsePolicy maps the config values "auto" and "consent".
func ParsePolicy(s string) (AcceptPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return AutoAccept, nil
	case "consent":
		return RequireConsent, nil
	default:
		return AutoAccept, fmt.Errorf("unknown control policy %q", s)
	}
}

// Session is a snapshot of one remote-control session.
type Session struct {
	TargetClientID string    `json:"targetClientId"`
	State          State     `json:"-"`
	StateName      string    `json:"state"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime,omitempty"`
	ControlEnabled bool      `json:"controlEnabled"`
	InputLocked    bool      `json:"inputLocked"`
	LastFrame      []byte    `json:"-"`
	FrameWidth     int       `json:"frameWidth"`
	FrameHeight    int       `json:"frameHeight"`
	FrameCount     int       `json:"frameCount"`
	Err            string    `json:"error,omitempty"`
}

// session is the manager-owned mutable record.
type session struct {
	Session
	answer chan bool // consent reply, buffered
}

func (s *session) snapshot() Session {
	out := s.Session
	out.StateName = s.State.String()
	return out
}
