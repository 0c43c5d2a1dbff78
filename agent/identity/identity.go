// Package identity supplies the user and session ids stamped on every record.
package identity

import (
	"os"
	"os/user"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/host"
)

// Provider is asked for ids when a record is built.
type Provider interface {
	UserID() string
	SessionID() string
}

// Static is a Provider with fixed ids.
type Static struct {
	User    string
	Session string
}

func (s Static) UserID() string    { return s.User }
func (s Static) SessionID() string { return s.Session }

// Config overrides the detected values.
type Config struct {
	UserID       string
	ComputerName string
}

// Host is the default Provider: the configured or logged-in user, and a
// session id unique to this agent run.
type Host struct {
	userID    string
	sessionID string
	computer  string
}

// New detects the user and host once. Detection failures fall back to
// "unknown" rather than failing startup.
func New(cfg Config) *Host {
	computer := cfg.ComputerName
	if computer == "" {
		computer = hostname()
	}
	userID := cfg.UserID
	if userID == "" {
		userID = username()
	}
	return &Host{
		userID:    userID,
		computer:  computer,
		sessionID: computer + "-" + uuid.NewString(),
	}
}

func (h *Host) UserID() string       { return h.userID }
func (h *Host) SessionID() string    { return h.sessionID }
func (h *Host) ComputerName() string { return h.computer }

func hostname() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "unknown"
}

func username() string {
	if name := os.Getenv("USERNAME"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		// DOMAIN\user on Windows
		if _, name, ok := strings.Cut(u.Username, `\`); ok {
			return name
		}
		return u.Username
	}
	return "unknown"
}
