// Package kernelstore persists kernel runtime records. A row is one
// attempt at a live kernel session and is the only state that survives
// process restarts; everything else is rebuilt from it.
package kernelstore

import (
	"strings"
	"time"
)

type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusStopped   Status = "STOPPED"
	StatusError     Status = "ERROR"
	StatusDiscarded Status = "DISCARDED"
)

// Active reports whether the status still owns the session identity.
// At most one row per identity may be active at a time.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// Identity is the durable part of a session key: which notebook, team and
// user a row belongs to, on which backend. UserID is empty for anonymous
// sessions.
type Identity struct {
	TeamID     string
	NotebookID string
	UserID     string
	Backend    string
}

// Runtime is one persisted kernel session attempt.
type Runtime struct {
	ID             string
	Identity       Identity
	Status         Status
	KernelID       string
	KernelPID      int64
	ConnectionFile string
	SandboxID      string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     time.Time
}

// Clone returns a detached copy safe to hand to callers.
func (r *Runtime) Clone() *Runtime {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

func normalizeIdentity(id Identity) Identity {
	id.TeamID = strings.TrimSpace(id.TeamID)
	id.NotebookID = strings.TrimSpace(id.NotebookID)
	id.UserID = strings.TrimSpace(id.UserID)
	id.Backend = strings.TrimSpace(id.Backend)
	return id
}
