// Package sandbox defines the provider abstraction over isolated compute
// environments. A provider can create sandboxes, reattach to them by id,
// and each sandbox exposes an opaque run-a-command channel that is the
// only integration point the kernel manager relies on.
package sandbox

import (
	"context"
	"errors"
	"time"
)

const (
	// BackendDocker runs sandboxes as local containers.
	BackendDocker = "docker"
	// BackendEphemeral runs sandboxes on the remote ephemeral-compute
	// provider and requires credentials.
	BackendEphemeral = "ephemeral"
)

// Status reports the observable state of a sandbox instance.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// ErrNotFound is returned by FromID when the provider no longer knows the
// sandbox.
var ErrNotFound = errors.New("sandbox not found")

type Provider interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (Sandbox, error)
	FromID(ctx context.Context, id string) (Sandbox, error)
}

type Sandbox interface {
	ID() string
	Exec(ctx context.Context, argv []string, timeout time.Duration) (*ExecResult, error)
	Status(ctx context.Context) (Status, error)
	Destroy(ctx context.Context) error
}

// CreateRequest carries sandbox sizing. Zero-valued fields leave the
// provider's own defaults in place.
type CreateRequest struct {
	Image              string
	CPUCores           float64
	MemoryGiB          float64
	IdleTimeoutSeconds int64
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}
