package kernelmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/notebooklabs/kerneld/internal/kernelproto"
	"github.com/notebooklabs/kerneld/internal/kernelstore"
)

// ExecuteRequest carries one code submission. Timeout bounds the kernel's
// execution of the code; zero means the configured default. ReturnVariables
// names identifiers to introspect after the code runs.
type ExecuteRequest struct {
	Session         Session
	Code            string
	Timeout         time.Duration
	ReturnVariables []string
}

// ExecutionResult is the decoded outcome of one execution plus the
// runtime it ran on. A timeout is a result, not an error.
type ExecutionResult struct {
	Status         string
	Stdout         string
	Stderr         string
	Display        map[string]any
	ExecutionCount int
	ErrorName      string
	ErrorValue     string
	Traceback      []string
	Variables      map[string]kernelproto.Variable
	StartedAt      time.Time
	FinishedAt     time.Time
	Runtime        *kernelstore.Runtime
}

const defaultExecTimeout = 30 * time.Second

// Execute ensures the session's kernel and runs the code on it. The
// session lock is held for the full duration so concurrent submissions
// for the same session serialize rather than interleave.
func (m *Manager) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	if err := req.Session.validate(); err != nil {
		return nil, err
	}
	backend, provider, err := m.resolveBackend(req.Session.Backend)
	if err != nil {
		return nil, err
	}

	lock, err := m.acquireSession(ctx, req.Session.key(backend))
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	h, _, err := m.ensure(ctx, req.Session, backend, provider)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	variables := kernelproto.FilterIdentifiers(req.ReturnVariables)
	argv, err := kernelproto.Render(kernelproto.Payload{
		Action:          kernelproto.ActionExecute,
		ConnectionFile:  h.connectionFile,
		ConnectTimeout:  m.Config.Kernel.ConnectTimeout().Seconds(),
		Code:            req.Code,
		Timeout:         timeout.Seconds(),
		UserExpressions: kernelproto.UserExpressionsFor(variables),
	})
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	// The sandbox-side deadline exceeds the kernel deadline so the driver
	// gets to report a timeout result instead of being killed mid-flight.
	execResult, err := h.sandbox.Exec(ctx, argv, timeout+m.Config.Kernel.ExecBuffer())
	finished := time.Now().UTC()
	if err != nil {
		m.dropHandle(ctx, h, fmt.Sprintf("execution transport failed: %v", err))
		return nil, fmt.Errorf("execute in sandbox: %w", err)
	}
	if execResult.ExitCode != 0 {
		m.dropHandle(ctx, h, fmt.Sprintf("driver exited %d", execResult.ExitCode))
		return nil, fmt.Errorf("execution driver exited %d: %s", execResult.ExitCode, strings.TrimSpace(execResult.Stderr))
	}

	decoded, err := kernelproto.DecodeResult([]byte(kernelproto.LastLine(execResult.Stdout)))
	if err != nil {
		m.dropHandle(ctx, h, "driver produced undecodable output")
		return nil, fmt.Errorf("decode execution result: %w", err)
	}

	if decoded.Status == kernelproto.StatusTimeout && m.Config.Kernel.InterruptOnTimeout {
		m.interrupt(ctx, h)
	}

	h.lastActivity = finished
	h.execCount++
	// A completed execution is proof of liveness; re-affirm RUNNING so the
	// row recovers from any stale status written by another process.
	if err := m.Store.SetStatus(ctx, h.runtimeID, kernelstore.StatusRunning); err != nil {
		return nil, err
	}
	if err := m.Store.Touch(ctx, h.runtimeID); err != nil {
		return nil, err
	}

	runtime, err := m.Store.Get(ctx, h.runtimeID)
	if err != nil {
		return nil, err
	}

	if m.Logger != nil {
		m.Logger.Debug("execution complete",
			"runtime_id", h.runtimeID,
			"status", decoded.Status,
			"duration", finished.Sub(started),
		)
	}

	return &ExecutionResult{
		Status:         decoded.Status,
		Stdout:         decoded.Stdout,
		Stderr:         decoded.Stderr,
		Display:        decoded.Display,
		ExecutionCount: decoded.ExecutionCount,
		ErrorName:      decoded.ErrorName,
		ErrorValue:     decoded.ErrorValue,
		Traceback:      decoded.Traceback,
		Variables:      decoded.Variables,
		StartedAt:      started,
		FinishedAt:     finished,
		Runtime:        runtime,
	}, nil
}

// interrupt delivers SIGINT to the kernel process so a runaway cell stops
// computing after its deadline. Best effort: the kernel stays usable
// whether or not the signal lands.
func (m *Manager) interrupt(ctx context.Context, h *handle) {
	if h.kernelPID <= 0 {
		return
	}
	argv := []string{"kill", "-INT", fmt.Sprintf("%d", h.kernelPID)}
	if _, err := h.sandbox.Exec(ctx, argv, 5*time.Second); err != nil && m.Logger != nil {
		m.Logger.Warn("kernel interrupt failed", "runtime_id", h.runtimeID, "kernel_pid", h.kernelPID, "error", err)
	}
}
