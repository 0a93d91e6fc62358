// Package kernelmgr orchestrates kernel session lifecycles: it bridges
// persisted runtime rows to live sandbox handles, reuses sessions that
// are still alive, provisions fresh ones when they are not, and executes
// code through the protocol driver shipped into each sandbox.
package kernelmgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/notebooklabs/kerneld/internal/dlock"
	"github.com/notebooklabs/kerneld/internal/kernelproto"
	"github.com/notebooklabs/kerneld/internal/kernelstore"
	"github.com/notebooklabs/kerneld/internal/runtimeconfig"
	"github.com/notebooklabs/kerneld/internal/sandbox"
	"github.com/notebooklabs/kerneld/internal/sessionkey"
)

// Store is the slice of the persistence layer the manager depends on.
// *kernelstore.Store satisfies it.
type Store interface {
	Create(ctx context.Context, r *kernelstore.Runtime) error
	Get(ctx context.Context, id string) (*kernelstore.Runtime, error)
	FindRunning(ctx context.Context, id kernelstore.Identity) (*kernelstore.Runtime, error)
	FindActive(ctx context.Context, id kernelstore.Identity) (*kernelstore.Runtime, error)
	DiscardActive(ctx context.Context, id kernelstore.Identity) error
	SetRunning(ctx context.Context, id, kernelID string, kernelPID int64, connectionFile, sandboxID string) error
	SetStatus(ctx context.Context, id string, status kernelstore.Status) error
	SetError(ctx context.Context, id, message string) error
	Touch(ctx context.Context, id string) error
}

// ProviderFactory builds the provider for a resolved backend name. It is
// invoked on every ensure so configuration changes take effect without a
// restart.
type ProviderFactory func(name string) (sandbox.Provider, error)

type Manager struct {
	Store     Store
	Locker    dlock.Locker
	Providers ProviderFactory
	Config    runtimeconfig.Config
	Logger    *log.Logger

	// mu guards the handle registry only. It is held for map bookkeeping
	// and never across a sandbox call.
	mu      sync.Mutex
	handles map[string]*handle
}

// handle is the process-local view of a live session: a runtime row id
// plus the sandbox reference needed to reach its kernel. Never shared
// across processes.
type handle struct {
	key            string
	runtimeID      string
	kernelID       string
	kernelPID      int64
	connectionFile string
	sandbox        sandbox.Sandbox
	lastActivity   time.Time
	execCount      int
}

// Resources carry the notebook's configured sandbox sizing. Zero values
// leave the provider defaults in place.
type Resources struct {
	CPUCores           float64
	MemoryGiB          float64
	IdleTimeoutSeconds int64
}

// Session identifies one kernel session request. Backend may be empty to
// use the configured default. UserID may be empty for anonymous sessions.
type Session struct {
	Backend    string
	TeamID     string
	NotebookID string
	UserID     string
	Resources  Resources
}

func (s Session) validate() error {
	if strings.TrimSpace(s.TeamID) == "" {
		return errors.New("missing team id")
	}
	if strings.TrimSpace(s.NotebookID) == "" {
		return errors.New("missing notebook id")
	}
	return nil
}

func (s Session) key(backend string) sessionkey.Key {
	return sessionkey.Key{
		Backend:    backend,
		TeamID:     strings.TrimSpace(s.TeamID),
		NotebookID: strings.TrimSpace(s.NotebookID),
		UserID:     strings.TrimSpace(s.UserID),
	}
}

func (s Session) identity(backend string) kernelstore.Identity {
	return kernelstore.Identity{
		TeamID:     s.TeamID,
		NotebookID: s.NotebookID,
		UserID:     s.UserID,
		Backend:    backend,
	}
}

// resolveBackend re-runs backend selection for this call. Never cached:
// credentials or configuration may change between deployments.
func (m *Manager) resolveBackend(requested string) (string, sandbox.Provider, error) {
	name := strings.TrimSpace(requested)
	if name == "" {
		name = m.Config.DefaultBackend
	}
	resolved, err := sandbox.Select(sandbox.Selection{
		Requested:      name,
		Environment:    m.Config.Environment,
		HasCredentials: m.Config.HasEphemeralCredentials(),
	}, m.Logger)
	if err != nil {
		return "", nil, err
	}
	provider, err := m.Providers(resolved)
	if err != nil {
		return "", nil, fmt.Errorf("backend %q: %w", resolved, err)
	}
	return resolved, provider, nil
}

func (m *Manager) acquireSession(ctx context.Context, key sessionkey.Key) (dlock.Lock, error) {
	lock, err := m.Locker.Acquire(ctx, key.LockName(), m.Config.Lock.Hold(), m.Config.Lock.Wait())
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	return lock, nil
}

// Ensure returns a RUNNING runtime for the session, reusing a live
// sandbox when one exists and provisioning a fresh one otherwise.
func (m *Manager) Ensure(ctx context.Context, sess Session) (*kernelstore.Runtime, error) {
	if err := sess.validate(); err != nil {
		return nil, err
	}
	backend, provider, err := m.resolveBackend(sess.Backend)
	if err != nil {
		return nil, err
	}

	lock, err := m.acquireSession(ctx, sess.key(backend))
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	_, runtime, err := m.ensure(ctx, sess, backend, provider)
	return runtime, err
}

// ensure is the locked core of Ensure. Callers hold the session lock.
func (m *Manager) ensure(ctx context.Context, sess Session, backend string, provider sandbox.Provider) (*handle, *kernelstore.Runtime, error) {
	key := sess.key(backend).String()
	identity := sess.identity(backend)

	m.mu.Lock()
	h := m.lookupLocked(key)
	m.mu.Unlock()

	if h != nil {
		status, statusErr := h.sandbox.Status(ctx)
		if statusErr == nil && status == sandbox.StatusRunning {
			if err := m.Store.Touch(ctx, h.runtimeID); err != nil {
				return nil, nil, err
			}
			h.lastActivity = time.Now().UTC()
			runtime, err := m.Store.Get(ctx, h.runtimeID)
			if err != nil {
				return nil, nil, err
			}
			return h, runtime, nil
		}

		// The cached handle is stale: tear it down and fall through to
		// reuse or a fresh create.
		m.dropHandle(ctx, h, "cached sandbox no longer running")
	}

	if h, runtime, ok := m.reuse(ctx, key, identity, provider); ok {
		return h, runtime, nil
	}

	return m.create(ctx, sess, key, identity, provider)
}

func (m *Manager) lookupLocked(key string) *handle {
	if m.handles == nil {
		m.handles = make(map[string]*handle)
	}
	return m.handles[key]
}

func (m *Manager) registerHandle(h *handle) {
	m.mu.Lock()
	if m.handles == nil {
		m.handles = make(map[string]*handle)
	}
	m.handles[h.key] = h
	m.mu.Unlock()
}

func (m *Manager) removeHandle(key string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[key]
	delete(m.handles, key)
	return h
}

// dropHandle removes a dead handle, marks its row ERROR and best-effort
// destroys the sandbox.
func (m *Manager) dropHandle(ctx context.Context, h *handle, reason string) {
	m.removeHandle(h.key)
	if err := m.Store.SetError(ctx, h.runtimeID, reason); err != nil && m.Logger != nil {
		m.Logger.Warn("mark runtime error failed", "runtime_id", h.runtimeID, "error", err)
	}
	if err := h.sandbox.Destroy(ctx); err != nil && m.Logger != nil {
		m.Logger.Warn("destroy stale sandbox failed", "sandbox_id", h.sandbox.ID(), "error", err)
	}
}

// reuse attempts to revive a persisted RUNNING row: the sandbox must be
// independently verifiable as alive and the kernel must answer a ready
// probe. One attempt per row; any failure marks it ERROR and reports
// no-reuse.
func (m *Manager) reuse(ctx context.Context, key string, identity kernelstore.Identity, provider sandbox.Provider) (*handle, *kernelstore.Runtime, bool) {
	row, err := m.Store.FindRunning(ctx, identity)
	if err != nil {
		return nil, nil, false
	}

	fail := func(reason string) {
		if m.Logger != nil {
			m.Logger.Info("kernel reuse failed", "runtime_id", row.ID, "reason", reason)
		}
		if err := m.Store.SetError(ctx, row.ID, "reuse failed: "+reason); err != nil && m.Logger != nil {
			m.Logger.Warn("mark runtime error failed", "runtime_id", row.ID, "error", err)
		}
	}

	if row.SandboxID == "" || row.ConnectionFile == "" {
		fail("row missing sandbox identifiers")
		return nil, nil, false
	}

	sb, err := provider.FromID(ctx, row.SandboxID)
	if err != nil {
		fail(fmt.Sprintf("sandbox lookup: %v", err))
		return nil, nil, false
	}
	status, err := sb.Status(ctx)
	if err != nil || status != sandbox.StatusRunning {
		fail("sandbox not running")
		return nil, nil, false
	}
	if err := m.probeReady(ctx, sb, row.ConnectionFile); err != nil {
		fail(fmt.Sprintf("ready probe: %v", err))
		return nil, nil, false
	}

	if err := m.Store.Touch(ctx, row.ID); err != nil {
		fail(fmt.Sprintf("touch: %v", err))
		return nil, nil, false
	}

	h := &handle{
		key:            key,
		runtimeID:      row.ID,
		kernelID:       row.KernelID,
		kernelPID:      row.KernelPID,
		connectionFile: row.ConnectionFile,
		sandbox:        sb,
		lastActivity:   time.Now().UTC(),
	}
	m.registerHandle(h)

	if m.Logger != nil {
		m.Logger.Info("kernel session reused",
			"runtime_id", row.ID,
			"kernel_id", row.KernelID,
			"sandbox_id", row.SandboxID,
		)
	}
	return h, row.Clone(), true
}

// create provisions a new sandbox and kernel for the identity. Any prior
// active row is discarded first so the new row is authoritative.
func (m *Manager) create(ctx context.Context, sess Session, key string, identity kernelstore.Identity, provider sandbox.Provider) (*handle, *kernelstore.Runtime, error) {
	if err := m.Store.DiscardActive(ctx, identity); err != nil {
		return nil, nil, err
	}

	row := &kernelstore.Runtime{
		ID:       newRuntimeID(),
		Identity: identity,
		Status:   kernelstore.StatusStarting,
	}
	if err := m.Store.Create(ctx, row); err != nil {
		return nil, nil, err
	}

	sb, err := provider.Create(ctx, sandbox.CreateRequest{
		Image:              m.imageFor(identity.Backend),
		CPUCores:           sess.Resources.CPUCores,
		MemoryGiB:          sess.Resources.MemoryGiB,
		IdleTimeoutSeconds: sess.Resources.IdleTimeoutSeconds,
	})
	if err != nil {
		m.failProvisioning(ctx, row.ID, nil, fmt.Sprintf("provision sandbox: %v", err))
		return nil, nil, fmt.Errorf("provision sandbox: %w", err)
	}

	kernelID := newKernelID()
	connectionFile := fmt.Sprintf("/tmp/%s.json", kernelID)
	pid, err := m.launchKernel(ctx, sb, connectionFile, kernelID)
	if err != nil {
		m.failProvisioning(ctx, row.ID, sb, fmt.Sprintf("launch kernel: %v", err))
		return nil, nil, fmt.Errorf("launch kernel: %w", err)
	}
	if err := m.probeReady(ctx, sb, connectionFile); err != nil {
		m.failProvisioning(ctx, row.ID, sb, fmt.Sprintf("kernel readiness: %v", err))
		return nil, nil, fmt.Errorf("kernel readiness: %w", err)
	}

	if err := m.Store.SetRunning(ctx, row.ID, kernelID, pid, connectionFile, sb.ID()); err != nil {
		m.failProvisioning(ctx, row.ID, sb, fmt.Sprintf("persist running state: %v", err))
		return nil, nil, err
	}

	h := &handle{
		key:            key,
		runtimeID:      row.ID,
		kernelID:       kernelID,
		kernelPID:      pid,
		connectionFile: connectionFile,
		sandbox:        sb,
		lastActivity:   time.Now().UTC(),
	}
	m.registerHandle(h)

	if m.Logger != nil {
		m.Logger.Info("kernel session started",
			"runtime_id", row.ID,
			"kernel_id", kernelID,
			"kernel_pid", pid,
			"sandbox_id", sb.ID(),
			"backend", identity.Backend,
		)
	}

	runtime, err := m.Store.Get(ctx, row.ID)
	if err != nil {
		return nil, nil, err
	}
	return h, runtime, nil
}

func (m *Manager) imageFor(backend string) string {
	switch backend {
	case sandbox.BackendEphemeral:
		return m.Config.Backends.Ephemeral.Image
	default:
		return m.Config.Backends.Docker.Image
	}
}

// failProvisioning records the diagnostic and best-effort destroys the
// half-provisioned sandbox. Cleanup failures are logged, never raised.
func (m *Manager) failProvisioning(ctx context.Context, runtimeID string, sb sandbox.Sandbox, reason string) {
	if err := m.Store.SetError(ctx, runtimeID, reason); err != nil && m.Logger != nil {
		m.Logger.Warn("mark runtime error failed", "runtime_id", runtimeID, "error", err)
	}
	if sb != nil {
		if err := sb.Destroy(ctx); err != nil && m.Logger != nil {
			m.Logger.Warn("destroy sandbox after failure failed", "sandbox_id", sb.ID(), "error", err)
		}
	}
}

// launchKernel starts the interpreter process inside the sandbox and
// returns its pid.
func (m *Manager) launchKernel(ctx context.Context, sb sandbox.Sandbox, connectionFile, kernelID string) (int64, error) {
	script := fmt.Sprintf(
		"nohup python3 -m ipykernel_launcher -f %s > /tmp/%s.log 2>&1 & echo $!",
		connectionFile, kernelID,
	)
	result, err := sb.Exec(ctx, []string{"sh", "-c", script}, m.Config.Kernel.LaunchTimeout())
	if err != nil {
		return 0, err
	}
	if result.ExitCode != 0 {
		return 0, fmt.Errorf("kernel launch exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(result.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse kernel pid from %q: %w", strings.TrimSpace(result.Stdout), err)
	}
	return pid, nil
}

// probeReady ships a ready-action driver into the sandbox and waits for
// its sentinel.
func (m *Manager) probeReady(ctx context.Context, sb sandbox.Sandbox, connectionFile string) error {
	connectTimeout := m.Config.Kernel.ConnectTimeout()
	argv, err := kernelproto.Render(kernelproto.Payload{
		Action:         kernelproto.ActionReady,
		ConnectionFile: connectionFile,
		ConnectTimeout: connectTimeout.Seconds(),
	})
	if err != nil {
		return err
	}
	result, err := sb.Exec(ctx, argv, connectTimeout+m.Config.Kernel.ExecBuffer())
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("ready probe exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	if !strings.Contains(result.Stdout, kernelproto.ReadySentinel) {
		return fmt.Errorf("ready probe produced no sentinel")
	}
	return nil
}

// Shutdown tears down the session's handle and sandbox and marks the
// persisted row STOPPED. It reports whether anything existed to shut
// down. Sandbox destruction failures are logged, not raised: shutdown
// idempotency matters more than cleanup success.
func (m *Manager) Shutdown(ctx context.Context, sess Session) (bool, error) {
	if err := sess.validate(); err != nil {
		return false, err
	}
	backend, provider, err := m.resolveBackend(sess.Backend)
	if err != nil {
		return false, err
	}

	lock, err := m.acquireSession(ctx, sess.key(backend))
	if err != nil {
		return false, err
	}
	defer lock.Release(ctx)

	return m.shutdown(ctx, sess, backend, provider)
}

func (m *Manager) shutdown(ctx context.Context, sess Session, backend string, provider sandbox.Provider) (bool, error) {
	key := sess.key(backend).String()
	identity := sess.identity(backend)

	if h := m.removeHandle(key); h != nil {
		if err := h.sandbox.Destroy(ctx); err != nil && m.Logger != nil {
			m.Logger.Warn("destroy sandbox during shutdown failed", "sandbox_id", h.sandbox.ID(), "error", err)
		}
		if err := m.Store.SetStatus(ctx, h.runtimeID, kernelstore.StatusStopped); err != nil {
			return true, err
		}
		if m.Logger != nil {
			m.Logger.Info("kernel session stopped", "runtime_id", h.runtimeID, "kernel_id", h.kernelID)
		}
		return true, nil
	}

	// No live handle; an active persisted row may still own a sandbox,
	// e.g. after a process restart.
	row, err := m.Store.FindActive(ctx, identity)
	if err != nil {
		if errors.Is(err, kernelstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if row.SandboxID != "" {
		if sb, err := provider.FromID(ctx, row.SandboxID); err == nil {
			if err := sb.Destroy(ctx); err != nil && m.Logger != nil {
				m.Logger.Warn("destroy sandbox during shutdown failed", "sandbox_id", row.SandboxID, "error", err)
			}
		}
	}
	if err := m.Store.SetStatus(ctx, row.ID, kernelstore.StatusStopped); err != nil {
		return true, err
	}
	return true, nil
}

// Restart is shutdown followed by ensure; the new session always has a
// fresh kernel identity.
func (m *Manager) Restart(ctx context.Context, sess Session) (*kernelstore.Runtime, error) {
	if err := sess.validate(); err != nil {
		return nil, err
	}
	backend, provider, err := m.resolveBackend(sess.Backend)
	if err != nil {
		return nil, err
	}

	lock, err := m.acquireSession(ctx, sess.key(backend))
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	if _, err := m.shutdown(ctx, sess, backend, provider); err != nil {
		return nil, err
	}
	_, runtime, err := m.ensure(ctx, sess, backend, provider)
	return runtime, err
}

// Close best-effort shuts down every tracked handle. Used on process
// exit; failures are logged and swallowed so exit is never blocked.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.sandbox.Destroy(ctx); err != nil && m.Logger != nil {
			m.Logger.Warn("destroy sandbox on close failed", "sandbox_id", h.sandbox.ID(), "error", err)
		}
		if err := m.Store.SetStatus(ctx, h.runtimeID, kernelstore.StatusStopped); err != nil && m.Logger != nil {
			m.Logger.Warn("mark runtime stopped on close failed", "runtime_id", h.runtimeID, "error", err)
		}
	}
}
