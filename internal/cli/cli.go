// Package cli wires configuration, storage, locking and the sandbox
// providers into the kerneld command surface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/notebooklabs/kerneld/internal/dlock"
	"github.com/notebooklabs/kerneld/internal/kernelmgr"
	"github.com/notebooklabs/kerneld/internal/kernelproto"
	"github.com/notebooklabs/kerneld/internal/kernelstore"
	"github.com/notebooklabs/kerneld/internal/paths"
	"github.com/notebooklabs/kerneld/internal/runtimeconfig"
	"github.com/notebooklabs/kerneld/internal/sandbox"
	"github.com/notebooklabs/kerneld/internal/sandbox/docker"
	"github.com/notebooklabs/kerneld/internal/sandbox/ephemeral"
	"github.com/redis/go-redis/v9"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Ensure   EnsureCommand   `cmd:"" help:"Ensure a running kernel for a session"`
	Exec     ExecCommand     `cmd:"" help:"Execute code on a session's kernel"`
	Shutdown ShutdownCommand `cmd:"" help:"Shut down a session's kernel"`
	Restart  RestartCommand  `cmd:"" help:"Restart a session's kernel"`
	Status   StatusCommand   `cmd:"" help:"Inspect a session's persisted runtime"`

	Version kong.VersionFlag `help:"Print version and exit"`
}

// sessionFlags identify the kernel session a command targets.
type sessionFlags struct {
	Team     string `required:"" help:"Team identifier"`
	Notebook string `required:"" help:"Notebook identifier"`
	User     string `help:"User identifier (empty for a shared anonymous session)"`
	Backend  string `help:"Sandbox backend (docker|ephemeral; defaults to runtime config)"`
	LogLevel string `help:"Log level (debug|info|warn|error)"`

	CPU         float64 `name:"cpu" help:"Sandbox CPU cores (0 = provider default)"`
	Memory      float64 `name:"memory" help:"Sandbox memory in GiB (0 = provider default)"`
	IdleSeconds int64   `name:"idle-seconds" help:"Sandbox idle timeout in seconds (0 = provider default)"`
}

func (f sessionFlags) session() kernelmgr.Session {
	return kernelmgr.Session{
		Backend:    f.Backend,
		TeamID:     f.Team,
		NotebookID: f.Notebook,
		UserID:     f.User,
		Resources: kernelmgr.Resources{
			CPUCores:           f.CPU,
			MemoryGiB:          f.Memory,
			IdleTimeoutSeconds: f.IdleSeconds,
		},
	}
}

type EnsureCommand struct {
	sessionFlags
	JSON bool `help:"Print the runtime record as JSON"`
}

type ExecCommand struct {
	sessionFlags
	Code            string   `short:"e" help:"Code to execute (reads stdin when omitted)"`
	TimeoutSeconds  int64    `help:"Execution timeout in seconds"`
	ReturnVariables []string `help:"Variables to introspect after execution"`
	JSON            bool     `help:"Print the full result as JSON"`
}

type ShutdownCommand struct {
	sessionFlags
}

type RestartCommand struct {
	sessionFlags
	JSON bool `help:"Print the runtime record as JSON"`
}

type StatusCommand struct {
	sessionFlags
	JSON bool `help:"Print the runtime record as JSON"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("kerneld"),
		kong.Description("Kernel runtime manager for notebook sessions"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

// newManager assembles the full stack: store, locker, providers. The
// returned cleanup closes the store.
func newManager(ctx *runtimeContext, logger *log.Logger) (*kernelmgr.Manager, func(), error) {
	dbPath := strings.TrimSpace(ctx.Config.Store.Path)
	if dbPath == "" {
		var err error
		dbPath, err = paths.RuntimeDBPath()
		if err != nil {
			return nil, nil, err
		}
	}
	store, err := kernelstore.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}

	var locker dlock.Locker
	if addr := strings.TrimSpace(ctx.Config.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: ctx.Config.Redis.Password,
			DB:       ctx.Config.Redis.DB,
		})
		locker = dlock.NewRedis(client)
		logger.Debug("using redis session locks", "addr", addr)
	} else {
		locker = dlock.NewLocal()
		logger.Debug("using process-local session locks")
	}

	cfg := ctx.Config
	providers := func(name string) (sandbox.Provider, error) {
		switch name {
		case sandbox.BackendDocker:
			return docker.New(docker.Options{
				Image:   cfg.Backends.Docker.Image,
				Network: cfg.Backends.Docker.Network,
			})
		case sandbox.BackendEphemeral:
			return ephemeral.New(ephemeral.Options{
				BaseURL:   cfg.Backends.Ephemeral.BaseURL,
				Token:     cfg.Backends.Ephemeral.Token,
				Workspace: cfg.Backends.Ephemeral.Workspace,
				Image:     cfg.Backends.Ephemeral.Image,
			})
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
	}

	mgr := &kernelmgr.Manager{
		Store:     store,
		Locker:    locker,
		Providers: providers,
		Config:    cfg,
		Logger:    logger.With("subsystem", "kernelmgr"),
	}
	return mgr, func() { _ = store.Close() }, nil
}

func printRuntime(out *os.File, r *kernelstore.Runtime, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err := fmt.Fprintf(out,
		"runtime: %s\nstatus: %s\nkernel: %s (pid %d)\nsandbox: %s\nbackend: %s\nlast used: %s\n",
		r.ID, r.Status, r.KernelID, r.KernelPID, r.SandboxID, r.Identity.Backend,
		r.LastUsedAt.Format(time.RFC3339),
	)
	return err
}

func (c *EnsureCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "cli")
	if err != nil {
		return err
	}
	mgr, cleanup, err := newManager(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	stop := mgr.HandleSignals()
	defer stop()

	runtime, err := mgr.Ensure(context.Background(), c.session())
	if err != nil {
		return err
	}
	return printRuntime(ctx.Stdout, runtime, c.JSON)
}

func (c *ExecCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "cli")
	if err != nil {
		return err
	}

	code := c.Code
	if code == "" {
		raw, err := readAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read code from stdin: %w", err)
		}
		code = raw
	}
	if strings.TrimSpace(code) == "" {
		return errors.New("no code to execute")
	}

	mgr, cleanup, err := newManager(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	stop := mgr.HandleSignals()
	defer stop()

	result, err := mgr.Execute(context.Background(), kernelmgr.ExecuteRequest{
		Session:         c.session(),
		Code:            code,
		Timeout:         time.Duration(c.TimeoutSeconds) * time.Second,
		ReturnVariables: c.ReturnVariables,
	})
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		if result.Stdout != "" {
			fmt.Fprint(ctx.Stdout, result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(os.Stderr, result.Stderr)
		}
		if result.ErrorName != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", result.ErrorName, result.ErrorValue)
		}
	}

	switch result.Status {
	case kernelproto.StatusOK:
		return nil
	case kernelproto.StatusTimeout:
		return exitCodeError{code: 124}
	default:
		return exitCodeError{code: 1}
	}
}

func (c *ShutdownCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "cli")
	if err != nil {
		return err
	}
	mgr, cleanup, err := newManager(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	existed, err := mgr.Shutdown(context.Background(), c.session())
	if err != nil {
		return err
	}
	if existed {
		fmt.Fprintln(ctx.Stdout, "kernel session stopped")
	} else {
		fmt.Fprintln(ctx.Stdout, "no kernel session found")
	}
	return nil
}

func (c *RestartCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "cli")
	if err != nil {
		return err
	}
	mgr, cleanup, err := newManager(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	stop := mgr.HandleSignals()
	defer stop()

	runtime, err := mgr.Restart(context.Background(), c.session())
	if err != nil {
		return err
	}
	return printRuntime(ctx.Stdout, runtime, c.JSON)
}

func (c *StatusCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "cli")
	if err != nil {
		return err
	}

	dbPath := strings.TrimSpace(ctx.Config.Store.Path)
	if dbPath == "" {
		dbPath, err = paths.RuntimeDBPath()
		if err != nil {
			return err
		}
	}
	store, err := kernelstore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, err := sandbox.Select(sandbox.Selection{
		Requested:      firstNonEmpty(c.Backend, ctx.Config.DefaultBackend),
		Environment:    ctx.Config.Environment,
		HasCredentials: ctx.Config.HasEphemeralCredentials(),
	}, logger)
	if err != nil {
		return err
	}

	runtime, err := store.FindActive(context.Background(), kernelstore.Identity{
		TeamID:     c.Team,
		NotebookID: c.Notebook,
		UserID:     c.User,
		Backend:    backend,
	})
	if err != nil {
		if errors.Is(err, kernelstore.ErrNotFound) {
			fmt.Fprintln(ctx.Stdout, "no active kernel session")
			return nil
		}
		return err
	}
	return printRuntime(ctx.Stdout, runtime, c.JSON)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func readAll(f *os.File) (string, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
