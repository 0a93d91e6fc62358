// Package ephemeral implements the sandbox provider on the remote
// ephemeral-compute service. Sandboxes are provisioned through its REST
// API and commands run server-side; only the final output crosses the
// wire.
package ephemeral

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	sdx "github.com/notebooklabs/kerneld/internal/sandbox"
	"golang.org/x/net/http2"
)

// Options carry provider credentials, checked at selection time.
type Options struct {
	BaseURL   string
	Token     string
	Workspace string
	Image     string
}

// Provider implements sandbox.Provider against the remote API.
type Provider struct {
	http  *resty.Client
	image string
}

var _ sdx.Provider = (*Provider)(nil)

func New(opts Options) (*Provider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("ephemeral provider requires base_url and token")
	}

	httpClient := &http.Client{Transport: newTransport()}
	client := resty.NewWithClient(httpClient).
		SetBaseURL(baseURL).
		SetAuthToken(opts.Token).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)
	if ws := strings.TrimSpace(opts.Workspace); ws != "" {
		client.SetHeader("X-Workspace", ws)
	}

	return &Provider{http: client, image: opts.Image}, nil
}

// newTransport prefers HTTP/2 with a plain-HTTP fallback for local
// provider emulators.
func newTransport() http.RoundTripper {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			if cfg == nil {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			}
			return tls.Dial(network, addr, cfg)
		},
	}
}

func (p *Provider) Name() string { return sdx.BackendEphemeral }

type sandboxDocument struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type createBody struct {
	Image              string  `json:"image,omitempty"`
	CPUCores           float64 `json:"cpu_cores,omitempty"`
	MemoryGiB          float64 `json:"memory_gib,omitempty"`
	IdleTimeoutSeconds int64   `json:"idle_timeout_seconds,omitempty"`
}

func (p *Provider) Create(ctx context.Context, req sdx.CreateRequest) (sdx.Sandbox, error) {
	image := req.Image
	if image == "" {
		image = p.image
	}

	var doc sandboxDocument
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(createBody{
			Image:              image,
			CPUCores:           req.CPUCores,
			MemoryGiB:          req.MemoryGiB,
			IdleTimeoutSeconds: req.IdleTimeoutSeconds,
		}).
		SetResult(&doc).
		Post("/v1/sandboxes")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create sandbox: %s: %s", resp.Status(), resp.String())
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("create sandbox: provider returned no id")
	}
	return &remoteSandbox{http: p.http, id: doc.ID}, nil
}

func (p *Provider) FromID(ctx context.Context, id string) (sdx.Sandbox, error) {
	var doc sandboxDocument
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&doc).
		Get("/v1/sandboxes/" + id)
	if err != nil {
		return nil, fmt.Errorf("get sandbox %s: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("sandbox %s: %w", id, sdx.ErrNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get sandbox %s: %s", id, resp.Status())
	}
	return &remoteSandbox{http: p.http, id: doc.ID}, nil
}

type remoteSandbox struct {
	http *resty.Client
	id   string
}

func (s *remoteSandbox) ID() string { return s.id }

type execBody struct {
	Argv           []string `json:"argv"`
	TimeoutSeconds int64    `json:"timeout_seconds,omitempty"`
}

type execDocument struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (s *remoteSandbox) Exec(ctx context.Context, argv []string, timeout time.Duration) (*sdx.ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		// The provider enforces the timeout server-side; the local
		// deadline only bounds a stalled connection.
		ctx, cancel = context.WithTimeout(ctx, timeout+10*time.Second)
		defer cancel()
	}

	var doc execDocument
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(execBody{Argv: argv, TimeoutSeconds: int64(timeout / time.Second)}).
		SetResult(&doc).
		Post("/v1/sandboxes/" + s.id + "/exec")
	if err != nil {
		return nil, fmt.Errorf("exec in sandbox %s: %w", s.id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exec in sandbox %s: %s: %s", s.id, resp.Status(), resp.String())
	}
	return &sdx.ExecResult{ExitCode: doc.ExitCode, Stdout: doc.Stdout, Stderr: doc.Stderr}, nil
}

func (s *remoteSandbox) Status(ctx context.Context) (sdx.Status, error) {
	var doc sandboxDocument
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&doc).
		Get("/v1/sandboxes/" + s.id + "/status")
	if err != nil {
		return sdx.StatusUnknown, fmt.Errorf("sandbox %s status: %w", s.id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return sdx.StatusStopped, nil
	}
	if resp.IsError() {
		return sdx.StatusUnknown, fmt.Errorf("sandbox %s status: %s", s.id, resp.Status())
	}

	switch strings.ToLower(doc.Status) {
	case "running", "ready":
		return sdx.StatusRunning, nil
	case "stopped", "terminated", "expired":
		return sdx.StatusStopped, nil
	default:
		return sdx.StatusUnknown, nil
	}
}

func (s *remoteSandbox) Destroy(ctx context.Context) error {
	resp, err := s.http.R().
		SetContext(ctx).
		Delete("/v1/sandboxes/" + s.id)
	if err != nil {
		return fmt.Errorf("destroy sandbox %s: %w", s.id, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("destroy sandbox %s: %s", s.id, resp.Status())
	}
	return nil
}
