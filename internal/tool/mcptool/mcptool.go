// Package mcptool imports tools hosted by Model Context Protocol servers into a
// [tool.Registry]. Each remote tool keeps the input schema its server
// advertises; calls are forwarded over the server's client session.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tometo/internal/tool"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Command is the executable and arguments for stdio servers.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env is appended to the subprocess environment for stdio servers.
	Env map[string]string
}

// Host owns the client sessions of all connected servers.
type Host struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// New returns a Host with no connections.
func New() *Host {
	return &Host{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "tometo", Version: "1.0.0"}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// transport builds the SDK transport for cfg.
func transport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcptool: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcptool: streamable-http server %q requires a URL", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("mcptool: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
}

// Connect dials the server described by cfg and returns its tools.
func (h *Host) Connect(ctx context.Context, cfg ServerConfig) ([]*tool.Tool, error) {
	if cfg.Name == "" {
		return nil, errors.New("mcptool: server name must not be empty")
	}
	t, err := transport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return h.ConnectTransport(ctx, cfg.Name, t)
}

// ConnectTransport is Connect for an already-built transport. Tests use it
// with in-memory transports.
func (h *Host) ConnectTransport(ctx context.Context, name string, t mcpsdk.Transport) ([]*tool.Tool, error) {
	session, err := h.client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptool: connect %q: %w", name, err)
	}

	var tools []*tool.Tool
	for remote, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcptool: list tools of %q: %w", name, err)
		}
		tl, err := wrap(session, remote)
		if err != nil {
			slog.Warn("skipping mcp tool", "server", name, "tool", remote.Name, "err", err)
			continue
		}
		tools = append(tools, tl)
	}

	h.mu.Lock()
	if old, ok := h.sessions[name]; ok {
		_ = old.Close()
	}
	h.sessions[name] = session
	h.mu.Unlock()

	slog.Info("mcp server connected", "server", name, "tools", len(tools))
	return tools, nil
}

// RegisterAll connects to every server concurrently and registers their tools
// in reg. Any connection or registration failure is returned; servers that
// did connect stay connected until Close.
func (h *Host) RegisterAll(ctx context.Context, reg *tool.Registry, cfgs []ServerConfig) error {
	results := make([][]*tool.Tool, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			tools, err := h.Connect(gctx, cfg)
			results[i] = tools
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	var errs []error
	for _, tools := range results {
		for _, t := range tools {
			if err := reg.Register(t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func wrap(session *mcpsdk.ClientSession, remote *mcpsdk.Tool) (*tool.Tool, error) {
	schema, err := tool.SchemaFromMap(remote.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	var opts []tool.Option
	output, err := tool.SchemaFromMap(remote.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}
	if output != nil {
		opts = append(opts, tool.WithOutputSchema(output))
	}
	name := remote.Name
	call := func(ctx context.Context, args string) (string, error) {
		var argsMap map[string]any
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("mcptool: decode args for %q: %w", name, err)
		}
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: argsMap})
		if err != nil {
			return "", fmt.Errorf("mcptool: call %q: %w", name, err)
		}
		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", fmt.Errorf("mcptool: %q reported: %s", name, sb.String())
		}
		// Tools with an output schema answer with structured content.
		if output != nil && res.StructuredContent != nil {
			b, err := json.Marshal(res.StructuredContent)
			if err != nil {
				return "", fmt.Errorf("mcptool: encode result of %q: %w", name, err)
			}
			return string(b), nil
		}
		return sb.String(), nil
	}
	return tool.NewRaw(name, remote.Description, schema, call, opts...)
}

// Close ends every session.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcptool: close %q: %w", name, err))
		}
		delete(h.sessions, name)
	}
	return errors.Join(errs...)
}
