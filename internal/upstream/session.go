// Package upstream manages long-lived stdio connections to upstream MCP
// servers: one Session per configured server, kept alive across
// `run_python` invocations and multiplexed via an upstream.Manager.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/coral-mesh/coral-broker/internal/registry"
)

// clientName/clientVersion identify this broker to upstreams during the
// MCP initialize handshake.
const (
	clientName    = "coral-broker"
	clientVersion = "0.1.0"
)

// maxStderrLines bounds how much of a failed upstream's stderr is retained
// for a StartupError — enough for a human to read the failure, not enough
// to let a misbehaving server exhaust memory.
const maxStderrLines = 200

// ToolInfo mirrors the teacher's mcp.ToolInfo: one upstream tool's metadata.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// StartupError is returned by Start when the upstream process could not be
// launched or failed the MCP handshake; it carries captured stderr so the
// Invocation Context can surface a useful diagnostic instead of a bare
// "exit status 1".
type StartupError struct {
	Server string
	Stderr string
	Cause  error
}

func (e *StartupError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("upstream: start %q: %v", e.Server, e.Cause)
	}
	return fmt.Sprintf("upstream: start %q: %v\nstderr:\n%s", e.Server, e.Cause, e.Stderr)
}

func (e *StartupError) Unwrap() error { return e.Cause }

// Session wraps a single upstream MCP server's stdio client connection.
// It is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	rec    registry.ServerRecord
	inner  sdk_client.MCPClient
	stderr *stderrTail
}

// NewSession creates an unstarted Session for the given server record.
// Call Start before ListTools or CallTool.
func NewSession(rec registry.ServerRecord) *Session {
	return &Session{rec: rec}
}

// Name returns the upstream server's registry name.
func (s *Session) Name() string {
	return s.rec.Name
}

// Start spawns the upstream subprocess and performs the MCP initialize
// handshake. On any failure it returns a *StartupError.
func (s *Session) Start(ctx context.Context) error {
	env := envSlice(s.rec.Env)

	cli, err := sdk_client.NewStdioMCPClient(s.rec.Command, env, s.rec.Args...)
	if err != nil {
		return &StartupError{Server: s.rec.Name, Cause: fmt.Errorf("spawn: %w", err)}
	}

	tail := newStderrTail(maxStderrLines)
	if stdioCli, ok := cli.(interface{ Stderr() io.Reader }); ok {
		if r := stdioCli.Stderr(); r != nil {
			go tail.drain(r)
		}
	}

	_, err = cli.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		_ = cli.Close()
		return &StartupError{Server: s.rec.Name, Stderr: tail.String(), Cause: fmt.Errorf("initialize: %w", err)}
	}

	s.mu.Lock()
	s.inner = cli
	s.stderr = tail
	s.mu.Unlock()
	return nil
}

// ListTools returns metadata for every tool the upstream exposes.
func (s *Session) ListTools(ctx context.Context) ([]ToolInfo, error) {
	inner, err := s.client()
	if err != nil {
		return nil, err
	}

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("upstream: list tools %q: %w", s.rec.Name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes the named tool on the upstream with the given arguments
// and returns its concatenated text content. A server-reported tool error
// (IsError=true) is returned as a non-nil error wrapping the server's text.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	inner, err := s.client()
	if err != nil {
		return "", err
	}

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upstream: call tool %q on %q: %w", name, s.rec.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("upstream: tool %q on %q returned error: %s", name, s.rec.Name, text)
	}
	return text, nil
}

// Stop terminates the upstream process and releases resources. It is
// idempotent; an error from closing the client is returned for the
// caller's Manager to log, matching the teacher's Client.Close discipline.
func (s *Session) Stop() error {
	s.mu.Lock()
	inner := s.inner
	s.inner = nil
	s.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}

func (s *Session) client() (sdk_client.MCPClient, error) {
	s.mu.RLock()
	inner := s.inner
	s.mu.RUnlock()
	if inner == nil {
		return nil, fmt.Errorf("upstream: session %q not started", s.rec.Name)
	}
	return inner, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// stderrTail captures up to maxLines of an upstream's stderr for inclusion
// in a StartupError, discarding older lines once the bound is reached.
type stderrTail struct {
	mu       sync.Mutex
	maxLines int
	lines    []string
}

func newStderrTail(maxLines int) *stderrTail {
	return &stderrTail{maxLines: maxLines}
}

func (t *stderrTail) drain(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		t.mu.Lock()
		t.lines = append(t.lines, line)
		if len(t.lines) > t.maxLines {
			t.lines = t.lines[len(t.lines)-t.maxLines:]
		}
		t.mu.Unlock()
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
