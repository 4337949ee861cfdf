// Package frontend exposes the broker over MCP stdio: one tool,
// run_python, plus a static capabilities resource describing the
// currently discovered upstream servers. Grounded on
// theRebelliousNerd-browserNerd's internal/mcp/server.go (NewMCPServer +
// NewToolWithRawSchema + ToolHandlerFunc wiring) and alexandrem-coral's
// internal/colony/mcp/server.go (ServeStdio convenience wrapper).
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/coral-mesh/coral-broker/internal/brokererr"
	"github.com/coral-mesh/coral-broker/internal/invocation"
	"github.com/coral-mesh/coral-broker/internal/registry"
	"github.com/coral-mesh/coral-broker/internal/render"
)

const (
	statusValidationError = "validation_error"
	statusError           = "error"
)

const (
	toolName        = "run_python"
	capabilitiesURI = "coral://sandbox/capabilities"
)

// Server wires the run_python tool and capabilities resource onto an
// mcp-go MCPServer and serves it over stdio.
type Server struct {
	mcpServer *mcpserver.MCPServer
	factory   *invocation.Factory
	registry  *registry.Registry
	limits    TimeoutLimits
}

// NewServer builds the frontend, registering run_python and the
// capabilities resource against the given invocation Factory.
func NewServer(name, version string, factory *invocation.Factory, reg *registry.Registry, limits TimeoutLimits) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		name,
		version,
		mcpserver.WithResourceCapabilities(true, false),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpSrv,
		factory:   factory,
		registry:  reg,
		limits:    limits,
	}

	s.registerRunPython()
	s.registerCapabilitiesResource()
	return s
}

// Start serves the broker over stdio until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerRunPython() {
	schema, err := json.Marshal(runPythonSchema())
	if err != nil {
		log.Fatalf("[Frontend] marshal run_python schema: %v", err)
	}

	tool := mcp.NewToolWithRawSchema(toolName, runPythonDescription, schema)
	s.mcpServer.AddTool(tool, s.handleRunPython)
}

func (s *Server) handleRunPython(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if args == nil {
		args = map[string]any{}
	}

	input, err := parseRunPythonInput(args, s.limits)
	if err != nil {
		return s.renderedErrorResult(statusValidationError, err.Error()), nil
	}

	result, runErr := s.factory.Run(ctx, invocation.Request{
		Code:    input.Code,
		Servers: input.Servers,
		Timeout: input.Timeout,
	})
	if runErr != nil {
		status := statusError
		var validationErr *brokererr.ValidationError
		if errors.As(runErr, &validationErr) {
			status = statusValidationError
		}
		return s.renderedErrorResult(status, runErr.Error()), nil
	}

	payload := render.BuildPayload(render.Params{
		Status:  string(result.Status),
		Summary: string(result.Status),
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
		Servers: input.Servers,
	})

	rendered := render.Render(render.ModeFromEnv(), payload)

	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(rendered.Text)},
		StructuredContent: rendered.Structured,
		IsError:           rendered.IsError,
	}, nil
}

// renderedErrorResult routes a validation or core-execution failure through
// the same BuildPayload/Render path a successful run takes, so its status
// (validation_error | error) reaches the client as the structured status
// field spec.md §6/§7 requires instead of a bare IsError text blob.
func (s *Server) renderedErrorResult(status, message string) *mcp.CallToolResult {
	payload := render.BuildPayload(render.Params{
		Status: status,
		Error:  message,
	})
	rendered := render.Render(render.ModeFromEnv(), payload)
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(rendered.Text)},
		StructuredContent: rendered.Structured,
		IsError:           rendered.IsError,
	}
}

func (s *Server) registerCapabilitiesResource() {
	res := mcp.NewResource(
		capabilitiesURI,
		"Sandbox capabilities",
		mcp.WithMIMEType("application/json"),
		mcp.WithResourceDescription("Discovered upstream MCP servers available to run_python"),
	)
	s.mcpServer.AddResource(res, s.handleCapabilities)
}

func (s *Server) handleCapabilities(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	names := make([]string, 0, len(s.registry.List()))
	for _, rec := range s.registry.List() {
		names = append(names, rec.Name)
	}
	sort.Strings(names)

	body := map[string]any{
		"servers":      s.registry.DescribeAll(),
		"serverOrder":  names,
		"defaultLimit": DefaultTimeoutSeconds,
		"maxTimeout":   s.limits.Max,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("frontend: marshal capabilities: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      capabilitiesURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
