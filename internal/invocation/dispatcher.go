package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/coral-mesh/coral-broker/internal/catalog"
	"github.com/coral-mesh/coral-broker/internal/registry"
	"github.com/coral-mesh/coral-broker/internal/upstream"
	"github.com/coral-mesh/coral-broker/internal/util"
)

// resultLogPreviewRunes bounds how much of a call_tool result is logged,
// mirroring the original broker's str(result)[:200] preview.
const resultLogPreviewRunes = 200

// upcallEnvelope is the outer shape of every rpc_request payload: a type
// tag plus whichever of the type-specific fields apply.
type upcallEnvelope struct {
	Type      string         `json:"type"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Detail    string         `json:"detail"`
	Query     string         `json:"query"`
	Limit     int            `json:"limit"`
	Arguments map[string]any `json:"arguments"`
}

// upcallResult is the inner application-level envelope this broker wraps
// every upcall's outcome in: the bootstrap's mcp.runtime helpers unwrap
// this (`response.get("success")`/`response.get("result")`) rather than
// the outer rpc_response frame's own success flag, which instead reports
// whether the request reached the dispatcher at all.
type upcallResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher answers in-container upcalls (spec.md §4.8's upcall table),
// enforcing the allowlist invariant (spec.md §8 property 2): only servers
// present in recs/sessions — this invocation's resolved, already-started
// allowlist — are ever reachable, regardless of what the sandbox asks for.
type Dispatcher struct {
	catalog  *catalog.Cache
	recs     map[string]*registry.ServerRecord
	sessions map[string]*upstream.Session
}

// NewDispatcher builds a Dispatcher scoped to one invocation's allowed
// servers. recs and sessions must share the same key set (server name).
func NewDispatcher(cat *catalog.Cache, recs map[string]*registry.ServerRecord, sessions map[string]*upstream.Session) *Dispatcher {
	return &Dispatcher{catalog: cat, recs: recs, sessions: sessions}
}

// Handle implements sandbox.UpcallHandler: it decodes payload, dispatches
// by its "type" field, and returns a marshaled upcallResult. A non-nil
// error here means the request itself was malformed (bad JSON, unknown
// type) — an application-level failure such as "server not allowed" or an
// upstream error is reported inside the returned upcallResult instead, so
// the sandbox's mcp.runtime helpers can raise MCPError themselves.
func (d *Dispatcher) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var env upcallEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invocation: decode upcall payload: %w", err)
	}

	switch env.Type {
	case "list_servers":
		return marshalResult(d.listServers())
	case "list_tools":
		return marshalResult(d.listTools(ctx, env.Server))
	case "call_tool":
		return marshalResult(d.callTool(ctx, env.Server, env.Tool, env.Arguments))
	case "query_tool_docs":
		return marshalResult(d.queryToolDocs(ctx, env.Server, env.Tool, env.Detail))
	case "search_tool_docs":
		return marshalResult(d.searchToolDocs(ctx, env.Query, env.Limit))
	default:
		return nil, fmt.Errorf("invocation: unknown upcall type %q", env.Type)
	}
}

func marshalResult(result any, err error) (json.RawMessage, error) {
	var body upcallResult
	if err != nil {
		body = upcallResult{Success: false, Error: err.Error()}
	} else {
		body = upcallResult{Success: true, Result: result}
	}
	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return nil, fmt.Errorf("invocation: marshal upcall result: %w", marshalErr)
	}
	return data, nil
}

func (d *Dispatcher) session(server string) (*upstream.Session, error) {
	sess, ok := d.sessions[server]
	if !ok {
		return nil, fmt.Errorf("Server '%s' is not available", server)
	}
	return sess, nil
}

func (d *Dispatcher) listServers() ([]string, error) {
	names := make([]string, 0, len(d.sessions))
	for name := range d.sessions {
		names = append(names, name)
	}
	return names, nil
}

func (d *Dispatcher) listTools(ctx context.Context, server string) ([]catalog.ToolMetadata, error) {
	entries, err := d.toolEntries(ctx, server)
	if err != nil {
		return nil, err
	}
	tools := make([]catalog.ToolMetadata, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.Tool)
	}
	return tools, nil
}

func (d *Dispatcher) callTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	sess, err := d.session(server)
	if err != nil {
		return "", err
	}
	result, err := sess.CallTool(ctx, tool, args)
	if err != nil {
		return "", err
	}
	log.Printf("[Invocation] call_tool %s.%s result: %s", server, tool, util.TruncateRunes(result, resultLogPreviewRunes))
	return result, nil
}

func (d *Dispatcher) queryToolDocs(ctx context.Context, server, tool, detail string) (any, error) {
	entries, err := d.toolEntries(ctx, server)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Tool.Name == tool || e.Tool.Alias == tool {
			if detail == "full" {
				return e.Tool, nil
			}
			return map[string]string{"name": e.Tool.Name, "description": e.Tool.Description}, nil
		}
	}
	return nil, fmt.Errorf("tool %q not found on server %q", tool, server)
}

func (d *Dispatcher) searchToolDocs(ctx context.Context, query string, limit int) ([]catalog.Entry, error) {
	var all []catalog.Entry
	for name := range d.sessions {
		entries, err := d.toolEntries(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("metadata for %q: %w", name, err)
		}
		all = append(all, entries...)
	}
	if limit <= 0 {
		limit = 10
	}
	return catalog.Search(all, query, limit), nil
}

// toolEntries fetches (or reuses cached) tool metadata for server, which
// must be part of this invocation's allowlist.
func (d *Dispatcher) toolEntries(ctx context.Context, server string) ([]catalog.Entry, error) {
	sess, err := d.session(server)
	if err != nil {
		return nil, err
	}
	rec, ok := d.recs[server]
	if !ok {
		return nil, fmt.Errorf("Server '%s' is not available", server)
	}
	return d.catalog.Metadata(ctx, rec, func(fetchCtx context.Context) ([]upstream.ToolInfo, error) {
		return sess.ListTools(fetchCtx)
	})
}
