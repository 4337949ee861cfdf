// Package invocation builds one sandboxed execution per run_python call:
// validating the requested server allowlist, priming upstream sessions,
// materializing the IPC directory and bootstrap metadata, delegating to
// the Sandbox Supervisor, and tearing down per the configured session
// policy. Grounded on original_source's SandboxInvocation/MCPBridge
// orchestration, expressed with the teacher's layered construction and
// %w-wrapped error style.
package invocation

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/coral-mesh/coral-broker/internal/brokererr"
	"github.com/coral-mesh/coral-broker/internal/catalog"
	"github.com/coral-mesh/coral-broker/internal/registry"
	"github.com/coral-mesh/coral-broker/internal/sandbox"
	"github.com/coral-mesh/coral-broker/internal/upstream"
)

// EnvSessionPolicy names the environment variable selecting teardown
// behavior: "keep-alive" (default) leaves upstream sessions running for
// reuse by later invocations; "per-invocation" restarts every session this
// invocation touched once it completes.
const EnvSessionPolicy = "CORAL_BROKER_SESSION_POLICY"

const (
	SessionPolicyKeepAlive     = "keep-alive"
	SessionPolicyPerInvocation = "per-invocation"
)

// Request is one validated run_python call.
type Request struct {
	Code    string
	Servers []string
	Timeout int // seconds, already clamped by the frontend
}

// Factory builds Contexts, holding the broker-lifetime collaborators every
// invocation needs: the registry, the upstream session manager, the tool
// metadata cache, and the sandbox supervisor.
type Factory struct {
	Registry      *registry.Registry
	Upstream      *upstream.Manager
	Catalog       *catalog.Cache
	Supervisor    *sandbox.Supervisor
	StateDir      string
	SessionPolicy string // one of SessionPolicy*, resolved once at startup
}

// NewFactory constructs a Factory, reading CORAL_BROKER_SESSION_POLICY
// (defaulting to keep-alive) once so every invocation shares the decision.
func NewFactory(reg *registry.Registry, up *upstream.Manager, cat *catalog.Cache, sup *sandbox.Supervisor, stateDir string) *Factory {
	policy := os.Getenv(EnvSessionPolicy)
	if policy != SessionPolicyPerInvocation {
		policy = SessionPolicyKeepAlive
	}
	return &Factory{
		Registry:      reg,
		Upstream:      up,
		Catalog:       cat,
		Supervisor:    sup,
		StateDir:      stateDir,
		SessionPolicy: policy,
	}
}

// Run executes one run_python call end to end: validate, prime sessions,
// render bootstrap metadata, delegate to the sandbox, tear down.
func (f *Factory) Run(ctx context.Context, req Request) (sandbox.Result, error) {
	recs, err := f.resolveServers(req.Servers)
	if err != nil {
		return sandbox.Result{}, err
	}

	sessions, err := f.ensureSessions(ctx, recs)
	if err != nil {
		return sandbox.Result{}, err
	}

	ipcDir := filepath.Join(f.StateDir, "ipc-"+uuid.NewString())
	if err := os.Mkdir(ipcDir, 0o755); err != nil {
		return sandbox.Result{}, fmt.Errorf("invocation: create ipc dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(ipcDir); rmErr != nil {
			log.Printf("[Invocation] failed to remove ipc dir %q: %v", ipcDir, rmErr)
		}
	}()

	servers, err := f.buildServerMetadata(ctx, recs, sessions)
	if err != nil {
		return sandbox.Result{}, err
	}
	discovered := f.Registry.DescribeAll()

	recsByName := make(map[string]*registry.ServerRecord, len(recs))
	for _, rec := range recs {
		recsByName[rec.Name] = rec
	}
	dispatcher := NewDispatcher(f.Catalog, recsByName, sessions)

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	result, err := f.Supervisor.Execute(execCtx, ipcDir, servers, discovered, req.Code, dispatcher.Handle)

	f.teardown(sessions)

	if err != nil {
		return result, fmt.Errorf("invocation: execute: %w", err)
	}
	return result, nil
}

// resolveServers validates every requested name exists in the registry
// before anything else happens — no upstream is started and no sandbox is
// launched for an invalid request (spec.md §8 scenario c).
func (f *Factory) resolveServers(names []string) ([]*registry.ServerRecord, error) {
	recs := make([]*registry.ServerRecord, 0, len(names))
	for _, name := range names {
		rec, ok := f.Registry.Lookup(name)
		if !ok {
			return nil, brokererr.NewValidation("unknown server %q", name)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ensureSessions starts (or reuses) one upstream.Session per requested
// server, returned keyed by server name for the dispatcher's allowlist.
func (f *Factory) ensureSessions(ctx context.Context, recs []*registry.ServerRecord) (map[string]*upstream.Session, error) {
	sessions := make(map[string]*upstream.Session, len(recs))
	for _, rec := range recs {
		sess, err := f.Upstream.Ensure(ctx, *rec)
		if err != nil {
			return nil, fmt.Errorf("invocation: start upstream %q: %w", rec.Name, err)
		}
		sessions[rec.Name] = sess
	}
	return sessions, nil
}

// buildServerMetadata fetches (or reuses cached) tool metadata for each
// allowed server and shapes it into the sandbox bootstrap's input format.
func (f *Factory) buildServerMetadata(ctx context.Context, recs []*registry.ServerRecord, sessions map[string]*upstream.Session) ([]sandbox.ServerMetadata, error) {
	out := make([]sandbox.ServerMetadata, 0, len(recs))
	for _, rec := range recs {
		sess := sessions[rec.Name]
		entries, err := f.Catalog.Metadata(ctx, rec, func(fetchCtx context.Context) ([]upstream.ToolInfo, error) {
			return sess.ListTools(fetchCtx)
		})
		if err != nil {
			return nil, fmt.Errorf("invocation: metadata for %q: %w", rec.Name, err)
		}

		tools := make([]sandbox.ToolDoc, 0, len(entries))
		for _, e := range entries {
			tools = append(tools, sandbox.ToolDoc{
				Name:        e.Tool.Name,
				Alias:       e.Tool.Alias,
				Description: e.Tool.Description,
				InputSchema: e.Tool.InputSchema,
			})
		}

		out = append(out, sandbox.ServerMetadata{
			Name:        rec.Name,
			Alias:       rec.Alias,
			Description: rec.Description,
			Tools:       tools,
		})
	}
	return out, nil
}

// teardown applies the configured session policy. keep-alive (default)
// leaves sessions running for the next invocation to reuse; per-invocation
// restarts every session this invocation touched.
func (f *Factory) teardown(sessions map[string]*upstream.Session) {
	if f.SessionPolicy != SessionPolicyPerInvocation {
		return
	}
	for name := range sessions {
		f.Upstream.Restart(name)
		f.Catalog.Invalidate(name)
	}
}
