// Command coral-broker serves the run_python MCP tool: it discovers
// upstream MCP servers from the well-known config locations, then proxies
// sandboxed Python executions' tool calls to them over stdio.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coral-mesh/coral-broker/internal/catalog"
	"github.com/coral-mesh/coral-broker/internal/config"
	"github.com/coral-mesh/coral-broker/internal/discovery"
	"github.com/coral-mesh/coral-broker/internal/frontend"
	"github.com/coral-mesh/coral-broker/internal/invocation"
	"github.com/coral-mesh/coral-broker/internal/registry"
	"github.com/coral-mesh/coral-broker/internal/runtime"
	"github.com/coral-mesh/coral-broker/internal/sandbox"
	"github.com/coral-mesh/coral-broker/internal/upstream"
)

const (
	serverName    = "coral-broker"
	serverVersion = "0.1.0"
)

func main() {
	config.LoadEnv()

	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║          Coral Broker v0.1            ║")
	fmt.Println("║   run_python over a sandboxed MCP     ║")
	fmt.Println("╚══════════════════════════════════════╝")

	stateDir := os.Getenv("CORAL_BROKER_STATE_DIR")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("❌ Failed to resolve a home directory for CORAL_BROKER_STATE_DIR: %v", err)
		}
		stateDir = filepath.Join(home, ".coral-broker")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Fatalf("❌ Failed to create state directory %q: %v", stateDir, err)
	}
	fmt.Printf("📂 State dir: %s\n", stateDir)

	// Self-hosting guard: tag this process before any discovery runs so a
	// config pointing back at this broker is rejected, not spawned.
	guard := discovery.NewSelfGuard()

	reg := registry.New()
	elapsed := discovery.TimedDiscover(reg, discovery.DefaultSources(), guard)
	fmt.Printf("🔎 Discovery: %d server(s) in %v\n", len(reg.List()), elapsed)
	for _, rec := range reg.List() {
		fmt.Printf("   - %s (%s)\n", rec.Name, rec.Alias)
	}

	upstreamMgr := upstream.NewManager()
	defer func() {
		if err := upstreamMgr.CloseAll(); err != nil {
			log.Printf("⚠️  Failed to close upstream sessions cleanly: %v", err)
		}
	}()

	catalogCache := catalog.NewCache()

	limits := sandbox.LimitsFromEnv()
	detector := runtime.Detect("")
	if detector.Runtime == "" {
		fmt.Println("⚠️  No container runtime (podman/docker) found on PATH — run_python will fail until one is installed")
	} else {
		fmt.Printf("🐳 Runtime: %s\n", detector.Runtime)
	}
	supervisor := sandbox.NewSupervisor(detector, limits, stateDir)
	defer supervisor.Kill()

	factory := invocation.NewFactory(reg, upstreamMgr, catalogCache, supervisor, stateDir)
	fmt.Printf("🔁 Session policy: %s\n", factory.SessionPolicy)

	timeoutLimits := frontend.TimeoutLimitsFromEnv()
	fe := frontend.NewServer(serverName, serverVersion, factory, reg, timeoutLimits)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("🛑 Shutting down...")
		cancel()
	}()

	fmt.Println("🚀 Serving run_python on stdio")
	if err := fe.Start(ctx); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}
