package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coral-mesh/coral-broker/internal/runtime"
	"github.com/coral-mesh/coral-broker/internal/sandbox/rpc"
)

// UpcallHandler processes one in-container rpc_request and returns the
// JSON result to send back, or an error to report as a failed response.
// Supplied by internal/invocation; Supervisor itself knows nothing about
// upstream servers.
type UpcallHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Supervisor owns at most one long-lived interpreter container, started
// lazily on first use and reused across invocations (spec.md §4.6
// "Shared-state invariant"): once started, a container's AVAILABLE_SERVERS
// is fixed for its lifetime, exactly as the original implementation's
// `_ensure_started` only renders the entrypoint on first launch.
type Supervisor struct {
	detector *runtime.Detector
	limits   Limits
	stateDir string // its projects/ subdir is mounted read-write at /projects for user_tools.py + memory

	lifecycleMu sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	mux         *rpc.Multiplexer

	execMu    sync.Mutex // serializes Execute: one code submission in flight at a time
	idleTimer *time.Timer
}

// NewSupervisor creates a Supervisor with no running container yet.
func NewSupervisor(detector *runtime.Detector, limits Limits, stateDir string) *Supervisor {
	return &Supervisor{detector: detector, limits: limits, stateDir: stateDir}
}

// running reports whether a container process is alive, without
// acquiring lifecycleMu (callers already hold it).
func (s *Supervisor) running() bool {
	return s.cmd != nil && s.cmd.ProcessState == nil
}

// ensureStarted launches the container on first call; later calls are a
// no-op as long as the process is still alive, even if servers/discovered
// differ from what a fresh launch would see.
func (s *Supervisor) ensureStarted(ctx context.Context, ipcDir string, servers []ServerMetadata, discovered map[string]string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running() {
		return nil
	}

	if err := s.detector.EnsureReady(ctx); err != nil {
		return err
	}

	source, err := RenderBootstrap(servers, discovered)
	if err != nil {
		return err
	}
	bootstrapPath := filepath.Join(ipcDir, "bootstrap.py")
	if err := os.WriteFile(bootstrapPath, []byte(source), 0o644); err != nil {
		return fmt.Errorf("sandbox: write bootstrap: %w", err)
	}

	projectsDir := filepath.Join(s.stateDir, "projects")
	if err := os.MkdirAll(projectsDir, 0o755); err != nil {
		return fmt.Errorf("sandbox: create state dir: %w", err)
	}
	if err := s.detector.ShareDirectory(ctx, ipcDir); err != nil {
		return err
	}
	if err := s.detector.ShareDirectory(ctx, projectsDir); err != nil {
		return err
	}

	mounts := []Mount{
		{HostPath: ipcDir, ContainerPath: "/ipc"},
		{HostPath: projectsDir, ContainerPath: "/projects"},
	}
	argv := BuildCommand(s.detector.Runtime, s.limits, mounts, "/ipc/bootstrap.py")

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: start container: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.mux = rpc.NewMultiplexer(stdin)
	return nil
}

// Execute submits code to the (lazily started) container and waits for
// its execution_done frame, dispatching any rpc_request frames to
// handleUpcall concurrently with streaming stdout/stderr. Only one
// Execute call runs against a given Supervisor at a time.
func (s *Supervisor) Execute(ctx context.Context, ipcDir string, servers []ServerMetadata, discovered map[string]string, code string, handleUpcall UpcallHandler) (Result, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.cancelIdleTimer()

	if err := s.ensureStarted(ctx, ipcDir, servers, discovered); err != nil {
		return Result{}, err
	}

	s.lifecycleMu.Lock()
	mux := s.mux
	stdout := s.stdout
	s.lifecycleMu.Unlock()

	if err := mux.Submit(code); err != nil {
		return Result{}, fmt.Errorf("sandbox: submit code: %w", err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	handlers := rpc.Handlers{
		OnStdout: func(d string) { stdoutBuf.WriteString(d) },
		OnStderr: func(d string) { stderrBuf.WriteString(d) },
		OnUpcall: func(upcallCtx context.Context, req rpc.Frame) {
			go s.respondToUpcall(upcallCtx, mux, req, handleUpcall)
		},
		OnTimeout: func() {
			s.Kill()
		},
	}

	runErr := mux.Run(ctx, stdout, handlers)
	s.armIdleTimer()

	if runErr == rpc.ErrTimeout {
		return Result{Status: StatusTimeout, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, nil
	}
	if runErr != nil {
		return Result{Status: StatusError, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, runErr
	}
	return Result{Status: StatusOK, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, nil
}

func (s *Supervisor) respondToUpcall(ctx context.Context, mux *rpc.Multiplexer, req rpc.Frame, handle UpcallHandler) {
	result, err := handle(ctx, req.Payload)
	if err != nil {
		if respondErr := mux.Respond(req.ID, false, nil, err.Error()); respondErr != nil {
			log.Printf("[Sandbox] failed to send upcall error response: %v", respondErr)
		}
		return
	}
	if respondErr := mux.Respond(req.ID, true, result, ""); respondErr != nil {
		log.Printf("[Sandbox] failed to send upcall response: %v", respondErr)
	}
}

// Kill terminates the running container, if any. Idempotent.
func (s *Supervisor) Kill() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		log.Printf("[Sandbox] kill container: %v", err)
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
	s.mux = nil
}

func (s *Supervisor) cancelIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// armIdleTimer (re)schedules a runtime shutdown after
// limits.RuntimeIdleTimeout of no new Execute calls, matching the original
// implementation's _schedule_runtime_shutdown. A zero timeout disables it.
func (s *Supervisor) armIdleTimer() {
	if s.limits.RuntimeIdleTimeout <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(time.Duration(s.limits.RuntimeIdleTimeout)*time.Second, func() {
		s.Kill()
		s.detector.StopIdleRuntime(context.Background())
	})
}
