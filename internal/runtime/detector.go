// Package runtime detects and prepares a rootless container runtime
// (podman or docker) for the Sandbox Supervisor, generalizing the
// teacher's two-stage synchronous-probe-then-background-remediation shape
// from Node.js/tsx detection to container runtime detection.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// EnvRuntime names the environment variable a deployment can set to pin a
// specific runtime binary, skipping the podman/docker probe order.
const EnvRuntime = "CORAL_BROKER_RUNTIME"

// machineRetries bounds how many times EnsureReady retries the
// info -> machine start -> machine init sequence before giving up,
// mirroring the original implementation's `for _ in range(3)` loop.
const machineRetries = 3

// Detector probes for and prepares a container runtime. Safe for
// concurrent use; EnsureReady calls for the same runtime coalesce onto a
// single in-flight machine-start attempt via singleflight.
type Detector struct {
	Runtime string // resolved absolute-or-PATH binary name, e.g. "podman"

	group       singleflight.Group
	sharedMu    sync.Mutex
	sharedPaths map[string]bool
}

// Detect performs Stage 1 (synchronous exec.LookPath probing): preferred,
// then $CORAL_BROKER_RUNTIME, then "podman", then "docker". Returns a
// Detector with Runtime == "" if none was found — callers surface that as
// a SandboxError only when an execution is actually attempted, matching
// the original implementation's deferred-failure behavior.
func Detect(preferred string) *Detector {
	candidates := []string{preferred, os.Getenv(EnvRuntime), "podman", "docker"}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return &Detector{Runtime: path, sharedPaths: make(map[string]bool)}
		}
	}
	return &Detector{sharedPaths: make(map[string]bool)}
}

// HasMachineConcept reports whether this runtime has a "machine" (VM)
// lifecycle to manage and idle-shut-down — true only for podman. Docker on
// Linux runs as a host daemon with no equivalent concept.
func (d *Detector) HasMachineConcept() bool {
	return d.isPodman()
}

func (d *Detector) isPodman() bool {
	return strings.Contains(strings.ToLower(filepathBase(d.Runtime)), "podman")
}

func filepathBase(path string) string {
	if path == "" {
		return ""
	}
	idx := strings.LastIndexAny(path, `/\`)
	if idx == -1 {
		return path
	}
	return path[idx+1:]
}

// EnsureReady performs Stage 2: for podman, runs `podman info`, and on
// failure retries `machine start` (and `machine init` if no machine
// exists yet) up to machineRetries times before giving up. For docker (or
// no detected runtime at all) this is a no-op — docker's daemon model has
// no machine-start step.
//
// Concurrent EnsureReady calls coalesce onto one singleflight attempt so
// two simultaneous sandbox launches don't race two `podman machine start`
// invocations against each other.
func (d *Detector) EnsureReady(ctx context.Context) error {
	if d.Runtime == "" {
		return fmt.Errorf("runtime: no container runtime found; install podman or docker and set %s if multiple are available", EnvRuntime)
	}
	if !d.isPodman() {
		return nil
	}

	_, err, _ := d.group.Do("ensure-ready", func() (any, error) {
		return nil, d.ensurePodmanMachine(ctx)
	})
	return err
}

func (d *Detector) ensurePodmanMachine(ctx context.Context) error {
	for i := 0; i < machineRetries; i++ {
		code, stdout, stderr, err := d.run(ctx, "info", "--format", "{{json .}}")
		if err == nil && code == 0 {
			return nil
		}

		combined := strings.ToLower(stdout + "\n" + stderr)
		needsMachine := containsAny(combined,
			"cannot connect to podman", "podman machine", "run the podman machine", "socket: connect")
		if !needsMachine {
			return fmt.Errorf("runtime: container runtime unavailable: %s", firstNonEmpty(stderr, stdout))
		}

		startCode, startOut, startErr, _ := d.run(ctx, "machine", "start")
		if startCode == 0 {
			continue
		}

		startCombined := strings.ToLower(startOut + "\n" + startErr)
		if containsAny(startCombined, "does not exist", "no such machine") {
			initCode, initOut, initErr, _ := d.run(ctx, "machine", "init")
			if initCode != 0 {
				return fmt.Errorf("runtime: failed to initialize podman machine: %s", firstNonEmpty(initErr, initOut))
			}
			continue // retry the info/start sequence
		}

		return fmt.Errorf("runtime: failed to start podman machine: %s", firstNonEmpty(startErr, startOut))
	}
	return fmt.Errorf("runtime: unable to prepare podman runtime after %d attempts", machineRetries)
}

// StopIdleRuntime stops the podman machine after idle timeout expires
// (spec.md §4.5 / §9 "idle runtime shutdown"); a no-op for non-podman
// runtimes, which have no machine to stop.
func (d *Detector) StopIdleRuntime(ctx context.Context) {
	if !d.HasMachineConcept() {
		return
	}
	code, stdout, stderr, err := d.run(ctx, "machine", "stop")
	if err != nil || code == 0 {
		return
	}
	combined := strings.ToLower(stdout + "\n" + stderr)
	if containsAny(combined, "already stopped", "is not running") {
		return
	}
	log.Printf("[Runtime] failed to stop podman machine: %s", strings.TrimSpace(stderr))
}

// ShareDirectory ensures path is visible inside the podman VM, idempotent
// per-path (tracked in sharedPaths). No-op for docker, which shares the
// host filesystem natively. Windows/WSL2 is out of scope for this broker
// (spec.md Non-goals: Linux/macOS only), so no platform branch is needed.
func (d *Detector) ShareDirectory(ctx context.Context, path string) error {
	d.sharedMu.Lock()
	if d.sharedPaths[path] {
		d.sharedMu.Unlock()
		return nil
	}
	d.sharedMu.Unlock()

	_, err, _ := d.group.Do("share:"+path, func() (any, error) {
		d.sharedMu.Lock()
		already := d.sharedPaths[path]
		d.sharedMu.Unlock()
		if already {
			return nil, nil
		}
		if d.isPodman() {
			if err := d.shareVolume(ctx, path); err != nil {
				return nil, err
			}
		}
		d.sharedMu.Lock()
		d.sharedPaths[path] = true
		d.sharedMu.Unlock()
		return nil, nil
	})
	return err
}

func (d *Detector) shareVolume(ctx context.Context, path string) error {
	spec := path + ":" + path
	code, stdout, stderr, err := d.run(ctx, "machine", "set", "--rootful", spec)
	if err != nil {
		return fmt.Errorf("runtime: share volume %q: %w", path, err)
	}
	if code != 0 {
		if containsAny(strings.ToLower(stdout+"\n"+stderr), "already") {
			return nil // already shared: nothing left to do
		}
		return fmt.Errorf("runtime: share volume %q: %s", path, firstNonEmpty(stderr, stdout))
	}
	return nil
}

// run executes `<runtime> args...` and returns its exit code and captured
// stdout/stderr, never propagating a run failure as a panic — callers
// decide what a nonzero/err result means.
func (d *Detector) run(ctx context.Context, args ...string) (code int, stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, d.Runtime, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()

	stdout = outBuf.String()
	stderr = errBuf.String()
	if runErr == nil {
		return 0, stdout, stderr, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), stdout, stderr, nil
	}
	return -1, stdout, stderr, runErr
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
