package sandbox

import (
	"fmt"
	"os"
	"strconv"
)

// Env var names for sandbox limits, mirroring (renamed) the original
// implementation's MCP_BRIDGE_* settings.
const (
	EnvImage              = "CORAL_BROKER_IMAGE"
	EnvMemoryLimit        = "CORAL_BROKER_MEMORY_LIMIT"
	EnvPidsLimit          = "CORAL_BROKER_PIDS_LIMIT"
	EnvCPULimit           = "CORAL_BROKER_CPU_LIMIT"
	EnvContainerUser      = "CORAL_BROKER_CONTAINER_USER"
	EnvRuntimeIdleTimeout = "CORAL_BROKER_RUNTIME_IDLE_TIMEOUT"
)

// Defaults, unchanged from the original implementation's DEFAULT_IMAGE /
// DEFAULT_MEMORY / DEFAULT_PIDS / CONTAINER_USER / DEFAULT_RUNTIME_IDLE_TIMEOUT.
const (
	defaultImage              = "python:3.14-slim"
	defaultMemoryLimit        = "512m"
	defaultPidsLimit          = 128
	defaultContainerUser      = "65534:65534"
	defaultRuntimeIdleTimeout = 300
)

// Limits configures one sandbox container's resource constraints.
type Limits struct {
	Image              string
	MemoryLimit        string
	PidsLimit          int
	CPULimit           string // empty means unset, no --cpus flag
	ContainerUser      string
	RuntimeIdleTimeout int // seconds; 0 disables idle shutdown
}

// LimitsFromEnv reads Limits from the environment, falling back to the
// original implementation's defaults for anything unset.
func LimitsFromEnv() Limits {
	return Limits{
		Image:              envOr(EnvImage, defaultImage),
		MemoryLimit:        envOr(EnvMemoryLimit, defaultMemoryLimit),
		PidsLimit:          envIntOr(EnvPidsLimit, defaultPidsLimit),
		CPULimit:           os.Getenv(EnvCPULimit),
		ContainerUser:      envOr(EnvContainerUser, defaultContainerUser),
		RuntimeIdleTimeout: envIntOr(EnvRuntimeIdleTimeout, defaultRuntimeIdleTimeout),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Mount is one bind mount attached to the container: a per-invocation IPC
// directory carrying the rendered bootstrap, and the persistent
// state-directory mount for user_tools.py / memory.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

func (m Mount) spec() string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, mode)
}

// BuildCommand constructs the container runtime argv, mirroring
// RootlessContainerSandbox._base_cmd verbatim in flag order and choice:
// rootless, no network, read-only root filesystem, capped tmpfs scratch
// space, all capabilities dropped, no-new-privileges, and the requested
// resource limits. entrypointPath is the in-container path to the
// rendered bootstrap (under the IPC mount).
func BuildCommand(runtimeBin string, limits Limits, mounts []Mount, entrypointPath string) []string {
	cmd := []string{
		runtimeBin,
		"run",
		"--rm",
		"--interactive",
		"--network", "none",
		"--read-only",
		"--pids-limit", strconv.Itoa(limits.PidsLimit),
		"--memory", limits.MemoryLimit,
		"--tmpfs", "/tmp:rw,noexec,nosuid,nodev,size=64m",
		"--tmpfs", "/workspace:rw,noexec,nosuid,nodev,size=128m",
		"--workdir", "/workspace",
		"--env", "HOME=/workspace",
		"--env", "PYTHONUNBUFFERED=1",
		"--env", "PYTHONIOENCODING=utf-8",
		"--env", "PYTHONDONTWRITEBYTECODE=1",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", limits.ContainerUser,
	}
	if limits.CPULimit != "" {
		cmd = append(cmd, "--cpus", limits.CPULimit)
	}
	for _, m := range mounts {
		cmd = append(cmd, "--volume", m.spec())
	}
	cmd = append(cmd, limits.Image, "python3", "-u", entrypointPath)
	return cmd
}
