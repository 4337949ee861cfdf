package frontend

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// EnvDefaultTimeout and EnvMaxTimeout name the env vars bounding the
	// timeout a caller may request.
	EnvDefaultTimeout = "CORAL_BROKER_DEFAULT_TIMEOUT"
	EnvMaxTimeout     = "CORAL_BROKER_MAX_TIMEOUT"

	DefaultTimeoutSeconds = 60
	defaultMaxTimeout     = 300
)

const runPythonDescription = "Execute Python code in an ephemeral, network-isolated sandbox with access to the requested MCP servers' tools."

// TimeoutLimits bounds the timeout a run_python call may request.
type TimeoutLimits struct {
	Default int
	Max     int
}

// TimeoutLimitsFromEnv reads CORAL_BROKER_DEFAULT_TIMEOUT/CORAL_BROKER_MAX_TIMEOUT,
// falling back to sane defaults on missing or malformed values.
func TimeoutLimitsFromEnv() TimeoutLimits {
	return TimeoutLimits{
		Default: envIntOr(EnvDefaultTimeout, DefaultTimeoutSeconds),
		Max:     envIntOr(EnvMaxTimeout, defaultMaxTimeout),
	}
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// runPythonInput is the validated, shaped form of a run_python call's
// arguments.
type runPythonInput struct {
	Code    string
	Servers []string
	Timeout int
}

// runPythonSchema returns the JSON Schema object describing run_python's
// arguments, in the same hand-built map[string]interface{} shape the
// teacher's Tool.InputSchema() implementations use.
func runPythonSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Python source to execute in the sandbox.",
			},
			"servers": map[string]any{
				"type":        "array",
				"description": "Names of upstream MCP servers this execution may call.",
				"items":       map[string]any{"type": "string"},
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Execution timeout in seconds.",
			},
		},
		"required": []string{"code"},
	}
}

// parseRunPythonInput validates args server-side before
// invocation.Factory.Run is ever called: code must be non-empty after
// trimming, every servers entry must be a non-empty string, and timeout
// (when given) is clamped to [1, limits.Max] rather than rejected.
func parseRunPythonInput(args map[string]any, limits TimeoutLimits) (runPythonInput, error) {
	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return runPythonInput{}, fmt.Errorf("Missing 'code' argument")
	}

	var servers []string
	if raw, ok := args["servers"]; ok && raw != nil {
		items, ok := raw.([]any)
		if !ok {
			return runPythonInput{}, fmt.Errorf("run_python: servers must be an array of strings")
		}
		for _, item := range items {
			name, ok := item.(string)
			if !ok || strings.TrimSpace(name) == "" {
				return runPythonInput{}, fmt.Errorf("run_python: servers entries must be non-empty strings")
			}
			servers = append(servers, name)
		}
	}

	timeout := limits.Default
	if raw, ok := args["timeout"]; ok && raw != nil {
		n, err := toInt(raw)
		if err != nil {
			return runPythonInput{}, fmt.Errorf("run_python: timeout must be a number")
		}
		timeout = n
	}
	if timeout < 1 {
		timeout = 1
	}
	if timeout > limits.Max {
		timeout = limits.Max
	}

	return runPythonInput{Code: code, Servers: servers, Timeout: timeout}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
