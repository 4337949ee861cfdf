package discovery

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SelfEnvVar is set on the broker's own process at startup to a random
// per-run token. An upstream config is rejected if its declared env would
// also set this variable to the same value — the broker would otherwise
// spawn a copy of itself as an "upstream".
const SelfEnvVar = "CORAL_BROKER_SELF"

// AllowSelfEnvVar disables the self-hosting guard entirely when set to "1".
const AllowSelfEnvVar = "CORAL_BROKER_ALLOW_SELF"

// defaultSelfTokens are executable basenames that historically identify
// this broker or its predecessor, matched as a fallback when the env-token
// guard above doesn't apply (e.g. a config file written before this broker
// tagged its own environment).
var defaultSelfTokens = []string{
	"coral-broker",
	"mcp_server_code_execution_mode.py",
}

// SelfGuard implements the self-hosting rejection described in spec §4.1 /
// §9: tag this process's own environment with a random token, and reject
// any upstream whose launch environment would inherit the same tag, with a
// filename-pattern fallback for configs that predate the tagging scheme.
type SelfGuard struct {
	token      string
	allow      bool
	selfTokens []string
}

// NewSelfGuard reads or establishes this run's self-token and tags the
// current process environment with it.
func NewSelfGuard() *SelfGuard {
	token := os.Getenv(SelfEnvVar)
	if token == "" {
		token = uuid.NewString()
		_ = os.Setenv(SelfEnvVar, token)
	}
	return &SelfGuard{
		token:      token,
		allow:      os.Getenv(AllowSelfEnvVar) == "1",
		selfTokens: defaultSelfTokens,
	}
}

// LooksLikeSelf reports whether a candidate upstream record would launch
// this broker itself.
func (g *SelfGuard) LooksLikeSelf(name, command string, args []string, env map[string]string) bool {
	if g.allow {
		return false
	}
	if v, ok := env[SelfEnvVar]; ok && v == g.token {
		return true
	}

	lname := strings.ToLower(name)
	for _, t := range g.selfTokens {
		if lname == t {
			return true
		}
	}

	commandBase := strings.ToLower(filepath.Base(command))
	if matchesSelfToken(commandBase, g.selfTokens) {
		return true
	}

	for _, arg := range args {
		argLower := strings.ToLower(arg)
		argBase := filepath.Base(argLower)
		if matchesSelfToken(argLower, g.selfTokens) || matchesSelfToken(argBase, g.selfTokens) {
			return true
		}
	}
	return false
}

func matchesSelfToken(candidate string, tokens []string) bool {
	for _, t := range tokens {
		if candidate == t || strings.HasSuffix(candidate, t) {
			return true
		}
	}
	return false
}
