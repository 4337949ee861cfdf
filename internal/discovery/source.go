// Package discovery enumerates candidate upstream MCP server configuration
// files across well-known paths, parses them, and merges the results into a
// registry.Registry with first-discovered-wins precedence.
package discovery

import (
	"os"
	"path/filepath"
	"runtime"
)

// Kind distinguishes a single config file from a directory of them.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Format is the on-disk encoding of a config source.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// Source is one candidate location to scan for upstream server configs.
type Source struct {
	Path   string
	Kind   Kind
	Format Format
	Label  string
}

// EnvConfigPath names an environment variable pointing at one extra config
// file, consulted last.
const EnvConfigPath = "CORAL_BROKER_MCP_CONFIG"

// DefaultSources returns the ordered list of config sources to scan,
// first-match-per-name wins. Mirrors CONFIG_SOURCES in the original
// mcp-server-code-execution-mode implementation: a user MCPs directory,
// the standard MCP config directory, local project configs, per-editor
// config files, platform-specific additions, and one env-var path.
func DefaultSources() []Source {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	sources := []Source{
		{Path: filepath.Join(home, "MCPs"), Kind: KindDirectory, Format: FormatJSON, Label: "User MCPs"},
		{Path: filepath.Join(home, ".config", "mcp", "servers"), Kind: KindDirectory, Format: FormatJSON, Label: "Standard MCP"},
		{Path: filepath.Join(cwd, "mcp-servers"), Kind: KindDirectory, Format: FormatJSON, Label: "Local Project"},
		{Path: filepath.Join(cwd, ".vscode", "mcp.json"), Kind: KindFile, Format: FormatJSON, Label: "VS Code Workspace"},
		{Path: filepath.Join(home, ".claude.json"), Kind: KindFile, Format: FormatJSON, Label: "Claude CLI"},
		{Path: filepath.Join(home, ".cursor", "mcp.json"), Kind: KindFile, Format: FormatJSON, Label: "Cursor"},
		{Path: filepath.Join(home, ".opencode.json"), Kind: KindFile, Format: FormatJSON, Label: "OpenCode CLI"},
		{Path: filepath.Join(home, ".codeium", "windsurf", "mcp_config.json"), Kind: KindFile, Format: FormatJSON, Label: "Windsurf"},
	}

	switch runtime.GOOS {
	case "darwin":
		sources = append(sources,
			Source{Path: filepath.Join(home, "Library", "Application Support", "Claude Code", "claude_code_config.json"), Kind: KindFile, Format: FormatJSON, Label: "Claude Code (macOS)"},
			Source{Path: filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), Kind: KindFile, Format: FormatJSON, Label: "Claude Desktop (macOS)"},
			Source{Path: filepath.Join(home, "Library", "Application Support", "Code", "User", "settings.json"), Kind: KindFile, Format: FormatJSON, Label: "VS Code Global (macOS)"},
		)
	case "linux":
		sources = append(sources,
			Source{Path: filepath.Join(home, ".config", "Code", "User", "settings.json"), Kind: KindFile, Format: FormatJSON, Label: "VS Code Global (Linux)"},
		)
	}

	if extra := os.Getenv(EnvConfigPath); extra != "" {
		sources = append(sources, Source{Path: extra, Kind: KindFile, Format: formatOf(extra), Label: "Env Override"})
	}

	return sources
}

func formatOf(path string) Format {
	if filepath.Ext(path) == ".toml" {
		return FormatTOML
	}
	return FormatJSON
}
