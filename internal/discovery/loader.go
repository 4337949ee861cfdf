package discovery

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/coral-mesh/coral-broker/internal/registry"
)

// rawRecord mirrors one entry in a config file's mcpServers map.
// Unrecognized keys are tolerated (spec §6).
type rawRecord struct {
	Command     string            `json:"command" toml:"command"`
	Args        []string          `json:"args,omitempty" toml:"args"`
	Env         map[string]string `json:"env,omitempty" toml:"env"`
	Cwd         string            `json:"cwd,omitempty" toml:"cwd"`
	Description string            `json:"description,omitempty" toml:"description"`
}

type configFile struct {
	MCPServers  map[string]rawRecord `json:"mcpServers" toml:"mcpServers"`
	Description string               `json:"description,omitempty" toml:"description"`
}

// Discover scans sources in order and merges discovered servers into reg.
// First-discovered name wins (spec §4.1, §8 property 7); later occurrences
// are logged and ignored. A server whose command/args/env looks like this
// broker's own launch is rejected via guard (spec §4.1, §8 property 6).
// Failures reading or parsing any one source are logged and skipped —
// Discover itself never returns an error for a bad individual source.
func Discover(reg *registry.Registry, sources []Source, guard *SelfGuard) {
	for _, src := range sources {
		files, err := expandSource(src)
		if err != nil {
			log.Printf("[Discovery] %s (%s): %v", src.Label, src.Path, err)
			continue
		}
		for _, file := range files {
			loadFile(reg, file, src.Format, src.Label, guard)
		}
	}
}

// expandSource resolves a Source to the concrete list of files to parse:
// itself for a KindFile source, or every file matching its format's
// extension within a KindDirectory source.
func expandSource(src Source) ([]string, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if src.Kind == KindFile {
		if info.IsDir() {
			return nil, fmt.Errorf("expected file, found directory")
		}
		return []string{src.Path}, nil
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("expected directory, found file")
	}
	entries, err := os.ReadDir(src.Path)
	if err != nil {
		return nil, err
	}
	ext := "." + string(src.Format)
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ext) {
			files = append(files, filepath.Join(src.Path, e.Name()))
		}
	}
	return files, nil
}

func loadFile(reg *registry.Registry, path string, format Format, label string, guard *SelfGuard) {
	var cfg configFile
	var err error
	switch format {
	case FormatTOML:
		_, err = toml.DecodeFile(path, &cfg)
	default:
		var data []byte
		data, err = os.ReadFile(path)
		if err == nil {
			err = json.Unmarshal(data, &cfg)
		}
	}
	if err != nil {
		log.Printf("[Discovery] %s: failed to parse %s: %v", label, path, err)
		return
	}

	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := cfg.MCPServers[name]
		if reg.Has(name) {
			log.Printf("[Discovery] %s: server %q already registered from an earlier source, ignoring", label, name)
			continue
		}
		if guard.LooksLikeSelf(name, raw.Command, raw.Args, raw.Env) {
			log.Printf("[Discovery] %s: server %q rejected — looks like the broker's own entry point", label, name)
			continue
		}

		if pyScript := findPyScript(raw.Command, raw.Args); pyScript != "" {
			findings, scanErr := ScanScript(pyScript)
			if scanErr != nil {
				log.Printf("[Discovery] %s: scan error for %q: %v", label, name, scanErr)
			} else if HasCritical(findings) {
				LogFindings(name, findings)
				log.Printf("[Discovery] %s: server %q rejected — critical security findings in %s", label, name, pyScript)
				continue
			} else {
				LogFindings(name, findings)
			}
		}

		description := raw.Description
		if description == "" {
			description = cfg.Description
		}
		reg.Add(registry.ServerRecord{
			Name:        name,
			Command:     raw.Command,
			Args:        raw.Args,
			Env:         raw.Env,
			Cwd:         raw.Cwd,
			Description: description,
		})
	}
}

// TimedDiscover is a tiny diagnostic helper kept for CLI startup
// logging; Discover itself is synchronous and this simply times one call.
func TimedDiscover(reg *registry.Registry, sources []Source, guard *SelfGuard) time.Duration {
	start := time.Now()
	Discover(reg, sources, guard)
	return time.Since(start)
}
