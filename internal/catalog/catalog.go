// Package catalog caches per-server tool metadata and serves the keyword
// search the in-sandbox `search_tool_docs` upcall needs, so every
// invocation doesn't have to round-trip every upstream's full tool list.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coral-mesh/coral-broker/internal/registry"
	"github.com/coral-mesh/coral-broker/internal/upstream"
)

// ToolMetadata is one upstream tool's cached description.
type ToolMetadata struct {
	Name        string
	Alias       string // unique within its server, derived via registry.Aliasify
	Description string
	InputSchema json.RawMessage
}

// Entry is a flattened, search-ready view of one tool: its own metadata
// plus the server it came from, matching the keyword blob spec.md §4.4
// describes (server name + alias + tool name + alias + description).
type Entry struct {
	ServerName  string
	ServerAlias string
	Tool        ToolMetadata
}

func (e Entry) keywordBlob() string {
	return strings.ToLower(strings.Join([]string{
		e.ServerName, e.ServerAlias, e.Tool.Name, e.Tool.Alias, e.Tool.Description,
	}, " "))
}

// Cache holds per-server tool metadata, computed lazily on first access and
// invalidated whenever an upstream session restarts. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]Entry // serverName -> entries, populated lazily
	dirty   map[string]bool    // serverName -> needs refresh
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string][]Entry),
		dirty:   make(map[string]bool),
	}
}

// Metadata returns the cached tool list for rec, fetching and caching it on
// first call (or after Invalidate) via fetch — ordinarily session.ListTools
// for rec's running upstream.Session. Tool aliases are computed
// per-server-unique the same way registry.Aliasify does for server names.
func (c *Cache) Metadata(ctx context.Context, rec *registry.ServerRecord, fetch func(context.Context) ([]upstream.ToolInfo, error)) ([]Entry, error) {
	c.mu.RLock()
	cached, ok := c.entries[rec.Name]
	stale := c.dirty[rec.Name]
	c.mu.RUnlock()
	if ok && !stale {
		return cached, nil
	}

	tools, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch tools for %q: %w", rec.Name, err)
	}

	entries := buildEntries(rec, tools)

	c.mu.Lock()
	c.entries[rec.Name] = entries
	delete(c.dirty, rec.Name)
	c.mu.Unlock()

	return entries, nil
}

func buildEntries(rec *registry.ServerRecord, tools []upstream.ToolInfo) []Entry {
	seen := make(map[string]int) // alias -> count, for uniquing
	entries := make([]Entry, 0, len(tools))
	for _, t := range tools {
		base := registry.Aliasify(t.Name)
		alias := base
		if n := seen[base]; n > 0 {
			alias = fmt.Sprintf("%s_%d", base, n+1)
		}
		seen[base]++

		entries = append(entries, Entry{
			ServerName:  rec.Name,
			ServerAlias: rec.Alias,
			Tool: ToolMetadata{
				Name:        t.Name,
				Alias:       alias,
				Description: t.Description,
				InputSchema: t.InputSchema,
			},
		})
	}
	return entries
}

// Invalidate marks serverName's cached metadata stale; the next Metadata
// call for it will re-fetch. Called when an upstream session restarts
// (spec.md §4.4 "restarting a session invalidates its cached metadata").
func (c *Cache) Invalidate(serverName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[serverName] = true
}

// All returns every cached entry across every server, for building a
// search Index. Servers whose metadata has never been fetched are absent.
func (c *Cache) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, entries := range c.entries {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}

// minLimit/maxLimit bound Search's limit parameter (spec.md §4.4: "limit
// clamps to [1, 20]").
const (
	minLimit = 1
	maxLimit = 20
)

// Search tokenizes query on whitespace (case-insensitively) and returns
// entries whose keyword blob contains every token, in the order they appear
// in entries, capped at limit (clamped to [1, 20]).
func Search(entries []Entry, query string, limit int) []Entry {
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	tokens := strings.Fields(strings.ToLower(query))
	var matches []Entry
	for _, e := range entries {
		blob := e.keywordBlob()
		matched := true
		for _, tok := range tokens {
			if !strings.Contains(blob, tok) {
				matched = false
				break
			}
		}
		if matched {
			matches = append(matches, e)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches
}
