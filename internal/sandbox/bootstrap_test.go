package sandbox

import (
	"strings"
	"testing"
)

func TestRenderBootstrap_EmbedsServerMetadataAsValidJSON(t *testing.T) {
	servers := []ServerMetadata{
		{
			Name:        "weather",
			Alias:       "weather",
			Description: "weather lookups",
			Tools: []ToolDoc{
				{Name: "forecast", Alias: "forecast", Description: "get forecast"},
			},
		},
	}
	discovered := map[string]string{"weather": "weather lookups", "search": "web search"}

	src, err := RenderBootstrap(servers, discovered)
	if err != nil {
		t.Fatalf("RenderBootstrap: %v", err)
	}

	if !strings.Contains(src, "AVAILABLE_SERVERS = json.loads(") {
		t.Error("expected AVAILABLE_SERVERS assignment in rendered source")
	}
	if !strings.Contains(src, "DISCOVERED_SERVERS = json.loads(") {
		t.Error("expected DISCOVERED_SERVERS assignment in rendered source")
	}

	// The metadata content itself (names, descriptions) should survive
	// into the rendered (escaped) JSON literal.
	for _, want := range []string{"weather", "forecast", "get forecast", "web search"} {
		if !strings.Contains(src, want) {
			t.Errorf("expected rendered source to contain %q", want)
		}
	}
}

func TestRenderBootstrap_NoStrayTemplateDelimiters(t *testing.T) {
	src, err := RenderBootstrap(nil, nil)
	if err != nil {
		t.Fatalf("RenderBootstrap: %v", err)
	}
	if strings.Contains(src, "{{") || strings.Contains(src, "}}") {
		t.Error("rendered bootstrap must not contain leftover template delimiters")
	}
}

func TestRenderBootstrap_IncludesRuntimeHelpers(t *testing.T) {
	src, err := RenderBootstrap(nil, map[string]string{})
	if err != nil {
		t.Fatalf("RenderBootstrap: %v", err)
	}
	for _, want := range []string{
		"def list_servers",
		"def discovered_servers",
		"async def call_tool",
		"async def query_tool_docs",
		"async def search_tool_docs",
		"def save_tool",
		"def save_memory",
		"def load_memory",
		"def delete_memory",
		"def list_memories",
		"class _ServerProxy",
		"class MCPError",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("expected rendered source to contain %q", want)
		}
	}
}

func TestRenderBootstrap_GeneratesPerAliasProxyAssignment(t *testing.T) {
	src, err := RenderBootstrap(nil, nil)
	if err != nil {
		t.Fatalf("RenderBootstrap: %v", err)
	}
	if !strings.Contains(src, `globals()[f"mcp_{alias}"] = _ServerProxy(server.get("name"))`) {
		t.Error("expected per-alias proxy installation loop in rendered source")
	}
}
