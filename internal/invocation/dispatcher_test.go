package invocation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/coral-mesh/coral-broker/internal/catalog"
	"github.com/coral-mesh/coral-broker/internal/registry"
	"github.com/coral-mesh/coral-broker/internal/upstream"
)

func unmarshalResult(t *testing.T, data json.RawMessage) upcallResult {
	t.Helper()
	var r upcallResult
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("unmarshal upcallResult: %v", err)
	}
	return r
}

func TestDispatcher_Handle_UnknownTypeReturnsError(t *testing.T) {
	d := NewDispatcher(catalog.NewCache(), nil, nil)
	_, err := d.Handle(context.Background(), json.RawMessage(`{"type":"not_a_real_type"}`))
	if err == nil {
		t.Fatal("expected error for unknown upcall type")
	}
}

func TestDispatcher_Handle_MalformedJSONReturnsError(t *testing.T) {
	d := NewDispatcher(catalog.NewCache(), nil, nil)
	_, err := d.Handle(context.Background(), json.RawMessage(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestDispatcher_Handle_ListServersReturnsAllowedNames(t *testing.T) {
	rec := registry.ServerRecord{Name: "weather", Alias: "weather"}
	sessions := map[string]*upstream.Session{"weather": upstream.NewSession(rec)}
	recs := map[string]*registry.ServerRecord{"weather": &rec}
	d := NewDispatcher(catalog.NewCache(), recs, sessions)

	data, err := d.Handle(context.Background(), json.RawMessage(`{"type":"list_servers"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	result := unmarshalResult(t, data)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	names, ok := result.Result.([]any)
	if !ok || len(names) != 1 || names[0] != "weather" {
		t.Errorf("Result = %#v", result.Result)
	}
}

func TestDispatcher_Handle_DisallowedServerReturnsFailureResult(t *testing.T) {
	d := NewDispatcher(catalog.NewCache(), nil, nil)

	data, err := d.Handle(context.Background(), json.RawMessage(`{"type":"call_tool","server":"ghost","tool":"x"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	result := unmarshalResult(t, data)
	if result.Success {
		t.Fatal("expected failure result for disallowed server")
	}
	if !strings.Contains(result.Error, "ghost") {
		t.Errorf("Error = %q, want it to mention the server name", result.Error)
	}
}

func TestDispatcher_Handle_ListToolsOnUnstartedSessionSurfacesFailureResult(t *testing.T) {
	rec := registry.ServerRecord{Name: "weather", Alias: "weather"}
	sessions := map[string]*upstream.Session{"weather": upstream.NewSession(rec)}
	recs := map[string]*registry.ServerRecord{"weather": &rec}
	d := NewDispatcher(catalog.NewCache(), recs, sessions)

	data, err := d.Handle(context.Background(), json.RawMessage(`{"type":"list_tools","server":"weather"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	result := unmarshalResult(t, data)
	if result.Success {
		t.Fatal("expected failure result: session was never started")
	}
}

func TestDispatcher_Handle_SearchToolDocsWithNoSessionsReturnsEmpty(t *testing.T) {
	d := NewDispatcher(catalog.NewCache(), nil, map[string]*upstream.Session{})

	data, err := d.Handle(context.Background(), json.RawMessage(`{"type":"search_tool_docs","query":"weather","limit":5}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	result := unmarshalResult(t, data)
	if !result.Success {
		t.Fatalf("expected success with no sessions to search, got %+v", result)
	}
	if result.Result != nil {
		t.Errorf("Result = %#v, want no matches", result.Result)
	}
}

func TestDispatcher_Handle_QueryToolDocsDisallowedServer(t *testing.T) {
	d := NewDispatcher(catalog.NewCache(), nil, nil)
	data, err := d.Handle(context.Background(), json.RawMessage(`{"type":"query_tool_docs","server":"ghost","tool":"x"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	result := unmarshalResult(t, data)
	if result.Success {
		t.Fatal("expected failure result for disallowed server")
	}
}
