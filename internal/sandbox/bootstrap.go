package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// ServerMetadata is one entry of the AVAILABLE_SERVERS list injected into
// the bootstrap: the allowlisted servers this invocation may call, along
// with their tool catalog, so the interior interpreter never has to ask
// the broker "what can I call" before it can call it.
type ServerMetadata struct {
	Name        string    `json:"name"`
	Alias       string    `json:"alias"`
	Description string    `json:"description,omitempty"`
	Tools       []ToolDoc `json:"tools"`
}

// ToolDoc is one tool's metadata as embedded in ServerMetadata.
type ToolDoc struct {
	Name        string          `json:"name"`
	Alias       string          `json:"alias"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// bootstrapData is the template input for RenderBootstrap.
type bootstrapData struct {
	MetadataJSON   string
	DiscoveredJSON string
}

// RenderBootstrap builds the interior Python program that the sandbox
// container runs as its entrypoint: a JSON-framed stdio bridge plus the
// mcp.runtime helper surface (list_servers, call_tool, search_tool_docs,
// save_tool, save_memory/load_memory/...), transliterated from
// RootlessContainerSandbox._render_entrypoint in the original
// implementation. servers is the allowlisted-and-catalog-enriched set for
// this invocation; discovered is the full registry's name->description
// map (every upstream, not just the allowed ones, so code can discover
// what else exists before requesting it).
func RenderBootstrap(servers []ServerMetadata, discovered map[string]string) (string, error) {
	metadataJSON, err := json.Marshal(servers)
	if err != nil {
		return "", fmt.Errorf("sandbox: marshal server metadata: %w", err)
	}
	discoveredJSON, err := json.Marshal(discovered)
	if err != nil {
		return "", fmt.Errorf("sandbox: marshal discovered servers: %w", err)
	}

	var buf bytes.Buffer
	if err := bootstrapTemplate.Execute(&buf, bootstrapData{
		MetadataJSON:   string(metadataJSON),
		DiscoveredJSON: string(discoveredJSON),
	}); err != nil {
		return "", fmt.Errorf("sandbox: render bootstrap: %w", err)
	}
	return buf.String(), nil
}

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(bootstrapSource))

// bootstrapSource is the Python program injected into the container. It
// keeps the original's JSON-framed _StreamProxy / _stdin_reader / _rpc_call
// design but is rendered by Go rather than Python string formatting, and
// the per-alias server proxies (`mcp_<alias>`) are generated here instead
// of constructed lazily, since AVAILABLE_SERVERS is already known at
// render time.
const bootstrapSource = `import asyncio
import json
import sys
import time
import traceback
import types
from pathlib import Path

AVAILABLE_SERVERS = json.loads({{.MetadataJSON | printf "%q"}})
DISCOVERED_SERVERS = json.loads({{.DiscoveredJSON | printf "%q"}})
USER_TOOLS_PATH = Path("/projects/user_tools.py")
MEMORY_DIR = Path("/projects/memory")

_PENDING_RESPONSES = {}
_REQUEST_COUNTER = 0


def _send_message(message):
    sys.__stdout__.write(json.dumps(message, separators=(",", ":")) + "\n")
    sys.__stdout__.flush()


class _StreamProxy:
    def __init__(self, kind):
        self._kind = kind

    def write(self, data):
        if data:
            _send_message({"type": self._kind, "data": data})

    def flush(self):
        pass

    def isatty(self):
        return False


sys.stdout = _StreamProxy("stdout")
sys.stderr = _StreamProxy("stderr")


async def _rpc_call(payload):
    global _REQUEST_COUNTER
    loop = asyncio.get_running_loop()
    _REQUEST_COUNTER += 1
    request_id = _REQUEST_COUNTER
    future = loop.create_future()
    _PENDING_RESPONSES[request_id] = future
    _send_message({"type": "rpc_request", "id": request_id, "payload": payload})
    result = await future
    return result


async def _stdin_reader(execution_queue):
    loop = asyncio.get_running_loop()
    reader = asyncio.StreamReader()
    protocol = asyncio.StreamReaderProtocol(reader)
    await loop.connect_read_pipe(lambda: protocol, sys.stdin)

    while True:
        line = await reader.readline()
        if not line:
            return
        try:
            message = json.loads(line.decode())
        except Exception:
            continue

        msg_type = message.get("type")
        if msg_type == "rpc_response":
            future = _PENDING_RESPONSES.pop(message.get("id"), None)
            if future and not future.done():
                if message.get("success", False):
                    future.set_result(message.get("payload"))
                else:
                    future.set_exception(RuntimeError(message.get("error", "RPC error")))
        elif msg_type == "execute":
            await execution_queue.put(message.get("code", ""))


class MCPError(RuntimeError):
    "Raised when an upcall to an upstream MCP server fails."


def _lookup_server(name):
    for server in AVAILABLE_SERVERS:
        if server.get("name") == name or server.get("alias") == name:
            return server
    raise MCPError(f"Server {name!r} is not loaded for this invocation")


async def list_servers():
    """Return the servers available to this invocation."""
    return [s.get("name") for s in AVAILABLE_SERVERS]


def discovered_servers(detailed=False):
    """Return every server known to the broker, not just the allowed ones."""
    if not detailed:
        return list(DISCOVERED_SERVERS.keys())
    return dict(DISCOVERED_SERVERS)


async def list_tools(server):
    info = _lookup_server(server)
    return info.get("tools", [])


async def query_tool_docs(server, tool=None, detail="summary"):
    response = await _rpc_call({"type": "query_tool_docs", "server": server, "tool": tool, "detail": detail})
    if not response.get("success", True):
        raise MCPError(response.get("error", "query_tool_docs failed"))
    return response.get("result")


async def search_tool_docs(query, limit=10):
    response = await _rpc_call({"type": "search_tool_docs", "query": query, "limit": limit})
    if not response.get("success", True):
        raise MCPError(response.get("error", "search_tool_docs failed"))
    return response.get("result")


async def call_tool(server, tool, arguments=None):
    response = await _rpc_call({
        "type": "call_tool",
        "server": server,
        "tool": tool,
        "arguments": arguments or {},
    })
    if not response.get("success", True):
        raise MCPError(response.get("error", "call_tool failed"))
    return response.get("result")


class _ServerProxy:
    """Callable-attribute proxy for one allowed server: mcp_<alias>.<tool>(...)."""

    def __init__(self, server_name):
        self._server_name = server_name

    def __getattr__(self, tool_name):
        async def _invoke(**kwargs):
            return await call_tool(self._server_name, tool_name, kwargs)
        return _invoke


def _install_mcp_modules():
    mcp_pkg = types.ModuleType("mcp")
    mcp_pkg.__path__ = []
    runtime_module = types.ModuleType("mcp.runtime")
    runtime_module.list_servers = list_servers
    runtime_module.discovered_servers = discovered_servers
    runtime_module.list_tools = list_tools
    runtime_module.query_tool_docs = query_tool_docs
    runtime_module.search_tool_docs = search_tool_docs
    runtime_module.call_tool = call_tool
    runtime_module.save_tool = save_tool
    runtime_module.save_memory = save_memory
    runtime_module.load_memory = load_memory
    runtime_module.delete_memory = delete_memory
    runtime_module.list_memories = list_memories
    mcp_pkg.runtime = runtime_module
    sys.modules["mcp"] = mcp_pkg
    sys.modules["mcp.runtime"] = runtime_module

    for server in AVAILABLE_SERVERS:
        alias = server.get("alias")
        if alias:
            globals()[f"mcp_{alias}"] = _ServerProxy(server.get("name"))

    if USER_TOOLS_PATH.exists():
        try:
            import importlib.util
            spec = importlib.util.spec_from_file_location("user_tools", USER_TOOLS_PATH)
            if spec and spec.loader:
                user_tools = importlib.util.module_from_spec(spec)
                sys.modules["user_tools"] = user_tools
                spec.loader.exec_module(user_tools)
                for name, val in vars(user_tools).items():
                    if not name.startswith("_"):
                        globals()[name] = val
        except Exception:
            traceback.print_exc()


def save_tool(func):
    """Persist func's source so it is available in future invocations."""
    import inspect
    if not inspect.isfunction(func):
        raise ValueError("save_tool expects a function")
    source = inspect.getsource(func)
    USER_TOOLS_PATH.parent.mkdir(parents=True, exist_ok=True)
    with open(USER_TOOLS_PATH, "a") as f:
        f.write("\n\n" + source)
    return f"Tool '{func.__name__}' saved. It will be available in future invocations."


def _sanitize_memory_key(key):
    import re
    sanitized = re.sub(r"[^a-zA-Z0-9_-]", "_", str(key).strip())
    if not sanitized:
        raise ValueError("Memory key cannot be empty")
    return sanitized[:100]


def save_memory(key, value, *, metadata=None):
    """Save JSON-serializable data under key, persisted across invocations."""
    sanitized_key = _sanitize_memory_key(key)
    MEMORY_DIR.mkdir(parents=True, exist_ok=True)
    memory_file = MEMORY_DIR / f"{sanitized_key}.json"
    created_at = time.time()
    if memory_file.exists():
        try:
            existing = json.loads(memory_file.read_text())
            created_at = existing.get("created_at", created_at)
        except Exception:
            pass
    memory_file.write_text(json.dumps({
        "key": key,
        "value": value,
        "metadata": metadata or {},
        "created_at": created_at,
        "updated_at": time.time(),
    }, default=str))
    return f"Memory '{key}' saved."


def load_memory(key, *, default=None):
    """Retrieve data saved with save_memory, or default if absent."""
    memory_file = MEMORY_DIR / f"{_sanitize_memory_key(key)}.json"
    if not memory_file.exists():
        return default
    try:
        return json.loads(memory_file.read_text()).get("value", default)
    except Exception:
        return default


def delete_memory(key):
    """Remove a memory entry; safe to call on a key that doesn't exist."""
    memory_file = MEMORY_DIR / f"{_sanitize_memory_key(key)}.json"
    if memory_file.exists():
        memory_file.unlink()
        return f"Memory '{key}' deleted."
    return f"Memory '{key}' not found."


def list_memories():
    """List every saved memory key with its metadata and timestamps."""
    if not MEMORY_DIR.exists():
        return []
    out = []
    for memory_file in sorted(MEMORY_DIR.glob("*.json")):
        try:
            data = json.loads(memory_file.read_text())
            out.append({
                "key": data.get("key", memory_file.stem),
                "metadata": data.get("metadata", {}),
                "created_at": data.get("created_at"),
                "updated_at": data.get("updated_at"),
            })
        except Exception:
            out.append({"key": memory_file.stem, "error": "failed to read"})
    return out


async def _execute(code, queue_done):
    _install_mcp_modules()
    namespace = globals()
    try:
        compiled = compile(code, "<sandbox>", "exec", flags=getattr(__import__("ast"), "PyCF_ALLOW_TOP_LEVEL_AWAIT", 0))
        result = eval(compiled, namespace)
        if asyncio.iscoroutine(result):
            await result
        status = "ok"
    except Exception:
        sys.stderr.write(traceback.format_exc())
        status = "error"
    _send_message({"type": "execution_done", "status": status})


async def _main():
    execution_queue = asyncio.Queue()
    reader_task = asyncio.create_task(_stdin_reader(execution_queue))
    try:
        while True:
            code = await execution_queue.get()
            await _execute(code, execution_queue)
    finally:
        reader_task.cancel()


if __name__ == "__main__":
    asyncio.run(_main())
`
