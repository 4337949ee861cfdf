// Package render turns one sandbox.Result into the run_python tool's
// response: a compact terse text summary (default) or a TOON-encoded
// structured block, selected by CORAL_BROKER_OUTPUT_MODE. Transliterated
// from original_source's _build_response_payload / _render_compact_output
// / _render_toon_block family.
package render

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coral-mesh/coral-broker/internal/render/toon"
)

// EnvOutputMode selects the rendering mode.
const EnvOutputMode = "CORAL_BROKER_OUTPUT_MODE"

const (
	ModeCompact    = "compact"
	ModeStructured = "structured"
)

// noiseStreamTokens are stripped-content lines dropped as noise, matching
// the original's _NOISE_STREAM_TOKENS.
var noiseStreamTokens = map[string]bool{"()": true}

// Payload is the structured response shape shared by both render modes,
// field names matching the original's payload keys so a TOON/JSON dump of
// one is recognizable against the other.
type Payload struct {
	Status         string   `json:"status"`
	Summary        string   `json:"summary"`
	ExitCode       *int     `json:"exitCode,omitempty"`
	Stdout         []string `json:"stdout,omitempty"`
	Stderr         []string `json:"stderr,omitempty"`
	Servers        []string `json:"servers,omitempty"`
	Error          string   `json:"error,omitempty"`
	TimeoutSeconds *int     `json:"timeoutSeconds,omitempty"`
}

// Params collects the raw inputs BuildPayload shapes into a Payload.
type Params struct {
	Status         string
	Summary        string
	ExitCode       *int
	Stdout         string
	Stderr         string
	Servers        []string
	Error          string
	TimeoutSeconds *int
}

// BuildPayload filters noise/blank lines from stdout/stderr and synthesizes
// "Success (no output)" when a successful run produced nothing on either
// stream, matching _build_response_payload verbatim.
func BuildPayload(p Params) Payload {
	payload := Payload{
		Status:         p.Status,
		Summary:        p.Summary,
		ExitCode:       p.ExitCode,
		Servers:        p.Servers,
		Error:          p.Error,
		TimeoutSeconds: p.TimeoutSeconds,
	}
	payload.Stdout = filterStreamLines(p.Stdout)
	payload.Stderr = filterStreamLines(p.Stderr)

	if strings.EqualFold(payload.Status, "success") &&
		len(payload.Stdout) == 0 && len(payload.Stderr) == 0 &&
		strings.EqualFold(strings.TrimSpace(payload.Summary), "success") {
		payload.Summary = "Success (no output)"
	}
	return payload
}

func filterStreamLines(stream string) []string {
	if stream == "" {
		return nil
	}
	raw := strings.Split(stream, "\n")
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1] // trailing newline produces a phantom empty element Split adds but splitlines() wouldn't
	}

	var out []string
	for _, line := range raw {
		stripped := strings.TrimSpace(line)
		if stripped == "" || noiseStreamTokens[stripped] {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Rendered is what Render produces: text for the tool's content block,
// structured for its structuredContent, and whether the call counts as a
// tool-level error.
type Rendered struct {
	Text       string
	Structured map[string]any
	IsError    bool
}

// Render selects compact or structured (TOON) rendering per mode (falling
// back to compact for anything unrecognized, mirroring the original's
// _output_mode default).
func Render(mode string, payload Payload) Rendered {
	isError := !strings.EqualFold(payload.Status, "success")

	if mode == ModeStructured {
		return Rendered{
			Text:       renderTOONBlock(payload),
			Structured: toMap(payload),
			IsError:    isError,
		}
	}

	return Rendered{
		Text:       renderCompact(payload),
		Structured: buildCompactStructured(payload),
		IsError:    isError,
	}
}

// ModeFromEnv reads CORAL_BROKER_OUTPUT_MODE, defaulting to compact.
func ModeFromEnv() string {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv(EnvOutputMode)))
	if mode == ModeStructured {
		return ModeStructured
	}
	return ModeCompact
}

// renderCompact mirrors _render_compact_output: stdout first, then a
// stderr block, then status/exit/error annotations, falling back to the
// summary line when nothing else produced output.
func renderCompact(payload Payload) string {
	var lines []string
	if len(payload.Stdout) > 0 {
		lines = append(lines, strings.Join(payload.Stdout, "\n"))
	}
	if len(payload.Stderr) > 0 {
		lines = append(lines, "stderr:\n"+strings.Join(payload.Stderr, "\n"))
	}

	if len(lines) == 0 && payload.Summary != "" {
		lines = append(lines, payload.Summary)
	}

	if payload.Error != "" && (len(lines) == 0 || !strings.EqualFold(payload.Status, "error")) {
		lines = append(lines, "error: "+payload.Error)
	}

	if payload.ExitCode != nil && *payload.ExitCode != 0 {
		lines = append([]string{fmt.Sprintf("exit: %d", *payload.ExitCode)}, lines...)
	}

	if payload.Status != "" && !strings.EqualFold(payload.Status, "success") {
		lines = append([]string{"status: " + payload.Status}, lines...)
	}

	text := strings.TrimSpace(strings.Join(nonEmpty(lines), "\n"))
	if text != "" {
		return text
	}
	if payload.Status != "" {
		return payload.Status
	}
	if payload.Summary != "" {
		return strings.TrimSpace(payload.Summary)
	}
	return "success"
}

// buildCompactStructured mirrors _build_compact_structured_payload: a
// trimmed structuredContent carrying only non-default fields.
func buildCompactStructured(payload Payload) map[string]any {
	compact := map[string]any{}

	if payload.Status != "" && !strings.EqualFold(payload.Status, "success") {
		compact["status"] = payload.Status
	}
	if payload.ExitCode != nil && *payload.ExitCode != 0 {
		compact["exitCode"] = *payload.ExitCode
	}
	if len(payload.Stdout) > 0 {
		compact["stdout"] = payload.Stdout
	}
	if len(payload.Stderr) > 0 {
		compact["stderr"] = payload.Stderr
	}
	if len(payload.Servers) > 0 {
		compact["servers"] = payload.Servers
	}
	if payload.TimeoutSeconds != nil {
		compact["timeoutSeconds"] = *payload.TimeoutSeconds
	}
	if payload.Error != "" {
		compact["error"] = payload.Error
	}
	if payload.Summary != "" {
		_, hasStdout := compact["stdout"]
		if !strings.EqualFold(payload.Status, "success") || !hasStdout {
			compact["summary"] = payload.Summary
		}
	}

	if len(compact) == 0 {
		compact["status"] = payload.Status
		if payload.Summary != "" {
			compact["summary"] = payload.Summary
		}
	}
	return compact
}

func renderTOONBlock(payload Payload) string {
	generic := toMap(payload)
	body, err := toon.Encode(generic)
	if err != nil || body == "" {
		data, marshalErr := json.MarshalIndent(generic, "", "  ")
		if marshalErr != nil {
			return "```json\n{}\n```"
		}
		return "```json\n" + string(data) + "\n```"
	}
	return "```toon\n" + body + "\n```"
}

// toMap round-trips Payload through JSON into a generic map[string]any so
// toon.Encode (which only understands JSON-decoded generic values) can
// walk it, and so structuredContent mirrors exactly what a client would
// see in a plain JSON encoding of the same payload.
func toMap(payload Payload) map[string]any {
	data, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"status": payload.Status, "summary": payload.Summary}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"status": payload.Status, "summary": payload.Summary}
	}
	return out
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
