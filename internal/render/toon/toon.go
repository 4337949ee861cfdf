// Package toon hand-rolls a minimal encoder for TOON (Token-Oriented
// Object Notation), a compact, indentation-based alternative to JSON that
// flattens uniform arrays of objects into a tabular block. No third-party
// TOON encoder exists anywhere in the retrieved corpus (see DESIGN.md), so
// this is deliberately the one component in this module built directly on
// encoding/json's decoded generic value rather than a pack dependency.
package toon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Encode renders v (the result of json.Unmarshal into `any` — so maps are
// map[string]any, arrays are []any, numbers are float64) as a TOON
// document. Top-level scalars are rendered as a single "value: ..." line.
func Encode(v any) (string, error) {
	var b strings.Builder
	if err := encodeValue(&b, "", v, 0); err != nil {
		return "", fmt.Errorf("toon: encode: %w", err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func encodeValue(b *strings.Builder, key string, v any, indent int) error {
	switch val := v.(type) {
	case map[string]any:
		return encodeObject(b, key, val, indent)
	case []any:
		return encodeArray(b, key, val, indent)
	default:
		writeLine(b, indent, "%s: %s", keyOrValue(key), scalar(val))
		return nil
	}
}

func encodeObject(b *strings.Builder, key string, obj map[string]any, indent int) error {
	if key != "" {
		writeLine(b, indent, "%s:", key)
		indent++
	}
	for _, k := range sortedKeys(obj) {
		if err := encodeValue(b, k, obj[k], indent); err != nil {
			return err
		}
	}
	return nil
}

func encodeArray(b *strings.Builder, key string, arr []any, indent int) error {
	if len(arr) == 0 {
		writeLine(b, indent, "%s[0]:", key)
		return nil
	}

	if fields, ok := tabularFields(arr); ok {
		writeLine(b, indent, "%s[%d]{%s}:", key, len(arr), strings.Join(fields, ","))
		for _, item := range arr {
			row := item.(map[string]any)
			cells := make([]string, len(fields))
			for i, f := range fields {
				cells[i] = scalar(row[f])
			}
			writeLine(b, indent+1, "%s", strings.Join(cells, ","))
		}
		return nil
	}

	if allScalar(arr) {
		cells := make([]string, len(arr))
		for i, item := range arr {
			cells[i] = scalar(item)
		}
		writeLine(b, indent, "%s[%d]: %s", key, len(arr), strings.Join(cells, ","))
		return nil
	}

	writeLine(b, indent, "%s[%d]:", key, len(arr))
	for _, item := range arr {
		if err := encodeValue(b, "-", item, indent+1); err != nil {
			return err
		}
	}
	return nil
}

// tabularFields reports whether every element of arr is an object sharing
// the same key set, and if so returns that key set in sorted order — TOON's
// signature space saving for arrays of uniform records.
func tabularFields(arr []any) ([]string, bool) {
	first, ok := arr[0].(map[string]any)
	if !ok {
		return nil, false
	}
	fields := sortedKeys(first)
	for _, item := range arr[1:] {
		obj, ok := item.(map[string]any)
		if !ok || len(obj) != len(fields) {
			return nil, false
		}
		for _, f := range fields {
			if _, exists := obj[f]; !exists {
				return nil, false
			}
		}
	}
	return fields, true
}

func allScalar(arr []any) bool {
	for _, item := range arr {
		switch item.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func scalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if strings.ContainsAny(val, ",\n:") {
			return strconv.Quote(val)
		}
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func keyOrValue(key string) string {
	if key == "" {
		return "value"
	}
	return key
}

func writeLine(b *strings.Builder, indent int, format string, args ...any) {
	b.WriteString(strings.Repeat("  ", indent))
	fmt.Fprintf(b, format, args...)
	b.WriteByte('\n')
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
