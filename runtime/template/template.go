// Package template implements the parameter templating used by workflow
// steps. Templates are strings containing {{ dotted.path }} placeholders
// resolved against a render context assembled by the executor (parameters,
// run metadata, completed step results, shared values, fanout item/index).
//
// Resolution is total: a missing path renders as the empty string and never
// fails a step. When a string consists of exactly one placeholder the
// resolved value is substituted with its original type preserved, so
// numbers, lists and objects survive the round trip into job parameters.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholder matches {{ path }} with optional inner whitespace.
var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render resolves every template placeholder in value against ctx. Maps and
// slices are walked recursively; non-string leaves pass through unchanged.
// The input is never mutated.
func Render(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return RenderString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Render(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Render(item, ctx)
		}
		return out
	default:
		return value
	}
}

// RenderMap renders every value of params. A nil map renders as nil.
func RenderMap(params map[string]any, ctx map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = Render(v, ctx)
	}
	return out
}

// RenderString resolves placeholders in s. A string that is exactly one
// placeholder returns the resolved value itself, preserving its type; any
// other string interpolates resolved values as text, with missing paths
// contributing the empty string.
func RenderString(s string, ctx map[string]any) any {
	matches := placeholder.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		v, ok := Lookup(ctx, path)
		if !ok {
			return ""
		}
		return v
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, ok := Lookup(ctx, s[m[2]:m[3]])
		if ok {
			b.WriteString(stringify(v))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Lookup traverses ctx along the dotted path. Map keys are matched exactly;
// slice elements are addressed by decimal index. The second return reports
// whether the full path resolved.
func Lookup(ctx map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = ctx
	for _, seg := range segments {
		if seg == "" {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			// Structured values reach the context as decoded JSON, so
			// anything else is a leaf and cannot be descended into.
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value for interpolation into a larger string.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
