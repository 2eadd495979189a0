// Package jsonx recovers structured JSON from unreliable model output.
//
// LLMs routinely wrap JSON in markdown fences, prepend commentary, truncate
// closing brackets or emit single-quoted pseudo-JSON. Rather than scattering
// ad hoc cleanup across call sites, every structured decode in this codebase
// goes through Decode, which applies a fixed ordered list of recovery
// strategies and reports which one succeeded.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Strategy identifies which recovery step produced a successful decode.
type Strategy string

const (
	StrategyStrict   Strategy = "strict"   // Input was valid JSON as-is
	StrategyFragment Strategy = "fragment" // Valid JSON found between first '{' and last '}'
	StrategyBalance  Strategy = "balance"  // Brackets repaired (truncated output)
	StrategyLiteral  Strategy = "literal"  // Permissive pass: quotes normalized, trailing commas stripped
)

// ErrNoJSON is returned when no strategy could extract a decodable object.
var ErrNoJSON = fmt.Errorf("jsonx: no decodable JSON object in input")

// Decode unmarshals model output into v, trying strategies in a fixed order:
// strict parse, fragment extraction, bracket balancing, then a permissive
// literal pass. Returns the strategy that succeeded. On failure v is left
// untouched and ErrNoJSON is wrapped with the first strict-parse error.
func Decode(content string, v any) (Strategy, error) {
	clean := stripFences(strings.TrimSpace(content))

	strictErr := json.Unmarshal([]byte(clean), v)
	if strictErr == nil {
		return StrategyStrict, nil
	}

	if frag := Fragment(clean); frag != "" {
		if err := json.Unmarshal([]byte(frag), v); err == nil {
			return StrategyFragment, nil
		}
		if repaired := balance(frag); repaired != frag {
			if err := json.Unmarshal([]byte(repaired), v); err == nil {
				return StrategyBalance, nil
			}
		}
		if loose := permissive(frag); loose != frag {
			if err := json.Unmarshal([]byte(loose), v); err == nil {
				return StrategyLiteral, nil
			}
			if repaired := balance(loose); repaired != loose {
				if err := json.Unmarshal([]byte(repaired), v); err == nil {
					return StrategyLiteral, nil
				}
			}
		}
	}

	return "", fmt.Errorf("%w (strict parse: %v)", ErrNoJSON, strictErr)
}

// Fragment returns the substring between the first '{' and the last '}',
// or from the first '{' to the end when no closing brace exists (the
// truncation case bracket balancing handles). Empty when no '{' is present.
func Fragment(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	content = content[start:]
	if end := strings.LastIndex(content, "}"); end != -1 {
		return content[:end+1]
	}
	return content
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx != -1 {
		// Drop the language tag line ("json", "JSON", ...)
		first := strings.TrimSpace(content[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}") {
			content = content[idx+1:]
		}
	}
	if idx := strings.LastIndex(content, "```"); idx != -1 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}

// balance appends the closing brackets a truncated object is missing.
// Tracks string state so braces inside values are not counted.
func balance(content string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(content); i++ {
		c := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}':
			if !inString && len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if !inString && len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 && !inString {
		return content
	}

	var b strings.Builder
	b.WriteString(content)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// permissive rewrites common pseudo-JSON habits into valid JSON: single-quoted
// strings, Python-style True/False/None, and trailing commas. It is a
// character-level pass, not a grammar; it only runs after stricter strategies
// have failed.
func permissive(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	inDouble := false
	inSingle := false
	escaped := false

	for i := 0; i < len(content); i++ {
		c := content[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && (inDouble || inSingle):
			b.WriteByte(c)
			escaped = true
		case c == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(c)
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte('"')
		case !inDouble && !inSingle && c == ',':
			// Drop the comma if the next non-space char closes a container.
			j := i + 1
			for j < len(content) && (content[j] == ' ' || content[j] == '\n' || content[j] == '\t' || content[j] == '\r') {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
			b.WriteByte(c)
		case !inDouble && !inSingle && (c == 'T' || c == 'F' || c == 'N'):
			switch {
			case strings.HasPrefix(content[i:], "True"):
				b.WriteString("true")
				i += 3
			case strings.HasPrefix(content[i:], "False"):
				b.WriteString("false")
				i += 4
			case strings.HasPrefix(content[i:], "None"):
				b.WriteString("null")
				i += 3
			default:
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Normalize decodes a payload that may arrive as an object, a JSON string
// containing an object, or an object wrapped under a "data" key, and returns
// the object form. This is the single decoding boundary for loosely-shaped
// collaborator payloads; internal components only ever see the decoded form.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("jsonx: empty payload")
	}

	// String-wrapped object: "{\"k\": 1}" or a permissive literal inside.
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("jsonx: string payload: %w", err)
		}
		var obj map[string]json.RawMessage
		if _, err := Decode(inner, &obj); err != nil {
			return nil, err
		}
		re, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		return re, nil
	}

	var obj map[string]json.RawMessage
	if _, err := Decode(trimmed, &obj); err != nil {
		return nil, err
	}
	if data, ok := obj["data"]; ok && len(obj) == 1 {
		return Normalize(data)
	}
	re, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return re, nil
}
