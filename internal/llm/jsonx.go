package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedRe = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON locates and decodes the first JSON object in raw model
// output. It tolerates fenced code blocks, surrounding prose, bare control
// characters, and the invalid backslash escapes that LaTeX-heavy payloads
// produce.
func ExtractJSON(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("empty response, no JSON to parse")
	}

	candidate := ""
	if m := fencedRe.FindStringSubmatch(raw); m != nil {
		inner := strings.TrimSpace(m[1])
		if strings.HasPrefix(inner, "{") && strings.HasSuffix(inner, "}") {
			candidate = inner
		}
	}
	if candidate == "" {
		obj, err := firstObject(raw)
		if err != nil {
			return err
		}
		candidate = obj
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	repaired := repairEscapes(candidate)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	return nil
}

// firstObject extracts the first balanced {...} from raw, ignoring braces
// inside string literals.
func firstObject(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

func isHex(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}

func isAlpha(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// repairEscapes fixes the common model JSON defects inside string
// literals without touching structural whitespace: bare newlines and
// control characters become escapes, and invalid backslash sequences
// (\theta, \rangle, truncated \u) get their backslash doubled. A \n-style
// escape directly followed by a letter is treated as a LaTeX command
// rather than a JSON escape.
func repairEscapes(js string) string {
	js = strings.ReplaceAll(js, "\r\n", "\n")
	js = strings.ReplaceAll(js, "\r", "\n")
	js = strings.ReplaceAll(js, "“", `"`)
	js = strings.ReplaceAll(js, "”", `"`)

	var out strings.Builder
	out.Grow(len(js))
	inStr := false
	i := 0
	for i < len(js) {
		ch := js[i]
		if !inStr {
			out.WriteByte(ch)
			if ch == '"' {
				inStr = true
			}
			i++
			continue
		}

		switch {
		case ch == '"':
			out.WriteByte(ch)
			inStr = false
			i++
		case ch == '\\':
			if i+1 >= len(js) {
				out.WriteString(`\\`)
				i++
				continue
			}
			nxt := js[i+1]
			switch {
			case strings.IndexByte("bfnrt", nxt) >= 0 && i+2 < len(js) && isAlpha(js[i+2]):
				// \theta, \nabla, \rangle: escape the backslash itself.
				out.WriteString(`\\`)
				i++
			case strings.IndexByte(`"\/bfnrt`, nxt) >= 0:
				out.WriteByte('\\')
				out.WriteByte(nxt)
				i += 2
			case nxt == 'u':
				if i+6 <= len(js) && isHex(js[i+2]) && isHex(js[i+3]) && isHex(js[i+4]) && isHex(js[i+5]) {
					out.WriteString(js[i : i+6])
					i += 6
				} else {
					out.WriteString(`\\`)
					i++
				}
			default:
				out.WriteString(`\\`)
				i++
			}
		case ch == '\n':
			out.WriteString(`\n`)
			i++
		case ch == '\t':
			out.WriteString(`\t`)
			i++
		case ch < 0x20:
			fmt.Fprintf(&out, `\u%04x`, ch)
			i++
		default:
			out.WriteByte(ch)
			i++
		}
	}

	return stripTrailingCommas(out.String())
}

// stripTrailingCommas drops a comma that directly precedes a closing
// brace or bracket. String literals are skipped, so a literal ", ]"
// inside extracted evidence survives intact.
func stripTrailingCommas(js string) string {
	var out strings.Builder
	out.Grow(len(js))
	inStr := false
	esc := false
	for i := 0; i < len(js); i++ {
		ch := js[i]
		if inStr {
			out.WriteByte(ch)
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		if ch == '"' {
			inStr = true
			out.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(js) && (js[j] == ' ' || js[j] == '\t' || js[j] == '\n') {
				j++
			}
			if j < len(js) && (js[j] == '}' || js[j] == ']') {
				continue
			}
		}
		out.WriteByte(ch)
	}
	return out.String()
}
