// Package toolcall turns reasoning output into validated tool invocations:
// free-text directive parsing, argument validation and coercion, placeholder
// detection, the per-client tool registry and tool executors.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ghiac/agentdesk/lock"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
)

var (
	// USE_TOOL: <name>
	directiveRe = regexp.MustCompile(`(?i)USE_TOOL\s*:\s*([A-Za-z_][A-Za-z0-9_.\-]*)`)

	// PARAMETERS: (payload follows)
	parametersRe = regexp.MustCompile(`(?i)PARAMETERS\s*:`)

	// bare <name>: { ... }
	fallbackRe = regexp.MustCompile(`(?:^|\s)([A-Za-z_][A-Za-z0-9_]*)\s*:\s*\{`)

	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// directive is one tool request found in text, successful or not
type directive struct {
	name  string
	args  map[string]any
	start int
	end   int
	ok    bool
}

// Parser extracts tool calls from free-text model output
type Parser struct {
	// known restricts the bare fallback form to these tool names. Empty accepts any name.
	known map[string]bool
}

// NewParser creates a parser. toolNames, when given, limit which names the
// bare "name: {...}" fallback accepts; USE_TOOL directives are never filtered.
func NewParser(toolNames ...string) *Parser {
	p := &Parser{known: make(map[string]bool, len(toolNames))}
	for _, name := range toolNames {
		p.known[name] = true
	}
	return p
}

// ParseToolCalls extracts tool calls from text with the default parser
func ParseToolCalls(text string) []model.ToolCall {
	return NewParser().Parse(text)
}

// Parse extracts every tool call in order of appearance. It returns nil when
// the text holds no directive at all, and a non-nil empty slice when
// directives were present but none produced a usable call. Calls with the
// same name and canonical arguments are collapsed into one (see Dedupe).
func (p *Parser) Parse(text string) []model.ToolCall {
	directives := p.scan(text)
	if directives == nil {
		return nil
	}

	calls := make([]model.ToolCall, 0, len(directives))
	for _, d := range directives {
		if !d.ok {
			log.Log.Debugf("[ToolParser] ⏭️  Skipping malformed directive | Tool: %s", d.name)
			continue
		}
		calls = append(calls, model.ToolCall{
			ID:         model.NewToolCallID(),
			Name:       d.name,
			Arguments:  d.args,
			Provenance: model.ProvenanceExtracted,
		})
	}
	return Dedupe(calls)
}

// CallKey identifies a call by tool name and canonical arguments. ok is false
// when the arguments cannot be canonicalised.
func CallKey(call model.ToolCall) (key string, ok bool) {
	canonical, err := lock.CanonicalJSON(call.Arguments)
	if err != nil {
		return "", false
	}
	return call.Name + "\x00" + canonical, true
}

// Dedupe keeps the first of every group of calls sharing a CallKey. Calls
// without a key are always kept.
func Dedupe(calls []model.ToolCall) []model.ToolCall {
	unique := make([]model.ToolCall, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		if key, ok := CallKey(call); ok {
			if seen[key] {
				log.Log.Debugf("[ToolParser] 🔁 Duplicate call collapsed | Tool: %s | CallID: %s", call.Name, call.ID)
				continue
			}
			seen[key] = true
		}
		unique = append(unique, call)
	}
	return unique
}

// StripDirectives removes tool directives from text, leaving the prose the
// end user should see.
func StripDirectives(text string) string {
	return NewParser().Strip(text)
}

// Strip removes every directive span recognised by Parse from text
func (p *Parser) Strip(text string) string {
	directives := p.scan(text)
	if len(directives) == 0 {
		return strings.TrimSpace(text)
	}

	var b strings.Builder
	last := 0
	for _, d := range directives {
		if d.start < last {
			continue
		}
		b.WriteString(text[last:d.start])
		last = d.end
	}
	b.WriteString(text[last:])

	out := blankLinesRe.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}

// scan finds USE_TOOL directives, falling back to the bare form when none exist
func (p *Parser) scan(text string) []directive {
	locs := directiveRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return p.scanFallback(text)
	}

	out := make([]directive, 0, len(locs))
	for i, loc := range locs {
		d := directive{name: text[loc[2]:loc[3]], start: loc[0], end: loc[1]}

		limit := len(text)
		if i+1 < len(locs) {
			limit = locs[i+1][0]
		}
		segment := text[loc[1]:limit]

		marker := parametersRe.FindStringIndex(segment)
		if marker == nil {
			// a directive without parameters is a call with no arguments
			d.args = map[string]any{}
			d.ok = true
			out = append(out, d)
			continue
		}

		j := marker[1]
		for j < len(segment) && isSpace(segment[j]) {
			j++
		}
		d.end = loc[1] + j
		if j >= len(segment) || segment[j] != '{' {
			out = append(out, d)
			continue
		}

		n := objectLength(segment[j:])
		if n < 0 {
			d.end = limit
			out = append(out, d)
			continue
		}
		d.end = loc[1] + j + n
		d.args, d.ok = decodeArgs(segment[j : j+n])
		out = append(out, d)
	}
	return out
}

// scanFallback recognises "tool_name: {...}". Only well-formed payloads count.
func (p *Parser) scanFallback(text string) []directive {
	var out []directive
	pos := 0
	for pos < len(text) {
		loc := fallbackRe.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		nameStart, nameEnd := pos+loc[2], pos+loc[3]
		brace := pos + loc[1] - 1
		name := text[nameStart:nameEnd]

		n := objectLength(text[brace:])
		if n < 0 {
			pos = brace + 1
			continue
		}
		if len(p.known) > 0 && !p.known[name] {
			pos = brace + 1
			continue
		}
		args, ok := decodeArgs(text[brace : brace+n])
		if !ok {
			pos = brace + 1
			continue
		}
		out = append(out, directive{name: name, args: args, start: nameStart, end: brace + n, ok: true})
		pos = brace + n
	}
	return out
}

func decodeArgs(payload string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(payload), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}

// objectLength returns the length of the balanced {...} object at the start
// of s, honouring JSON strings and escapes, or -1 when it never closes.
func objectLength(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
