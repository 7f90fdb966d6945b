package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	// maxSummaryLen caps a single tool summary line.
	maxSummaryLen = 160
	// maxBadLineLen caps the retained copy of the first unparseable line.
	maxBadLineLen = 200
)

// Consume folds one raw output line into the record. Lines that are not
// JSON objects count as parse failures; the first one is kept (truncated)
// for diagnostics. Consume never fails: unrecognized shapes are skipped.
func Consume(rec Record, line []byte) Record {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return rec
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj == nil {
		rec.ParseFailures++
		if rec.FirstBadLine == "" {
			rec.FirstBadLine = truncate(trimmed, maxBadLineLen)
		}
		return rec
	}

	rec = captureSession(rec, obj)
	rec = captureUsage(rec, obj)
	rec = captureText(rec, obj)
	rec = captureTools(rec, obj)
	rec = capturePermission(rec, obj)
	return rec
}

// captureSession records the first session identifier seen, checking the
// top level and the nested message object.
func captureSession(rec Record, obj map[string]interface{}) Record {
	if rec.SessionID != "" {
		return rec
	}
	for _, key := range []string{"session_id", "conversation_id"} {
		if id := stringField(obj, key); id != "" {
			rec.SessionID = id
			return rec
		}
	}
	if msg := objectField(obj, "message"); msg != nil {
		for _, key := range []string{"session_id", "conversation_id"} {
			if id := stringField(msg, key); id != "" {
				rec.SessionID = id
				return rec
			}
		}
	}
	return rec
}

// captureUsage tracks the last usage.total_tokens value. Later lines give
// cumulative counts, so the newest one wins.
func captureUsage(rec Record, obj map[string]interface{}) Record {
	candidates := []map[string]interface{}{obj}
	if msg := objectField(obj, "message"); msg != nil {
		candidates = append(candidates, msg)
	}
	for _, c := range candidates {
		usage := objectField(c, "usage")
		if usage == nil {
			continue
		}
		if total, ok := intField(usage, "total_tokens"); ok {
			rec.TokensUsed = total
			rec.HasUsage = true
		}
	}
	return rec
}

// captureText extracts assistant-authored text from the shapes the CLI is
// known to emit: assistant role objects, assistant-typed events, final
// result strings, and bare text/content carriers.
func captureText(rec Record, obj map[string]interface{}) Record {
	typ := stringField(obj, "type")
	role := stringField(obj, "role")

	var chunk string
	switch {
	case role == "assistant" || strings.HasPrefix(typ, "assistant"):
		chunk = assistantText(obj)
	case typ == "result":
		if s := stringField(obj, "result"); s != "" {
			chunk = s
		} else {
			chunk = contentText(obj["result"])
		}
	case typ == "tool_use" || typ == "tool_result":
		// Tool traffic is summarized by captureTools, not treated as prose.
	default:
		if s := stringField(obj, "text"); s != "" {
			chunk = s
		} else if _, ok := obj["content"]; ok && role != "user" && typ != "user" {
			chunk = contentText(obj["content"])
		}
	}

	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return rec
	}
	// Result lines usually repeat the already-streamed answer.
	if n := len(rec.TextChunks); n > 0 && rec.TextChunks[n-1] == chunk {
		return rec
	}
	rec.TextChunks = append(rec.TextChunks, chunk)
	return rec
}

// assistantText pulls text out of an assistant object, looking at the
// nested message first and falling back to inline content.
func assistantText(obj map[string]interface{}) string {
	if msg := objectField(obj, "message"); msg != nil {
		if s := contentText(msg["content"]); s != "" {
			return s
		}
		if s := stringField(msg, "text"); s != "" {
			return s
		}
	}
	if s := contentText(obj["content"]); s != "" {
		return s
	}
	return stringField(obj, "text")
}

// contentText flattens a content value: a plain string, or an array of
// blocks whose text entries get concatenated.
func contentText(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case []interface{}:
		var parts []string
		for _, item := range c {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if stringField(block, "type") == "text" || block["type"] == nil {
				if s := stringField(block, "text"); s != "" {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n")
	case map[string]interface{}:
		return stringField(c, "text")
	}
	return ""
}

// captureTools records one summary line per tool invocation found at the
// top level or inside assistant content blocks.
func captureTools(rec Record, obj map[string]interface{}) Record {
	if name, input, ok := toolInvocation(obj); ok {
		rec = appendToolSummary(rec, name, input)
	}
	blocks := contentBlocks(obj)
	for _, block := range blocks {
		if name, input, ok := toolInvocation(block); ok {
			rec = appendToolSummary(rec, name, input)
		}
	}
	return rec
}

// contentBlocks returns the block array from obj.content or
// obj.message.content, when present.
func contentBlocks(obj map[string]interface{}) []map[string]interface{} {
	var raw interface{}
	if msg := objectField(obj, "message"); msg != nil {
		raw = msg["content"]
	}
	if raw == nil {
		raw = obj["content"]
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var blocks []map[string]interface{}
	for _, item := range arr {
		if block, ok := item.(map[string]interface{}); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// toolInvocation reports whether obj describes a tool call and returns its
// name and input. A bare name field only counts when the object also looks
// like a call (tool_use type or an input payload), so prose objects that
// happen to carry a name are not misread.
func toolInvocation(obj map[string]interface{}) (string, map[string]interface{}, bool) {
	name := stringField(obj, "tool_name")
	if name == "" {
		name = stringField(obj, "toolName")
	}
	input := objectField(obj, "input")
	if name == "" {
		if n := stringField(obj, "name"); n != "" {
			if stringField(obj, "type") == "tool_use" || input != nil {
				name = n
			}
		}
	}
	if name == "" {
		return "", nil, false
	}
	return name, input, true
}

func appendToolSummary(rec Record, name string, input map[string]interface{}) Record {
	summary := truncate(fmt.Sprintf("%s: %s", name, describeInput(input)), maxSummaryLen)
	rec.ToolSummaries = append(rec.ToolSummaries, summary)
	if rec.ReplayMode {
		rec.ReplayActions = append(rec.ReplayActions, summary)
	}
	return rec
}

// describeInput produces a one-line description of a tool input, preferring
// the fields that identify what the tool touched.
func describeInput(input map[string]interface{}) string {
	if len(input) == 0 {
		return "(no input)"
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "prompt", "description"} {
		if s := stringField(input, key); s != "" {
			return flattenLine(s)
		}
	}
	// Stable excerpt: smallest keys first.
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, flattenLine(fmt.Sprintf("%v", input[k]))))
	}
	return strings.Join(parts, " ")
}

// capturePermission detects a permission denial. Structured events are
// trusted first; keyword sniffing over the line's text is the fallback.
func capturePermission(rec Record, obj map[string]interface{}) Record {
	if rec.Permission != nil {
		return rec
	}

	typ := strings.ToLower(stringField(obj, "type"))
	subtype := strings.ToLower(stringField(obj, "subtype"))

	structured := typ == "permission_denial" || typ == "permission_denied" ||
		subtype == "permission_denial" || subtype == "permission_denied" ||
		(typ == "control_request" && strings.Contains(lineText(obj), "permission"))

	desc := permissionDescription(obj)
	if structured {
		rec.Permission = &PermissionEvent{
			ActionClass: ClassifyAction(desc),
			Description: truncate(flattenLine(desc), maxSummaryLen),
		}
		return rec
	}

	text := lineText(obj)
	lower := strings.ToLower(text)
	if strings.Contains(lower, "permission") &&
		(strings.Contains(lower, "denied") || strings.Contains(lower, "denial") || strings.Contains(lower, "not allowed")) {
		if desc == "" {
			desc = text
		}
		rec.Permission = &PermissionEvent{
			ActionClass: ClassifyAction(desc),
			Description: truncate(flattenLine(desc), maxSummaryLen),
		}
	}
	return rec
}

// permissionDescription pulls the most specific description out of a
// permission event, falling back to nested tool input.
func permissionDescription(obj map[string]interface{}) string {
	for _, key := range []string{"description", "message", "error", "reason", "text"} {
		if s := stringField(obj, key); s != "" {
			return s
		}
	}
	if name, input, ok := toolInvocation(obj); ok {
		return fmt.Sprintf("%s: %s", name, describeInput(input))
	}
	if req := objectField(obj, "request"); req != nil {
		return permissionDescription(req)
	}
	return ""
}

// lineText collects every string value on the object, giving keyword
// detection something to scan regardless of field naming.
func lineText(obj map[string]interface{}) string {
	var parts []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case map[string]interface{}:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []interface{}:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(obj)
	return strings.Join(parts, " ")
}

func stringField(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}

func objectField(obj map[string]interface{}, key string) map[string]interface{} {
	m, _ := obj[key].(map[string]interface{})
	return m
}

func intField(obj map[string]interface{}, key string) (int, bool) {
	switch n := obj[key].(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

func flattenLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
