// Package redact strips secret-like substrings from text before it is
// persisted, summarized, or sent to any adapter.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces every match. It contains too few distinct
// characters to re-trigger the entropy scan, which keeps Redact idempotent.
const Placeholder = "[REDACTED]"

var keyPatterns = []*regexp.Regexp{
	// Common API key prefixes, length-bounded.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,128}`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,128}`),
	regexp.MustCompile(`\bxoxb-[A-Za-z0-9-]{10,128}`),
	regexp.MustCompile(`\bAIza[A-Za-z0-9_-]{20,64}`),
	// Bearer tokens in auth headers or pasted curl output.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
}

// Assignment forms such as ANTHROPIC_API_KEY=..., MY_TOKEN=..., secret=...
// The name is kept, the value is replaced.
var assignPattern = regexp.MustCompile(`(?i)\b([A-Za-z0-9_-]*(?:api[_-]?key|token|secret|passwd|password)[A-Za-z0-9_-]*)(\s*[:=]\s*)\S+`)

// Free-standing password mentions: "password: hunter2", "password hunter2".
var passwordPattern = regexp.MustCompile(`(?i)\b(password)([:=\s]\s*)\S+`)

// Candidate runs for the entropy check: long unbroken base64-ish blocks.
var entropyCandidate = regexp.MustCompile(`[A-Za-z0-9+/=_-]{40,}`)

// String replaces every secret-looking substring with the placeholder.
// Applying it twice yields the same output as applying it once.
func String(s string) string {
	if s == "" {
		return s
	}
	out := assignPattern.ReplaceAllString(s, "${1}${2}"+Placeholder)
	out = passwordPattern.ReplaceAllString(out, "${1}${2}"+Placeholder)
	for _, re := range keyPatterns {
		out = re.ReplaceAllString(out, Placeholder)
	}
	out = entropyCandidate.ReplaceAllStringFunc(out, func(block string) string {
		if highEntropy(block) {
			return Placeholder
		}
		return block
	})
	return out
}

// Value walks maps and slices, redacting every string leaf.
// Non-string values pass through unchanged.
func Value(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Value(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Value(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = String(val)
		}
		return out
	default:
		return v
	}
}

// Strings redacts every element of a string slice.
func Strings(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = String(s)
	}
	return out
}

// highEntropy reports whether a base64-ish block looks like key material
// rather than prose: at least 16 distinct characters with both letters
// and digits present.
func highEntropy(block string) bool {
	distinct := make(map[rune]struct{}, len(block))
	hasDigit := false
	hasUpper := false
	hasLower := false
	for _, r := range block {
		distinct[r] = struct{}{}
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		}
	}
	if len(distinct) < 16 {
		return false
	}
	// Long hex hashes and UUID chains trip the digit+case test too, which
	// is acceptable: they are opaque identifiers, not prose.
	return hasDigit && hasUpper && hasLower
}

// Contains reports whether the text still carries something that String
// would redact. Used by tests and the audit layer as a cheap guard.
func Contains(s string) bool {
	return String(s) != s
}

// TruncateLine reduces text to a single line of at most max runes,
// replacing newlines with spaces. Used for audit excerpts.
func TruncateLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
