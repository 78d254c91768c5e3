// Package redact detects and rewrites PII and secret material in strings
// and nested structures before anything is persisted or shipped out.
package redact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Strategy decides how a matched span is rewritten.
type Strategy string

const (
	// StrategyMask replaces the match with a literal token.
	StrategyMask Strategy = "mask"
	// StrategyHash replaces the match with a keyed truncated digest.
	StrategyHash Strategy = "hash"
	// StrategyDrop removes the match entirely.
	StrategyDrop Strategy = "drop"
	// StrategySummarize keeps only the boundary characters.
	StrategySummarize Strategy = "summarize"
)

// Pattern is one named detector.
type Pattern struct {
	Name        string
	Matcher     *regexp.Regexp
	Strategy    Strategy
	Replacement string
}

// Match reports one redacted span, positioned in the original text.
type Match struct {
	Pattern string `json:"pattern"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Redactor applies an ordered pattern list.
type Redactor struct {
	patterns []Pattern
	salt     string
}

// DefaultPatterns covers the common PII and credential shapes.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "email", Matcher: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), Strategy: StrategyMask, Replacement: "[EMAIL]"},
		{Name: "ssn", Matcher: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Strategy: StrategyMask, Replacement: "[SSN]"},
		{Name: "phone", Matcher: regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), Strategy: StrategyMask, Replacement: "[PHONE]"},
		{Name: "credit_card", Matcher: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), Strategy: StrategyMask, Replacement: "[CARD]"},
		{Name: "ip_address", Matcher: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), Strategy: StrategyHash},
		{Name: "api_key", Matcher: regexp.MustCompile(`\b(?:sk|pk|rk|api|key|tok)[-_](?:live|test|prod|ant)?[-_]?[A-Za-z0-9]{16,}\b`), Strategy: StrategyMask, Replacement: "[API_KEY]"},
		{Name: "jwt", Matcher: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`), Strategy: StrategyMask, Replacement: "[JWT]"},
		{Name: "password_field", Matcher: regexp.MustCompile(`(?i)(password|passwd|pwd)["']?\s*[:=]\s*["']?[^\s"',;]+`), Strategy: StrategyMask, Replacement: "[PASSWORD]"},
	}
}

// New builds a redactor with the default pattern set and the given hash
// salt.
func New(salt string) *Redactor {
	return &Redactor{patterns: DefaultPatterns(), salt: salt}
}

// AddPattern registers a custom pattern.
func (r *Redactor) AddPattern(p Pattern) {
	r.patterns = append(r.patterns, p)
}

// RemovePattern removes a pattern by name.
func (r *Redactor) RemovePattern(name string) {
	kept := r.patterns[:0]
	for _, p := range r.patterns {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	r.patterns = kept
}

type span struct {
	start, end  int
	replacement string
	pattern     string
}

// Redact rewrites text in a single pass and reports every match with its
// original position. Overlapping matches resolve to the earliest pattern.
func (r *Redactor) Redact(text string) (string, []Match) {
	if text == "" {
		return text, nil
	}

	var spans []span
	for _, p := range r.patterns {
		for _, loc := range p.Matcher.FindAllStringIndex(text, -1) {
			spans = append(spans, span{
				start:       loc[0],
				end:         loc[1],
				replacement: r.rewrite(p, text[loc[0]:loc[1]]),
				pattern:     p.Name,
			})
		}
	}
	if len(spans) == 0 {
		return text, nil
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var out strings.Builder
	var matches []Match
	cursor := 0
	for _, sp := range spans {
		if sp.start < cursor {
			continue // overlapped by an earlier span
		}
		out.WriteString(text[cursor:sp.start])
		out.WriteString(sp.replacement)
		matches = append(matches, Match{Pattern: sp.pattern, Start: sp.start, End: sp.end})
		cursor = sp.end
	}
	out.WriteString(text[cursor:])
	return out.String(), matches
}

func (r *Redactor) rewrite(p Pattern, matched string) string {
	switch p.Strategy {
	case StrategyHash:
		mac := hmac.New(sha256.New, []byte(r.salt))
		mac.Write([]byte(matched))
		return fmt.Sprintf("[HASH:%s]", hex.EncodeToString(mac.Sum(nil))[:8])
	case StrategyDrop:
		return ""
	case StrategySummarize:
		if len(matched) <= 4 {
			return matched
		}
		return matched[:2] + "..." + matched[len(matched)-2:]
	default:
		if p.Replacement != "" {
			return p.Replacement
		}
		return "[NAME]"
	}
}

// RedactObject walks strings, slices, and maps recursively and returns a
// redacted copy. Non-string leaves pass through unchanged.
func (r *Redactor) RedactObject(value any) any {
	switch typed := value.(type) {
	case string:
		redacted, _ := r.Redact(typed)
		return redacted
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = r.RedactObject(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = r.RedactObject(item)
		}
		return out
	default:
		return value
	}
}
