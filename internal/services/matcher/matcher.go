// Package matcher evaluates message text against the operator's keyword set.
// Matching is pure: no state, no side effects, so it is testable in
// isolation from the scheduler.
package matcher

import (
	"strings"
)

// Match returns the keywords contained in text, case-insensitively. An empty
// keyword set never matches anything: with no filter configured the watcher
// reports nothing rather than everything.
func Match(text string, keywords []string) []string {
	if text == "" || len(keywords) == 0 {
		return nil
	}

	lower := strings.ToLower(text)

	var found []string
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			found = append(found, kw)
		}
	}
	return found
}

// Normalize lower-cases, trims and deduplicates operator-supplied keywords,
// preserving first-seen order.
func Normalize(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	var out []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

// ParseList splits a comma-separated operator string into normalized
// keywords, e.g. "Bitcoin, ETH , bitcoin" -> ["bitcoin", "eth"].
func ParseList(s string) []string {
	return Normalize(strings.Split(s, ","))
}
