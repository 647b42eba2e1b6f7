// Package moderation screens chat messages against the banned-keyword list
// before they reach the AI provider or other participants. Matching is
// case-insensitive and whole-word, with a leetspeak normalization pass so
// trivial obfuscation does not slip through.
package moderation

import (
	"strings"
	"unicode"
)

// ReasonBlockedKeyword is the reason reported for keyword violations.
const ReasonBlockedKeyword = "blocked_keyword"

// FilterResult describes the outcome of checking one message.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter matches messages against a fixed term snapshot. Single-word terms
// go into a set for O(1) token lookup; multi-word terms are matched as
// consecutive token sequences. A Filter is immutable after construction and
// safe for concurrent use; build a fresh one per keyword snapshot.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter builds a filter from the given terms. Empty and whitespace-only
// terms are ignored; all matching is lowercase.
func NewFilter(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if tokens := strings.Fields(term); len(tokens) > 1 {
			f.phrases = append(f.phrases, tokens)
		} else {
			f.words[term] = struct{}{}
		}
	}
	return f
}

// Check reports whether text contains a banned term. The first match wins.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	if r := f.checkTokens(tokenizePlain(lower)); r.Blocked {
		return r
	}

	// Second pass with leetspeak substitutions undone, so "b@dw0rd" still
	// matches "badword".
	raw := tokenizeLeet(lower)
	normalized := make([]string, 0, len(raw))
	for _, tok := range raw {
		normalized = append(normalized, tokenizePlain(normalizeLeet(tok))...)
	}
	return f.checkTokens(normalized)
}

func (f *Filter) checkTokens(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: tok}
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return FilterResult{
				Blocked: true,
				Reason:  ReasonBlockedKeyword,
				Term:    strings.Join(phrase, " "),
			}
		}
	}
	return FilterResult{}
}

func containsSequence(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(tokens) < len(phrase) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, want := range phrase {
			if tokens[i+j] != want {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet maps common character substitutions back to letters.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if mapped, ok := leetMap[r]; ok {
			b.WriteRune(mapped)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// tokenizePlain splits on every non-alphanumeric rune.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, preserving substitution characters
// inside tokens.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}
