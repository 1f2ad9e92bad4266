// Package moderation censors forbidden words in outbound message text
// before the relay persists or publishes it.
package moderation

import (
	_ "embed"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

//go:embed censored.txt
var defaultWordsFile string

// DefaultWords returns the embedded censored-words list, one word per line,
// blank lines and #-comments skipped.
func DefaultWords() []string {
	var words []string
	for _, line := range strings.Split(defaultWordsFile, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	return words
}

type Moderator struct {
	machine     *goahocorasick.Machine
	replacement rune
}

// NewModerator builds the Aho-Corasick automaton over the normalized word
// list. The same normalization is applied to scanned text, so punctuation
// and casing cannot be used to dodge a pattern.
func NewModerator(words []string, replacement rune) (*Moderator, error) {
	patterns := make([][]rune, len(words))
	for i, word := range words {
		patterns[i], _ = normalize([]rune(word))
	}
	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	return &Moderator{machine: machine, replacement: replacement}, nil
}

// Censor replaces every matched pattern with the replacement rune,
// preserving the spacing and punctuation of the original text. The second
// return value reports whether anything was replaced.
func (m *Moderator) Censor(text string) (string, bool) {
	original := []rune(text)
	normalized, positions := normalize(original)
	if len(normalized) == 0 {
		return text, false
	}

	spans := m.machine.MultiPatternSearch(normalized, false)
	if len(spans) == 0 {
		return text, false
	}

	for _, span := range spans {
		start := span.Pos
		end := start + len(span.Word)
		if start < 0 || end > len(positions) {
			continue
		}
		for i := positions[start]; i <= positions[end-1]; i++ {
			original[i] = m.replacement
		}
	}
	return string(original), true
}

// normalize lowercases the input and strips spacing, punctuation and
// symbols, keeping for each retained rune its index in the original text.
func normalize(input []rune) ([]rune, []int) {
	normalized := make([]rune, 0, len(input))
	positions := make([]int, 0, len(input))
	for i, r := range input {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		normalized = append(normalized, unicode.ToLower(r))
		positions = append(positions, i)
	}
	return normalized, positions
}
