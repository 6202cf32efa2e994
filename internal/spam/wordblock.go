package spam

import (
	"regexp"

	"github.com/rotisserie/eris"

	"fernwiki/app/internal/wiki"
)

// WordBlock rejects content matching a configured list of blocked words.
// Words are matched case-insensitively as whole substrings; an empty list
// blocks nothing.
type WordBlock struct {
	patterns []*regexp.Regexp
}

var _ wiki.SpamFilter = (*WordBlock)(nil)

// NewWordBlock compiles the blocklist. Each word may itself be a regular
// expression, matching the usual wordblock file format.
func NewWordBlock(words []string) (*WordBlock, error) {
	patterns := make([]*regexp.Regexp, 0, len(words))
	for _, word := range words {
		if word == "" {
			continue
		}
		pattern, err := regexp.Compile("(?i)" + word)
		if err != nil {
			return nil, eris.Wrapf(err, "compiling blocked word %q", word)
		}
		patterns = append(patterns, pattern)
	}

	return &WordBlock{patterns: patterns}, nil
}

// IsBlocked reports whether text matches any blocked word.
func (w *WordBlock) IsBlocked(text string) bool {
	for _, pattern := range w.patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
