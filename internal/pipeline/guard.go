package pipeline

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// defaultRepetitionRatio is the unique-rune ratio at or below which a
	// result is treated as recognizer babble. "ㅋㅋㅋㅋㅋㅋㅋㅋㅋㅋ" has a
	// ratio of 0.1 and trips the rule; normal Korean speech stays well above.
	defaultRepetitionRatio = 0.2

	// defaultRepetitionMinRunes is the minimum result length, in runes, before
	// the repetition ratio is checked. Short genuine replies ("네네네") repeat
	// runes legitimately and must pass.
	defaultRepetitionMinRunes = 10

	// defaultBanSimilarity is the minimum Jaro-Winkler score at which a whole
	// result counts as a restatement of a ban phrase.
	defaultBanSimilarity = 0.93
)

// DefaultBanPhrases are recognizer outputs that signal a hallucinated segment
// rather than consultation speech. Whisper-family models are known to emit
// video-outro phrases on silent or noisy audio.
var DefaultBanPhrases = []string{
	"시청해주셔서 감사합니다",
	"구독과 좋아요 부탁드립니다",
}

// GuardOption is a functional option for configuring a [Guard].
type GuardOption func(*Guard)

// WithBanPhrases replaces the default ban-phrase list. Pass no arguments to
// disable phrase-based filtering entirely; the repetition rule still applies.
func WithBanPhrases(phrases ...string) GuardOption {
	return func(g *Guard) {
		g.banPhrases = phrases
	}
}

// WithBanSimilarity sets the minimum Jaro-Winkler score at which a result is
// rejected as a near-restatement of a ban phrase. Default: 0.93.
func WithBanSimilarity(threshold float64) GuardOption {
	return func(g *Guard) {
		g.banSimilarity = threshold
	}
}

// WithRepetitionRatio sets the unique-rune ratio at or below which a result
// of at least minRunes runes is rejected. Defaults: ratio 0.2, minRunes 10.
func WithRepetitionRatio(ratio float64, minRunes int) GuardOption {
	return func(g *Guard) {
		g.repetitionRatio = ratio
		g.repetitionMinRunes = minRunes
	}
}

// Guard filters hallucinated recognizer output before it reaches the
// transcript. Recognizers fed a silent or noisy segment tend to produce one
// of two shapes: a single rune repeated many times, or a stock phrase learned
// from caption data. Both are cheap to detect on the result string alone.
//
// A Guard is read-only after construction and safe for concurrent use by all
// pool workers.
type Guard struct {
	banPhrases         []string
	banSimilarity      float64
	repetitionRatio    float64
	repetitionMinRunes int
}

// NewGuard returns a [Guard] configured with the supplied options. Without
// options it uses [DefaultBanPhrases], a 0.93 ban similarity, and a 0.2
// unique-rune ratio applied from 10 runes up.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		banPhrases:         DefaultBanPhrases,
		banSimilarity:      defaultBanSimilarity,
		repetitionRatio:    defaultRepetitionRatio,
		repetitionMinRunes: defaultRepetitionMinRunes,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Clean returns text unchanged when it reads like genuine speech, and the
// empty string when it matches a hallucination shape:
//
//   - the unique-rune ratio is at or below the repetition threshold and the
//     result is long enough for the ratio to be meaningful;
//   - a ban phrase occurs more than once in the result;
//   - the whole result is Jaro-Winkler-similar to a ban phrase at or above
//     the ban similarity threshold.
//
// Callers drop empty results, so Clean doubles as the suppression decision.
func (g *Guard) Clean(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if g.repetitive(trimmed) {
		return ""
	}
	for _, phrase := range g.banPhrases {
		if phrase == "" {
			continue
		}
		if strings.Count(trimmed, phrase) > 1 {
			return ""
		}
		if matchr.JaroWinkler(trimmed, phrase, false) >= g.banSimilarity {
			return ""
		}
	}
	return text
}

// repetitive reports whether s is long enough to judge and is built from a
// pathologically small rune alphabet. Whitespace runes are ignored so padded
// babble ("ㅋ ㅋ ㅋ ...") does not slip through on its spaces.
func (g *Guard) repetitive(s string) bool {
	seen := make(map[rune]struct{})
	total := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		seen[r] = struct{}{}
	}
	if total < g.repetitionMinRunes {
		return false
	}
	return float64(len(seen))/float64(total) <= g.repetitionRatio
}
