// Package phonetic corrects speech-to-text output against a fixed vocabulary
// of proper nouns such as the assistant's name.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the spoken phrase and for each vocabulary entry. Entries sharing a code
//     with the phrase become phonetic candidates.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the entry with the
//     highest similarity wins, provided it exceeds the phonetic threshold
//     (default 0.70). When no phonetic candidate qualifies, pure Jaro-Winkler
//     similarity is tested against every entry with a stricter fuzzy
//     threshold (default 0.85).
//
// A [Corrector] slides windows over the transcript so that multi-word entries
// ("Tower of Whispers") and entries split by the recogniser ("a thina") are
// both found. Longer windows win over shorter ones.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinTokenLen       = 3
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched entry to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// WithMinTokenLen sets the length below which single spoken tokens are never
// corrected. Short function words otherwise attract spurious matches.
// Default: 3.
func WithMinTokenLen(n int) Option {
	return func(c *Corrector) {
		c.minTokenLen = n
	}
}

// Correction records one substitution applied by [Corrector.Correct].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// entry is a vocabulary item with its precomputed matching data.
type entry struct {
	text   string
	lower  string
	tokens []string
	concat string

	// codes holds the codes of each word, concatCodes those of the words
	// run together.
	codes       []map[string]struct{}
	concatCodes map[string]struct{}
}

// Corrector rewrites transcripts so that misheard vocabulary entries are
// replaced by their canonical spelling. It is read-only after construction
// and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minTokenLen       int

	entries  []entry
	maxWords int
}

// New returns a [Corrector] for vocabulary. Blank entries are ignored.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minTokenLen:       defaultMinTokenLen,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		concat := strings.Join(tokens, "")
		c.entries = append(c.entries, entry{
			text:        strings.TrimSpace(v),
			lower:       lower,
			tokens:      tokens,
			concat:      concat,
			codes:       codesPerToken(tokens),
			concatCodes: codesForTokens([]string{concat}),
		})
		c.maxWords = max(c.maxWords, len(tokens))
	}
	return c
}

// Len returns the number of vocabulary entries.
func (c *Corrector) Len() int { return len(c.entries) }

// Match finds the vocabulary entry most similar to phrase. When matched is
// false, corrected equals phrase and confidence is 0.
func (c *Corrector) Match(phrase string) (corrected string, confidence float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(phrase)))
	if len(tokens) == 0 || len(c.entries) == 0 {
		return phrase, 0, false
	}
	e, score, ok := c.best(tokens)
	if !ok {
		return phrase, 0, false
	}
	return e.text, score, true
}

// best ranks vocabulary entries against a tokenised window. An entry is
// compared with windows of the same word count, where the phonetic stage
// requires every aligned word pair to share a code. A single-word entry is
// also compared with two-word windows run together, which catches names the
// recogniser split in two.
func (c *Corrector) best(tokens []string) (entry, float64, bool) {
	full := strings.Join(tokens, " ")
	concat := strings.Join(tokens, "")
	if len(tokens) == 1 && len([]rune(full)) < c.minTokenLen {
		return entry{}, 0, false
	}
	inputCodes := codesPerToken(tokens)
	concatCodes := codesForTokens([]string{concat})

	var (
		bestEntry    entry
		bestScore    float64
		bestPhonetic bool
	)
	for _, e := range c.entries {
		var (
			score    float64
			phonetic bool
		)
		switch {
		case len(tokens) == len(e.tokens):
			score = matchr.JaroWinkler(full, e.lower, false)
			phonetic = alignedOverlap(inputCodes, e.codes)
		case len(e.tokens) == 1 && len(tokens) == 2:
			score = matchr.JaroWinkler(concat, e.concat, false)
			phonetic = codesOverlap(concatCodes, e.concatCodes)
		default:
			continue
		}

		if phonetic {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestEntry, bestScore, bestPhonetic = e, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			bestEntry, bestScore = e, score
		}
	}
	return bestEntry, bestScore, bestScore > 0
}

// Correct replaces misheard vocabulary in text. Leading punctuation of the
// first matched token and trailing punctuation of the last are preserved.
// Windows whose match equals the spoken words (ignoring case) are left alone
// and not reported.
func (c *Corrector) Correct(text string) (string, []Correction) {
	raw := strings.Fields(text)
	if len(raw) == 0 || len(c.entries) == 0 {
		return text, nil
	}
	bare := make([]string, len(raw))
	for i, tok := range raw {
		bare[i] = strings.ToLower(strings.TrimFunc(tok, unicode.IsPunct))
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(raw); {
		maxN := min(max(c.maxWords, 2), len(raw)-i)
		consumed := 0
		for n := maxN; n >= 1; n-- {
			window := bare[i : i+n]
			if hasEmpty(window) {
				continue
			}
			e, score, ok := c.best(window)
			if !ok || (n == 2 && len(e.tokens) == 1 && c.eitherMatches(window)) {
				continue
			}
			original := strings.Join(raw[i:i+n], " ")
			if strings.Join(window, " ") == e.lower {
				out = append(out, raw[i:i+n]...)
			} else {
				lead := leadingPunct(raw[i])
				trail := trailingPunct(raw[i+n-1])
				out = append(out, lead+e.text+trail)
				corrections = append(corrections, Correction{
					Original:   original,
					Corrected:  e.text,
					Confidence: score,
				})
			}
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, raw[i])
			consumed = 1
		}
		i += consumed
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// eitherMatches reports whether a word of a two-word window matches on its
// own, in which case the single-word window is preferred over the split.
func (c *Corrector) eitherMatches(window []string) bool {
	for _, tok := range window {
		if _, _, ok := c.best([]string{tok}); ok {
			return true
		}
	}
	return false
}

func hasEmpty(tokens []string) bool {
	for _, t := range tokens {
		if t == "" {
			return true
		}
	}
	return false
}

func leadingPunct(tok string) string {
	trimmed := strings.TrimLeftFunc(tok, unicode.IsPunct)
	return tok[:len(tok)-len(trimmed)]
}

func trailingPunct(tok string) string {
	trimmed := strings.TrimRightFunc(tok, unicode.IsPunct)
	return tok[len(trimmed):]
}

// codesForTokens returns the union of all Double Metaphone codes for tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesPerToken(tokens []string) []map[string]struct{} {
	out := make([]map[string]struct{}, len(tokens))
	for i, t := range tokens {
		out[i] = codesForTokens([]string{t})
	}
	return out
}

// alignedOverlap reports whether every word pair at the same position
// shares a code.
func alignedOverlap(a, b []map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !codesOverlap(a[i], b[i]) {
			return false
		}
	}
	return true
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
