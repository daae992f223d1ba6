// Package matching decides whether a query keyword occurs in a posting text.
// Tiers are tried in order: exact substring, substring with whitespace
// removed, fuzzy token similarity and finally the synonym table.
package matching

import (
	"strings"
	"unicode"
)

const (
	DefaultThreshold = 0.6
	// wordShare is the share of keyword words that must find a similar token.
	wordShare = 0.7
	// minTokenLen excludes very short tokens from the whole-keyword comparison.
	minTokenLen = 2
)

type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierWhitespace
	TierFuzzy
	TierSynonym
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierWhitespace:
		return "whitespace"
	case TierFuzzy:
		return "fuzzy"
	case TierSynonym:
		return "synonym"
	default:
		return "none"
	}
}

// DefaultSynonyms lists phrases that count as a match for experience-level terms.
var DefaultSynonyms = map[string][]string{
	"entry-level": entryLevelPhrases,
	"experienced": experiencedPhrases,
	"신입":          entryLevelPhrases,
	"경력":          experiencedPhrases,
}

var entryLevelPhrases = []string{
	"entry level", "junior", "new grad", "new graduate", "recent graduate", "newcomer", "newbie",
	"no experience required", "experience not required", "no prior experience", "internship",
	"신입", "신입사원", "신입 개발자", "주니어", "신입 가능", "신입 환영", "신입 채용", "경력 무관", "경력 제한 없음",
}

var experiencedPhrases = []string{
	"senior", "mid-level", "experienced hire", "years of experience", "years experience",
	"3+ years", "5+ years", "7+ years", "10+ years",
	"경력사원", "경력 개발자", "경력자", "시니어", "경력 채용", "경력 우대", "경력 필수", "경력직",
}

type Option func(*Matcher)

// WithSynonyms replaces the synonym table. Keys are matched case-insensitively.
func WithSynonyms(table map[string][]string) Option {
	return func(m *Matcher) {
		m.synonyms = make(map[string][]string, len(table))
		for k, v := range table {
			m.synonyms[strings.ToLower(k)] = v
		}
	}
}

type Matcher struct {
	sim       Similarity
	threshold float64
	synonyms  map[string][]string
}

// NewMatcher builds a matcher. A nil similarity uses SequenceRatio and a
// threshold outside (0,1] uses DefaultThreshold.
func NewMatcher(sim Similarity, threshold float64, opts ...Option) *Matcher {
	if sim == nil {
		sim = SequenceRatio{}
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}

	m := &Matcher{sim: sim, threshold: threshold}
	WithSynonyms(DefaultSynonyms)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matcher) Similarity() Similarity { return m.sim }

func (m *Matcher) Threshold() float64 { return m.threshold }

// Match reports the first tier under which keyword occurs in text.
func (m *Matcher) Match(keyword, text string) (Tier, bool) {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" || strings.TrimSpace(text) == "" {
		return TierNone, false
	}
	lower := strings.ToLower(text)

	if strings.Contains(lower, kw) {
		return TierExact, true
	}

	if compact := stripSpace(kw); compact != "" && strings.Contains(stripSpace(lower), compact) {
		return TierWhitespace, true
	}

	if m.fuzzy(kw, tokens(lower)) {
		return TierFuzzy, true
	}

	for _, phrase := range m.synonyms[kw] {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return TierSynonym, true
		}
	}

	return TierNone, false
}

func (m *Matcher) fuzzy(keyword string, textTokens []string) bool {
	if len(textTokens) == 0 {
		return false
	}

	words := strings.Fields(keyword)
	matched := 0
	for _, w := range words {
		for _, tok := range textTokens {
			if m.sim.Ratio(w, tok) >= m.threshold {
				matched++
				break
			}
		}
	}
	if len(words) > 0 && float64(matched) >= float64(len(words))*wordShare {
		return true
	}

	for _, tok := range textTokens {
		if len([]rune(tok)) < minTokenLen {
			continue
		}
		if m.sim.Ratio(keyword, tok) >= m.threshold {
			return true
		}
	}
	return false
}

// tokens splits on whitespace and trims surrounding punctuation.
func tokens(text string) []string {
	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
