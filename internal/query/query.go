// Package query builds the weighted keyword query sent to the index.
package query

import (
	"strings"

	"github.com/spigell/posting-matcher/internal/resume"
)

const (
	MaxTerms = 5

	EntryLevel  = "entry-level"
	Experienced = "experienced"
)

// Slot weights. Terms are collected in this order.
const (
	WeightDesiredJob     = 3.0
	WeightLocation       = 2.5
	WeightEmploymentType = 2.0
	WeightIndustry       = 2.0
	WeightCompanySize    = 1.5
	WeightExperience     = 2.5
)

type Term struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
	Slot   string  `json:"slot"`
}

// Query is an ordered list of distinct, non-empty terms with positive weights.
type Query struct {
	terms []Term
}

// Build collects slot values in priority order, appends the experience level
// derived from the resume and keeps at most MaxTerms terms.
func Build(r *resume.Resume, slots resume.Slots) Query {
	candidates := []struct {
		slot   string
		value  *string
		weight float64
	}{
		{"desired_job", slots.DesiredJob, WeightDesiredJob},
		{"location", slots.Location, WeightLocation},
		{"employment_type", slots.EmploymentType, WeightEmploymentType},
		{"industry", slots.Industry, WeightIndustry},
		{"company_size", slots.CompanySize, WeightCompanySize},
		{"experience", resume.String(ExperienceLevel(r)), WeightExperience},
	}

	terms := make([]Term, 0, len(candidates))
	for _, c := range candidates {
		if value, asked := resume.Value(c.value); asked {
			terms = append(terms, Term{Text: value, Weight: c.weight, Slot: c.slot})
		}
	}

	return New(terms...)
}

// New keeps the first MaxTerms usable terms: blank texts, non-positive weights
// and case-insensitive duplicates are skipped.
func New(terms ...Term) Query {
	q := Query{}
	seen := make(map[string]struct{}, len(terms))

	for _, t := range terms {
		if len(q.terms) == MaxTerms {
			break
		}

		t.Text = strings.TrimSpace(t.Text)
		if t.Text == "" || t.Weight <= 0 {
			continue
		}

		key := strings.ToLower(t.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		q.terms = append(q.terms, t)
	}

	return q
}

// ExperienceLevel is EntryLevel for a resume without work history.
func ExperienceLevel(r *resume.Resume) string {
	if r == nil || !r.HasExperience() {
		return EntryLevel
	}
	return Experienced
}

func (q Query) Empty() bool { return len(q.terms) == 0 }

func (q Query) Len() int { return len(q.terms) }

// Terms returns the term texts in priority order.
func (q Query) Terms() []string {
	out := make([]string, len(q.terms))
	for i, t := range q.terms {
		out[i] = t.Text
	}
	return out
}

func (q Query) Items() []Term {
	return append([]Term(nil), q.terms...)
}

// Weight returns the weight of term, or 0 when the term is not part of the query.
func (q Query) Weight(term string) float64 {
	for _, t := range q.terms {
		if t.Text == term {
			return t.Weight
		}
	}
	return 0
}
