package filtering

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/reranker"
)

type companiesFilter struct {
	disabled  bool
	reason    string
	companies map[string]struct{}
	names     []string
}

// NewCompanies creates a filter that removes postings of companies configured in the config.
// Names are compared case-insensitively.
func NewCompanies() Filter {
	return &companiesFilter{}
}

func (f *companiesFilter) Name() string { return "companies" }

func (f *companiesFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *companiesFilter) IsEnabled() bool { return !f.disabled }

func (f *companiesFilter) Validate(cfg *Config) error {
	f.companies = make(map[string]struct{})
	f.names = nil
	if cfg == nil {
		return nil
	}
	for _, name := range cfg.ExcludedCompanies {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f.companies[strings.ToLower(name)] = struct{}{}
		f.names = append(f.names, name)
	}
	return nil
}

func (f *companiesFilter) Apply(_ context.Context, deps Deps, matches []reranker.Match) ([]reranker.Match, Step, error) {
	initial := len(matches)
	if len(f.companies) == 0 {
		return matches, Step{Initial: initial, Left: initial}, nil
	}

	kept, removed := keep(matches, func(m *reranker.Match) bool {
		_, excluded := f.companies[strings.ToLower(strings.TrimSpace(m.Posting.Company))]
		return !excluded
	})

	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding postings by companies",
			zap.Strings("excluded_companies", f.names),
			zap.Ints("excluded_postings", removed),
			zap.Int("postings_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(removed), Left: len(kept)}, nil
}

func (f *companiesFilter) Status() Status {
	details := map[string]string{}
	if len(f.names) > 0 {
		details["companies"] = strings.Join(f.names, ",")
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
