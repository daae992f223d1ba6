package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/reranker"
)

// Filter represents a single filtering step applied to reranked matches.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(cfg *Config) error
	Apply(ctx context.Context, deps Deps, matches []reranker.Match) ([]reranker.Match, Step, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Logger *zap.Logger
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int `json:"initial"`
	Dropped int `json:"dropped"`
	Left    int `json:"left"`
}

// Config contains configuration settings consumed by the filters.
type Config struct {
	ExcludeFile       string   `mapstructure:"exclude-file"`
	ExcludedCompanies []string `mapstructure:"excluded-companies"`
	MinMatched        int      `mapstructure:"min-matched"`
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string            `json:"name"`
	Enabled bool              `json:"enabled"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// Default returns the standard filter chain in execution order.
func Default() []Filter {
	return []Filter{NewExcludeFile(), NewCompanies(), NewMinMatched()}
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Run executes the supplied filters sequentially and returns the surviving
// matches with the per-step report. Order of matches is preserved.
func Run(ctx context.Context, cfg *Config, deps Deps, steps []Filter, matches []reranker.Match) ([]reranker.Match, map[string]Step, error) {
	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(cfg); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
	}

	report := make(map[string]Step, len(steps))
	for _, step := range steps {
		if !step.IsEnabled() {
			if deps.Logger != nil {
				deps.Logger.Debug("filter disabled", zap.String("name", step.Name()))
			}
			continue
		}

		next, info, err := step.Apply(ctx, deps, matches)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if deps.Logger != nil && info.Dropped > 0 {
			deps.Logger.Info("filter step",
				zap.String("name", step.Name()),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
			)
		}

		report[step.Name()] = info
		matches = next
	}

	return matches, report, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// keep returns the matches for which keep reports true and the removed posting ids.
func keep(matches []reranker.Match, fn func(m *reranker.Match) bool) ([]reranker.Match, []int) {
	kept := make([]reranker.Match, 0, len(matches))
	var removed []int
	for i := range matches {
		if fn(&matches[i]) {
			kept = append(kept, matches[i])
			continue
		}
		removed = append(removed, matches[i].Posting.ID)
	}
	return kept, removed
}
