package filtering

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/reranker"
)

type excludeFileFilter struct {
	disabled bool
	reason   string
	path     string
}

// NewExcludeFile creates a filter that removes postings listed in the exclude file by id or URL.
func NewExcludeFile() Filter {
	return &excludeFileFilter{}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *excludeFileFilter) IsEnabled() bool { return !f.disabled }

func (f *excludeFileFilter) Validate(cfg *Config) error {
	f.path = ""
	if cfg != nil {
		f.path = strings.TrimSpace(cfg.ExcludeFile)
	}
	return nil
}

func (f *excludeFileFilter) Apply(_ context.Context, deps Deps, matches []reranker.Match) ([]reranker.Match, Step, error) {
	initial := len(matches)
	if f.path == "" {
		return matches, Step{Initial: initial, Left: initial}, nil
	}

	excluded, err := posting.LoadExcluded(f.path)
	if err != nil {
		return matches, Step{}, fmt.Errorf("getting excluded postings from file: %w", err)
	}

	keys := excluded.Keys()
	kept, removed := keep(matches, func(m *reranker.Match) bool {
		if _, ok := keys[strconv.Itoa(m.Posting.ID)]; ok {
			return false
		}
		if m.Posting.URL != "" {
			if _, ok := keys[m.Posting.URL]; ok {
				return false
			}
		}
		return true
	})

	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding postings based on exclude file",
			zap.String("path", f.path),
			zap.Ints("excluded_postings", removed),
			zap.Int("postings_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(removed), Left: len(kept)}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
