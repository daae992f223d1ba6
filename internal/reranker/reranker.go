// Package reranker orders retrieved candidates by how many query terms they
// matched, using vector distance only to break ties, and resolves them back to
// full posting records.
package reranker

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/logger"
	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/resume"
	"github.com/spigell/posting-matcher/internal/retriever"
)

// Match is a posting enriched with the evidence that selected it.
type Match struct {
	Posting       posting.Posting          `json:"posting"`
	Matched       []retriever.KeywordMatch `json:"matched"`
	MatchedCount  int                      `json:"matched_count"`
	TotalKeywords int                      `json:"total_keywords"`
	Score         float64                  `json:"score"`
	Distance      float64                  `json:"distance"`
	ChunkID       string                   `json:"chunk_id"`
}

// MatchedKeywords returns the matched term texts.
func (m *Match) MatchedKeywords() []string {
	out := make([]string, len(m.Matched))
	for i, k := range m.Matched {
		out[i] = k.Term
	}
	return out
}

type Reranker struct {
	logger *zap.Logger
}

func New(log *zap.Logger) *Reranker {
	return &Reranker{logger: logger.ForComponent(log, "reranker")}
}

// Rerank resolves candidates to postings, keeps the first occurrence of each
// posting and sorts by matched count descending, then distance ascending.
// The resume and slots are accepted for parity with the retriever and are not
// used for scoring.
func (r *Reranker) Rerank(_ *resume.Resume, _ resume.Slots, candidates []retriever.Candidate, postings *posting.Postings) []Match {
	if len(candidates) == 0 || postings.Len() == 0 {
		return nil
	}

	seen := make(map[int]struct{}, len(candidates))
	matches := make([]Match, 0, len(candidates))

	for _, c := range candidates {
		id, err := strconv.Atoi(strings.TrimSpace(c.PostingID))
		if err != nil {
			r.logger.Warn("skipping candidate with unparseable posting id",
				zap.String("posting_id", c.PostingID),
				zap.Error(errors.Join(apperrors.ErrMalformedCandidate, err)),
			)
			continue
		}

		found := postings.FindByID(id)
		if found == nil {
			r.logger.Warn("skipping candidate for unknown posting", zap.Int("posting_id", id))
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		matches = append(matches, Match{
			Posting:       *found,
			Matched:       append([]retriever.KeywordMatch(nil), c.Matched...),
			MatchedCount:  c.MatchedCount,
			TotalKeywords: c.TotalTerms,
			Score:         c.Score,
			Distance:      c.Best.Distance,
			ChunkID:       c.Best.ID,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].MatchedCount != matches[j].MatchedCount {
			return matches[i].MatchedCount > matches[j].MatchedCount
		}
		return matches[i].Distance < matches[j].Distance
	})

	r.logger.Debug("candidates reranked",
		zap.Int("candidates", len(candidates)),
		zap.Int("matches", len(matches)),
	)

	return matches
}
