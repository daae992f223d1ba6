// Package retriever turns a resume and preference slots into job-level
// candidates: it queries the chunk index, groups hits by posting and fuses
// vector similarity with keyword evidence.
package retriever

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/logger"
	"github.com/spigell/posting-matcher/internal/matching"
	"github.com/spigell/posting-matcher/internal/query"
	"github.com/spigell/posting-matcher/internal/resume"
	"github.com/spigell/posting-matcher/internal/utils"
	"github.com/spigell/posting-matcher/internal/vectorstore"
)

const (
	DefaultTopK         = 10
	DefaultChunksPerJob = 3
	DefaultKeywordBonus = 0.1
	// overFetch multiplies the chunk request so a few postings cannot exhaust it.
	overFetch = 2
)

// Searcher is the nearest-neighbour boundary of the index.
type Searcher interface {
	Search(ctx context.Context, terms []string, limit int) ([]vectorstore.Hit, error)
}

type Options struct {
	TopK         int
	ChunksPerJob int
	// KeywordBonus is multiplied by a term weight for every matched term.
	// Zero uses DefaultKeywordBonus.
	KeywordBonus float64
	Matcher      *matching.Matcher
	Logger       *zap.Logger
}

type Retriever struct {
	searcher     Searcher
	topK         int
	chunksPerJob int
	keywordBonus float64
	matcher      *matching.Matcher
	logger       *zap.Logger
}

// KeywordMatch is a query term found in a posting and the tier that found it.
type KeywordMatch struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
	Tier   string  `json:"tier"`
}

// Chunk is the representative chunk of a candidate.
type Chunk struct {
	ID       string                `json:"id"`
	Text     string                `json:"text"`
	Distance float64               `json:"distance"`
	Score    float64               `json:"score"`
	Meta     vectorstore.ChunkMeta `json:"-"`
}

// Candidate is one posting aggregated from its best chunks.
type Candidate struct {
	PostingID    string         `json:"posting_id"`
	Score        float64        `json:"score"`
	Matched      []KeywordMatch `json:"matched"`
	MatchedCount int            `json:"matched_count"`
	TotalTerms   int            `json:"total_terms"`
	ChunksUsed   int            `json:"chunks_used"`
	Best         Chunk          `json:"best_chunk"`
}

// MatchedTerms returns the matched term texts in query order.
func (c *Candidate) MatchedTerms() []string {
	out := make([]string, len(c.Matched))
	for i, m := range c.Matched {
		out[i] = m.Term
	}
	return out
}

// Result carries the ranked candidates. Reason is apperrors.ErrEmptyQuery or
// apperrors.ErrNoMatches when Candidates is empty for a valid request.
type Result struct {
	Query      query.Query
	Candidates []Candidate
	Reason     error
}

func New(searcher Searcher, opts Options) *Retriever {
	r := &Retriever{
		searcher:     searcher,
		topK:         opts.TopK,
		chunksPerJob: opts.ChunksPerJob,
		keywordBonus: opts.KeywordBonus,
		matcher:      opts.Matcher,
		logger:       logger.ForComponent(opts.Logger, "retriever"),
	}
	if r.topK <= 0 {
		r.topK = DefaultTopK
	}
	if r.chunksPerJob <= 0 {
		r.chunksPerJob = DefaultChunksPerJob
	}
	if r.keywordBonus <= 0 {
		r.keywordBonus = DefaultKeywordBonus
	}
	if r.matcher == nil {
		r.matcher = matching.NewMatcher(nil, matching.DefaultThreshold)
	}
	return r
}

func (r *Retriever) TopK() int { return r.topK }

type group struct {
	jobID string
	meta  *vectorstore.ChunkMeta
	hits  []scoredHit
}

type scoredHit struct {
	hit   vectorstore.Hit
	meta  *vectorstore.ChunkMeta
	score float64
}

// Retrieve returns up to k candidates, best first. k <= 0 uses the configured
// default. Index and embedding failures are returned as errors; an empty query
// or an empty search result is reported through Result.Reason.
func (r *Retriever) Retrieve(ctx context.Context, res *resume.Resume, slots resume.Slots, k int) (*Result, error) {
	return r.RetrieveQuery(ctx, query.Build(res, slots), k)
}

// RetrieveQuery runs a prebuilt query.
func (r *Retriever) RetrieveQuery(ctx context.Context, q query.Query, k int) (*Result, error) {
	if k <= 0 {
		k = r.topK
	}

	result := &Result{Query: q}

	if q.Empty() {
		result.Reason = apperrors.ErrEmptyQuery
		r.logger.Info("no query terms could be built")
		return result, nil
	}

	terms := q.Terms()
	limit := k * r.chunksPerJob * overFetch

	r.logger.Debug("searching index",
		zap.Strings("terms", terms),
		zap.Int("limit", limit),
	)

	hits, err := r.searcher.Search(ctx, terms, limit)
	if err != nil {
		return nil, err
	}

	groups := r.group(hits)
	if len(groups) == 0 {
		result.Reason = apperrors.ErrNoMatches
		r.logger.Info("search returned no job chunks", zap.Int("hits", len(hits)))
		return result, nil
	}

	candidates := make([]Candidate, 0, len(groups))
	for _, g := range groups {
		candidates = append(candidates, r.score(g, q))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	r.logger.Info("candidates retrieved",
		zap.Int("hits", len(hits)),
		zap.Int("postings", len(groups)),
		zap.Int("returned", len(candidates)),
	)

	result.Candidates = candidates
	return result, nil
}

// group drops resume records and malformed hits and groups the rest by posting
// in first-seen order.
func (r *Retriever) group(hits []vectorstore.Hit) []*group {
	byID := make(map[string]*group)
	var ordered []*group

	for _, h := range hits {
		if h.Kind() == vectorstore.KindResume {
			continue
		}

		meta, err := vectorstore.DecodeChunkMeta(h.Metadata)
		if err != nil {
			r.logger.Warn("skipping malformed chunk",
				zap.String("chunk_id", h.ID),
				zap.Error(errors.Join(apperrors.ErrMalformedCandidate, err)),
			)
			continue
		}

		if strings.TrimSpace(h.Text) == "" && strings.TrimSpace(meta.FullText) == "" {
			continue
		}

		g, ok := byID[meta.JobID]
		if !ok {
			g = &group{jobID: meta.JobID, meta: meta}
			byID[meta.JobID] = g
			ordered = append(ordered, g)
		}
		g.hits = append(g.hits, scoredHit{hit: h, meta: meta, score: ChunkScore(h.Distance)})
	}

	return ordered
}

func (r *Retriever) score(g *group, q query.Query) Candidate {
	sort.SliceStable(g.hits, func(i, j int) bool {
		return g.hits[i].score > g.hits[j].score
	})

	top := g.hits
	if len(top) > r.chunksPerJob {
		top = top[:r.chunksPerJob]
	}

	var sum float64
	for _, h := range top {
		sum += h.score
	}
	vectorScore := sum / float64(len(top))

	text := fullText(g)
	matched := make([]KeywordMatch, 0, q.Len())
	var bonus float64
	for _, term := range q.Items() {
		tier, ok := r.matcher.Match(term.Text, text)
		if !ok {
			continue
		}
		matched = append(matched, KeywordMatch{Term: term.Text, Weight: term.Weight, Tier: tier.String()})
		bonus += term.Weight * r.keywordBonus
	}

	best := top[0]
	c := Candidate{
		PostingID:    g.jobID,
		Score:        vectorScore + bonus,
		Matched:      matched,
		MatchedCount: len(matched),
		TotalTerms:   q.Len(),
		ChunksUsed:   len(top),
		Best: Chunk{
			ID:       best.hit.ID,
			Text:     best.hit.Text,
			Distance: best.hit.Distance,
			Score:    best.score,
			Meta:     *best.meta,
		},
	}

	fields := []zap.Field{
		zap.String("posting_id", g.jobID),
		zap.Float64("score", c.Score),
		zap.Int("matched", c.MatchedCount),
		zap.Int("total_terms", c.TotalTerms),
		zap.String("best_chunk", utils.TruncateForLog(best.hit.Text, 80)),
	}
	for _, m := range matched {
		fields = append(fields, zap.String("tier."+m.Term, m.Tier))
	}
	r.logger.Debug("posting scored", fields...)

	return c
}

// ChunkScore maps a cosine distance in [0,2] to a similarity in [0,1].
func ChunkScore(distance float64) float64 {
	return max(0, 1-distance/2)
}

// fullText prefers the denormalized posting text and otherwise rebuilds one
// from the structured metadata and the chunk texts.
func fullText(g *group) string {
	for _, h := range g.hits {
		if strings.TrimSpace(h.meta.FullText) != "" {
			return h.meta.FullText
		}
	}

	parts := make([]string, 0, 6+len(g.hits))
	for _, v := range []string{g.meta.Title, g.meta.Company, g.meta.Location, g.meta.EmploymentType, g.meta.CompanySize, g.meta.Industry} {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	for _, h := range g.hits {
		parts = append(parts, h.hit.Text)
	}
	return strings.Join(parts, " ")
}
