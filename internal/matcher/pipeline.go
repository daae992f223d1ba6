// Package matcher runs a search end to end: retrieval, reranking and the
// post-rerank filters, with an optional shared cache in front of retrieval.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/cache"
	"github.com/spigell/posting-matcher/internal/filtering"
	"github.com/spigell/posting-matcher/internal/logger"
	"github.com/spigell/posting-matcher/internal/metrics"
	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/query"
	"github.com/spigell/posting-matcher/internal/reranker"
	"github.com/spigell/posting-matcher/internal/resume"
	"github.com/spigell/posting-matcher/internal/retriever"
)

// Search outcomes recorded in metrics.
const (
	OutcomeOK         = "ok"
	OutcomeEmptyQuery = "empty_query"
	OutcomeNoMatches  = "no_matches"
	OutcomeNotReady   = "not_ready"
	OutcomeError      = "error"
)

// Request is one search. Explicit Terms replace the query built from the
// slots.
type Request struct {
	Resume resume.Resume `json:"resume"`
	Slots  resume.Slots  `json:"slots"`
	Terms  []query.Term  `json:"terms,omitempty"`
	Limit  int           `json:"limit,omitempty"`
}

// Response lists matches best first. Reason is set when Matches is empty for
// a valid request.
type Response struct {
	Query   []query.Term              `json:"query"`
	Matches []reranker.Match          `json:"matches"`
	Filters map[string]filtering.Step `json:"filters,omitempty"`
	Reason  string                    `json:"reason,omitempty"`
	Cached  bool                      `json:"cached"`
}

// Retrieval is the cached part of a search.
type Retrieval struct {
	Candidates []retriever.Candidate `json:"candidates"`
	Reason     string                `json:"reason,omitempty"`
}

type Options struct {
	Filters  *filtering.Config
	// Disabled maps filter names to the reason they are turned off.
	Disabled map[string]string
	Cache    *cache.Cache[Retrieval]
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Timeout  time.Duration
}

type Pipeline struct {
	retriever *retriever.Retriever
	reranker  *reranker.Reranker
	filters   *filtering.Config
	disabled  map[string]string
	cache     *cache.Cache[Retrieval]
	metrics   *metrics.Metrics
	logger    *zap.Logger
	timeout   time.Duration

	mu       sync.RWMutex
	postings *posting.Postings
}

func New(r *retriever.Retriever, rr *reranker.Reranker, postings *posting.Postings, opts Options) *Pipeline {
	filters := opts.Filters
	if filters == nil {
		filters = &filtering.Config{}
	}
	return &Pipeline{
		retriever: r,
		reranker:  rr,
		filters:   filters,
		disabled:  opts.Disabled,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		logger:    logger.ForComponent(opts.Logger, "matcher"),
		timeout:   opts.Timeout,
		postings:  postings,
	}
}

// Postings returns the corpus used to enrich matches.
func (p *Pipeline) Postings() *posting.Postings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.postings
}

// SetPostings swaps the corpus after a reload.
func (p *Pipeline) SetPostings(postings *posting.Postings) {
	p.mu.Lock()
	p.postings = postings
	p.mu.Unlock()
}

// Invalidate drops cached retrievals. It is called after the index changes.
func (p *Pipeline) Invalidate(ctx context.Context) {
	if err := p.cache.Invalidate(ctx); err != nil {
		p.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

// Filters reports the status of the filter chain for the configured settings.
func (p *Pipeline) Filters() ([]filtering.Status, error) {
	steps := p.steps()
	if _, _, err := filtering.Run(context.Background(), p.filters, filtering.Deps{}, steps, nil); err != nil {
		return nil, err
	}
	return filtering.Describe(steps), nil
}

// Match runs a search. Errors carry apperrors sentinels; an empty query or
// an empty result is reported through Response.Reason.
func (p *Pipeline) Match(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	q := req.query()
	k := req.Limit
	if k <= 0 {
		k = p.retriever.TopK()
	}

	resp := &Response{Query: q.Items(), Matches: []reranker.Match{}}

	if q.Empty() {
		resp.Reason = apperrors.Code(apperrors.ErrEmptyQuery)
		p.observe(OutcomeEmptyQuery, resp, started)
		return resp, nil
	}

	key := p.cache.Key(cacheKey(q), strconv.Itoa(k))
	retrieval, hit, err := p.cache.GetOrCompute(ctx, key, func() (*Retrieval, error) {
		res, err := p.retriever.RetrieveQuery(ctx, q, k)
		if err != nil {
			return nil, err
		}
		out := &Retrieval{Candidates: res.Candidates}
		if res.Reason != nil {
			out.Reason = apperrors.Code(res.Reason)
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = apperrors.New(err, http.StatusGatewayTimeout, "search timed out")
		}
		p.fail(err, started)
		return nil, err
	}
	resp.Cached = hit

	if retrieval.Reason != "" {
		resp.Reason = retrieval.Reason
		p.observe(outcome(retrieval.Reason), resp, started)
		return resp, nil
	}

	matches := p.reranker.Rerank(&req.Resume, req.Slots, retrieval.Candidates, p.Postings())

	matches, report, err := filtering.Run(ctx, p.filters, filtering.Deps{Logger: p.logger}, p.steps(), matches)
	if err != nil {
		err = fmt.Errorf("filtering matches: %w", err)
		p.fail(err, started)
		return nil, err
	}

	resp.Filters = report
	if len(matches) > 0 {
		resp.Matches = matches
	} else {
		resp.Reason = apperrors.Code(apperrors.ErrNoMatches)
	}

	p.observe(outcome(resp.Reason), resp, started)
	return resp, nil
}

func (p *Pipeline) steps() []filtering.Filter {
	steps := filtering.Default()
	for name, reason := range p.disabled {
		filtering.DisableByName(steps, name, reason)
	}
	return steps
}

func (p *Pipeline) observe(result string, resp *Response, started time.Time) {
	p.metrics.ObserveSearch(result, len(resp.Matches), time.Since(started))

	p.logger.Info("search finished",
		zap.String("outcome", result),
		zap.Strings("terms", termTexts(resp.Query)),
		zap.Int("matches", len(resp.Matches)),
		zap.Bool("cached", resp.Cached),
		zap.Duration("took", time.Since(started)),
	)
	for i := range resp.Matches {
		m := &resp.Matches[i]
		p.logger.Debug("match",
			zap.Int("rank", i+1),
			zap.Int("posting_id", m.Posting.ID),
			zap.String("title", m.Posting.Title),
			zap.Int("matched", m.MatchedCount),
			zap.Float64("distance", m.Distance),
			zap.Strings("keywords", m.MatchedKeywords()),
		)
	}
}

func (p *Pipeline) fail(err error, started time.Time) {
	result := OutcomeError
	if errors.Is(err, apperrors.ErrNotReady) {
		result = OutcomeNotReady
	}
	p.metrics.ObserveSearch(result, 0, time.Since(started))
	p.logger.Error("search failed", zap.String("outcome", result), zap.Error(err))
}

func (r *Request) query() query.Query {
	if len(r.Terms) > 0 {
		return query.New(r.Terms...)
	}
	return query.Build(&r.Resume, r.Slots)
}

func outcome(reason string) string {
	switch reason {
	case "":
		return OutcomeOK
	case apperrors.Code(apperrors.ErrEmptyQuery):
		return OutcomeEmptyQuery
	default:
		return OutcomeNoMatches
	}
}

// cacheKey encodes terms and weights so that reweighted queries do not share
// entries.
func cacheKey(q query.Query) string {
	items := q.Items()
	parts := make([]string, len(items))
	for i, t := range items {
		parts[i] = t.Text + "=" + strconv.FormatFloat(t.Weight, 'f', -1, 64)
	}
	return strings.Join(parts, "|")
}

func termTexts(terms []query.Term) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.Text
	}
	return out
}
