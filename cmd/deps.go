package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/cache"
	"github.com/spigell/posting-matcher/internal/chunker"
	"github.com/spigell/posting-matcher/internal/config"
	"github.com/spigell/posting-matcher/internal/embedding"
	"github.com/spigell/posting-matcher/internal/embedding/gemini"
	"github.com/spigell/posting-matcher/internal/embedding/tfidf"
	"github.com/spigell/posting-matcher/internal/index"
	"github.com/spigell/posting-matcher/internal/matcher"
	"github.com/spigell/posting-matcher/internal/matching"
	"github.com/spigell/posting-matcher/internal/metrics"
	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/reranker"
	"github.com/spigell/posting-matcher/internal/retriever"
	"github.com/spigell/posting-matcher/internal/secrets"
	"github.com/spigell/posting-matcher/internal/vectorstore"
	"github.com/spigell/posting-matcher/internal/vectorstore/memory"
	"github.com/spigell/posting-matcher/internal/vectorstore/qdrant"
)

// components is everything a command needs, built from the config.
type components struct {
	config   *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	postings *posting.Postings
	index    *index.Service
	reloader *index.Reloader
	pipeline *matcher.Pipeline
	cache    *cache.Cache[matcher.Retrieval]
}

func setup(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*components, error) {
	c := &components{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(reg),
	}

	postings, err := loadCorpus(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.postings = postings

	embedder, err := newEmbedder(ctx, cfg, logger, c.metrics)
	if err != nil {
		return nil, err
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	c.cache = newCache(ctx, cfg, logger, c.metrics)

	c.index = index.New(embedder, store, chunker.New(cfg.Index.Window, cfg.Index.Stride, logger),
		index.WithLogger(logger),
		index.WithMetrics(c.metrics),
		index.WithOnIndexed(func(ctx context.Context, _ *index.Report) {
			if c.pipeline != nil {
				c.pipeline.Invalidate(ctx)
			}
		}),
	)

	if err := c.index.Initialize(ctx); err != nil {
		return nil, err
	}

	r := retriever.New(c.index, retriever.Options{
		TopK:         cfg.Retrieval.TopK,
		ChunksPerJob: cfg.Retrieval.ChunksPerJob,
		KeywordBonus: cfg.Retrieval.KeywordBonus,
		Matcher:      matching.NewMatcher(matching.SimilarityByName(cfg.Retrieval.Similarity), cfg.Retrieval.FuzzyThreshold),
		Logger:       logger,
	})

	c.pipeline = matcher.New(r, reranker.New(logger), postings, matcher.Options{
		Filters:  &cfg.Filters,
		Disabled: disabledFilters(cfg),
		Cache:    c.cache,
		Metrics:  c.metrics,
		Logger:   logger,
		Timeout:  cfg.Server.RequestTimeout,
	})

	c.reloader = index.NewReloader(c.index,
		func() (*posting.Postings, error) { return loadCorpus(cfg, logger) },
		c.pipeline.SetPostings,
	)

	return c, nil
}

func (c *components) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.index.Shutdown(ctx); err != nil {
		c.logger.Warn("closing index", zap.Error(err))
	}
	if err := c.cache.Close(); err != nil {
		c.logger.Warn("closing cache", zap.Error(err))
	}
}

func loadCorpus(cfg *config.Config, logger *zap.Logger) (*posting.Postings, error) {
	postings, err := posting.LoadFile(cfg.Corpus.File, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("corpus loaded", zap.String("file", cfg.Corpus.File), zap.Int("postings", postings.Len()))
	return postings, nil
}

func newEmbedder(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderGemini:
		g := cfg.Embedding.Gemini
		apiKey, err := secrets.Load(g.APIKey.Source("gemini api key"))
		if err != nil {
			return nil, fmt.Errorf("%w (set embedding.gemini.api-key or %s)", err, g.APIKey.Env)
		}

		embedder, err := gemini.New(ctx, apiKey, gemini.Options{
			Model:             g.Model,
			MaxRetries:        g.MaxRetries,
			BatchSize:         g.BatchSize,
			RequestsPerMinute: g.RequestsPerMinute,
			OnStateChange:     m.BreakerStateChange,
		}, logger.With(zap.String("provider", "gemini"), zap.String("model", g.Model)))
		if err != nil {
			return nil, err
		}
		return embedder, nil
	default:
		return tfidf.NewEmbedder(), nil
	}
}

func newStore(cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.Index.Store {
	case config.StoreQdrant:
		q := cfg.Index.Qdrant
		apiKey, err := secrets.Optional(q.APIKey.Source("qdrant api key"))
		if err != nil {
			return nil, err
		}
		return qdrant.NewStorage(qdrant.Config{
			URL:        q.URL,
			APIKey:     apiKey,
			Collection: q.Collection,
			Timeout:    q.Timeout,
		}), nil
	default:
		return memory.NewStorage(cfg.Index.DataDir), nil
	}
}

// newCache returns nil when the cache is disabled or Redis is unreachable;
// searches then run uncached.
func newCache(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *cache.Cache[matcher.Retrieval] {
	if !cfg.Cache.Enabled {
		return nil
	}

	password, err := secrets.Optional(cfg.Cache.Password.Source("redis password"))
	if err != nil {
		logger.Warn("skipping search cache", zap.Error(err))
		return nil
	}

	client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addr:     cfg.Cache.Addr,
		Password: password,
		DB:       cfg.Cache.DB,
		PoolSize: cfg.Cache.PoolSize,
	})
	if err != nil {
		logger.Warn("skipping search cache", zap.Error(err), zap.String("addr", cfg.Cache.Addr))
		return nil
	}

	return cache.New[matcher.Retrieval](client, cache.Options{
		TTL:     cfg.Cache.TTL,
		Metrics: m,
		Logger:  logger,
	})
}

func disabledFilters(cfg *config.Config) map[string]string {
	disabled := make(map[string]string)
	if cfg.Filters.ExcludeFile == "" {
		disabled["exclude_file"] = "no exclude file configured"
	}
	if len(cfg.Filters.ExcludedCompanies) == 0 {
		disabled["companies"] = "no companies configured"
	}
	if cfg.Filters.MinMatched == 0 {
		disabled["min_matched"] = "no minimum configured"
	}
	return disabled
}
