// Package config describes the posting-matcher configuration file and its
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spigell/posting-matcher/internal/chunker"
	"github.com/spigell/posting-matcher/internal/filtering"
	"github.com/spigell/posting-matcher/internal/matching"
	"github.com/spigell/posting-matcher/internal/retriever"
	"github.com/spigell/posting-matcher/internal/secrets"
)

const (
	App       = "posting-matcher"
	EnvPrefix = "POSTING_MATCHER"

	StoreMemory = "memory"
	StoreQdrant = "qdrant"

	ProviderTFIDF  = "tfidf"
	ProviderGemini = "gemini"
)

type Config struct {
	Corpus    CorpusConfig     `mapstructure:"corpus"`
	Index     IndexConfig      `mapstructure:"index"`
	Embedding EmbeddingConfig  `mapstructure:"embedding"`
	Retrieval RetrievalConfig  `mapstructure:"retrieval"`
	Filters   filtering.Config `mapstructure:"filters"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Server    ServerConfig     `mapstructure:"server"`
}

type CorpusConfig struct {
	File string `mapstructure:"file"`
}

type IndexConfig struct {
	Window  int          `mapstructure:"window"`
	Stride  int          `mapstructure:"stride"`
	Store   string       `mapstructure:"store"`
	DataDir string       `mapstructure:"data-dir"`
	Qdrant  QdrantConfig `mapstructure:"qdrant"`
}

type QdrantConfig struct {
	URL        string        `mapstructure:"url"`
	Collection string        `mapstructure:"collection"`
	APIKey     Secret        `mapstructure:"api-key"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type EmbeddingConfig struct {
	Provider string       `mapstructure:"provider"`
	Gemini   GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey            Secret `mapstructure:"api-key"`
	Model             string `mapstructure:"model"`
	MaxRetries        int    `mapstructure:"max-retries"`
	BatchSize         int    `mapstructure:"batch-size"`
	RequestsPerMinute int    `mapstructure:"requests-per-minute"`
}

type RetrievalConfig struct {
	TopK           int     `mapstructure:"top-k"`
	ChunksPerJob   int     `mapstructure:"chunks-per-job"`
	KeywordBonus   float64 `mapstructure:"keyword-bonus"`
	FuzzyThreshold float64 `mapstructure:"fuzzy-threshold"`
	Similarity     string  `mapstructure:"similarity"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password Secret        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool-size"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReindexInterval time.Duration `mapstructure:"reindex-interval"`
	RequestTimeout  time.Duration `mapstructure:"request-timeout"`
}

// Secret points at a value that may live in a file, an environment variable
// or inline in the config.
type Secret struct {
	File  string `mapstructure:"file" json:"file,omitempty"`
	Env   string `mapstructure:"env" json:"env,omitempty"`
	Value string `mapstructure:"value" json:"-"`
}

func (s Secret) Source(name string) secrets.Source {
	return secrets.Source{Name: name, File: s.File, Env: s.Env, Value: s.Value}
}

var defaults = map[string]any{
	"corpus.file": "jobs.txt",

	"index.window":               chunker.DefaultWindow,
	"index.stride":               chunker.DefaultStride,
	"index.store":                StoreMemory,
	"index.data-dir":             "",
	"index.qdrant.url":           "http://localhost:6333",
	"index.qdrant.collection":    "job_postings",
	"index.qdrant.api-key.file":  "",
	"index.qdrant.api-key.env":   "QDRANT_API_KEY",
	"index.qdrant.api-key.value": "",
	"index.qdrant.timeout":       15 * time.Second,

	"embedding.provider":                   ProviderTFIDF,
	"embedding.gemini.api-key.file":        "",
	"embedding.gemini.api-key.env":         "GEMINI_API_KEY",
	"embedding.gemini.api-key.value":       "",
	"embedding.gemini.model":               "text-embedding-004",
	"embedding.gemini.max-retries":         3,
	"embedding.gemini.batch-size":          100,
	"embedding.gemini.requests-per-minute": 0,

	"retrieval.top-k":           retriever.DefaultTopK,
	"retrieval.chunks-per-job":  retriever.DefaultChunksPerJob,
	"retrieval.keyword-bonus":   retriever.DefaultKeywordBonus,
	"retrieval.fuzzy-threshold": matching.DefaultThreshold,
	"retrieval.similarity":      matching.SimilaritySequence,

	"filters.exclude-file":       "",
	"filters.excluded-companies": []string{},
	"filters.min-matched":        0,

	"cache.enabled":        false,
	"cache.addr":           "localhost:6379",
	"cache.password.file":  "",
	"cache.password.env":   "REDIS_PASSWORD",
	"cache.password.value": "",
	"cache.db":             0,
	"cache.pool-size":      10,
	"cache.ttl":            10 * time.Minute,

	"server.addr":             ":8080",
	"server.reindex-interval": time.Duration(0),
	"server.request-timeout":  30 * time.Second,
}

// Prepare registers defaults and environment overrides on v. A key such as
// retrieval.top-k is read from POSTING_MATCHER_RETRIEVAL_TOP_K.
func Prepare(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Index.Store = strings.ToLower(strings.TrimSpace(c.Index.Store))
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	c.Retrieval.Similarity = strings.ToLower(strings.TrimSpace(c.Retrieval.Similarity))
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Corpus.File) == "" {
		errs = append(errs, errors.New("corpus.file is required"))
	}

	if c.Index.Window <= 0 {
		errs = append(errs, fmt.Errorf("index.window must be positive, got %d", c.Index.Window))
	}
	if c.Index.Stride < 0 {
		errs = append(errs, fmt.Errorf("index.stride must not be negative, got %d", c.Index.Stride))
	}
	switch c.Index.Store {
	case StoreMemory:
	case StoreQdrant:
		if strings.TrimSpace(c.Index.Qdrant.URL) == "" {
			errs = append(errs, errors.New("index.qdrant.url is required for the qdrant store"))
		}
		if strings.TrimSpace(c.Index.Qdrant.Collection) == "" {
			errs = append(errs, errors.New("index.qdrant.collection is required for the qdrant store"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.store must be %q or %q, got %q", StoreMemory, StoreQdrant, c.Index.Store))
	}

	switch c.Embedding.Provider {
	case ProviderTFIDF, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("embedding.provider must be %q or %q, got %q", ProviderTFIDF, ProviderGemini, c.Embedding.Provider))
	}

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top-k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.ChunksPerJob <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.chunks-per-job must be positive, got %d", c.Retrieval.ChunksPerJob))
	}
	if c.Retrieval.KeywordBonus < 0 {
		errs = append(errs, fmt.Errorf("retrieval.keyword-bonus must not be negative, got %v", c.Retrieval.KeywordBonus))
	}
	if c.Retrieval.FuzzyThreshold <= 0 || c.Retrieval.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("retrieval.fuzzy-threshold must be in (0, 1], got %v", c.Retrieval.FuzzyThreshold))
	}
	switch c.Retrieval.Similarity {
	case matching.SimilaritySequence, matching.SimilarityLevenshtein, matching.SimilarityEdit:
	default:
		errs = append(errs, fmt.Errorf("retrieval.similarity %q is not supported", c.Retrieval.Similarity))
	}

	if c.Filters.MinMatched < 0 {
		errs = append(errs, fmt.Errorf("filters.min-matched must not be negative, got %d", c.Filters.MinMatched))
	}

	if c.Cache.Enabled {
		if strings.TrimSpace(c.Cache.Addr) == "" {
			errs = append(errs, errors.New("cache.addr is required when the cache is enabled"))
		}
		if c.Cache.TTL <= 0 {
			errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
		}
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ReindexInterval < 0 {
		errs = append(errs, fmt.Errorf("server.reindex-interval must not be negative, got %s", c.Server.ReindexInterval))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.request-timeout must be positive, got %s", c.Server.RequestTimeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
