// Package gemini embeds texts with the Gemini embedding API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/spigell/posting-matcher/internal/logger"
	"github.com/spigell/posting-matcher/internal/utils"
)

const (
	defaultModel      = "text-embedding-004"
	defaultBatchSize  = 100
	defaultMaxRetries = 3
	taskType          = "RETRIEVAL_DOCUMENT"
)

var backoff = func(attempt int) time.Duration {
	return time.Second * time.Duration(1<<(attempt-1))
}

// embedAPI is the subset of genai.Models the embedder relies on.
type embedAPI interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// StateObserver is notified about circuit breaker transitions.
type StateObserver func(name string, from, to gobreaker.State)

type Options struct {
	Model      string
	MaxRetries int
	BatchSize  int
	// RequestsPerMinute caps outgoing calls. Zero disables the limiter.
	RequestsPerMinute int
	OnStateChange     StateObserver
}

type Embedder struct {
	api        embedAPI
	model      string
	maxRetries int
	batchSize  int
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates an embedder backed by the Gemini API.
func New(ctx context.Context, apiKey string, opts Options, log *zap.Logger) (*Embedder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newWithAPI(client.Models, opts, log), nil
}

func newWithAPI(api embedAPI, opts Options, log *zap.Logger) *Embedder {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}

	retries := opts.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	batch := opts.BatchSize
	if batch <= 0 || batch > defaultBatchSize {
		batch = defaultBatchSize
	}

	log = logger.WithFields(log, logger.StringFields(
		logger.StringField{Key: logger.FieldProvider, Value: "gemini"},
		logger.StringField{Key: "model", Value: model},
	)...)

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), max(1, opts.RequestsPerMinute/10))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini-embed",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if opts.OnStateChange != nil {
				opts.OnStateChange(name, from, to)
			}
		},
	})

	return &Embedder{
		api:        api,
		model:      model,
		maxRetries: retries,
		batchSize:  batch,
		breaker:    breaker,
		limiter:    limiter,
		logger:     log,
	}
}

func (e *Embedder) Name() string { return "gemini" }

// Prepare is a no-op: the remote model needs no corpus.
func (e *Embedder) Prepare(context.Context, []string) error { return nil }

// Embed sends texts in batches and returns one vector per text.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		}
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		vectors, err := e.call(ctx, contents)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if !isTemporary(err) || attempt == e.maxRetries {
			break
		}

		wait := backoff(attempt)
		e.logger.Warn("embedding request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		if err := utils.WaitFor(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("embed %d texts: %w", len(texts), lastErr)
}

func (e *Embedder) call(ctx context.Context, contents []*genai.Content) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	result, err := e.breaker.Execute(func() (any, error) {
		return e.api.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{TaskType: taskType})
	})
	if err != nil {
		return nil, err
	}

	resp, ok := result.(*genai.EmbedContentResponse)
	if !ok || resp == nil {
		return nil, errors.New("gemini api returned empty embedding response")
	}
	if len(resp.Embeddings) != len(contents) {
		return nil, fmt.Errorf("gemini api returned %d embeddings for %d texts", len(resp.Embeddings), len(contents))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("gemini api returned empty embedding at position %d", i)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func isTemporary(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return temporaryCode(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return temporaryCode(apiErrPtr.Code)
	}
	return false
}

func temporaryCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
