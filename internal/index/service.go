// Package index owns the embedder and the vector store: it chunks and writes
// postings, stores resume records, and serves nearest-neighbour searches.
package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/chunker"
	"github.com/spigell/posting-matcher/internal/embedding"
	"github.com/spigell/posting-matcher/internal/logger"
	"github.com/spigell/posting-matcher/internal/metrics"
	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/resume"
	"github.com/spigell/posting-matcher/internal/utils"
	"github.com/spigell/posting-matcher/internal/vectorstore"
)

const logTextLimit = 80

// Report describes one indexing run.
type Report struct {
	Postings      int           `json:"postings"`
	Chunks        int           `json:"chunks"`
	EmptyPostings []int         `json:"empty_postings,omitempty"`
	Skipped       bool          `json:"skipped"`
	Forced        bool          `json:"forced"`
	Duration      time.Duration `json:"duration"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// Outcome is delivered once by IndexAsync.
type Outcome struct {
	Report *Report
	Err    error
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logger.ForComponent(l, "index") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOnIndexed registers a callback run after every run that wrote chunks.
func WithOnIndexed(fn func(ctx context.Context, report *Report)) Option {
	return func(s *Service) { s.onIndexed = append(s.onIndexed, fn) }
}

type Service struct {
	embedder embedding.Embedder
	store    vectorstore.Store
	chunker  *chunker.Chunker
	logger   *zap.Logger
	metrics  *metrics.Metrics

	onIndexed []func(ctx context.Context, report *Report)

	ready   atomic.Bool
	running atomic.Bool
	writeMu sync.Mutex

	reportMu   sync.RWMutex
	lastReport *Report
}

func New(embedder embedding.Embedder, store vectorstore.Store, c *chunker.Chunker, opts ...Option) *Service {
	s := &Service{
		embedder: embedder,
		store:    store,
		chunker:  c,
		logger:   logger.ForComponent(nil, "index"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the store. Until it succeeds every other call fails with
// apperrors.ErrNotReady.
func (s *Service) Initialize(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}

	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("initialize %s store: %w", s.store.Name(), err)
	}

	s.ready.Store(true)
	s.logger.Info("index initialized",
		zap.String(logger.FieldStore, s.store.Name()),
		zap.String(logger.FieldProvider, s.embedder.Name()),
	)
	return nil
}

func (s *Service) IsReady() bool { return s.ready.Load() }

// Indexing reports whether an asynchronous run is in flight.
func (s *Service) Indexing() bool { return s.running.Load() }

// Shutdown marks the service not ready, waits for a running write to finish
// (or ctx to expire) and closes the store.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.ready.CompareAndSwap(true, false) {
		return nil
	}

	locked := make(chan struct{})
	go func() {
		s.writeMu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		defer s.writeMu.Unlock()
	case <-ctx.Done():
		return fmt.Errorf("waiting for indexing to finish: %w", ctx.Err())
	}

	s.logger.Info("index shut down")
	return s.store.Close()
}

func (s *Service) LastReport() *Report {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.lastReport
}

// Index chunks, embeds and writes postings. Without force an index that already
// holds job chunks is left untouched. All chunks are embedded before anything is
// written, so an embedding failure leaves the store as it was.
func (s *Service) Index(ctx context.Context, postings *posting.Postings, force bool) (*Report, error) {
	return s.index(ctx, postings, force, nil)
}

// index runs committed under the write lock once the chunks of postings are in
// the store, before the OnIndexed hooks. It is not called on a skipped or failed run.
func (s *Service) index(ctx context.Context, postings *posting.Postings, force bool, committed func()) (*Report, error) {
	if !s.IsReady() {
		return nil, apperrors.ErrNotReady
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	started := time.Now()
	report := &Report{Postings: postings.Len(), Forced: force}

	records := s.chunk(postings, report)

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}

	existing, err := s.store.Count(ctx, vectorstore.KindJob)
	if err != nil {
		return nil, s.failed(started, fmt.Errorf("%w: count documents: %w", apperrors.ErrIndexWriteFailure, err))
	}

	if !force && existing > 0 {
		// stored vectors were built by an earlier process; queries still need a vocabulary
		if len(texts) > 0 && embedding.NeedsPrepare(s.embedder) {
			if err := s.embedder.Prepare(ctx, texts); err != nil {
				return nil, s.failed(started, fmt.Errorf("%w: prepare embedder: %w", apperrors.ErrIndexWriteFailure, err))
			}
		}

		report.Skipped = true
		report.Chunks = existing
		s.logger.Info("index already populated, skipping reindex",
			zap.Int("documents", existing),
			zap.String("hint", "use force to rebuild"),
		)
		return s.finish(ctx, started, report, "skipped"), nil
	}

	if len(records) > 0 {
		if err := s.embedder.Prepare(ctx, texts); err != nil {
			return nil, s.failed(started, fmt.Errorf("%w: prepare embedder: %w", apperrors.ErrIndexWriteFailure, err))
		}

		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, s.failed(started, fmt.Errorf("%w: %w: %w", apperrors.ErrIndexWriteFailure, apperrors.ErrEmbedding, err))
		}
		if len(vectors) != len(records) {
			return nil, s.failed(started, fmt.Errorf("%w: embedder returned %d vectors for %d chunks", apperrors.ErrIndexWriteFailure, len(vectors), len(records)))
		}
		for i := range records {
			records[i].Vector = vectors[i]
		}
	}

	if force && existing > 0 {
		// the previous chunks stay searchable until the new ones replace them
		if err := s.store.ReplaceKind(ctx, vectorstore.KindJob, records); err != nil {
			return nil, s.failed(started, fmt.Errorf("%w: replace chunks: %w", apperrors.ErrIndexWriteFailure, err))
		}
		s.logger.Info("previous chunks replaced", zap.Int("documents", existing))
	} else if err := s.store.Upsert(ctx, records); err != nil {
		return nil, s.failed(started, fmt.Errorf("%w: write chunks: %w", apperrors.ErrIndexWriteFailure, err))
	}

	if committed != nil {
		committed()
	}

	report.Chunks = len(records)
	s.logger.Info("postings indexed",
		zap.Int("postings", report.Postings),
		zap.Int("chunks", report.Chunks),
		zap.Int("empty_postings", len(report.EmptyPostings)),
		zap.Int("window_size", s.chunker.Window()),
		zap.Int("stride", s.chunker.Stride()),
	)

	report = s.finish(ctx, started, report, "indexed")
	for _, fn := range s.onIndexed {
		fn(ctx, report)
	}
	return report, nil
}

// IndexAsync runs Index in its own goroutine. Only one asynchronous run may be
// in flight; a second call fails with apperrors.ErrIndexingInFlight.
func (s *Service) IndexAsync(ctx context.Context, postings *posting.Postings, force bool) (<-chan Outcome, error) {
	return s.indexAsync(ctx, postings, force, nil)
}

func (s *Service) indexAsync(ctx context.Context, postings *posting.Postings, force bool, committed func()) (<-chan Outcome, error) {
	if !s.IsReady() {
		return nil, apperrors.ErrNotReady
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, apperrors.ErrIndexingInFlight
	}

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		defer s.running.Store(false)

		report, err := s.index(ctx, postings, force, committed)
		if err != nil {
			s.logger.Error("background indexing failed", zap.Error(err))
		}
		out <- Outcome{Report: report, Err: err}
	}()

	return out, nil
}

// AddResume stores the resume as a record of kind resume. An empty sessionID
// gets a generated one, which is returned.
func (s *Service) AddResume(ctx context.Context, sessionID string, r *resume.Resume) (string, error) {
	if !s.IsReady() {
		return "", apperrors.ErrNotReady
	}

	text := r.ComposedText()
	if strings.TrimSpace(text) == "" {
		return "", apperrors.New(apperrors.ErrInvalidInput, 0, "resume has no content")
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	vector, err := embedding.EmbedOne(ctx, s.embedder, text)
	if err != nil {
		return "", s.embeddingError(err)
	}

	record := vectorstore.Record{
		ID:     "resume_" + sessionID,
		Text:   text,
		Vector: vector,
		Metadata: map[string]any{
			vectorstore.MetaType:      vectorstore.KindResume,
			vectorstore.MetaSessionID: sessionID,
			vectorstore.MetaName:      r.Name,
		},
	}

	if err := s.store.Upsert(ctx, []vectorstore.Record{record}); err != nil {
		return "", fmt.Errorf("store resume: %w", err)
	}

	s.logger.Info("resume stored", zap.String("session_id", sessionID))
	return sessionID, nil
}

// Search embeds the joined terms and returns the nearest records of any kind.
// An empty store is reported as apperrors.ErrNotReady.
func (s *Service) Search(ctx context.Context, terms []string, limit int) ([]vectorstore.Hit, error) {
	if !s.IsReady() {
		return nil, apperrors.ErrNotReady
	}

	total, err := s.store.Count(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if total == 0 {
		return nil, apperrors.New(apperrors.ErrNotReady, 0, "index is empty")
	}

	query := strings.Join(terms, " ")
	vector, err := embedding.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, s.embeddingError(err)
	}

	hits, err := s.store.Query(ctx, vector, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s store: %w", s.store.Name(), err)
	}

	s.logger.Debug("index searched",
		zap.String("query", utils.TruncateForLog(query, logTextLimit)),
		zap.Int("limit", limit),
		zap.Int("hits", len(hits)),
	)
	return hits, nil
}

// Counts returns document counts per record kind.
func (s *Service) Counts(ctx context.Context) (map[string]int, error) {
	if !s.IsReady() {
		return nil, apperrors.ErrNotReady
	}

	counts := make(map[string]int, 3)
	for _, kind := range []string{"", vectorstore.KindJob, vectorstore.KindResume} {
		n, err := s.store.Count(ctx, kind)
		if err != nil {
			return nil, err
		}
		key := kind
		if key == "" {
			key = "total"
		}
		counts[key] = n
	}
	return counts, nil
}

func (s *Service) chunk(postings *posting.Postings, report *Report) []vectorstore.Record {
	if postings == nil {
		return nil
	}

	records := make([]vectorstore.Record, 0, postings.Len())
	for _, p := range postings.Items {
		fullText := p.ComposedText()
		spans := s.chunker.Split(fullText)
		if len(spans) == 0 {
			report.EmptyPostings = append(report.EmptyPostings, p.ID)
			s.logger.Warn("posting has no text to index", zap.Int("posting_id", p.ID))
			continue
		}

		jobID := strconv.Itoa(p.ID)
		for _, span := range spans {
			meta := vectorstore.ChunkMeta{
				JobID:          jobID,
				ChunkIndex:     span.Index,
				TotalChunks:    len(spans),
				ChunkStart:     span.Start,
				ChunkEnd:       span.End,
				ChunkLength:    span.End - span.Start,
				WindowSize:     s.chunker.Window(),
				Stride:         s.chunker.Stride(),
				FullText:       fullText,
				Title:          p.Title,
				Company:        p.Company,
				Location:       p.Location,
				EmploymentType: p.EmploymentType,
				CompanySize:    p.CompanySize,
				Industry:       p.Industry,
				URL:            p.URL,
			}
			records = append(records, vectorstore.Record{
				ID:       ChunkID(p.ID, span.Index),
				Text:     span.Text,
				Metadata: meta.Map(),
			})
		}

		s.logger.Debug("posting chunked",
			zap.Int("posting_id", p.ID),
			zap.Int("chunks", len(spans)),
			zap.String("title", utils.TruncateForLog(p.Title, logTextLimit)),
		)
	}
	return records
}

// ChunkID is the store id of a posting chunk.
func ChunkID(postingID, index int) string {
	return fmt.Sprintf("%d_chunk_%d", postingID, index)
}

func (s *Service) embeddingError(err error) error {
	if errors.Is(err, embedding.ErrNotPrepared) {
		return apperrors.New(apperrors.ErrNotReady, 0, "embedder has not been prepared by an indexing run")
	}
	return fmt.Errorf("%w: %w", apperrors.ErrEmbedding, err)
}

func (s *Service) finish(_ context.Context, started time.Time, report *Report, status string) *Report {
	report.Duration = time.Since(started)
	report.FinishedAt = time.Now().UTC()
	s.metrics.ObserveIndex(status, report.Chunks, report.Duration)

	s.reportMu.Lock()
	s.lastReport = report
	s.reportMu.Unlock()
	return report
}

func (s *Service) failed(started time.Time, err error) error {
	s.metrics.ObserveIndex("failed", 0, time.Since(started))
	s.logger.Error("indexing failed", zap.Error(err))
	return err
}
