package index

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/posting"
)

// Loader reads the posting corpus.
type Loader func() (*posting.Postings, error)

// Reloader rereads the corpus and indexes it in the background. Loaded
// postings are handed to the registered consumers once their chunks are in the
// store; a skipped or failed run hands nothing over.
type Reloader struct {
	svc      *Service
	load     Loader
	onLoaded []func(*posting.Postings)
	logger   *zap.Logger
}

func NewReloader(svc *Service, load Loader, onLoaded ...func(*posting.Postings)) *Reloader {
	return &Reloader{
		svc:      svc,
		load:     load,
		onLoaded: onLoaded,
		logger:   svc.logger.With(zap.String("task", "reload")),
	}
}

// Reindex fails fast when the service is not ready or a run is already in
// flight; otherwise the outcome is delivered on the returned channel.
func (r *Reloader) Reindex(ctx context.Context, force bool) (<-chan Outcome, error) {
	if !r.svc.IsReady() {
		return nil, apperrors.ErrNotReady
	}
	if r.svc.Indexing() {
		return nil, apperrors.ErrIndexingInFlight
	}

	postings, err := r.load()
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}

	outcomes, err := r.svc.indexAsync(ctx, postings, force, func() {
		for _, fn := range r.onLoaded {
			fn(postings)
		}
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("reindex started", zap.Int("postings", postings.Len()), zap.Bool("force", force))

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		outcome := <-outcomes
		if outcome.Err == nil && outcome.Report.Skipped {
			r.logger.Info("reloaded corpus not applied, index already populated", zap.Int("postings", postings.Len()))
		}
		out <- outcome
	}()
	return out, nil
}
