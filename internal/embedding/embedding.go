// Package embedding turns texts into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
)

var ErrNotPrepared = errors.New("embedder not prepared")

// Embedder returns one vector per input text. Prepare is called with the full
// chunk corpus before indexing; providers that need no corpus ignore it.
type Embedder interface {
	Name() string
	Prepare(ctx context.Context, corpus []string) error
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Preparer is implemented by embedders whose vectors depend on the corpus
// they were prepared with.
type Preparer interface {
	Prepared() bool
}

// NeedsPrepare reports whether e has not learned a corpus yet. Embedders that
// do not implement Preparer always report true; their Prepare is cheap.
func NeedsPrepare(e Embedder) bool {
	p, ok := e.(Preparer)
	return !ok || !p.Prepared()
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, errors.New("embedder returned unexpected number of vectors")
	}
	return vectors[0], nil
}
