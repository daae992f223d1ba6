// Package apperrors holds the error taxonomy shared by the indexing and
// retrieval pipeline.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotReady is returned when the embedder or the vector index has not been initialized.
	ErrNotReady = errors.New("index not ready")
	// ErrEmptyQuery marks a request from which no keyword terms could be built.
	ErrEmptyQuery = errors.New("empty query")
	// ErrNoMatches marks a search that returned nothing after resume records were filtered out.
	ErrNoMatches = errors.New("no matches")
	// ErrMalformedCandidate marks a search hit or rerank input that lacks required fields.
	ErrMalformedCandidate = errors.New("malformed candidate")
	// ErrIndexWriteFailure marks a failed indexing run.
	ErrIndexWriteFailure = errors.New("index write failure")

	ErrInvalidInput     = errors.New("invalid input")
	ErrEmbedding        = errors.New("embedding failed")
	ErrIndexingInFlight = errors.New("indexing already in progress")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return New(sentinel, statusCode, fmt.Sprintf(format, args...))
}

// IsEmptyResult reports whether err is one of the conditions that mean
// "valid request, nothing to return".
func IsEmptyResult(err error) bool {
	return errors.Is(err, ErrEmptyQuery) || errors.Is(err, ErrNoMatches)
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrEmptyQuery):
		return "empty_query"
	case errors.Is(err, ErrNoMatches):
		return "no_matches"
	case errors.Is(err, ErrMalformedCandidate):
		return "malformed_candidate"
	case errors.Is(err, ErrIndexWriteFailure):
		return "index_write_failure"
	case errors.Is(err, ErrIndexingInFlight):
		return "indexing_in_progress"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrEmbedding):
		return "embedding_failed"
	default:
		return "internal"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case err == nil, IsEmptyResult(err):
		return http.StatusOK
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrEmbedding):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrIndexingInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
