package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		expect int
	}{
		{name: "nil", err: nil, expect: http.StatusOK},
		{name: "not ready", err: fmt.Errorf("search: %w", ErrNotReady), expect: http.StatusServiceUnavailable},
		{name: "empty query is not a failure", err: ErrEmptyQuery, expect: http.StatusOK},
		{name: "no matches is not a failure", err: ErrNoMatches, expect: http.StatusOK},
		{name: "invalid input", err: ErrInvalidInput, expect: http.StatusBadRequest},
		{name: "indexing in flight", err: ErrIndexingInFlight, expect: http.StatusConflict},
		{name: "app error overrides", err: New(ErrIndexWriteFailure, http.StatusBadGateway, "qdrant down"), expect: http.StatusBadGateway},
		{name: "unknown", err: errors.New("boom"), expect: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatusCode(tt.err); got != tt.expect {
				t.Fatalf("expected %d, got %d", tt.expect, got)
			}
		})
	}
}

func TestNotReadyAndNoMatchesAreDistinct(t *testing.T) {
	if Code(ErrNotReady) == Code(ErrNoMatches) {
		t.Fatalf("not ready and no matches must have different codes")
	}
	if IsEmptyResult(ErrNotReady) {
		t.Fatalf("not ready must not be treated as an empty result")
	}
	if !IsEmptyResult(fmt.Errorf("retrieve: %w", ErrNoMatches)) {
		t.Fatalf("wrapped no matches should be an empty result")
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	err := Newf(ErrInvalidInput, http.StatusBadRequest, "top-k must be positive, got %d", -1)

	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected app error to unwrap to sentinel")
	}
	if err.Error() != "invalid input: top-k must be positive, got -1" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
