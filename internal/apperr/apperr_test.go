package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("send: %w", Validation("content_empty", "content is empty"))

	if KindOf(err) != KindValidation {
		t.Fatalf("KindOf = %s, want validation", KindOf(err))
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatal("errors.Is(err, ErrValidation) = false")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("validation error matched ErrNotFound")
	}
	if Code(err) != "content_empty" {
		t.Fatalf("Code = %q", Code(err))
	}
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal("failed to save message", errors.New("disk I/O error"))
	if PublicMessage(err) != "failed to save message" {
		t.Fatalf("PublicMessage leaked cause: %q", PublicMessage(err))
	}
	if !errors.Is(err, err.Err) {
		t.Fatal("Unwrap does not expose cause")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Authentication("bad_token", "x"), http.StatusUnauthorized},
		{Authorization("not_participant", "x"), http.StatusForbidden},
		{Validation("bad", "x"), http.StatusBadRequest},
		{RateLimited("slow_down", "x"), http.StatusTooManyRequests},
		{NotFound("missing", "x"), http.StatusNotFound},
		{Conflict("busy", "x"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
