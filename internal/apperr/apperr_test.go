package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validation("bot.action", "Missing conversation_id in params"), http.StatusBadRequest},
		{"configuration", Configuration("gemini"), http.StatusInternalServerError},
		{"connection", ConnectionNotFound("pc-1"), http.StatusNotFound},
		{"not found wrapped", fmt.Errorf("load: %w", NotFound("get conversation", "missing")), http.StatusNotFound},
		{"persistence", Persistence("insert message", errors.New("disk full")), http.StatusInternalServerError},
		{"timeout", fmt.Errorf("run: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%s: HTTPStatus() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("offer: %w", ConnectionNotFound("pc-9"))
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("errors.Is(%v, ErrConnectionNotFound) = false", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("connection error must not match ErrNotFound")
	}
}

func TestConfigurationNamesProvider(t *testing.T) {
	err := Configuration("gemini")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("errors.As failed for %T", err)
	}
	if e.Provider != "gemini" {
		t.Fatalf("Provider = %q, want gemini", e.Provider)
	}
	if got := err.Error(); got == "" || !strings.Contains(got, "gemini") {
		t.Fatalf("Error() = %q, want provider name", got)
	}
}

func TestPersistenceUnwraps(t *testing.T) {
	base := errors.New("conn reset")
	err := Persistence("insert message", base)
	if !errors.Is(err, base) {
		t.Fatalf("Persistence() does not unwrap to base error")
	}
	if KindOf(err) != KindPersistence {
		t.Fatalf("KindOf() = %q", KindOf(err))
	}
	if err.Error() != "insert message: conn reset" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
