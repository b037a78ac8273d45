package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("add relay: %w", Conflict("relay %d already exists", 3))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match not found")
	}
	if got := HTTPStatus(err); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
}

func TestTransportUnwrapsCause(t *testing.T) {
	cause := errors.New("not connected")
	err := Transport(cause, "publish %s", "/esp32/dev-1/relay3")
	if !errors.Is(err, cause) || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected both kind and cause to match: %v", err)
	}
	if err.Error() != "publish /esp32/dev-1/relay3: not connected" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Permanent(err) {
		t.Fatalf("transport errors are retryable")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[error]int{
		NotFound("x"):          http.StatusNotFound,
		Validation("x"):        http.StatusBadRequest,
		Decode("x"):            http.StatusBadRequest,
		errors.New("database"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: password authentication failed"))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusInternalServerError || body["error"] != "Internal Server Error" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	WriteError(rec, NotFound("device %q not found", "dev-9"))
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusNotFound || body["error"] != `device "dev-9" not found` {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}
}
