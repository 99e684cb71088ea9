package hmacauth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newVerifier(now time.Time) *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"amount":"10"}`
	now := time.Unix(1_700_000_000, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrow/deposits", strings.NewReader(body))
	SignRequest(req, "secret", []byte(body), now)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	newVerifier(now).Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"amount":"10"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	newVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrInvalidSignature.Error()) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_RejectionBodyIsErrorEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	newVerifier(time.Unix(1_700_000_000, 0)).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %q: %v", rec.Body.String(), err)
	}
	if body.Kind != "unauthorized" || body.Error != ErrMissingSignature.Error() {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	SignRequest(req, "secret", nil, now.Add(-2*time.Minute))

	if err := newVerifier(now).verify(req); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestMiddleware_CustomHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := newVerifier(now)
	v.SignatureHeader = "X-Signature"
	v.TimestampHeader = "X-Timestamp"

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", Sign("secret", ts, nil))
	if err := v.verify(req); err != nil {
		t.Fatalf("verify: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	SignRequest(req, "secret", nil, now)
	if err := v.verify(req); err != ErrMissingSignature {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestMiddleware_DisabledWithoutSecret(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if err := v.verify(req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
