package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedisStoreLifecycle(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := "test-" + uuid.NewString()
	rec := Record{
		StatusCode: 202,
		Response:   []byte(`{"id":"x"}`),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}
	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || string(got.Response) != string(rec.Response) {
		t.Fatalf("unexpected record: %#v", got)
	}

	other := rec
	other.StatusCode = 500
	if err := store.Save(ctx, key, other); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if again, _ := store.Get(ctx, key); again == nil || again.StatusCode != 202 {
		t.Fatalf("expected first record to win, got %#v", again)
	}

	checkClaims(t, store, key+"-claim")

	if missing, _ := store.Get(ctx, key+"-missing"); missing != nil {
		t.Fatalf("expected nil for missing key")
	}
}
