package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPostgresStoreFirstWriteWins(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := ScopedKey("POST", "/api/v1/escrow/deposits", uuid.NewString())
	first := depositRecord(`{"amount":"10"}`, time.Minute)
	if err := store.Save(ctx, key, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := depositRecord(`{"amount":"99"}`, time.Minute)
	second.StatusCode = 202
	if err := store.Save(ctx, key, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != 201 || got.Fingerprint != first.Fingerprint {
		t.Fatalf("expected first record to win, got %#v", got)
	}

	if err := store.Save(ctx, key+"-expired", depositRecord("{}", -time.Minute)); err != nil {
		t.Fatalf("save expired: %v", err)
	}
	if rec, _ := store.Get(ctx, key+"-expired"); rec != nil {
		t.Fatalf("expired record should not be returned")
	}
	checkClaims(t, store, key+"-claim")

	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least one expired row removed, got %d", n)
	}
}
