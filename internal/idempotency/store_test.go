package idempotency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func depositRecord(body string, ttl time.Duration) Record {
	now := time.Now()
	return Record{
		Fingerprint: Fingerprint([]byte(body)),
		StatusCode:  201,
		Response:    []byte(`{"id":"entry-1","status":"completed"}`),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestMemoryStoreReplaysLiveRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	if err := store.Save(ctx, "POST /api/v1/escrow/deposits k1", depositRecord(`{"amount":"10"}`, time.Minute)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, _ := store.Get(ctx, "POST /api/v1/escrow/deposits k1")
	if got == nil || got.StatusCode != 201 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := got.Check(Fingerprint([]byte(`{"amount":"10"}`))); err != nil {
		t.Fatalf("same body should match: %v", err)
	}
}

func TestMemoryStorePrunesExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Save(ctx, "old", depositRecord("{}", -time.Second))
	if rec, _ := store.Get(ctx, "old"); rec != nil {
		t.Fatalf("expected expired record to be hidden, got %+v", rec)
	}
	_ = store.Save(ctx, "new", depositRecord("{}", time.Minute))
	if n := store.Len(); n != 1 {
		t.Fatalf("expected one live record, got %d", n)
	}
}

// checkClaims asserts a key can be held by one request at a time.
func checkClaims(t *testing.T, store Store, key string) {
	t.Helper()
	ctx := context.Background()

	ok, err := store.Claim(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = store.Claim(ctx, key, time.Minute)
	if err != nil || ok {
		t.Fatalf("second claim should be refused: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.Claim(ctx, key+"-other", time.Minute); !ok {
		t.Fatalf("claims are per key")
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := store.Claim(ctx, key, time.Minute); !ok {
		t.Fatalf("claim after release should succeed")
	}
	_ = store.Release(ctx, key)
	_ = store.Release(ctx, key+"-other")
}

func TestMemoryStoreClaims(t *testing.T) {
	store := NewMemoryStore()
	checkClaims(t, store, "POST /api/v1/wallet/transfer same-key")

	now := time.Now()
	store.now = func() time.Time { return now }
	if ok, _ := store.Claim(context.Background(), "stale", time.Second); !ok {
		t.Fatalf("first claim refused")
	}
	now = now.Add(2 * time.Second)
	if ok, _ := store.Claim(context.Background(), "stale", time.Second); !ok {
		t.Fatalf("expired claim should be taken over")
	}
}

func TestFileStoreClaims(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "idem.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	checkClaims(t, store, "POST /api/v1/escrow/deposits k1")
}

func TestRecordCheck(t *testing.T) {
	rec := depositRecord(`{"amount":"10"}`, time.Minute)
	if err := rec.Check(Fingerprint([]byte(`{"amount":"11"}`))); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}

	legacy := Record{StatusCode: 200}
	if err := legacy.Check("anything"); err != nil {
		t.Fatalf("record without fingerprint should match, got %v", err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "idem.json")
	ctx := context.Background()

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := store.Save(ctx, "live", depositRecord(`{"amount":"5"}`, time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "stale", depositRecord(`{"amount":"6"}`, -time.Minute)); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	got, _ := reopened.Get(ctx, "live")
	if got == nil || got.Fingerprint != Fingerprint([]byte(`{"amount":"5"}`)) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, ok := reopened.records["stale"]; ok {
		t.Fatalf("expired record should be pruned on load")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatalf("expected error for corrupt file")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	_, kind, err := Open(ctx, Options{})
	if err != nil || kind != "memory" {
		t.Fatalf("expected memory store, got %q (%v)", kind, err)
	}

	store, kind, err := Open(ctx, Options{FilePath: filepath.Join(t.TempDir(), "idem.json")})
	if err != nil || kind != "file" {
		t.Fatalf("expected file store, got %q (%v)", kind, err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
}

func TestScopedKey(t *testing.T) {
	a := ScopedKey("post", "/api/v1/escrow/deposits", " k1 ")
	b := ScopedKey("POST", "/api/v1/escrow/spends", "k1")
	if a == b {
		t.Fatalf("keys on different routes must differ")
	}
	if a != "POST /api/v1/escrow/deposits k1" {
		t.Fatalf("unexpected key %q", a)
	}
}
