// Package idempotency stores the responses of mutating API calls so a retried
// request carrying the same X-Idempotency-Key replays the first outcome.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrKeyReused is returned by Check when a key comes back with a different body.
var ErrKeyReused = errors.New("idempotency key reused with a different request body")

// Record is the first successful response seen for a scoped key.
type Record struct {
	// Fingerprint is the hex sha256 of the request body that produced Response.
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Check reports whether the record may be replayed for a request whose body
// hashes to fingerprint. Records saved without a fingerprint match anything.
func (r Record) Check(fingerprint string) error {
	if r.Fingerprint != "" && r.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	return nil
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Store abstracts idempotency persistence. Get returns nil, nil for a missing
// or expired key.
//
// Claim marks key as in progress for at most ttl and reports false while
// another request holds it. Release drops the claim; a saved record keeps
// answering Get after release.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// claims tracks in-progress keys for the single-process stores.
type claims struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func (c *claims) claim(key string, now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = make(map[string]time.Time)
	}
	if until, ok := c.held[key]; ok && now.Before(until) {
		return false
	}
	c.held[key] = now.Add(ttl)
	return true
}

func (c *claims) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
}

// Options selects a backend. The first non-empty of PostgresDSN, RedisURL and
// FilePath wins; with none set records live in memory.
type Options struct {
	PostgresDSN string
	RedisURL    string
	FilePath    string
}

// Open builds the store described by opts and names the backend it chose.
func Open(ctx context.Context, opts Options) (Store, string, error) {
	switch {
	case opts.PostgresDSN != "":
		s, err := NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres store: %w", err)
		}
		return s, "postgres", nil
	case opts.RedisURL != "":
		s, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, "", fmt.Errorf("open redis store: %w", err)
		}
		return s, "redis", nil
	case opts.FilePath != "":
		s, err := NewFileStore(opts.FilePath)
		if err != nil {
			return nil, "", fmt.Errorf("open file store: %w", err)
		}
		return s, "file", nil
	default:
		return NewMemoryStore(), "memory", nil
	}
}

// ScopedKey binds a client key to the route it was sent to, so the same key
// reused on another endpoint does not replay an unrelated response.
func ScopedKey(method, path, key string) string {
	return strings.ToUpper(method) + " " + path + " " + strings.TrimSpace(key)
}
