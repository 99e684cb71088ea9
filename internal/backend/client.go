// Package backend is a client for the AEDZ backend: login with optional 2FA,
// custodial balances, conversion and transfers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated    = errors.New("backend session required")
	ErrTwoFactorRequired  = errors.New("two-factor code required")
	ErrRequestFailed      = errors.New("backend request failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const DefaultTimeout = 15 * time.Second

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Session is an authenticated backend session.
type Session struct {
	User      User
	Token     string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Expired reports whether the token is past (or within skew of) its expiry.
func (s Session) Expired(now time.Time, skew time.Duration) bool {
	if s.Token == "" {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Add(skew).Before(s.ExpiresAt)
}

// LoginResult is either a session or a pending 2FA challenge.
type LoginResult struct {
	Session   *Session
	TempToken string
}

func (r LoginResult) RequiresTwoFactor() bool { return r.Session == nil && r.TempToken != "" }

type Balances struct {
	AEDZ string `json:"AEDZ"`
	FCV  string `json:"fcv"`
	FCC  string `json:"fcc"`
}

type TransferRequest struct {
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type envelope struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	Requires2FA bool            `json:"requires2FA"`
	TempToken   string          `json:"tempToken"`
	User        *User           `json:"user"`
	Data        json.RawMessage `json:"data"`
	Balances    *Balances       `json:"balances"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	session *Session
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// Session returns the current session, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

func (c *Client) setSession(u User) Session {
	s := Session{User: u, Token: u.Token, ExpiresAt: tokenExpiry(u.Token)}
	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
	return s
}

func (c *Client) Logout() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// Login authenticates with email and password. When the account has 2FA the
// result carries a temp token for VerifyTwoFactor instead of a session.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	body := map[string]string{"email": email, "password": password}
	env, err := c.do(ctx, http.MethodPost, "/auth/login", body, false)
	if err != nil {
		return LoginResult{}, err
	}
	if env.Requires2FA {
		return LoginResult{TempToken: env.TempToken}, nil
	}
	u, err := sessionUser(env)
	if err != nil {
		return LoginResult{}, err
	}
	s := c.setSession(u)
	return LoginResult{Session: &s}, nil
}

func (c *Client) VerifyTwoFactor(ctx context.Context, tempToken, code string) (Session, error) {
	if tempToken == "" {
		return Session{}, ErrTwoFactorRequired
	}
	body := map[string]string{"tempToken": tempToken, "code": code}
	env, err := c.do(ctx, http.MethodPost, "/auth/verify-2fa", body, false)
	if err != nil {
		return Session{}, err
	}
	u, err := sessionUser(env)
	if err != nil {
		return Session{}, err
	}
	return c.setSession(u), nil
}

// sessionUser accepts the user either at the top level or under data.
func sessionUser(env envelope) (User, error) {
	if env.User != nil && env.User.Token != "" {
		return *env.User, nil
	}
	if len(env.Data) > 0 {
		var u User
		if err := json.Unmarshal(env.Data, &u); err == nil && u.Token != "" {
			return u, nil
		}
	}
	return User{}, fmt.Errorf("%w: login response has no token", ErrRequestFailed)
}

func (c *Client) Balances(ctx context.Context) (Balances, error) {
	env, err := c.do(ctx, http.MethodGet, "/wallet/balance", nil, true)
	if err != nil {
		return Balances{}, err
	}
	if env.Balances != nil {
		return withDefaults(*env.Balances), nil
	}
	var b Balances
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return Balances{}, fmt.Errorf("decode balances: %w", err)
		}
	}
	return withDefaults(b), nil
}

func withDefaults(b Balances) Balances {
	if b.AEDZ == "" {
		b.AEDZ = "0"
	}
	if b.FCV == "" {
		b.FCV = "0"
	}
	if b.FCC == "" {
		b.FCC = "0"
	}
	return b
}

// Convert starts an AEDZ to FCV conversion. Completion is announced over the
// push channel.
func (c *Client) Convert(ctx context.Context, amount string) error {
	_, err := c.do(ctx, http.MethodPost, "/wallet/convert", map[string]string{"amount": amount}, true)
	return err
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/wallet/transfer", req, true)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in any, auth bool) (envelope, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return envelope{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return envelope{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		s, ok := c.Session()
		if !ok || s.Expired(time.Now(), 0) {
			return envelope{}, ErrUnauthenticated
		}
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if !auth {
			return envelope{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, env.Message)
		}
		c.Logout()
		return envelope{}, ErrUnauthenticated
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return envelope{}, fmt.Errorf("%w: %s %s returned %d: %s", ErrRequestFailed, method, path, resp.StatusCode, env.Message)
	case decodeErr != nil:
		return envelope{}, fmt.Errorf("decode %s response: %w", path, decodeErr)
	case !env.Success && !env.Requires2FA:
		msg := env.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return envelope{}, fmt.Errorf("%w: %s", ErrRequestFailed, msg)
	}
	return env, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend is the only party that needs to trust the token.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
