// Package bridge drives cross-chain transfers through the Relay API: quote,
// execute each signature or transaction step in order, poll for completion.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.relay.link"
	DefaultTimeout = 30 * time.Second
)

// ErrAPI is wrapped by every non-2xx response.
var ErrAPI = errors.New("relay api error")

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a thin JSON client for the Relay HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}
}

func (c *Client) Chains(ctx context.Context) ([]Chain, error) {
	var out struct {
		Chains []Chain `json:"chains"`
	}
	if err := c.do(ctx, http.MethodGet, "/chains", nil, &out); err != nil {
		return nil, err
	}
	return out.Chains, nil
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.TradeType == "" {
		req.TradeType = "EXACT_INPUT"
	}
	var q Quote
	if err := c.do(ctx, http.MethodPost, "/quote", req, &q); err != nil {
		return Quote{}, err
	}
	if len(q.Steps) == 0 {
		return Quote{}, fmt.Errorf("%w: quote has no steps", ErrAPI)
	}
	return q, nil
}

func (c *Client) Status(ctx context.Context, requestID string) (StatusResponse, error) {
	var st StatusResponse
	path := "/intents/status/v3?requestId=" + url.QueryEscape(requestID)
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return StatusResponse{}, err
	}
	return st, nil
}

// Check calls a step's check endpoint.
func (c *Client) Check(ctx context.Context, chk Check) (StatusResponse, error) {
	method := strings.ToUpper(chk.Method)
	if method == "" {
		method = http.MethodGet
	}
	var st StatusResponse
	if err := c.do(ctx, method, chk.Endpoint, nil, &st); err != nil {
		return StatusResponse{}, err
	}
	return st, nil
}

// PostSignature submits a signature to the endpoint named by a signature item.
func (c *Client) PostSignature(ctx context.Context, endpoint, method string, body json.RawMessage, signature string) error {
	if method == "" {
		method = http.MethodPost
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	path := endpoint + sep + "signature=" + url.QueryEscape(signature)

	var payload any
	if len(body) > 0 {
		payload = body
	}
	return c.do(ctx, strings.ToUpper(method), path, payload, nil)
}

// resolve turns a path or a step endpoint into a URL. Absolute endpoints are
// used as given; trusted reports whether they point at the API base origin,
// the only place the API key may be sent.
func (c *Client) resolve(path string) (target string, trusted bool, err error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return c.baseURL + path, true, nil
	}
	u, err := url.Parse(path)
	if err != nil {
		return "", false, fmt.Errorf("%w: bad endpoint %q: %v", ErrAPI, path, err)
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", false, fmt.Errorf("bad base url: %w", err)
	}
	return path, strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	target, trusted, err := c.resolve(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" && trusted {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrAPI, method, path, resp.StatusCode, apiMessage(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func apiMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}
