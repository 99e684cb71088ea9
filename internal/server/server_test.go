package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aedzpay/internal/account"
	"aedzpay/internal/backend"
	"aedzpay/internal/bridge"
	"aedzpay/internal/escrow"
	"aedzpay/internal/hmacauth"
	"aedzpay/internal/idempotency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const testSecret = "test-secret"

var (
	testUser = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testUSDC = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	srv     *Server
	svc     *account.Service
	handler http.Handler
	fake    *escrow.FakeClient
	metrics *Metrics
	dlq     *DLQ
}

func newTestEnv(t *testing.T, rpc escrow.HealthChecker) *testEnv {
	t.Helper()
	return newTestEnvWithBackend(t, rpc, nil)
}

func newTestEnvWithBackend(t *testing.T, rpc escrow.HealthChecker, custodial *backend.Client) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := escrow.NewFakeClient(testUser, nil)
	fake.Fund(testUSDC, 6, big.NewInt(150_000_000))

	metrics := NewMetrics()
	dlq := NewDLQ(t.TempDir(), metrics, logger)
	tracker := bridge.NewTracker(context.Background(), nil, nil)

	svc := account.NewService(account.Config{
		Token:           testUSDC,
		Network:         "Base",
		ChainID:         8453,
		DepositTimelock: 24 * time.Hour,
		Policy:          escrow.PolicyReject,
		BackendEmail:    "ahmed@example.com",
		BackendPassword: "pw",
	}, account.Deps{
		Escrow:   fake,
		Intents:  tracker,
		Backend:  custodial,
		Observer: metrics,
		Logger:   logger,
	})

	srv := NewServer(Options{
		HMACSecret:        testSecret,
		HMACClockSkew:     time.Minute,
		IdempotencyWindow: time.Minute,
	}, Deps{
		Account: svc,
		Store:   idempotency.NewMemoryStore(),
		Metrics: metrics,
		DLQ:     dlq,
		Logger:  logger,
		RPC:     rpc,
	})
	return &testEnv{srv: srv, svc: svc, handler: srv.Routes(), fake: fake, metrics: metrics, dlq: dlq}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	hmacauth.SignRequest(req, testSecret, payload, time.Now())
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestDepositIdempotency(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "100"}, "key-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	rec2 := env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "100"}, "key-1")
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if rec2.Header().Get(headerReplayed) != "true" {
		t.Fatalf("expected replay header")
	}

	bal, _ := env.fake.TokenBalance(context.Background(), testUSDC)
	if bal.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("deposit executed more than once, wallet balance %s", bal)
	}

	rec3 := env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "20"}, "key-1")
	if rec3.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key with new body, got %d", rec3.Code)
	}
}

func TestConcurrentSameKeyRunsOnce(t *testing.T) {
	var transfers atomic.Int32
	custodial := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_, _ = w.Write([]byte(`{"success":true,"user":{"id":"u1","token":"opaque-token"}}`))
		case "/wallet/transfer":
			transfers.Add(1)
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer custodial.Close()
	env := newTestEnvWithBackend(t, nil, backend.NewClient(backend.Config{BaseURL: custodial.URL}))

	payload := []byte(`{"to":"card-77","amount":"15","currency":"AEDZ"}`)
	recs := make([]*httptest.ResponseRecorder, 2)
	var wg sync.WaitGroup
	for i := range recs {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/transfer", bytes.NewReader(payload))
		hmacauth.SignRequest(req, testSecret, payload, time.Now())
		req.Header.Set(headerIdempotencyKey, "same-key")
		recs[i] = httptest.NewRecorder()
		wg.Add(1)
		go func(rec *httptest.ResponseRecorder, req *http.Request) {
			defer wg.Done()
			env.handler.ServeHTTP(rec, req)
		}(recs[i], req)
	}
	wg.Wait()

	if got := transfers.Load(); got != 1 {
		t.Fatalf("backend transfer ran %d times", got)
	}
	created := 0
	for _, rec := range recs {
		switch {
		case rec.Code == http.StatusCreated:
			created++
		case rec.Code == http.StatusConflict:
		default:
			t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
		}
	}
	if created == 0 {
		t.Fatal("neither request succeeded")
	}
	if n := len(env.svc.Ledger().List()); n != 1 {
		t.Fatalf("expected one ledger entry, got %d", n)
	}

	// once the first finished, the key replays
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/transfer", bytes.NewReader(payload))
	hmacauth.SignRequest(req, testSecret, payload, time.Now())
	req.Header.Set(headerIdempotencyKey, "same-key")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated || rec.Header().Get(headerReplayed) != "true" {
		t.Fatalf("expected replayed 201, got %d replayed=%q", rec.Code, rec.Header().Get(headerReplayed))
	}
	if got := transfers.Load(); got != 1 {
		t.Fatalf("replay reached the backend, transfers=%d", got)
	}
}

func TestFailedRequestIsNotReplayed(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "500"}, "key-2")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "5"}, "key-2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected retry to run, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequiresSignatureAndIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned request, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "1"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}
}

func TestWithdrawalErrorsMapToStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "100"}, "d1"); rec.Code != http.StatusCreated {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/escrow/withdrawals", map[string]string{"amount": "30"}, "w1"); rec.Code != http.StatusCreated {
		t.Fatalf("initiate: %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/api/v1/escrow/withdrawals/complete", nil, "c1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while locked, got %d", rec.Code)
	}
	var body errorBody
	decodeBody(t, rec, &body)
	if body.Kind != string(account.KindConflict) {
		t.Fatalf("unexpected kind %q", body.Kind)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/escrow/withdrawals", map[string]string{"amount": "1.0000001"}, "w2")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for excess precision, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/escrow/timelock", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("timelock: %d", rec.Code)
	}
	var tl account.TimelockView
	decodeBody(t, rec, &tl)
	if !tl.IsLocked || tl.PendingAmount != "30" {
		t.Fatalf("unexpected timelock %+v", tl)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/escrow/withdrawals/cancel", nil, "x1")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTransactionsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	for i, amt := range []string{"10", "20", "30"} {
		rec := env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": amt}, "tx-"+string(rune('a'+i)))
		if rec.Code != http.StatusCreated {
			t.Fatalf("deposit %s: %d", amt, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/transactions?type=deposit&limit=2", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: %d", rec.Code)
	}
	var out struct {
		Transactions []struct {
			Amount string `json:"amount"`
			Status string `json:"status"`
		} `json:"transactions"`
	}
	decodeBody(t, rec, &out)
	if len(out.Transactions) != 2 || out.Transactions[0].Amount != "30" {
		t.Fatalf("unexpected transactions %+v", out.Transactions)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/transactions?type=refund", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/breakdown", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Fund Card") {
		t.Fatalf("breakdown: %d %s", rec.Code, rec.Body.String())
	}
}

func TestIntentLookup(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodGet, "/api/v1/bridge/intents/not-a-uuid", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/bridge/intents/"+uuid.NewString(), nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/bridge/chains", nil, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 without a relay client, got %d", rec.Code)
	}
}

func TestFailedIntentGoesToDLQ(t *testing.T) {
	env := newTestEnv(t, nil)

	env.dlq.Write(bridge.Intent{ID: uuid.NewString(), Status: bridge.IntentFailed}, errors.New("step 1 (deposit): refund"))
	env.dlq.Write(bridge.Intent{ID: uuid.NewString(), Status: bridge.IntentSuccess}, nil)

	entries, err := os.ReadDir(env.dlq.path)
	if err != nil {
		t.Fatalf("dlq dir read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dlq entry, got %d", len(entries))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	var health struct {
		Status     string `json:"status"`
		QueueDepth int    `json:"queue_depth"`
	}
	decodeBody(t, rec, &health)
	if health.QueueDepth != 1 || health.Status != "healthy" {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestHealthDegradedWhenRPCDown(t *testing.T) {
	env := newTestEnv(t, pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "refused") {
		t.Fatalf("expected rpc error in body: %s", rec.Body.String())
	}
}

func TestMetricsExposeOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/v1/escrow/deposits", map[string]string{"amount": "1"}, "m1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`aedzpay_escrow_operations_total{action="deposit",status="success"} 1`,
		`aedzpay_http_requests_total{code="2xx",route="/api/v1/escrow/deposits"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s:\n%s", want, body)
		}
	}
}
