package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"aedzpay/internal/backend"
	"aedzpay/internal/guard"
	"aedzpay/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendServer(t *testing.T, logins *atomic.Int32, transferStatus int) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			logins.Add(1)
			_, _ = w.Write([]byte(`{"success":true,"user":{"id":"u1","token":"opaque-token"}}`))
		case "/wallet/transfer":
			assert.Equal(t, "Bearer opaque-token", r.Header.Get("Authorization"))
			var req backend.TransferRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "card-77", req.To)
			w.WriteHeader(transferStatus)
			if transferStatus != http.StatusOK {
				_, _ = w.Write([]byte(`{"success":false,"message":"limit reached"}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return backend.NewClient(backend.Config{BaseURL: srv.URL})
}

func TestEnsureSessionLogsInWithConfiguredCredentials(t *testing.T) {
	var logins atomic.Int32
	f := newFixture(t, Deps{Backend: backendServer(t, &logins, http.StatusOK)})

	_, err := f.svc.EnsureSession(context.Background())
	require.ErrorIs(t, err, backend.ErrUnauthenticated)

	f.svc.cfg.BackendEmail = "ahmed@example.com"
	f.svc.cfg.BackendPassword = "pw"

	tok, err := f.svc.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)

	_, err = f.svc.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), logins.Load(), "a live session is reused")
}

func TestTransferRecordsFunding(t *testing.T) {
	var logins atomic.Int32
	f := newFixture(t, Deps{Backend: backendServer(t, &logins, http.StatusOK)})
	f.svc.cfg.BackendEmail = "ahmed@example.com"
	f.svc.cfg.BackendPassword = "pw"

	_, err := f.svc.Transfer(context.Background(), backend.TransferRequest{To: "card-77", Amount: "-1"})
	require.ErrorIs(t, err, ErrValidation)

	entry, err := f.svc.Transfer(context.Background(), backend.TransferRequest{To: "card-77", Amount: "15", Currency: "AEDZ"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, entry.Status)
	assert.Equal(t, ledger.Wallet, entry.From)

	cats := f.svc.Breakdown()
	assert.Equal(t, ledger.CategoryFundCard, cats[1].Type)
	assert.Equal(t, "15", cats[1].Amount.String())
}

func TestTransferFailure(t *testing.T) {
	var logins atomic.Int32
	f := newFixture(t, Deps{Backend: backendServer(t, &logins, http.StatusBadRequest)})
	f.svc.cfg.BackendEmail = "ahmed@example.com"
	f.svc.cfg.BackendPassword = "pw"

	entry, err := f.svc.Transfer(context.Background(), backend.TransferRequest{To: "card-77", Amount: "15"})
	require.ErrorIs(t, err, backend.ErrRequestFailed)
	assert.Equal(t, ledger.StatusFailed, entry.Status)
}

func TestTransferInFlightIsRefused(t *testing.T) {
	var logins atomic.Int32
	f := newFixture(t, Deps{Backend: backendServer(t, &logins, http.StatusOK)})
	f.svc.cfg.BackendEmail = "ahmed@example.com"
	f.svc.cfg.BackendPassword = "pw"

	release, err := f.guard.Acquire(guard.Key{User: testUser.Hex(), Token: testUSDC.Hex(), Action: ActionTransfer})
	require.NoError(t, err)
	_, err = f.svc.Transfer(context.Background(), backend.TransferRequest{To: "card-77", Amount: "15"})
	require.ErrorIs(t, err, guard.ErrInFlight)
	assert.Equal(t, KindConflict, Classify(err))
	assert.Empty(t, f.svc.Ledger().List())
	assert.Equal(t, 1, f.obs.count(ActionTransfer+":conflict"))
	release()

	_, err = f.svc.Transfer(context.Background(), backend.TransferRequest{To: "card-77", Amount: "15"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.obs.count(ActionTransfer+":success"))
}

func TestBackendDisabled(t *testing.T) {
	f := newFixture(t, Deps{})
	_, err := f.svc.BackendBalances(context.Background())
	require.ErrorIs(t, err, ErrBackendDisabled)
}
