package server

import (
	"net/http"
	"strconv"
	"strings"

	"aedzpay/internal/account"
	"aedzpay/internal/backend"
	"aedzpay/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type amountRequest struct {
	Amount string `json:"amount"`
}

type spendRequest struct {
	Amount   string `json:"amount"`
	Merchant string `json:"merchant"`
}

type txResponse struct {
	TxHash string `json:"txHash"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("cached") == "true" {
		if sum, ok := s.account.LastSummary(); ok {
			writeJSON(w, http.StatusOK, sum)
			return
		}
	}
	sum, err := s.account.Summary(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTimelock(w http.ResponseWriter, r *http.Request) {
	tl, err := s.account.Timelock(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	entry, err := s.account.Deposit(r.Context(), req.Amount)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleInitiateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	entry, err := s.account.InitiateWithdrawal(r.Context(), req.Amount)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	res, err := s.account.CompleteWithdrawal(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	res, err := s.account.CancelWithdrawal(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{TxHash: res.TxHash})
}

func (s *Server) handleReportSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	entry, err := s.account.ReportSpend(r.Context(), req.Amount, req.Merchant)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.account.Chains(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": chains})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req account.BridgeRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	view, err := s.account.Quote(r.Context(), req)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStartBridge(w http.ResponseWriter, r *http.Request) {
	var req account.BridgeRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	in, err := s.account.StartBridge(r.Context(), req)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/bridge/intents/"+in.ID)
	writeJSON(w, http.StatusAccepted, in)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, string(account.KindValidation), "invalid intent id")
		return
	}
	in, err := s.account.Intent(id)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := ledger.Type(strings.ToLower(q.Get("type")))
	switch typ {
	case "", ledger.TypeDeposit, ledger.TypeWithdraw, ledger.TypeSpend, ledger.TypeFunding, ledger.TypeBridge:
	default:
		writeError(w, http.StatusBadRequest, string(account.KindValidation), "unknown transaction type")
		return
	}

	entries := s.account.Transactions(typ, q.Get("q"))
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, string(account.KindValidation), "invalid limit")
			return
		}
		if limit > 0 && limit < len(entries) {
			entries = entries[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.account.Breakdown()})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Requires2FA bool   `json:"requires2FA"`
	TempToken   string `json:"tempToken,omitempty"`
	User        any    `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	res, err := s.account.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if res.RequiresTwoFactor() {
		writeJSON(w, http.StatusOK, loginResponse{Requires2FA: true, TempToken: res.TempToken})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{User: publicUser(res.Session.User)})
}

type verifyRequest struct {
	TempToken string `json:"tempToken"`
	Code      string `json:"code"`
}

func (s *Server) handleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	sess, err := s.account.VerifyTwoFactor(r.Context(), req.TempToken, req.Code)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{User: publicUser(sess.User)})
}

// publicUser drops the bearer token; it stays inside the daemon.
func publicUser(u backend.User) map[string]string {
	return map[string]string{"id": u.ID, "email": u.Email, "name": u.Name}
}

func (s *Server) handleBackendBalances(w http.ResponseWriter, r *http.Request) {
	bal, err := s.account.BackendBalances(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if err := s.account.Convert(r.Context(), req.Amount); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req backend.TransferRequest
	if err := decode(r, &req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	entry, err := s.account.Transfer(r.Context(), req)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
