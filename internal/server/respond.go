package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"aedzpay/internal/account"
	"aedzpay/internal/bridge"
	"aedzpay/internal/ledger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// writeMappedError turns a service error into a response by its Kind.
func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, bridge.ErrIntentNotFound) || errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	kind := account.Classify(err)
	status := statusForKind(kind)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestIDFromContext(r.Context()),
			"kind", kind,
			"err", err,
		)
	}
	writeError(w, status, string(kind), err.Error())
}

func statusForKind(kind account.Kind) int {
	switch kind {
	case account.KindValidation:
		return http.StatusBadRequest
	case account.KindConflict, account.KindUserRejected:
		return http.StatusConflict
	case account.KindUnauthorized:
		return http.StatusUnauthorized
	case account.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid json payload: %v", account.ErrValidation, err)
	}
	return nil
}
