package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"creditgate/idempotency"
	"creditgate/ledger"
	"creditgate/reconcile"
	"creditgate/reservation"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError maps domain sentinel errors to HTTP statuses at the boundary,
// so handlers never carry status knowledge of their own.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		status = http.StatusPaymentRequired
		message = "insufficient credit"
	case errors.Is(err, ledger.ErrUnknownCreditType):
		status = http.StatusBadRequest
		message = "unknown credit type"
	case errors.Is(err, reservation.ErrAlreadyCharging):
		status = http.StatusConflict
		message = "a charge for this session is already in flight"
	case errors.Is(err, reservation.ErrNotFound), errors.Is(err, reconcile.ErrPaymentNotFound):
		status = http.StatusNotFound
		message = "not found"
	case errors.Is(err, reservation.ErrInvalidState):
		// Callers confirm or refund their own reservations, so an
		// invalid transition means lost bookkeeping on our side.
		message = "reservation in unexpected state"
	case errors.Is(err, idempotency.ErrConflict):
		status = http.StatusConflict
		message = "another payment is active for this idempotency key"
	case errors.Is(err, idempotency.ErrMissingKey):
		status = http.StatusBadRequest
		message = "idempotency key required"
	case errors.Is(err, reconcile.ErrUnknownPlan):
		status = http.StatusBadRequest
		message = "unknown plan"
	case errors.Is(err, reconcile.ErrTokenInvalid):
		status = http.StatusUnauthorized
		message = "invalid or expired status token"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: message})
}

func writeViolations(w http.ResponseWriter, fields violations) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: fields})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
