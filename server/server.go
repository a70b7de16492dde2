// Package server exposes the engine over HTTP: payment creation, the
// gateway callback, status polling, and the reservation API consumed by
// the AI operation services.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"creditgate/ledger"
	"creditgate/models"
	"creditgate/reconcile"
	"creditgate/reservation"
)

// Rate limit route keys.
const (
	RoutePaymentCreate = "payment_create"
	RoutePaymentStatus = "payment_status"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger       *ledger.Ledger
	Reservations *reservation.Manager
	Reconciler   *reconcile.Reconciler
	Tokens       *reconcile.StatusTokens
	RateLimits   map[string]RateLimit
	Logger       *slog.Logger
}

// Server encapsulates the HTTP API.
type Server struct {
	ledger       *ledger.Ledger
	reservations *reservation.Manager
	reconciler   *reconcile.Reconciler
	tokens       *reconcile.StatusTokens
	logger       *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with rate limiting applied to the
// payment endpoints.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		ledger:       cfg.Ledger,
		reservations: cfg.Reservations,
		reconciler:   cfg.Reconciler,
		tokens:       cfg.Tokens,
		logger:       cfg.Logger,
	}
	srv.router = srv.buildRouter(NewRateLimiter(cfg.RateLimits, cfg.Logger))
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.With(limiter.Middleware(RoutePaymentCreate)).Post("/payments", s.CreatePayment)
		api.Get("/payments/callback", s.PaymentCallback)
		api.With(limiter.Middleware(RoutePaymentStatus)).Get("/payments/{orderCode}/status", s.PaymentStatus)

		api.Post("/reservations", s.CreateReservation)
		api.Post("/reservations/{id}/confirm", s.ConfirmReservation)
		api.Post("/reservations/{id}/refund", s.RefundReservation)

		api.Get("/users/{userID}/credits", s.UserCredits)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(started).Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

// CreatePayment starts a purchase attempt. The idempotency key comes from
// the Idempotency-Key header, falling back to the body's client_key.
func (s *Server) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		req.ClientKey = header
	}
	if v := req.Validate(); len(v) > 0 {
		writeViolations(w, v)
		return
	}

	intent, err := s.reconciler.CreatePayment(r.Context(), req.UserID, req.ClientKey, req.PlanCode, clientID(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	token, err := s.tokens.Issue(intent.TxnRef)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if intent.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, createPaymentResponse{
		PaymentID:   intent.PaymentID,
		OrderCode:   intent.TxnRef,
		PayURL:      intent.PayURL,
		StatusToken: token,
		Replayed:    intent.Replayed,
	})
}

// PaymentCallback receives the provider's server-to-server notification.
// The provider retries until it sees the accept code, so every handled
// condition answers HTTP 200 with a provider response pair.
func (s *Server) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	resp := s.reconciler.ProcessCallback(r.Context(), r.URL.Query())
	writeJSON(w, http.StatusOK, resp)
}

// PaymentStatus serves client polling, gated by the signed token issued at
// payment creation.
func (s *Server) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	orderCode := chi.URLParam(r, "orderCode")
	if err := s.tokens.Validate(r.URL.Query().Get("token"), orderCode); err != nil {
		writeError(w, s.logger, err)
		return
	}
	payment, err := s.reconciler.PaymentByRef(r.Context(), orderCode)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatusResponse{
		OrderCode: payment.ExternalTxnRef,
		PlanCode:  payment.PlanCode,
		Amount:    payment.Amount,
		Status:    string(payment.Status),
		PaidAt:    payment.PaidAt,
	})
}

// CreateReservation places a hold against the user's balance.
func (s *Server) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	if v := req.Validate(); len(v) > 0 {
		writeViolations(w, v)
		return
	}
	res, err := s.reservations.Reserve(r.Context(), req.UserID, models.CreditType(req.CreditType), req.Amount, req.OperationType, req.SessionID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReservationResponse(res))
}

// ConfirmReservation settles a hold after the operation succeeded.
func (s *Server) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid reservation id"})
		return
	}
	if err := s.reservations.Confirm(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefundReservation releases a hold after the operation failed.
func (s *Server) RefundReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid reservation id"})
		return
	}
	if err := s.reservations.Refund(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserCredits reports the current balance for one user.
func (s *Server) UserCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid user id"})
		return
	}
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:      balance.UserID,
		ChatCredits: balance.ChatCredits,
		QuizCredits: balance.QuizCredits,
		PlanCode:    balance.PlanCode,
		ExpiresAt:   balance.ExpiresAt,
	})
}
