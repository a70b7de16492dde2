package server

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"creditgate/models"
)

// violations accumulates field-level validation failures.
type violations map[string]string

func (v violations) add(field, message string) { v[field] = message }

type createPaymentRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	PlanCode  string    `json:"plan_code"`
	ClientKey string    `json:"client_key"`
}

func (r *createPaymentRequest) Validate() violations {
	v := violations{}
	if r.UserID == uuid.Nil {
		v.add("user_id", "required")
	}
	r.PlanCode = strings.TrimSpace(r.PlanCode)
	if r.PlanCode == "" {
		v.add("plan_code", "required")
	}
	r.ClientKey = strings.TrimSpace(r.ClientKey)
	if r.ClientKey == "" {
		v.add("client_key", "required")
	}
	return v
}

type createPaymentResponse struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	OrderCode   string    `json:"order_code"`
	PayURL      string    `json:"pay_url"`
	StatusToken string    `json:"status_token"`
	Replayed    bool      `json:"replayed"`
}

type paymentStatusResponse struct {
	OrderCode string     `json:"order_code"`
	PlanCode  string     `json:"plan_code"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

type createReservationRequest struct {
	UserID        uuid.UUID `json:"user_id"`
	CreditType    string    `json:"credit_type"`
	Amount        int64     `json:"amount"`
	OperationType string    `json:"operation_type"`
	SessionID     string    `json:"session_id"`
}

func (r *createReservationRequest) Validate() violations {
	v := violations{}
	if r.UserID == uuid.Nil {
		v.add("user_id", "required")
	}
	r.CreditType = strings.ToUpper(strings.TrimSpace(r.CreditType))
	if !models.CreditType(r.CreditType).Valid() {
		v.add("credit_type", "must be CHAT or QUIZ_GEN")
	}
	if r.Amount < 1 {
		v.add("amount", "must be at least 1")
	}
	r.OperationType = strings.TrimSpace(r.OperationType)
	if r.OperationType == "" {
		v.add("operation_type", "required")
	}
	r.SessionID = strings.TrimSpace(r.SessionID)
	return v
}

type reservationResponse struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	CreditType string    `json:"credit_type"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func newReservationResponse(res *models.Reservation) reservationResponse {
	return reservationResponse{
		ID:         res.ID,
		UserID:     res.UserID,
		CreditType: string(res.CreditType),
		Amount:     res.Amount,
		Status:     string(res.Status),
		ExpiresAt:  res.ExpiresAt,
	}
}

type balanceResponse struct {
	UserID      uuid.UUID  `json:"user_id"`
	ChatCredits int64      `json:"chat_credits"`
	QuizCredits int64      `json:"quiz_credits"`
	PlanCode    string     `json:"plan_code,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}
