package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreditType identifies which balance bucket an operation consumes.
type CreditType string

const (
	CreditChat    CreditType = "CHAT"
	CreditQuizGen CreditType = "QUIZ_GEN"
)

// Valid reports whether the credit type is one of the supported buckets.
func (c CreditType) Valid() bool {
	switch c {
	case CreditChat, CreditQuizGen:
		return true
	default:
		return false
	}
}

// ReservationStatus represents a state in the reservation lifecycle.
type ReservationStatus string

// Reservation states. PENDING is the only non-terminal state.
const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationRefunded  ReservationStatus = "REFUNDED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationPending
}

// PaymentStatus represents a state in the payment lifecycle DAG.
type PaymentStatus string

// Payment states.
const (
	PaymentPending          PaymentStatus = "PENDING"
	PaymentPaid             PaymentStatus = "PAID"
	PaymentPaidCreditFailed PaymentStatus = "PAID_CREDIT_FAILED"
	PaymentCredited         PaymentStatus = "CREDITED"
	PaymentNeedsReview      PaymentStatus = "NEEDS_REVIEW"
	PaymentFailed           PaymentStatus = "FAILED"
	PaymentExpired          PaymentStatus = "EXPIRED"
	PaymentCancelled        PaymentStatus = "CANCELLED"
)

// Terminal reports whether the payment can no longer transition.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCredited, PaymentNeedsReview, PaymentFailed, PaymentExpired, PaymentCancelled:
		return true
	default:
		return false
	}
}

// IdempotencyStatus tracks the lifecycle of a payment-creation attempt.
type IdempotencyStatus string

// Idempotency record states.
const (
	IdempotencyPending   IdempotencyStatus = "PENDING"
	IdempotencySuccess   IdempotencyStatus = "SUCCESS"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
	IdempotencyExpired   IdempotencyStatus = "EXPIRED"
	IdempotencyCancelled IdempotencyStatus = "CANCELLED"
)

// CreditBalance holds the per-user metered credit buckets. Rows are mutated
// only through the ledger inside a locked transaction; the balance is never
// negative.
type CreditBalance struct {
	UserID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChatCredits int64     `gorm:"not null;default:0"`
	QuizCredits int64     `gorm:"not null;default:0"`
	PlanCode    string    `gorm:"size:32;index"`
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reservation is a tentative, time-boxed hold against a credit balance.
// Rows are never deleted; terminal rows remain as the audit trail.
type Reservation struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID         `gorm:"type:uuid;index"`
	CreditType    CreditType        `gorm:"size:16;not null"`
	Amount        int64             `gorm:"not null"`
	Status        ReservationStatus `gorm:"size:16;index"`
	OperationType string            `gorm:"size:64"`
	SessionID     string            `gorm:"size:128;index"`
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"index"`
	ConfirmedAt   *time.Time
	RefundedAt    *time.Time
}

// IdempotencyRecord deduplicates retried payment-creation requests. The
// scoped key namespaces the client-supplied key per user; only one active
// record may exist per scoped key.
type IdempotencyRecord struct {
	ScopedKey string            `gorm:"primaryKey;size:64"`
	UserID    uuid.UUID         `gorm:"type:uuid;index"`
	PlanCode  string            `gorm:"size:32"`
	PaymentID *uuid.UUID        `gorm:"type:uuid"`
	Status    IdempotencyStatus `gorm:"size:16;index"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// HasActivePayment reports whether the record is tied to a payment attempt
// that is in flight or succeeded; duplicate requests replay its reference.
func (r *IdempotencyRecord) HasActivePayment() bool {
	return r.Status == IdempotencyPending || r.Status == IdempotencySuccess
}

// AllowsNewPayment reports whether the record's previous attempt settled
// without success, so the scoped key may be reused for a fresh attempt.
func (r *IdempotencyRecord) AllowsNewPayment() bool {
	switch r.Status {
	case IdempotencyFailed, IdempotencyExpired, IdempotencyCancelled:
		return true
	default:
		return false
	}
}

// PaymentRecord represents one purchase attempt against the gateway.
type PaymentRecord struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	UserID           uuid.UUID     `gorm:"type:uuid;index"`
	PlanCode         string        `gorm:"size:32;not null"`
	Amount           int64         `gorm:"not null"`
	ExternalTxnRef   string        `gorm:"size:64;uniqueIndex"`
	Status           PaymentStatus `gorm:"size:24;index"`
	CreditRetryCount int           `gorm:"not null;default:0"`
	TransactionNo    string        `gorm:"size:64"`
	BankCode         string        `gorm:"size:32"`
	CardType         string        `gorm:"size:32"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
}

// Plan describes a purchasable credit bundle. Plans are configuration, not
// rows: the catalog ships in the service config and is looked up by code.
type Plan struct {
	Code         string
	PriceMinor   int64
	ChatCredits  int64
	QuizCredits  int64
	ValidityDays int
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CreditBalance{},
		&Reservation{},
		&IdempotencyRecord{},
		&PaymentRecord{},
	)
}
