package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditgate/models"
)

var (
	// ErrInsufficientCredit indicates a negative delta would drive the
	// balance below zero. The balance is left unchanged.
	ErrInsufficientCredit = errors.New("ledger: insufficient credit")
	// ErrUnknownCreditType is returned for a credit type outside the
	// supported buckets.
	ErrUnknownCreditType = errors.New("ledger: unknown credit type")
)

// Ledger applies signed deltas to per-user credit balances. Every mutation
// runs inside a single transaction holding a row lock on the balance, so
// concurrent reserve/confirm/refund calls for the same user serialize.
// The ledger never retries; callers own retry policy.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger backed by the provided database.
func New(db *gorm.DB, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: db, now: now}
}

// ApplyDelta atomically adds delta to one credit bucket and returns the new
// balance. A missing balance row is created at zero before the delta is
// applied. Fails with ErrInsufficientCredit when the result would be
// negative; in that case nothing is written.
func (l *Ledger) ApplyDelta(ctx context.Context, userID uuid.UUID, creditType models.CreditType, delta int64) (int64, error) {
	if !creditType.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCreditType, creditType)
	}
	var updated int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := l.lockBalance(tx, userID)
		if err != nil {
			return err
		}
		current := bucket(balance, creditType)
		next := current + delta
		if next < 0 {
			return fmt.Errorf("%w: user %s has %d %s, requested %d", ErrInsufficientCredit, userID, current, creditType, -delta)
		}
		setBucket(balance, creditType, next)
		balance.UpdatedAt = l.now()
		if err := tx.Save(balance).Error; err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// ApplyDeltaTx is ApplyDelta running inside an existing transaction. Used by
// the reservation manager so the balance mutation and the reservation row
// commit or roll back together.
func (l *Ledger) ApplyDeltaTx(tx *gorm.DB, userID uuid.UUID, creditType models.CreditType, delta int64) (int64, error) {
	if !creditType.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCreditType, creditType)
	}
	balance, err := l.lockBalance(tx, userID)
	if err != nil {
		return 0, err
	}
	current := bucket(balance, creditType)
	next := current + delta
	if next < 0 {
		return 0, fmt.Errorf("%w: user %s has %d %s, requested %d", ErrInsufficientCredit, userID, current, creditType, -delta)
	}
	setBucket(balance, creditType, next)
	balance.UpdatedAt = l.now()
	if err := tx.Save(balance).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// Grant adds a plan's entitlements to the user balance, stamping the plan
// code and expiry. It is the credit-grant operation invoked by the payment
// reconciler and its retry job; the caller's status gate ensures a logical
// grant is applied at most once.
func (l *Ledger) Grant(ctx context.Context, userID uuid.UUID, chatAmount, quizAmount int64, planCode string, expiresAt *time.Time) error {
	if chatAmount < 0 || quizAmount < 0 {
		return fmt.Errorf("ledger: grant amounts must be non-negative")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := l.lockBalance(tx, userID)
		if err != nil {
			return err
		}
		balance.ChatCredits += chatAmount
		balance.QuizCredits += quizAmount
		balance.PlanCode = planCode
		balance.ExpiresAt = expiresAt
		balance.UpdatedAt = l.now()
		return tx.Save(balance).Error
	})
}

// Balance returns the current balance row for a user, or a zero-valued row
// when the user has never held credits.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (*models.CreditBalance, error) {
	var balance models.CreditBalance
	err := l.db.WithContext(ctx).First(&balance, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (l *Ledger) lockBalance(tx *gorm.DB, userID uuid.UUID) (*models.CreditBalance, error) {
	var balance models.CreditBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&balance, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := l.now()
		balance = models.CreditBalance{UserID: userID, CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(&balance).Error; err != nil {
			return nil, err
		}
		return &balance, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func bucket(b *models.CreditBalance, creditType models.CreditType) int64 {
	if creditType == models.CreditChat {
		return b.ChatCredits
	}
	return b.QuizCredits
}

func setBucket(b *models.CreditBalance, creditType models.CreditType, v int64) {
	if creditType == models.CreditChat {
		b.ChatCredits = v
		return
	}
	b.QuizCredits = v
}
