package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditgate/models"
)

var (
	// ErrConflict indicates the scoped key is held by a record in a state
	// that neither replays an existing payment nor allows a fresh attempt.
	ErrConflict = errors.New("idempotency: key conflict")
	// ErrMissingKey is returned when the client supplied no idempotency key.
	ErrMissingKey = errors.New("idempotency: client key required")
)

// Guard deduplicates payment-creation requests. Each client-supplied key is
// scoped per user, so two users reusing the same literal key never collide.
type Guard struct {
	db     *gorm.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewGuard constructs a guard with the supplied record TTL. A non-positive
// TTL falls back to 24 hours.
func NewGuard(db *gorm.DB, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{db: db, ttl: ttl, now: now, logger: logger}
}

// ScopedKey derives the per-user storage key from the client-supplied key.
func ScopedKey(userID uuid.UUID, clientKey string) string {
	sum := sha256.Sum256([]byte(userID.String() + ":" + clientKey))
	return hex.EncodeToString(sum[:])
}

// Outcome reports the result of BeginPayment.
type Outcome struct {
	// Record is the active idempotency record for the scoped key.
	Record *models.IdempotencyRecord
	// Replayed is true when an active payment already exists; the caller
	// must return Record.PaymentID unchanged instead of creating a payment.
	Replayed bool
}

// BeginPayment resolves the idempotency record for (userID, clientKey).
// A missing record is created in PENDING, signalling the caller to create a
// new payment. An active record (PENDING or SUCCESS) replays the linked
// payment. A settled record (FAILED/EXPIRED/CANCELLED) is reset in place for
// a fresh attempt. Anything else conflicts.
func (g *Guard) BeginPayment(ctx context.Context, userID uuid.UUID, clientKey, planCode string) (*Outcome, error) {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return nil, ErrMissingKey
	}
	scoped := ScopedKey(userID, clientKey)
	var outcome Outcome
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.IdempotencyRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "scoped_key = ?", scoped).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := g.now()
			record = models.IdempotencyRecord{
				ScopedKey: scoped,
				UserID:    userID,
				PlanCode:  planCode,
				Status:    models.IdempotencyPending,
				CreatedAt: now,
				ExpiresAt: now.Add(g.ttl),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			outcome = Outcome{Record: &record}
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case record.HasActivePayment():
			outcome = Outcome{Record: &record, Replayed: true}
			return nil
		case record.AllowsNewPayment():
			now := g.now()
			record.PlanCode = planCode
			record.PaymentID = nil
			record.Status = models.IdempotencyPending
			record.CreatedAt = now
			record.ExpiresAt = now.Add(g.ttl)
			if err := tx.Save(&record).Error; err != nil {
				return err
			}
			outcome = Outcome{Record: &record}
			return nil
		default:
			return fmt.Errorf("%w: scoped key %s in state %s", ErrConflict, scoped, record.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// LinkPayment attaches the created payment to a PENDING record.
func (g *Guard) LinkPayment(ctx context.Context, scopedKey string, paymentID uuid.UUID) error {
	return g.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("scoped_key = ?", scopedKey).
		Update("payment_id", paymentID).Error
}

// Settle moves a record out of PENDING once the linked payment reaches a
// terminal state, so retries with the same client key behave correctly.
func (g *Guard) Settle(ctx context.Context, scopedKey string, status models.IdempotencyStatus) error {
	return g.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("scoped_key = ?", scopedKey).
		Update("status", status).Error
}

// SettleByPayment settles whichever record links the given payment.
func (g *Guard) SettleByPayment(ctx context.Context, paymentID uuid.UUID, status models.IdempotencyStatus) error {
	return g.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("payment_id = ?", paymentID).
		Update("status", status).Error
}

// Reap deletes records whose TTL elapsed before now, up to batchSize rows.
// Pure garbage collection: correctness never depends on timely reaping, only
// the storage bound does. Returns the number of rows deleted.
func (g *Guard) Reap(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var keys []string
	err := g.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("expires_at < ?", now).
		Order("expires_at").
		Limit(batchSize).
		Pluck("scoped_key", &keys).Error
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	result := g.db.WithContext(ctx).Where("scoped_key IN ?", keys).Delete(&models.IdempotencyRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
