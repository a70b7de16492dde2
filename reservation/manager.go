package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditgate/ledger"
	"creditgate/models"
	"creditgate/observability"
)

var (
	// ErrAlreadyCharging indicates a PENDING reservation already exists for
	// the same (user, session, operation) triple. Prevents double-charging
	// under concurrent duplicate requests.
	ErrAlreadyCharging = errors.New("reservation: operation already charging")
	// ErrInvalidState is returned when confirming a reservation that was
	// already refunded or expired. This is a caller bug, not a race.
	ErrInvalidState = errors.New("reservation: invalid state transition")
	// ErrNotFound indicates the reservation id is unknown.
	ErrNotFound = errors.New("reservation: not found")
)

// Manager owns the reserve/confirm/refund lifecycle. Credits are deducted at
// reserve time and restored only on refund or expiry, so the balance always
// reflects credits genuinely consumed plus in-flight holds bounded by TTL.
type Manager struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.EngineMetrics
}

// Config captures the dependencies required to construct a manager.
type Config struct {
	DB      *gorm.DB
	Ledger  *ledger.Ledger
	TTL     time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
}

// NewManager constructs a reservation manager with sane defaults.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Engine()
	}
	return &Manager{
		db:      cfg.DB,
		ledger:  cfg.Ledger,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Reserve places a hold of amount credits for one operation. The ledger
// debit and the reservation insert commit atomically; when the ledger
// rejects the debit nothing is persisted.
func (m *Manager) Reserve(ctx context.Context, userID uuid.UUID, creditType models.CreditType, amount int64, operationType, sessionID string) (*models.Reservation, error) {
	if amount < 1 {
		return nil, fmt.Errorf("reservation: amount must be at least 1")
	}
	if !creditType.Valid() {
		return nil, fmt.Errorf("reservation: unknown credit type %q", creditType)
	}
	now := m.now()
	res := models.Reservation{
		ID:            uuid.New(),
		UserID:        userID,
		CreditType:    creditType,
		Amount:        amount,
		Status:        models.ReservationPending,
		OperationType: operationType,
		SessionID:     sessionID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sessionID != "" {
			var count int64
			err := tx.Model(&models.Reservation{}).
				Where("user_id = ? AND session_id = ? AND operation_type = ? AND status = ?",
					userID, sessionID, operationType, models.ReservationPending).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrAlreadyCharging
			}
		}
		if _, err := m.ledger.ApplyDeltaTx(tx, userID, creditType, -amount); err != nil {
			return err
		}
		return tx.Create(&res).Error
	})
	if err != nil {
		return nil, err
	}
	m.metrics.RecordReservation("reserved")
	return &res, nil
}

// Confirm marks a pending reservation as consumed. Idempotent: confirming an
// already-confirmed reservation succeeds with no side effect. The credit was
// deducted at reserve time, so no ledger change happens here.
func (m *Manager) Confirm(ctx context.Context, id uuid.UUID) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		switch res.Status {
		case models.ReservationConfirmed:
			return nil
		case models.ReservationRefunded, models.ReservationExpired:
			return fmt.Errorf("%w: confirm on %s reservation %s", ErrInvalidState, res.Status, id)
		}
		now := m.now()
		res.Status = models.ReservationConfirmed
		res.ConfirmedAt = &now
		return tx.Save(res).Error
	})
	if err == nil {
		m.metrics.RecordReservation("confirmed")
	}
	return err
}

// Refund releases a pending hold back to the balance. Idempotent no-op when
// the reservation was already refunded or expired.
func (m *Manager) Refund(ctx context.Context, id uuid.UUID) error {
	refunded := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		switch res.Status {
		case models.ReservationRefunded, models.ReservationExpired:
			return nil
		case models.ReservationConfirmed:
			return fmt.Errorf("%w: refund on CONFIRMED reservation %s", ErrInvalidState, id)
		}
		if _, err := m.ledger.ApplyDeltaTx(tx, res.UserID, res.CreditType, res.Amount); err != nil {
			return err
		}
		now := m.now()
		res.Status = models.ReservationRefunded
		res.RefundedAt = &now
		refunded = true
		return tx.Save(res).Error
	})
	if err == nil && refunded {
		m.metrics.RecordReservation("refunded")
	}
	return err
}

// SweepExpired force-refunds every PENDING reservation whose TTL elapsed
// before now, up to batchSize rows. A failure on one reservation is logged
// and does not block the rest of the batch. Returns the number of
// reservations expired.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var stale []models.Reservation
	err := m.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.ReservationPending, now).
		Order("expires_at").
		Limit(batchSize).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		id := stale[i].ID
		if err := m.expireOne(ctx, id, now); err != nil {
			m.logger.Error("reservation sweep item failed", "reservation_id", id, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		m.metrics.RecordSweep("reservation_expiry", expired)
	}
	return expired, nil
}

func (m *Manager) expireOne(ctx context.Context, id uuid.UUID, now time.Time) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := lockReservation(tx, id)
		if err != nil {
			return err
		}
		if res.Status != models.ReservationPending {
			return nil
		}
		if _, err := m.ledger.ApplyDeltaTx(tx, res.UserID, res.CreditType, res.Amount); err != nil {
			return err
		}
		res.Status = models.ReservationExpired
		res.RefundedAt = &now
		return tx.Save(res).Error
	})
}

// Get loads a reservation by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	err := m.db.WithContext(ctx).First(&res, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func lockReservation(tx *gorm.DB, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
