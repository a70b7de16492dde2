package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"creditgate/models"
)

func setupGuardTest(t *testing.T, ttl time.Duration, now func() time.Time) *Guard {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewGuard(db, ttl, now, nil)
}

func TestBeginPaymentCreatesRecord(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	g := setupGuardTest(t, 24*time.Hour, func() time.Time { return now })
	user := uuid.New()

	outcome, err := g.BeginPayment(context.Background(), user, "client-key-1", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("begin payment: %v", err)
	}
	if outcome.Replayed {
		t.Fatal("fresh key should not replay")
	}
	if outcome.Record.Status != models.IdempotencyPending {
		t.Fatalf("expected PENDING record, got %s", outcome.Record.Status)
	}
	if !outcome.Record.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", outcome.Record.ExpiresAt)
	}
}

func TestBeginPaymentReplaysActive(t *testing.T) {
	g := setupGuardTest(t, 24*time.Hour, nil)
	user := uuid.New()
	paymentID := uuid.New()

	first, err := g.BeginPayment(context.Background(), user, "client-key-1", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("begin payment: %v", err)
	}
	if err := g.LinkPayment(context.Background(), first.Record.ScopedKey, paymentID); err != nil {
		t.Fatalf("link payment: %v", err)
	}

	second, err := g.BeginPayment(context.Background(), user, "client-key-1", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("second begin payment: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay of active record")
	}
	if second.Record.PaymentID == nil || *second.Record.PaymentID != paymentID {
		t.Fatalf("expected linked payment %s, got %v", paymentID, second.Record.PaymentID)
	}
}

func TestBeginPaymentScopesKeysPerUser(t *testing.T) {
	g := setupGuardTest(t, 24*time.Hour, nil)

	a, err := g.BeginPayment(context.Background(), uuid.New(), "shared-key", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("begin payment user a: %v", err)
	}
	b, err := g.BeginPayment(context.Background(), uuid.New(), "shared-key", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("begin payment user b: %v", err)
	}
	if a.Replayed || b.Replayed {
		t.Fatal("distinct users must not share idempotency records")
	}
	if a.Record.ScopedKey == b.Record.ScopedKey {
		t.Fatal("scoped keys collided across users")
	}
}

func TestBeginPaymentReusesSettledRecord(t *testing.T) {
	g := setupGuardTest(t, 24*time.Hour, nil)
	user := uuid.New()

	first, err := g.BeginPayment(context.Background(), user, "client-key-1", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("begin payment: %v", err)
	}
	if err := g.Settle(context.Background(), first.Record.ScopedKey, models.IdempotencyFailed); err != nil {
		t.Fatalf("settle: %v", err)
	}

	second, err := g.BeginPayment(context.Background(), user, "client-key-1", "PLAN_PRO")
	if err != nil {
		t.Fatalf("reuse after failure: %v", err)
	}
	if second.Replayed {
		t.Fatal("settled record must allow a fresh attempt")
	}
	if second.Record.Status != models.IdempotencyPending {
		t.Fatalf("expected reset to PENDING, got %s", second.Record.Status)
	}
	if second.Record.PaymentID != nil {
		t.Fatal("expected payment link cleared on reuse")
	}
	if second.Record.PlanCode != "PLAN_PRO" {
		t.Fatalf("expected plan updated, got %s", second.Record.PlanCode)
	}
}

func TestBeginPaymentRejectsMissingKey(t *testing.T) {
	g := setupGuardTest(t, 24*time.Hour, nil)

	if _, err := g.BeginPayment(context.Background(), uuid.New(), "  ", "PLAN_BASIC"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestReapDeletesOnlyExpired(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)
	clock := base
	g := setupGuardTest(t, time.Hour, func() time.Time { return clock })
	user := uuid.New()

	old, err := g.BeginPayment(context.Background(), user, "old-key", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("begin old: %v", err)
	}
	clock = base.Add(30 * time.Minute)
	fresh, err := g.BeginPayment(context.Background(), user, "fresh-key", "PLAN_BASIC")
	if err != nil {
		t.Fatalf("begin fresh: %v", err)
	}

	deleted, err := g.Reap(context.Background(), base.Add(90*time.Minute), 100)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 reaped record, got %d", deleted)
	}

	var count int64
	if err := g.db.Model(&models.IdempotencyRecord{}).Where("scoped_key = ?", old.Record.ScopedKey).Count(&count).Error; err != nil {
		t.Fatalf("count old: %v", err)
	}
	if count != 0 {
		t.Fatal("expired record survived reap")
	}
	if err := g.db.Model(&models.IdempotencyRecord{}).Where("scoped_key = ?", fresh.Record.ScopedKey).Count(&count).Error; err != nil {
		t.Fatalf("count fresh: %v", err)
	}
	if count != 1 {
		t.Fatal("fresh record reaped early")
	}
}
