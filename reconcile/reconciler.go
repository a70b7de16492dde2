package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"creditgate/gateway"
	"creditgate/idempotency"
	"creditgate/ledger"
	"creditgate/models"
	"creditgate/observability"
	"creditgate/observability/logging"
)

var (
	// ErrPaymentNotFound indicates no payment matches the given reference.
	ErrPaymentNotFound = errors.New("reconcile: payment not found")
	// ErrUnknownPlan indicates the plan code is not in the catalog.
	ErrUnknownPlan = errors.New("reconcile: unknown plan")
)

// Reconciler owns payment creation, gateway callback processing, and the
// repair paths for payments that captured money without granting credits.
type Reconciler struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	guard      *idempotency.Guard
	client     gateway.Client
	querier    gateway.Querier
	secret     []byte
	plans      map[string]models.Plan
	maxRetries int
	pendingTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.EngineMetrics

	// grantFn performs the credit grant; tests override it to inject
	// transient faults.
	grantFn func(ctx context.Context, payment *models.PaymentRecord) error
}

// Config captures the dependencies required to construct a reconciler.
type Config struct {
	DB     *gorm.DB
	Ledger *ledger.Ledger
	Guard  *idempotency.Guard
	Client gateway.Client
	// Querier is optional; when set, stale PENDING payments are checked
	// against the provider before being expired.
	Querier           gateway.Querier
	GatewaySecret     string
	Plans             map[string]models.Plan
	MaxCreditAttempts int
	PendingTTL        time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *observability.EngineMetrics
}

// New constructs a reconciler with sane defaults.
func New(cfg Config) *Reconciler {
	if cfg.MaxCreditAttempts <= 0 {
		cfg.MaxCreditAttempts = 5
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 24 * time.Hour
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
	r := &Reconciler{
		db:         cfg.DB,
		ledger:     cfg.Ledger,
		guard:      cfg.Guard,
		client:     cfg.Client,
		querier:    cfg.Querier,
		secret:     []byte(cfg.GatewaySecret),
		plans:      cfg.Plans,
		maxRetries: cfg.MaxCreditAttempts,
		pendingTTL: cfg.PendingTTL,
		now:        cfg.Now,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	r.grantFn = r.grantCredits
	return r
}

// PaymentIntent is returned from CreatePayment: the reference the client
// polls, the hosted checkout URL, and whether an earlier attempt was
// replayed.
type PaymentIntent struct {
	PaymentID uuid.UUID
	TxnRef    string
	PayURL    string
	Replayed  bool
}

// CreatePayment starts a purchase attempt guarded by the idempotency layer.
// Duplicate calls with the same (user, clientKey) return the same reference
// without creating a second payment.
func (r *Reconciler) CreatePayment(ctx context.Context, userID uuid.UUID, clientKey, planCode, clientIP string) (*PaymentIntent, error) {
	plan, ok := r.plans[planCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planCode)
	}
	outcome, err := r.guard.BeginPayment(ctx, userID, clientKey, planCode)
	if err != nil {
		return nil, err
	}
	if outcome.Replayed && outcome.Record.PaymentID != nil {
		var payment models.PaymentRecord
		if err := r.db.WithContext(ctx).First(&payment, "id = ?", *outcome.Record.PaymentID).Error; err != nil {
			return nil, err
		}
		payURL, err := r.client.BuildPayURL(gateway.PayURLRequest{
			TxnRef:    payment.ExternalTxnRef,
			Amount:    payment.Amount,
			OrderInfo: payment.PlanCode,
			ClientIP:  clientIP,
			CreatedAt: payment.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		return &PaymentIntent{PaymentID: payment.ID, TxnRef: payment.ExternalTxnRef, PayURL: payURL, Replayed: true}, nil
	}

	now := r.now()
	payment := models.PaymentRecord{
		ID:             uuid.New(),
		UserID:         userID,
		PlanCode:       plan.Code,
		Amount:         plan.PriceMinor,
		ExternalTxnRef: newTxnRef(now),
		Status:         models.PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(&payment).Error; err != nil {
		return nil, err
	}
	if err := r.guard.LinkPayment(ctx, outcome.Record.ScopedKey, payment.ID); err != nil {
		return nil, err
	}
	payURL, err := r.client.BuildPayURL(gateway.PayURLRequest{
		TxnRef:    payment.ExternalTxnRef,
		Amount:    payment.Amount,
		OrderInfo: payment.PlanCode,
		ClientIP:  clientIP,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	return &PaymentIntent{PaymentID: payment.ID, TxnRef: payment.ExternalTxnRef, PayURL: payURL}, nil
}

// ProcessCallback verifies and applies one gateway callback, returning the
// provider response pair. The gateway retries delivery on anything but the
// accept code, so every handled condition maps to a provider code rather
// than an HTTP error.
func (r *Reconciler) ProcessCallback(ctx context.Context, values url.Values) gateway.IPNResponse {
	supplied := values.Get("pay_SecureHash")
	if err := gateway.Verify(values, supplied, r.secret); err != nil {
		// Security event: reject outright, mutate nothing.
		r.logger.Error("callback signature rejected", "error", err,
			"txn_ref", values.Get("pay_TxnRef"),
			logging.MaskField("supplied_hash", supplied))
		r.metrics.RecordCallback("bad_signature")
		return gateway.IPNResponse{RspCode: gateway.RspInvalidChecksum, Message: "Invalid checksum"}
	}
	params, err := gateway.ParseCallback(values)
	if err != nil {
		r.logger.Warn("callback payload invalid", "error", err)
		r.metrics.RecordCallback("bad_payload")
		return gateway.IPNResponse{RspCode: gateway.RspUnknownError, Message: "Invalid payload"}
	}

	var payment models.PaymentRecord
	err = r.db.WithContext(ctx).First(&payment, "external_txn_ref = ?", params.TxnRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.metrics.RecordCallback("order_not_found")
		return gateway.IPNResponse{RspCode: gateway.RspOrderNotFound, Message: "Order not found"}
	}
	if err != nil {
		r.logger.Error("callback payment load failed", "error", err, "txn_ref", params.TxnRef)
		r.metrics.RecordCallback("error")
		return gateway.IPNResponse{RspCode: gateway.RspUnknownError, Message: "Internal error"}
	}

	// Duplicate or late callbacks for a settled payment are reported as
	// already confirmed so the gateway stops retrying.
	if payment.Status != models.PaymentPending {
		r.metrics.RecordCallback("duplicate")
		return gateway.IPNResponse{RspCode: gateway.RspAlreadyConfirmed, Message: "Order already confirmed"}
	}

	if !params.Success() {
		if !r.transition(ctx, payment.ID, models.PaymentPending, models.PaymentFailed, func(updates map[string]any) {
			updates["transaction_no"] = params.TransactionNo
			updates["bank_code"] = params.BankCode
		}) {
			r.metrics.RecordCallback("duplicate")
			return gateway.IPNResponse{RspCode: gateway.RspAlreadyConfirmed, Message: "Order already confirmed"}
		}
		if err := r.guard.SettleByPayment(ctx, payment.ID, models.IdempotencyFailed); err != nil {
			r.logger.Error("settle idempotency record failed", "error", err, "payment_id", payment.ID)
		}
		r.metrics.RecordCallback("failed")
		return gateway.IPNResponse{RspCode: gateway.RspAccept, Message: "Confirm success"}
	}

	// One concurrent callback wins the PENDING -> PAID transition; the rest
	// observe a non-pending row and answer already-confirmed.
	paidAt := r.now()
	if !r.transition(ctx, payment.ID, models.PaymentPending, models.PaymentPaid, func(updates map[string]any) {
		updates["paid_at"] = paidAt
		updates["transaction_no"] = params.TransactionNo
		updates["bank_code"] = params.BankCode
		updates["card_type"] = params.CardType
	}) {
		r.metrics.RecordCallback("duplicate")
		return gateway.IPNResponse{RspCode: gateway.RspAlreadyConfirmed, Message: "Order already confirmed"}
	}

	if err := r.grantFn(ctx, &payment); err != nil {
		// Money is captured but credits are not granted: park the payment
		// in PAID_CREDIT_FAILED for the retry job instead of failing the
		// gateway notification.
		r.logger.Error("credit grant failed after capture", "error", err, "payment_id", payment.ID, "txn_ref", payment.ExternalTxnRef)
		r.transition(ctx, payment.ID, models.PaymentPaid, models.PaymentPaidCreditFailed, nil)
		r.metrics.RecordCallback("credit_failed")
		return gateway.IPNResponse{RspCode: gateway.RspAccept, Message: "Confirm success"}
	}
	r.transition(ctx, payment.ID, models.PaymentPaid, models.PaymentCredited, nil)
	if err := r.guard.SettleByPayment(ctx, payment.ID, models.IdempotencySuccess); err != nil {
		r.logger.Error("settle idempotency record failed", "error", err, "payment_id", payment.ID)
	}
	r.metrics.RecordCallback("credited")
	return gateway.IPNResponse{RspCode: gateway.RspAccept, Message: "Confirm success"}
}

// RetryFailedCredits re-attempts the credit grant for a bounded batch of
// PAID_CREDIT_FAILED payments below the retry ceiling. One payment's failure
// never aborts the rest of the batch. Returns the number of payments
// credited this run.
func (r *Reconciler) RetryFailedCredits(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 20
	}
	var stuck []models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND credit_retry_count < ?", models.PaymentPaidCreditFailed, r.maxRetries).
		Order("updated_at").
		Limit(batchSize).
		Find(&stuck).Error
	if err != nil {
		return 0, err
	}
	credited := 0
	for i := range stuck {
		payment := stuck[i]
		if err := r.grantFn(ctx, &payment); err != nil {
			r.metrics.RecordCreditRetry("failed")
			retryCount := payment.CreditRetryCount + 1
			if retryCount >= r.maxRetries {
				// Terminal fail-safe: money captured, credits not granted,
				// retries exhausted. Manual operator action required.
				r.transition(ctx, payment.ID, models.PaymentPaidCreditFailed, models.PaymentNeedsReview, func(updates map[string]any) {
					updates["credit_retry_count"] = retryCount
				})
				r.logger.Error("payment needs manual review: credit retries exhausted",
					"payment_id", payment.ID, "txn_ref", payment.ExternalTxnRef, "attempts", retryCount, "error", err)
				r.metrics.RecordCreditRetry("needs_review")
				continue
			}
			if dbErr := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
				Where("id = ? AND status = ?", payment.ID, models.PaymentPaidCreditFailed).
				Updates(map[string]any{"credit_retry_count": retryCount, "updated_at": now}).Error; dbErr != nil {
				r.logger.Error("credit retry bookkeeping failed", "error", dbErr, "payment_id", payment.ID)
			}
			r.logger.Warn("credit grant retry failed", "payment_id", payment.ID, "attempt", retryCount, "error", err)
			continue
		}
		if r.transition(ctx, payment.ID, models.PaymentPaidCreditFailed, models.PaymentCredited, nil) {
			credited++
			r.metrics.RecordCreditRetry("credited")
			if err := r.guard.SettleByPayment(ctx, payment.ID, models.IdempotencySuccess); err != nil {
				r.logger.Error("settle idempotency record failed", "error", err, "payment_id", payment.ID)
			}
		}
	}
	if credited > 0 {
		r.metrics.RecordSweep("credit_retry", credited)
	}
	return credited, nil
}

// ExpireStalePayments terminates PENDING payments older than the pending TTL
// so abandoned checkouts stop blocking their idempotency keys. With a querier
// configured, each payment is first checked against the provider: captured
// money with a lost callback is settled through the normal grant path instead
// of being voided. Returns the number of payments repaired.
func (r *Reconciler) ExpireStalePayments(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := now.Add(-r.pendingTTL)
	var stale []models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.PaymentPending, cutoff).
		Order("created_at").
		Limit(batchSize).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	repaired := 0
	for i := range stale {
		payment := stale[i]
		if r.querier != nil {
			status, err := r.querier.QueryTransaction(ctx, payment.ExternalTxnRef)
			if err != nil {
				// Provider unreachable or reply unverifiable: leave the row
				// for the next run rather than void money we cannot rule out.
				r.logger.Error("stale payment query failed", "error", err, "txn_ref", payment.ExternalTxnRef)
				continue
			}
			if status.Captured() {
				if r.recoverCapturedPayment(ctx, &payment, status, now) {
					repaired++
				}
				continue
			}
		}
		if !r.transition(ctx, payment.ID, models.PaymentPending, models.PaymentExpired, nil) {
			continue
		}
		repaired++
		if err := r.guard.SettleByPayment(ctx, payment.ID, models.IdempotencyExpired); err != nil {
			r.logger.Error("settle idempotency record failed", "error", err, "payment_id", payment.ID)
		}
	}
	if repaired > 0 {
		r.metrics.RecordSweep("payment_expiry", repaired)
	}
	return repaired, nil
}

// recoverCapturedPayment settles a payment whose callback never arrived but
// whose money the provider reports as captured.
func (r *Reconciler) recoverCapturedPayment(ctx context.Context, payment *models.PaymentRecord, status *gateway.TxnStatus, now time.Time) bool {
	r.logger.Warn("recovering captured payment with lost callback",
		"payment_id", payment.ID, "txn_ref", payment.ExternalTxnRef)
	if !r.transition(ctx, payment.ID, models.PaymentPending, models.PaymentPaid, func(updates map[string]any) {
		updates["paid_at"] = now
		updates["transaction_no"] = status.TransactionNo
	}) {
		return false
	}
	if err := r.grantFn(ctx, payment); err != nil {
		r.logger.Error("credit grant failed after capture", "error", err, "payment_id", payment.ID, "txn_ref", payment.ExternalTxnRef)
		r.transition(ctx, payment.ID, models.PaymentPaid, models.PaymentPaidCreditFailed, nil)
		return true
	}
	r.transition(ctx, payment.ID, models.PaymentPaid, models.PaymentCredited, nil)
	if err := r.guard.SettleByPayment(ctx, payment.ID, models.IdempotencySuccess); err != nil {
		r.logger.Error("settle idempotency record failed", "error", err, "payment_id", payment.ID)
	}
	r.metrics.RecordCallback("recovered")
	return true
}

// PaymentByRef loads a payment by its external transaction reference.
func (r *Reconciler) PaymentByRef(ctx context.Context, txnRef string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := r.db.WithContext(ctx).First(&payment, "external_txn_ref = ?", txnRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, txnRef)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// grantCredits applies the plan entitlement for a captured payment.
func (r *Reconciler) grantCredits(ctx context.Context, payment *models.PaymentRecord) error {
	plan, ok := r.plans[payment.PlanCode]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, payment.PlanCode)
	}
	var expiry *time.Time
	if plan.ValidityDays > 0 {
		e := r.now().AddDate(0, 0, plan.ValidityDays)
		expiry = &e
	}
	return r.ledger.Grant(ctx, payment.UserID, plan.ChatCredits, plan.QuizCredits, plan.Code, expiry)
}

// transition performs the status-gated compare-and-set that serializes all
// payment state changes. Returns false when another writer already moved the
// row out of the expected status.
func (r *Reconciler) transition(ctx context.Context, id uuid.UUID, from, to models.PaymentStatus, decorate func(map[string]any)) bool {
	updates := map[string]any{"status": to, "updated_at": r.now()}
	if decorate != nil {
		decorate(updates)
	}
	result := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		r.logger.Error("payment transition failed", "error", result.Error, "payment_id", id, "from", from, "to", to)
		return false
	}
	return result.RowsAffected == 1
}

func newTxnRef(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return "ORD" + now.UTC().Format("20060102") + suffix
}
