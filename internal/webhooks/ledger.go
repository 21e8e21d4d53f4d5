package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payverify/internal/metrics"
	"payverify/internal/model"
	"payverify/internal/store"
)

// Ledger records delivery attempts and hands due retries to the scheduler.
type Ledger struct {
	store  store.Store
	policy RetryPolicy
	lease  time.Duration
	batch  int
}

type LedgerConfig struct {
	Policy RetryPolicy
	// Lease is how long a claimed record stays invisible to other sweeps.
	Lease time.Duration
	Batch int
}

func NewLedger(s store.Store, cfg LedgerConfig) *Ledger {
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	cfg.Policy.MaxAttempts = cfg.Policy.maxAttempts()
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Ledger{store: s, policy: cfg.Policy, lease: cfg.Lease, batch: cfg.Batch}
}

func (l *Ledger) Policy() RetryPolicy { return l.policy }

// Record persists the first attempt of ev against sub.
func (l *Ledger) Record(ctx context.Context, sub model.Subscription, ev model.Event, o Outcome, now time.Time) (model.DeliveryRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	rec := model.DeliveryRecord{
		ID:             id.String(),
		SubscriptionID: sub.ID,
		MerchantID:     sub.MerchantID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		EventData:      ev.Data,
		EventCreated:   ev.Created,
		Status:         model.DeliveryPending,
		CreatedAt:      now,
	}
	rec = l.policy.Apply(rec, o, now)
	if err := l.store.InsertDelivery(ctx, rec); err != nil {
		return model.DeliveryRecord{}, fmt.Errorf("record delivery %s/%s: %w", ev.ID, sub.ID, err)
	}
	metrics.WebhookTransitions.WithLabelValues(string(rec.Status)).Inc()
	return rec, nil
}

// DueForRetry claims pending records whose next retry is at or before now.
func (l *Ledger) DueForRetry(ctx context.Context, now time.Time) ([]model.DeliveryRecord, error) {
	recs, err := l.store.ClaimDueDeliveries(ctx, store.ClaimQuery{
		Now:         now,
		Lease:       l.lease,
		MaxAttempts: l.policy.maxAttempts(),
		Limit:       l.batch,
	})
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	metrics.RetryClaimed.Add(float64(len(recs)))
	return recs, nil
}

// Update persists rec and releases its claim.
func (l *Ledger) Update(ctx context.Context, rec model.DeliveryRecord) error {
	if err := l.store.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("update delivery %s: %w", rec.ID, err)
	}
	metrics.WebhookTransitions.WithLabelValues(string(rec.Status)).Inc()
	return nil
}

// History lists a merchant's delivery records, newest first.
func (l *Ledger) History(ctx context.Context, f store.DeliveryFilter) ([]model.DeliveryRecord, string, error) {
	return l.store.ListDeliveries(ctx, f)
}
