package store

import (
	"context"
	"errors"
	"time"

	"payverify/internal/model"
)

// Store is the persistence interface used by the webhook subsystem and the API server.
type Store interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, sub model.Subscription) error
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context, merchantID, cursor string, limit int) ([]model.Subscription, string, error)
	// UpdateSubscription writes the editable fields (url, events, secret, active flag).
	// Health fields belong to RecordSubscriptionAttempt and are left alone, except
	// that re-activating an inactive subscription resets its failure count.
	UpdateSubscription(ctx context.Context, sub model.Subscription) error
	// DeleteSubscription removes the subscription and all of its delivery records.
	DeleteSubscription(ctx context.Context, merchantID, id string) error
	// GetSubscriptionsForEvent returns active subscriptions of the merchant that include eventType.
	GetSubscriptionsForEvent(ctx context.Context, merchantID string, eventType model.EventType) ([]model.Subscription, error)
	// RecordSubscriptionAttempt resets (success) or increments (failure) the failure counter
	// and stamps the last-triggered time.
	RecordSubscriptionAttempt(ctx context.Context, id string, success bool, at time.Time) error

	// Webhook deliveries
	InsertDelivery(ctx context.Context, d model.DeliveryRecord) error
	GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error)
	// UpdateDelivery persists d and releases any claim on it. Delivered records and
	// updates that would lower the attempt count are rejected with ErrStaleDelivery.
	UpdateDelivery(ctx context.Context, d model.DeliveryRecord) error
	// ClaimDueDeliveries atomically leases pending records whose next retry is due.
	ClaimDueDeliveries(ctx context.Context, q ClaimQuery) ([]model.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, string, error)

	Ping(ctx context.Context) error
}

// ClaimQuery selects due deliveries. Records claimed by another sweep whose lease
// has not lapsed are skipped.
type ClaimQuery struct {
	Now         time.Time
	Lease       time.Duration
	MaxAttempts int
	Limit       int
}

// DeliveryFilter pages through delivery history, newest first.
type DeliveryFilter struct {
	MerchantID     string
	SubscriptionID string
	Status         model.DeliveryStatus
	Cursor         string
	Limit          int
}

var (
	ErrNotFound          = errors.New("not found")
	ErrStaleDelivery     = errors.New("delivery record is finalized or stale")
	ErrDuplicateDelivery = errors.New("delivery already recorded for event and subscription")
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}
