package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"payverify/internal/model"
	"payverify/internal/store"
)

// ErrInvalidSubscription wraps every validation failure of Create and Update.
var ErrInvalidSubscription = errors.New("invalid subscription")

const (
	// MinSecretLength is the shortest custom secret accepted.
	MinSecretLength = 32
	secretBytes     = 32
)

// Registry manages merchant subscriptions on top of the store.
type Registry struct {
	store    store.Store
	validate *validator.Validate
	now      func() time.Time
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, validate: validator.New(validator.WithRequiredStructEnabled()), now: time.Now}
}

// FindActiveForEvent returns the merchant's active subscriptions that include t.
func (r *Registry) FindActiveForEvent(ctx context.Context, merchantID string, t model.EventType) ([]model.Subscription, error) {
	return r.store.GetSubscriptionsForEvent(ctx, merchantID, t)
}

// Get returns a subscription owned by merchantID; other merchants' ids are not found.
func (r *Registry) Get(ctx context.Context, merchantID, id string) (model.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return model.Subscription{}, err
	}
	if sub.MerchantID != merchantID {
		return model.Subscription{}, store.ErrNotFound
	}
	return sub, nil
}

// Lookup fetches a subscription by id regardless of owner.
func (r *Registry) Lookup(ctx context.Context, id string) (model.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

func (r *Registry) List(ctx context.Context, merchantID, cursor string, limit int) ([]model.Subscription, string, error) {
	return r.store.ListSubscriptions(ctx, merchantID, cursor, limit)
}

func (r *Registry) Create(ctx context.Context, merchantID string, req model.SubscriptionRequest) (model.SubscriptionWithSecret, error) {
	if err := r.validate.Struct(req); err != nil {
		return model.SubscriptionWithSecret{}, invalid(err)
	}
	if err := checkURL(req.URL); err != nil {
		return model.SubscriptionWithSecret{}, err
	}
	events, err := model.ParseEventTypes(req.Events)
	if err != nil {
		return model.SubscriptionWithSecret{}, invalid(err)
	}
	secret := req.Secret
	if secret == "" {
		if secret, err = GenerateSecret(); err != nil {
			return model.SubscriptionWithSecret{}, err
		}
	} else if err := checkSecret(secret); err != nil {
		return model.SubscriptionWithSecret{}, err
	}
	now := r.now().UTC()
	sub := model.Subscription{
		ID:         "whsub_" + uuid.NewString(),
		MerchantID: merchantID,
		URL:        req.URL,
		Events:     events,
		Secret:     secret,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return model.SubscriptionWithSecret{}, fmt.Errorf("create subscription: %w", err)
	}
	return model.SubscriptionWithSecret{Subscription: sub, Secret: secret}, nil
}

// Update applies a partial change. Re-activating a subscription clears its failure count.
func (r *Registry) Update(ctx context.Context, merchantID, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	if err := r.validate.Struct(patch); err != nil {
		return model.Subscription{}, invalid(err)
	}
	sub, err := r.Get(ctx, merchantID, id)
	if err != nil {
		return model.Subscription{}, err
	}
	if patch.URL != nil {
		if err := checkURL(*patch.URL); err != nil {
			return model.Subscription{}, err
		}
		sub.URL = *patch.URL
	}
	if patch.Events != nil {
		events, err := model.ParseEventTypes(*patch.Events)
		if err != nil {
			return model.Subscription{}, invalid(err)
		}
		sub.Events = events
	}
	if patch.Secret != nil {
		if err := checkSecret(*patch.Secret); err != nil {
			return model.Subscription{}, err
		}
		sub.Secret = *patch.Secret
	}
	if patch.IsActive != nil {
		sub.IsActive = *patch.IsActive
	}
	sub.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return model.Subscription{}, fmt.Errorf("update subscription: %w", err)
	}
	return r.store.GetSubscription(ctx, id)
}

// Delete removes the subscription together with its delivery history.
func (r *Registry) Delete(ctx context.Context, merchantID, id string) error {
	return r.store.DeleteSubscription(ctx, merchantID, id)
}

// RegenerateSecret replaces the secret; the old one stops signing immediately.
func (r *Registry) RegenerateSecret(ctx context.Context, merchantID, id string) (model.SubscriptionWithSecret, error) {
	sub, err := r.Get(ctx, merchantID, id)
	if err != nil {
		return model.SubscriptionWithSecret{}, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return model.SubscriptionWithSecret{}, err
	}
	sub.Secret = secret
	sub.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return model.SubscriptionWithSecret{}, fmt.Errorf("rotate secret: %w", err)
	}
	if sub, err = r.store.GetSubscription(ctx, id); err != nil {
		return model.SubscriptionWithSecret{}, err
	}
	return model.SubscriptionWithSecret{Subscription: sub, Secret: secret}, nil
}

// RecordOutcome updates subscription health after a delivery attempt.
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	return r.store.RecordSubscriptionAttempt(ctx, id, success, at)
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidSubscription)
	}
	return nil
}

func checkSecret(s string) error {
	if len(strings.TrimSpace(s)) < MinSecretLength {
		return fmt.Errorf("%w: secret must be at least %d characters", ErrInvalidSubscription, MinSecretLength)
	}
	return nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubscription, err.Error())
}
