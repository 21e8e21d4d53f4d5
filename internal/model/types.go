package model

import (
	"time"
)

// SubscriptionRequest is the create payload for a webhook subscription.
type SubscriptionRequest struct {
	URL    string   `json:"url" validate:"required,url,startswith=http"`
	Events []string `json:"events" validate:"required,min=1,dive,required"`
	// Secret is optional; a random one is generated when empty.
	Secret string `json:"secret,omitempty"`
}

// SubscriptionPatch carries a partial update. Nil fields are left untouched.
type SubscriptionPatch struct {
	URL      *string   `json:"url,omitempty" validate:"omitempty,url,startswith=http"`
	Events   *[]string `json:"events,omitempty" validate:"omitempty,min=1,dive,required"`
	Secret   *string   `json:"secret,omitempty"`
	IsActive *bool     `json:"isActive,omitempty"`
}

// Subscription is a merchant's registration of a URL for a set of event types.
// Secret is never serialized; it is handed out once through SubscriptionWithSecret.
type Subscription struct {
	ID              string      `json:"id"`
	MerchantID      string      `json:"merchantId"`
	URL             string      `json:"url"`
	Events          []EventType `json:"events"`
	Secret          string      `json:"-"`
	IsActive        bool        `json:"isActive"`
	FailureCount    int         `json:"failureCount"`
	LastTriggeredAt *time.Time  `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Subscribed reports whether t is in the subscription's event set.
func (s Subscription) Subscribed(t EventType) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// SubscriptionWithSecret is returned on creation and secret rotation only.
type SubscriptionWithSecret struct {
	Subscription
	Secret string `json:"secret"`
}

type DeliveryStatus string

const (
	// DeliveryPending marks a record waiting for its next retry.
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further processing happens for the status.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// DeliveryRecord tracks every attempt to deliver one event to one subscription.
type DeliveryRecord struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscriptionId"`
	MerchantID     string         `json:"merchantId"`
	EventID        string         `json:"eventId"`
	EventType      EventType      `json:"eventType"`
	EventData      map[string]any `json:"eventData"`
	EventCreated   int64          `json:"eventCreated"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	ResponseCode   *int           `json:"responseCode,omitempty"`
	ResponseBody   string         `json:"responseBody,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Event rebuilds the immutable event embedded in the record.
func (d DeliveryRecord) Event() Event {
	return Event{ID: d.EventID, Type: d.EventType, Data: d.EventData, Created: d.EventCreated}
}

// EventRequest is the trigger payload accepted from payment-intent transitions.
type EventRequest struct {
	Type string         `json:"type" validate:"required"`
	Data map[string]any `json:"data"`
}
