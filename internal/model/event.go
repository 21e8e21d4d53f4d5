// Package model holds the webhook domain types shared by the store, the
// delivery subsystem and the HTTP API.
package model

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// EventType is the closed catalog of payment-intent notifications.
type EventType string

const (
	EventPaymentIntentCreated   EventType = "payment_intent.created"
	EventPaymentIntentConfirmed EventType = "payment_intent.confirmed"
	EventPaymentIntentFailed    EventType = "payment_intent.failed"
	EventPaymentIntentExpired   EventType = "payment_intent.expired"
)

// EventTypes lists the catalog in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventPaymentIntentCreated,
		EventPaymentIntentConfirmed,
		EventPaymentIntentFailed,
		EventPaymentIntentExpired,
	}
}

func (t EventType) Valid() bool {
	switch t {
	case EventPaymentIntentCreated, EventPaymentIntentConfirmed, EventPaymentIntentFailed, EventPaymentIntentExpired:
		return true
	}
	return false
}

func (t EventType) String() string { return string(t) }

// ParseEventType maps a wire name onto the catalog.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// ParseEventTypes parses and deduplicates a list of wire names, keeping order.
func ParseEventTypes(names []string) ([]EventType, error) {
	out := make([]EventType, 0, len(names))
	seen := make(map[EventType]struct{}, len(names))
	for _, n := range names {
		t, err := ParseEventType(n)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func (t *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is the immutable notification sent to subscribers. Field order is the
// wire order and must not change: signatures are computed over the encoding.
type Event struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	Data    map[string]any `json:"data"`
	Created int64          `json:"created"`
}

// Encode returns the canonical JSON body for the event. Map keys are sorted.
func (e Event) Encode() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(Event{ID: e.ID, Type: e.Type, Data: data, Created: e.Created})
}
