package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"payverify/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu         sync.Mutex
	subs       map[string]model.Subscription // id -> subscription
	deliveries map[string]*memDelivery       // id -> delivery state
	byEventSub map[string]string             // eventId|subscriptionId -> delivery id
}

func NewMemory() *Memory {
	return &Memory{
		subs:       map[string]model.Subscription{},
		deliveries: map[string]*memDelivery{},
		byEventSub: map[string]string{},
	}
}

// memDelivery augments DeliveryRecord with the sweep lease.
type memDelivery struct {
	model.DeliveryRecord
	ClaimedUntil time.Time
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return model.Subscription{}, ErrNotFound
	}
	return cloneSubscription(s), nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, merchantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = pageSize(limit)
	var list []model.Subscription
	for _, s := range m.subs {
		if s.MerchantID == merchantID && s.ID > cursor {
			list = append(list, s)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	next := ""
	if len(list) > limit {
		list = list[:limit]
		next = list[limit-1].ID
	}
	out := make([]model.Subscription, 0, len(list))
	for _, s := range list {
		out = append(out, cloneSubscription(s))
	}
	return out, next, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, sub model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneSubscription(sub)
	next.MerchantID = cur.MerchantID
	next.CreatedAt = cur.CreatedAt
	next.FailureCount = cur.FailureCount
	next.LastTriggeredAt = copyTime(cur.LastTriggeredAt)
	if sub.IsActive && !cur.IsActive {
		next.FailureCount = 0
	}
	m.subs[sub.ID] = next
	return nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, merchantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.MerchantID != merchantID {
		return ErrNotFound
	}
	delete(m.subs, id)
	for did, d := range m.deliveries {
		if d.SubscriptionID == id {
			delete(m.deliveries, did)
			delete(m.byEventSub, d.EventID+"|"+d.SubscriptionID)
		}
	}
	return nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, merchantID string, eventType model.EventType) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range m.subs {
		if s.MerchantID == merchantID && s.IsActive && s.Subscribed(eventType) {
			out = append(out, cloneSubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RecordSubscriptionAttempt(ctx context.Context, id string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		s.FailureCount = 0
	} else {
		s.FailureCount++
	}
	s.LastTriggeredAt = &at
	s.UpdatedAt = at
	m.subs[id] = s
	return nil
}

// Webhook deliveries
func (m *Memory) InsertDelivery(ctx context.Context, d model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[d.SubscriptionID]; !ok {
		return ErrNotFound
	}
	key := d.EventID + "|" + d.SubscriptionID
	if _, dup := m.byEventSub[key]; dup {
		return ErrDuplicateDelivery
	}
	m.deliveries[d.ID] = &memDelivery{DeliveryRecord: cloneDelivery(d)}
	m.byEventSub[key] = d.ID
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	return cloneDelivery(d.DeliveryRecord), nil
}

func (m *Memory) UpdateDelivery(ctx context.Context, d model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status == model.DeliveryDelivered || d.Attempts < cur.Attempts {
		return ErrStaleDelivery
	}
	cur.Status = d.Status
	cur.Attempts = d.Attempts
	cur.ResponseCode = copyInt(d.ResponseCode)
	cur.ResponseBody = d.ResponseBody
	cur.ErrorMessage = d.ErrorMessage
	cur.NextRetryAt = copyTime(d.NextRetryAt)
	cur.DeliveredAt = copyTime(d.DeliveredAt)
	cur.UpdatedAt = d.UpdatedAt
	cur.ClaimedUntil = time.Time{}
	return nil
}

func (m *Memory) ClaimDueDeliveries(ctx context.Context, q ClaimQuery) ([]model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*memDelivery
	for _, d := range m.deliveries {
		if d.Status != model.DeliveryPending || d.Attempts >= q.MaxAttempts || d.NextRetryAt == nil {
			continue
		}
		if d.NextRetryAt.After(q.Now) || d.ClaimedUntil.After(q.Now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	out := make([]model.DeliveryRecord, 0, len(due))
	for _, d := range due {
		d.ClaimedUntil = q.Now.Add(q.Lease)
		out = append(out, cloneDelivery(d.DeliveryRecord))
	}
	return out, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := pageSize(f.Limit)
	var list []model.DeliveryRecord
	for _, d := range m.deliveries {
		if f.MerchantID != "" && d.MerchantID != f.MerchantID {
			continue
		}
		if f.SubscriptionID != "" && d.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Cursor != "" && d.ID >= f.Cursor {
			continue
		}
		list = append(list, d.DeliveryRecord)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	next := ""
	if len(list) > limit {
		list = list[:limit]
		next = list[limit-1].ID
	}
	out := make([]model.DeliveryRecord, 0, len(list))
	for _, d := range list {
		out = append(out, cloneDelivery(d))
	}
	return out, next, nil
}
