package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payverify/internal/model"
)

// runStoreSuite exercises a Store implementation against the shared contract.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SubscriptionCRUD", func(t *testing.T) { testSubscriptionCRUD(t, newStore(t)) })
	t.Run("SubscriptionsForEvent", func(t *testing.T) { testSubscriptionsForEvent(t, newStore(t)) })
	t.Run("RecordAttempt", func(t *testing.T) { testRecordAttempt(t, newStore(t)) })
	t.Run("UpdateKeepsHealth", func(t *testing.T) { testUpdateKeepsHealth(t, newStore(t)) })
	t.Run("DeliveryInsertAndUpdate", func(t *testing.T) { testDeliveryInsertAndUpdate(t, newStore(t)) })
	t.Run("ClaimDue", func(t *testing.T) { testClaimDue(t, newStore(t)) })
	t.Run("ClaimConcurrent", func(t *testing.T) { testClaimConcurrent(t, newStore(t)) })
	t.Run("ListDeliveries", func(t *testing.T) { testListDeliveries(t, newStore(t)) })
	t.Run("CascadeDelete", func(t *testing.T) { testCascadeDelete(t, newStore(t)) })
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newSub(id, merchant string, events ...model.EventType) model.Subscription {
	return model.Subscription{
		ID: id, MerchantID: merchant, URL: "https://example.test/hook/" + id,
		Events: events, Secret: "s3cret-" + id, IsActive: true,
		CreatedAt: t0, UpdatedAt: t0,
	}
}

func newDelivery(id string, sub model.Subscription, eventID string) model.DeliveryRecord {
	return model.DeliveryRecord{
		ID: id, SubscriptionID: sub.ID, MerchantID: sub.MerchantID,
		EventID: eventID, EventType: model.EventPaymentIntentCreated,
		EventData: map[string]any{"intent_id": "pi_1"}, EventCreated: t0.Unix(),
		Status: model.DeliveryPending, CreatedAt: t0, UpdatedAt: t0,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt(i int) *int              { return &i }

func testSubscriptionCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSub("sub_a", "m1", model.EventPaymentIntentCreated, model.EventPaymentIntentFailed)
	require.NoError(t, s.CreateSubscription(ctx, sub))
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub_b", "m1", model.EventPaymentIntentExpired)))
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub_c", "m2", model.EventPaymentIntentExpired)))

	got, err := s.GetSubscription(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
	assert.Equal(t, sub.Events, got.Events)
	assert.Equal(t, sub.Secret, got.Secret)
	assert.True(t, got.IsActive)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = s.GetSubscription(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	page, next, err := s.ListSubscriptions(ctx, "m1", "", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "sub_a", page[0].ID)
	assert.Equal(t, "sub_a", next)
	page, next, err = s.ListSubscriptions(ctx, "m1", next, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "sub_b", page[0].ID)
	assert.Empty(t, next)

	got.IsActive = false
	got.URL = "https://example.test/other"
	got.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, s.UpdateSubscription(ctx, got))
	again, err := s.GetSubscription(ctx, "sub_a")
	require.NoError(t, err)
	assert.False(t, again.IsActive)
	assert.Equal(t, "https://example.test/other", again.URL)

	assert.ErrorIs(t, s.UpdateSubscription(ctx, newSub("nope", "m1")), ErrNotFound)
	assert.ErrorIs(t, s.DeleteSubscription(ctx, "m2", "sub_a"), ErrNotFound)
	require.NoError(t, s.DeleteSubscription(ctx, "m1", "sub_a"))
	_, err = s.GetSubscription(ctx, "sub_a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSubscriptionsForEvent(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub_1", "m1", model.EventPaymentIntentConfirmed)))
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub_2", "m1", model.EventPaymentIntentConfirmed, model.EventPaymentIntentFailed)))
	inactive := newSub("sub_3", "m1", model.EventPaymentIntentConfirmed)
	inactive.IsActive = false
	require.NoError(t, s.CreateSubscription(ctx, inactive))
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub_4", "m2", model.EventPaymentIntentConfirmed)))

	subs, err := s.GetSubscriptionsForEvent(ctx, "m1", model.EventPaymentIntentConfirmed)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub_1", subs[0].ID)
	assert.Equal(t, "sub_2", subs[1].ID)

	subs, err = s.GetSubscriptionsForEvent(ctx, "m1", model.EventPaymentIntentExpired)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func testRecordAttempt(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub_r", "m1", model.EventPaymentIntentCreated)))
	at := t0.Add(time.Hour)
	require.NoError(t, s.RecordSubscriptionAttempt(ctx, "sub_r", false, at))
	require.NoError(t, s.RecordSubscriptionAttempt(ctx, "sub_r", false, at))
	got, err := s.GetSubscription(ctx, "sub_r")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailureCount)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(at))

	require.NoError(t, s.RecordSubscriptionAttempt(ctx, "sub_r", true, at))
	got, err = s.GetSubscription(ctx, "sub_r")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)

	assert.ErrorIs(t, s.RecordSubscriptionAttempt(ctx, "missing", true, at), ErrNotFound)
}

func testUpdateKeepsHealth(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub_h", "m1", model.EventPaymentIntentCreated)))

	// An outcome recorded between reading and writing back an edit survives it.
	stale, err := s.GetSubscription(ctx, "sub_h")
	require.NoError(t, err)
	at := t0.Add(time.Hour)
	require.NoError(t, s.RecordSubscriptionAttempt(ctx, "sub_h", false, at))
	stale.URL = "https://example.test/moved"
	stale.UpdatedAt = at.Add(time.Second)
	require.NoError(t, s.UpdateSubscription(ctx, stale))

	got, err := s.GetSubscription(ctx, "sub_h")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/moved", got.URL)
	assert.Equal(t, 1, got.FailureCount)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(at))

	// Staying active keeps the count; an inactive to active flip resets it.
	require.NoError(t, s.UpdateSubscription(ctx, got))
	got, err = s.GetSubscription(ctx, "sub_h")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)

	got.IsActive = false
	require.NoError(t, s.UpdateSubscription(ctx, got))
	require.NoError(t, s.RecordSubscriptionAttempt(ctx, "sub_h", false, at))
	got, err = s.GetSubscription(ctx, "sub_h")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailureCount)

	got.IsActive = true
	require.NoError(t, s.UpdateSubscription(ctx, got))
	got, err = s.GetSubscription(ctx, "sub_h")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Zero(t, got.FailureCount)
	require.NotNil(t, got.LastTriggeredAt)
}

func testDeliveryInsertAndUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSub("sub_d", "m1", model.EventPaymentIntentCreated)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	d := newDelivery("dlv_1", sub, "evt_1")
	require.NoError(t, s.InsertDelivery(ctx, d))
	assert.ErrorIs(t, s.InsertDelivery(ctx, newDelivery("dlv_2", sub, "evt_1")), ErrDuplicateDelivery)
	orphan := newDelivery("dlv_3", newSub("ghost", "m1"), "evt_9")
	assert.ErrorIs(t, s.InsertDelivery(ctx, orphan), ErrNotFound)

	d.Attempts = 1
	d.ResponseCode = ptrInt(500)
	d.ResponseBody = "boom"
	d.NextRetryAt = ptrTime(t0.Add(time.Minute))
	d.UpdatedAt = t0.Add(time.Second)
	require.NoError(t, s.UpdateDelivery(ctx, d))

	got, err := s.GetDelivery(ctx, "dlv_1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ResponseCode)
	assert.Equal(t, 500, *got.ResponseCode)
	assert.Equal(t, "boom", got.ResponseBody)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, "pi_1", got.EventData["intent_id"])

	stale := got
	stale.Attempts = 0
	assert.ErrorIs(t, s.UpdateDelivery(ctx, stale), ErrStaleDelivery)

	got.Attempts = 2
	got.Status = model.DeliveryDelivered
	got.ResponseCode = ptrInt(200)
	got.NextRetryAt = nil
	got.DeliveredAt = ptrTime(t0.Add(2 * time.Minute))
	require.NoError(t, s.UpdateDelivery(ctx, got))

	got.Attempts = 3
	got.Status = model.DeliveryFailed
	assert.ErrorIs(t, s.UpdateDelivery(ctx, got), ErrStaleDelivery)
	final, err := s.GetDelivery(ctx, "dlv_1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, final.Status)
	assert.Nil(t, final.NextRetryAt)

	missing := got
	missing.ID = "dlv_missing"
	assert.ErrorIs(t, s.UpdateDelivery(ctx, missing), ErrNotFound)
	_, err = s.GetDelivery(ctx, "dlv_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testClaimDue(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSub("sub_c", "m1", model.EventPaymentIntentCreated)
	require.NoError(t, s.CreateSubscription(ctx, sub))

	due := newDelivery("dlv_due", sub, "evt_1")
	due.Attempts = 1
	due.NextRetryAt = ptrTime(t0.Add(-time.Minute))
	later := newDelivery("dlv_later", sub, "evt_2")
	later.Attempts = 1
	later.NextRetryAt = ptrTime(t0.Add(time.Hour))
	exhausted := newDelivery("dlv_exhausted", sub, "evt_3")
	exhausted.Attempts = 3
	exhausted.NextRetryAt = ptrTime(t0.Add(-time.Minute))
	failed := newDelivery("dlv_failed", sub, "evt_4")
	failed.Status = model.DeliveryFailed
	failed.Attempts = 3
	fresh := newDelivery("dlv_fresh", sub, "evt_5")
	for _, d := range []model.DeliveryRecord{due, later, exhausted, failed, fresh} {
		require.NoError(t, s.InsertDelivery(ctx, d))
	}

	q := ClaimQuery{Now: t0, Lease: 2 * time.Minute, MaxAttempts: 3, Limit: 10}
	claimed, err := s.ClaimDueDeliveries(ctx, q)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "dlv_due", claimed[0].ID)

	again, err := s.ClaimDueDeliveries(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, again, "leased record must not be claimed twice")

	q.Now = t0.Add(3 * time.Minute)
	expired, err := s.ClaimDueDeliveries(ctx, q)
	require.NoError(t, err)
	require.Len(t, expired, 1, "lapsed lease becomes claimable")

	rec := expired[0]
	rec.Attempts = 2
	rec.NextRetryAt = ptrTime(t0.Add(time.Hour))
	rec.UpdatedAt = q.Now
	require.NoError(t, s.UpdateDelivery(ctx, rec))
	q.Now = t0.Add(2 * time.Hour)
	released, err := s.ClaimDueDeliveries(ctx, q)
	require.NoError(t, err)
	assert.Len(t, released, 2, "update releases the lease")
}

func testClaimConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSub("sub_cc", "m1", model.EventPaymentIntentCreated)
	require.NoError(t, s.CreateSubscription(ctx, sub))
	const n = 20
	for i := 0; i < n; i++ {
		d := newDelivery(fmt.Sprintf("dlv_%02d", i), sub, fmt.Sprintf("evt_%02d", i))
		d.Attempts = 1
		d.NextRetryAt = ptrTime(t0.Add(-time.Second))
		require.NoError(t, s.InsertDelivery(ctx, d))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimDueDeliveries(ctx, ClaimQuery{Now: t0, Lease: time.Minute, MaxAttempts: 3, Limit: 7})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, d := range got {
				seen[d.ID]++
			}
		}()
	}
	wg.Wait()
	for id, c := range seen {
		assert.Equal(t, 1, c, "delivery %s claimed %d times", id, c)
	}
}

func testListDeliveries(t *testing.T, s Store) {
	ctx := context.Background()
	a := newSub("sub_la", "m1", model.EventPaymentIntentCreated)
	b := newSub("sub_lb", "m2", model.EventPaymentIntentCreated)
	require.NoError(t, s.CreateSubscription(ctx, a))
	require.NoError(t, s.CreateSubscription(ctx, b))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertDelivery(ctx, newDelivery(fmt.Sprintf("dlv_a%d", i), a, fmt.Sprintf("evt_%d", i))))
	}
	failed := newDelivery("dlv_b0", b, "evt_0")
	failed.Status = model.DeliveryFailed
	require.NoError(t, s.InsertDelivery(ctx, failed))

	page, next, err := s.ListDeliveries(ctx, DeliveryFilter{MerchantID: "m1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "dlv_a2", page[0].ID)
	assert.Equal(t, "dlv_a1", page[1].ID)
	assert.Equal(t, "dlv_a1", next)

	page, next, err = s.ListDeliveries(ctx, DeliveryFilter{MerchantID: "m1", Cursor: next, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "dlv_a0", page[0].ID)
	assert.Empty(t, next)

	page, _, err = s.ListDeliveries(ctx, DeliveryFilter{Status: model.DeliveryFailed})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "dlv_b0", page[0].ID)

	page, _, err = s.ListDeliveries(ctx, DeliveryFilter{SubscriptionID: "sub_la"})
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func testCascadeDelete(t *testing.T, s Store) {
	ctx := context.Background()
	sub := newSub("sub_x", "m1", model.EventPaymentIntentCreated)
	keep := newSub("sub_y", "m1", model.EventPaymentIntentCreated)
	require.NoError(t, s.CreateSubscription(ctx, sub))
	require.NoError(t, s.CreateSubscription(ctx, keep))
	require.NoError(t, s.InsertDelivery(ctx, newDelivery("dlv_x", sub, "evt_1")))
	require.NoError(t, s.InsertDelivery(ctx, newDelivery("dlv_y", keep, "evt_1")))

	require.NoError(t, s.DeleteSubscription(ctx, "m1", "sub_x"))
	_, err := s.GetDelivery(ctx, "dlv_x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDelivery(ctx, "dlv_y")
	assert.NoError(t, err)
}
