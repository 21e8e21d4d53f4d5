package webhooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payverify/internal/model"
	"payverify/internal/store"
)

type postCall struct {
	URL     string
	Body    []byte
	Headers map[string]string
	// CtxErr is the request context's error once the handler has answered.
	CtxErr error
}

// fakeTransport answers from handler and records every call.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []postCall
	handler func(url string) (Response, error)
}

func (f *fakeTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string, timeout time.Duration) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, postCall{URL: url, Body: body, Headers: headers})
	i := len(f.calls) - 1
	h := f.handler
	f.mu.Unlock()
	resp, err := Response{StatusCode: 200}, error(nil)
	if h != nil {
		resp, err = h(url)
	}
	f.mu.Lock()
	f.calls[i].CtxErr = ctx.Err()
	f.mu.Unlock()
	return resp, err
}

func (f *fakeTransport) setHandler(h func(url string) (Response, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if url == "" || c.URL == url {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store     *store.Memory
	transport *fakeTransport
	clock     *fakeClock
	registry  *Registry
	ledger    *Ledger
	publisher *Publisher
	worker    *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		transport: &fakeTransport{},
		clock:     &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.registry = NewRegistry(f.store)
	f.registry.now = f.clock.Now
	dispatcher := NewDispatcher(f.transport, DispatcherConfig{})
	f.ledger = NewLedger(f.store, LedgerConfig{})
	f.publisher = NewPublisher(f.registry, dispatcher, f.ledger, 4)
	f.publisher.now = f.clock.Now
	f.worker = NewWorker(f.registry, dispatcher, f.ledger, WorkerConfig{})
	f.worker.now = f.clock.Now
	return f
}

func (f *fixture) subscribe(t *testing.T, merchant, url string, events ...model.EventType) model.Subscription {
	t.Helper()
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = string(e)
	}
	sub, err := f.registry.Create(context.Background(), merchant, model.SubscriptionRequest{URL: url, Events: names})
	require.NoError(t, err)
	return sub.Subscription
}

func (f *fixture) deliveries(t *testing.T, subID string) []model.DeliveryRecord {
	t.Helper()
	recs, _, err := f.store.ListDeliveries(context.Background(), store.DeliveryFilter{SubscriptionID: subID})
	require.NoError(t, err)
	return recs
}

func (f *fixture) subscription(t *testing.T, id string) model.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func status(code int) func(string) (Response, error) {
	return func(string) (Response, error) { return Response{StatusCode: code, Body: []byte("status body")}, nil }
}

func historyFor(subID string) store.DeliveryFilter {
	return store.DeliveryFilter{SubscriptionID: subID}
}
