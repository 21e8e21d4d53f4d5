package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"payverify/internal/logging"
	"payverify/internal/metrics"
	"payverify/internal/model"
	"payverify/internal/store"
)

// Publisher fans one event out to every matching subscription.
type Publisher struct {
	registry    *Registry
	dispatcher  *Dispatcher
	ledger      *Ledger
	concurrency int
	now         func() time.Time
	wg          sync.WaitGroup
}

func NewPublisher(r *Registry, d *Dispatcher, l *Ledger, concurrency int) *Publisher {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Publisher{registry: r, dispatcher: d, ledger: l, concurrency: concurrency, now: time.Now}
}

// NewEvent stamps a fresh event id and creation time.
func (p *Publisher) NewEvent(t model.EventType, data map[string]any) model.Event {
	return model.Event{ID: "evt_" + uuid.NewString(), Type: t, Data: data, Created: p.now().Unix()}
}

// Notify delivers the event to every active subscription of the merchant that
// includes its type and waits for all attempts to settle. Failures are logged;
// nothing is returned to the caller.
func (p *Publisher) Notify(ctx context.Context, merchantID string, t model.EventType, data map[string]any) model.Event {
	ev := p.NewEvent(t, data)
	p.Publish(ctx, merchantID, ev)
	return ev
}

// Publish fans out an already constructed event.
func (p *Publisher) Publish(ctx context.Context, merchantID string, ev model.Event) {
	log := logging.With("webhooks").With().Str("merchant_id", merchantID).Str("event_id", ev.ID).Str("event_type", string(ev.Type)).Logger()
	subs, err := p.registry.FindActiveForEvent(ctx, merchantID, ev.Type)
	if err != nil {
		log.Error().Err(err).Msg("resolve subscriptions")
		return
	}
	if len(subs) == 0 {
		log.Debug().Msg("no subscriptions for event")
		return
	}
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			p.deliverOne(ctx, sub, ev)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Publisher) deliverOne(ctx context.Context, sub model.Subscription, ev model.Event) {
	log := logging.With("webhooks").With().Str("subscription_id", sub.ID).Str("event_id", ev.ID).Logger()
	o := p.dispatcher.Deliver(ctx, sub, ev)
	if o.Skipped {
		log.Debug().Str("reason", o.Error).Msg("delivery skipped")
		return
	}
	now := p.now().UTC()
	rec, err := p.ledger.Record(ctx, sub, ev, o, now)
	if err != nil {
		metrics.WebhookPersistErrors.Inc()
		if errors.Is(err, store.ErrDuplicateDelivery) {
			log.Warn().Msg("delivery already recorded")
		} else {
			log.Error().Err(err).Bool("success", o.Success).Msg("persist delivery outcome")
		}
	} else if !o.Success {
		e := log.Warn().Str("delivery_id", rec.ID).Int("attempts", rec.Attempts).Str("status", string(rec.Status)).Str("error", o.Error)
		if rec.NextRetryAt != nil {
			e = e.Time("next_retry_at", *rec.NextRetryAt)
		}
		e.Msg("webhook delivery failed")
	}
	if err := p.registry.RecordOutcome(ctx, sub.ID, o.Success, now); err != nil {
		log.Error().Err(err).Msg("record subscription health")
	}
}

// NotifyAsync runs Notify in the background, detached from ctx cancellation
// so the triggering request can return immediately.
func (p *Publisher) NotifyAsync(ctx context.Context, merchantID string, t model.EventType, data map[string]any) model.Event {
	ev := p.NewEvent(t, data)
	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Publish(detached, merchantID, ev)
	}()
	return ev
}

// Wait blocks until background notifications finish or ctx is done.
func (p *Publisher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
