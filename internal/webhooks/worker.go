package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"payverify/internal/logging"
	"payverify/internal/metrics"
	"payverify/internal/model"
	"payverify/internal/store"
)

// ErrSweepInProgress is returned by Sweep when another sweep holds the lock.
var ErrSweepInProgress = errors.New("retry sweep already in progress")

// SweepStats summarizes one sweep.
type SweepStats struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Errors    int `json:"errors"`
}

type WorkerConfig struct {
	Interval    time.Duration
	Concurrency int
	// Lock defaults to an in-process LocalLock.
	Lock SweepLock
}

// Worker retries due deliveries on a fixed interval.
type Worker struct {
	registry    *Registry
	dispatcher  *Dispatcher
	ledger      *Ledger
	lock        SweepLock
	interval    time.Duration
	concurrency int
	now         func() time.Time
}

func NewWorker(r *Registry, d *Dispatcher, l *Ledger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Lock == nil {
		cfg.Lock = &LocalLock{}
	}
	return &Worker{
		registry:    r,
		dispatcher:  d,
		ledger:      l,
		lock:        cfg.Lock,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		now:         time.Now,
	}
}

func (w *Worker) String() string { return "webhook-retry-worker" }

// Serve runs sweeps every interval until ctx is cancelled. A tick that fires
// while the previous sweep is still running is skipped.
func (w *Worker) Serve(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logging.Printf{Component: "cron"}))))
	if _, err := c.AddFunc("@every "+w.interval.String(), func() { w.runSweep(ctx) }); err != nil {
		return err
	}
	logging.Info().Dur("interval", w.interval).Msg("webhook retry worker started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (w *Worker) runSweep(ctx context.Context) {
	stats, err := w.Sweep(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		logging.Info().Msg("retry sweep skipped: lock held elsewhere")
	case errors.Is(err, context.Canceled):
		logging.Debug().Msg("retry sweep skipped: shutting down")
	case err != nil:
		logging.Error().Err(err).Msg("retry sweep failed")
	case stats.Claimed > 0:
		logging.Info().Interface("stats", stats).Msg("retry sweep finished")
	}
}

// Sweep claims every due record and retries it. Records are processed
// concurrently; sweeps never overlap.
func (w *Worker) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	unlock, ok, err := w.lock.TryLock(ctx)
	if err != nil {
		metrics.RetrySweeps.WithLabelValues("error").Inc()
		return stats, err
	}
	if !ok {
		metrics.RetrySweeps.WithLabelValues("skipped").Inc()
		return stats, ErrSweepInProgress
	}
	defer unlock()

	start := time.Now()
	defer func() { metrics.RetrySweepDuration.Observe(time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		metrics.RetrySweeps.WithLabelValues("skipped").Inc()
		return stats, err
	}
	due, err := w.ledger.DueForRetry(ctx, w.now().UTC())
	if err != nil {
		metrics.RetrySweeps.WithLabelValues("error").Inc()
		return stats, err
	}
	stats.Claimed = len(due)

	// Claimed records are finished even if ctx is cancelled mid-sweep; an
	// interrupted request must not count as an attempt.
	work := context.WithoutCancel(ctx)
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, rec := range due {
		g.Go(func() error {
			res := w.retry(work, rec)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case model.DeliveryDelivered:
				stats.Delivered++
			case model.DeliveryPending:
				stats.Retrying++
			case model.DeliveryFailed:
				stats.Failed++
			case abandoned:
				stats.Abandoned++
			default:
				stats.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()
	metrics.RetrySweeps.WithLabelValues("ok").Inc()
	return stats, nil
}

const abandoned model.DeliveryStatus = "abandoned"

// retry processes one claimed record and reports where it ended up; an empty
// status means it could not be processed and its claim will lapse.
func (w *Worker) retry(ctx context.Context, rec model.DeliveryRecord) model.DeliveryStatus {
	log := logging.With("webhooks").With().Str("delivery_id", rec.ID).Str("subscription_id", rec.SubscriptionID).Logger()
	policy := w.ledger.Policy()

	sub, err := w.registry.Lookup(ctx, rec.SubscriptionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return w.abandon(ctx, rec, "subscription deleted")
	case err != nil:
		log.Error().Err(err).Msg("load subscription for retry")
		return ""
	case !sub.IsActive:
		return w.abandon(ctx, rec, "subscription inactive")
	}

	o := w.dispatcher.Deliver(ctx, sub, rec.Event())
	if o.Skipped {
		return w.abandon(ctx, rec, o.Error)
	}
	now := w.now().UTC()
	rec = policy.Apply(rec, o, now)
	if err := w.ledger.Update(ctx, rec); err != nil {
		metrics.WebhookPersistErrors.Inc()
		log.Error().Err(err).Msg("persist retry outcome")
		return ""
	}
	if err := w.registry.RecordOutcome(ctx, sub.ID, o.Success, now); err != nil {
		log.Error().Err(err).Msg("record subscription health")
	}
	if !o.Success {
		log.Warn().Int("attempts", rec.Attempts).Str("status", string(rec.Status)).Str("error", o.Error).Msg("webhook retry failed")
	}
	return rec.Status
}

func (w *Worker) abandon(ctx context.Context, rec model.DeliveryRecord, reason string) model.DeliveryStatus {
	rec = w.ledger.Policy().Abandon(rec, reason, w.now().UTC())
	if err := w.ledger.Update(ctx, rec); err != nil {
		logging.Error().Err(err).Str("delivery_id", rec.ID).Msg("abandon delivery")
		return ""
	}
	logging.Info().Str("delivery_id", rec.ID).Str("reason", reason).Msg("delivery abandoned")
	return abandoned
}
