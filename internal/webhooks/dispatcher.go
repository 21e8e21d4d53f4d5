package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"payverify/internal/logging"
	"payverify/internal/metrics"
	"payverify/internal/model"
	"payverify/internal/store"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Outcome is the classified result of one Deliver call.
type Outcome struct {
	Success bool
	// Skipped means no request was made: the subscription is inactive or not
	// subscribed to the event type.
	Skipped      bool
	StatusCode   *int
	ResponseBody string
	Error        string
	Latency      time.Duration
}

func (o Outcome) label() string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.Success:
		return "success"
	}
	return "failure"
}

type BreakerConfig struct {
	Enabled bool
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker rejects before probing.
	OpenTimeout time.Duration
}

type DispatcherConfig struct {
	Timeout time.Duration
	// RateLimit caps outbound requests per second across all subscriptions; 0 disables.
	RateLimit float64
	RateBurst int
	Breaker   BreakerConfig
}

// Dispatcher signs and sends one event to one subscription. It has no
// persistence side effects.
type Dispatcher struct {
	transport Transport
	timeout   time.Duration
	limiter   *rate.Limiter
	breaker   BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[Response]
}

func NewDispatcher(t Transport, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		transport: t,
		timeout:   cfg.Timeout,
		breaker:   cfg.Breaker,
		breakers:  map[string]*gobreaker.CircuitBreaker[Response]{},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d
}

// statusError marks a response that counts as a failed delivery.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("endpoint returned status %d", e.code) }

// Deliver performs a single attempt. Any status below 400 is a success.
func (d *Dispatcher) Deliver(ctx context.Context, sub model.Subscription, ev model.Event) Outcome {
	if !sub.IsActive {
		return d.observe(ev, Outcome{Skipped: true, Error: "subscription inactive"})
	}
	if !sub.Subscribed(ev.Type) {
		return d.observe(ev, Outcome{Skipped: true, Error: fmt.Sprintf("subscription not subscribed to %s", ev.Type)})
	}
	body, sig, err := SignEvent(ev, sub.Secret)
	if err != nil {
		return d.observe(ev, Outcome{Error: "encode event: " + err.Error()})
	}
	headers := map[string]string{
		"Content-Type":  "application/json",
		SignatureHeader: sig,
		EventHeader:     string(ev.Type),
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return d.observe(ev, Outcome{Error: "rate limit: " + err.Error()})
		}
	}

	start := time.Now()
	send := func() (Response, error) {
		resp, err := d.transport.Post(ctx, sub.URL, body, headers, d.timeout)
		if err == nil && resp.StatusCode >= 400 {
			return resp, &statusError{code: resp.StatusCode}
		}
		return resp, err
	}
	var resp Response
	if cb := d.breakerFor(sub.ID); cb != nil {
		resp, err = cb.Execute(send)
	} else {
		resp, err = send()
	}
	out := Outcome{Latency: time.Since(start)}

	var se *statusError
	switch {
	case err == nil:
		out.Success = true
	case errors.As(err, &se):
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		out.Error = "circuit breaker open: " + err.Error()
	default:
		out.Error = err.Error()
	}
	if resp.StatusCode > 0 {
		code := resp.StatusCode
		out.StatusCode = &code
		out.ResponseBody = store.TruncateBody(resp.Body)
		if se != nil {
			out.Error = se.Error()
		}
	}

	logging.Debug().
		Str("subscription_id", sub.ID).
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Int("status", resp.StatusCode).
		Dur("latency", out.Latency).
		Bool("success", out.Success).
		Msg("webhook attempt")
	return d.observe(ev, out)
}

func (d *Dispatcher) observe(ev model.Event, o Outcome) Outcome {
	metrics.WebhookDeliveries.WithLabelValues(string(ev.Type), o.label()).Inc()
	if !o.Skipped {
		metrics.WebhookLatency.WithLabelValues(string(ev.Type), o.label()).Observe(float64(o.Latency.Milliseconds()))
	}
	return o
}

// breakerFor returns the subscription's breaker, creating it on first use.
func (d *Dispatcher) breakerFor(subID string) *gobreaker.CircuitBreaker[Response] {
	if !d.breaker.Enabled {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[subID]; ok {
		return cb
	}
	threshold := d.breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	timeout := d.breaker.OpenTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        subID,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("subscription_id", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
		},
	})
	d.breakers[subID] = cb
	return cb
}

// Forget drops the breaker of a deleted subscription.
func (d *Dispatcher) Forget(subID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.breakers, subID)
	metrics.CircuitBreakerState.DeleteLabelValues(subID)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
