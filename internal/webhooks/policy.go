package webhooks

import (
	"time"

	"payverify/internal/model"
)

// RetryPolicy drives a delivery record through pending, delivered and failed.
// The n-th failed attempt schedules the next one BaseDelay * 2^(n-1) later,
// so with the defaults retries follow at 1 and 2 minutes and the third
// failure is terminal.
type RetryPolicy struct {
	// MaxAttempts can only lower the ceiling; values outside 1..AttemptCeiling
	// mean AttemptCeiling.
	MaxAttempts int
	BaseDelay   time.Duration
}

// AttemptCeiling is the total number of attempts a delivery ever gets.
const AttemptCeiling = 3

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: AttemptCeiling, BaseDelay: time.Minute}
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 || p.MaxAttempts > AttemptCeiling {
		return AttemptCeiling
	}
	return p.MaxAttempts
}

// Backoff returns the delay after the given number of attempts.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		attempts = 20
	}
	return base * time.Duration(1<<(attempts-1))
}

// Apply folds one delivery attempt into rec. Skipped outcomes must go through
// Abandon instead; they never count as an attempt.
func (p RetryPolicy) Apply(rec model.DeliveryRecord, o Outcome, now time.Time) model.DeliveryRecord {
	if rec.Attempts < p.maxAttempts() {
		rec.Attempts++
	}
	rec.ResponseCode = o.StatusCode
	rec.ResponseBody = o.ResponseBody
	rec.ErrorMessage = o.Error
	rec.UpdatedAt = now
	switch {
	case o.Success:
		rec.Status = model.DeliveryDelivered
		rec.DeliveredAt = &now
		rec.NextRetryAt = nil
		rec.ErrorMessage = ""
	case rec.Attempts >= p.maxAttempts():
		rec.Status = model.DeliveryFailed
		rec.NextRetryAt = nil
	default:
		next := now.Add(p.Backoff(rec.Attempts))
		rec.Status = model.DeliveryPending
		rec.NextRetryAt = &next
	}
	return rec
}

// Abandon marks rec terminally failed without an attempt.
func (p RetryPolicy) Abandon(rec model.DeliveryRecord, reason string, now time.Time) model.DeliveryRecord {
	rec.Status = model.DeliveryFailed
	rec.NextRetryAt = nil
	rec.ErrorMessage = reason
	rec.UpdatedAt = now
	return rec
}
