package config

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy is the shared backoff shape for everything that retries: dial
// attempts, notification fan-out, message delivery. Delay grows exponentially
// from Base and caps at Max; Jitter adds a random spread on top so workers
// that failed together do not retry in lockstep. Classify decides whether an
// error earns another attempt; nil retries every error.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	Classify    func(error) bool
}

// Delay returns the wait before the next attempt. attempt counts completed
// attempts, starting at 1 for the first failure.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return delay
}

// Retryable reports whether err earns another attempt under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.Classify == nil {
		return true
	}
	return p.Classify(err)
}

// Policy returns the dial retry schedule. Originate retries carry no jitter:
// a single call's attempts never contend with each other.
func (c OriginateRetryConfig) Policy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.MaxAttempts, Base: c.BaseDelay, Max: c.MaxDelay}
}

// Policy returns the fan-out retry schedule. The fixed jitter spreads
// notification retries created by the same call moment.
func (c *NotifyConfig) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Base:        c.RetryBase,
		Max:         c.RetryMax,
		Jitter:      time.Second,
	}
}

// Policy returns the message delivery retry schedule.
func (c *DeliveryConfig) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxRetries,
		Base:        c.RetryBase,
		Max:         c.RetryMax,
		Jitter:      c.RetryJitter,
	}
}
