package itag

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default retry delays.
const (
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = 60 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// maxBackoffSteps bounds the doubling loop; any realistic policy reaches its
// cap long before this.
const maxBackoffSteps = 64

// BackoffPolicy computes the delay before a disconnected device retries.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultBackoffInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoffMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoffMultiplier
	}
	return p
}

// exponential builds a jitter-free backoff so delays are deterministic per
// failure count.
func (p BackoffPolicy) exponential() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delay returns the wait after the given number of consecutive failures.
//
// One failure waits Initial; each further failure multiplies the delay up to
// Max. Zero is treated as one.
func (p BackoffPolicy) Delay(failures int) time.Duration {
	b := p.exponential()
	steps := min(max(failures, 1), maxBackoffSteps)

	var d time.Duration
	for range steps {
		d = b.NextBackOff()
	}
	return min(d, b.MaxInterval)
}
