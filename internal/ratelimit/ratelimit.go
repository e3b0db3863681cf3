// Package ratelimit implements the per-provider token-bucket Rate
// Limiter (): one RPM bucket and one TPM bucket per provider,
// continuously refilled, with queueing up to a bounded timeout and TPM
// refund on overestimate.
//
// Grounded on other_examples' Livepeer-FrameWorks RateLimiter (sync.Map
// of per-key tokenBucket, continuous float64 refill by elapsed time,
// background cleanup of stale buckets), adapted from a single
// requests-per-minute bucket per tenant to a paired RPM+TPM bucket per
// provider.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// bucket is a continuously-refilling token bucket.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64) (*bucket, error) {
	if capacity <= 0 || refillRate <= 0 {
		return nil, gatewayerr.New(gatewayerr.CodeInternal, "ratelimit: capacity and refill rate must be positive")
	}
	return &bucket{tokens: capacity, capacity: capacity, refillRate: refillRate, lastRefill: time.Now()}, nil
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// tryConsume attempts to take n tokens immediately. Returns ok and, if
// not ok, how long until n tokens would be available.
func (b *bucket) tryConsume(n float64) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refillLocked(now)

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}

	deficit := n - b.tokens
	waitSeconds := deficit / b.refillRate
	return false, time.Duration(waitSeconds * float64(time.Second))
}

func (b *bucket) refund(n float64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.refillLocked(now)
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// ProviderBuckets is one provider's {rpm_bucket, tpm_bucket}.
type ProviderBuckets struct {
	rpm *bucket
	tpm *bucket
}

// Limits configures the per-provider buckets.
type Limits struct {
	RPMCapacity int64
	TPMCapacity int64
	QueueTimeout time.Duration
}

// Limiter is the per-provider rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*ProviderBuckets
	limits   map[string]Limits
}

// New constructs an empty Limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*ProviderBuckets),
		limits:  make(map[string]Limits),
	}
}

// Configure sets/resets provider's bucket capacities. RPM and TPM
// buckets refill continuously to full capacity once per 60 seconds.
func (l *Limiter) Configure(provider string, limits Limits) error {
	if limits.QueueTimeout <= 0 {
		limits.QueueTimeout = 5 * time.Second
	}
	rpm, err := newBucket(float64(limits.RPMCapacity), float64(limits.RPMCapacity)/60.0)
	if err != nil {
		return err
	}
	tpm, err := newBucket(float64(limits.TPMCapacity), float64(limits.TPMCapacity)/60.0)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[provider] = &ProviderBuckets{rpm: rpm, tpm: tpm}
	l.limits[provider] = limits
	return nil
}

func (l *Limiter) bucketsFor(provider string) (*ProviderBuckets, Limits, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[provider]
	return b, l.limits[provider], ok
}

// Acquire consumes 1 RPM token and estimatedTokens TPM tokens for
// provider, blocking up to queue_timeout_ms if capacity is briefly
// unavailable.
func (l *Limiter) Acquire(provider string, estimatedTokens int64) error {
	pb, limits, ok := l.bucketsFor(provider)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeRateLimited, "rate limiter not configured for provider").WithContext("provider", provider)
	}

	deadline := time.Now().Add(limits.QueueTimeout)

	if err := acquireOne(pb.rpm, 1, deadline); err != nil {
		return err
	}
	if err := acquireOne(pb.tpm, float64(estimatedTokens), deadline); err != nil {
		pb.rpm.refund(1)
		return err
	}
	return nil
}

func acquireOne(b *bucket, n float64, deadline time.Time) error {
	for {
		ok, wait := b.tryConsume(n)
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return gatewayerr.New(gatewayerr.CodeRateLimited, "rate limit exceeded")
		}
		sleepFor := wait
		if sleepFor > remaining {
			sleepFor = remaining
		}
		time.Sleep(sleepFor)
		if time.Now().After(deadline) {
			return gatewayerr.New(gatewayerr.CodeRateLimited, "rate limit exceeded")
		}
	}
}

// Release refunds estimated - actual TPM tokens if positive, capped at
// capacity.
func (l *Limiter) Release(provider string, estimatedTokens, actualTokens int64) {
	pb, _, ok := l.bucketsFor(provider)
	if !ok {
		return
	}
	delta := estimatedTokens - actualTokens
	if delta > 0 {
		pb.tpm.refund(float64(delta))
	}
}
