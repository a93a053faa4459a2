// Package ratelimit spaces out page loads per target host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listingwatch/internal/metrics"
)

// Rule is the budget for one host.
type Rule struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration. Hosts lists per-host overrides keyed by lowercase hostname.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Hosts        map[string]Rule
}

// Limiter implements watch.Limiter with one bucket per host.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	fallback Rule
	hosts    map[string]Rule
}

// New creates a Limiter. A non-positive rate disables throttling for that host.
func New(cfg Config) *Limiter {
	hosts := make(map[string]Rule, len(cfg.Hosts))
	for host, rule := range cfg.Hosts {
		hosts[metrics.SanitizeSite(host)] = rule
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		fallback: Rule{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		hosts:    hosts,
	}
}

// Wait blocks until the host of rawURL has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)
	bucket := l.bucket(host)

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	// Immediate grants are not delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[host]; ok {
		return b
	}
	rule, ok := l.hosts[host]
	if !ok {
		rule = l.fallback
	}
	limit := rate.Limit(rule.RPS)
	if rule.RPS <= 0 {
		limit = rate.Inf
	}
	burst := max(rule.Burst, 1)
	b := rate.NewLimiter(limit, burst)
	l.buckets[host] = b
	return b
}
