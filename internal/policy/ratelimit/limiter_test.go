package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_SpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the second call waits about 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://www.kijiji.ca/b-cars/toronto"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://WWW.KIJIJI.CA/b-cars/ottawa"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example/1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("host b blocked by host a")
	}
}

func TestLimiter_HostOverrideAndUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   0,
		DefaultBurst: 1,
		Hosts:        map[string]Rule{"Slow.Example": {RPS: 0.001, Burst: 1}},
	})

	for range 5 {
		if err := l.Wait(context.Background(), "https://fast.example/x"); err != nil {
			t.Fatalf("unlimited host should never wait: %v", err)
		}
	}

	if err := l.Wait(context.Background(), "https://slow.example/1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example/2")
	if err == nil {
		t.Fatal("expected the override to throttle the second request")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancel error %v", err)
	}
}
