package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterEnforcesLimit(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:ratelimit", 3, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !limiter.Allow("key") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("key") {
		t.Fatal("request over limit should be denied")
	}
	// Independent keys keep their own quota.
	if !limiter.Allow("other") {
		t.Fatal("unrelated key should be allowed")
	}
}

func TestFixedWindowLimiterResetsAfterWindow(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:ratelimit", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !limiter.Allow("key") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("key") {
		t.Fatal("second request in window should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	redisSrv.FastForward(60 * time.Millisecond)
	if !limiter.Allow("key") {
		t.Fatal("request in next window should be allowed")
	}
}

func TestFixedWindowLimiterConfigValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "p", 1, time.Minute); err == nil {
		t.Fatal("expected error for missing addr")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "p", 0, time.Minute); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestFixedWindowLimiterFailsClosedWhenRedisDown(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:ratelimit", 5, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	redisSrv.Close()
	if limiter.Allow("key") {
		t.Fatal("limiter should fail closed when redis is unavailable")
	}
}
