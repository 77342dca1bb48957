package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterBlocksOverQuota(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisFixedWindowLimiter() error = %v", err)
	}

	if !limiter.Allow("user-1") || !limiter.Allow("user-1") {
		t.Fatal("requests within quota were blocked")
	}
	if limiter.Allow("user-1") {
		t.Fatal("request over quota was allowed")
	}
	if !limiter.Allow("user-2") {
		t.Fatal("quota leaked across keys")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisFixedWindowLimiter() error = %v", err)
	}
	srv.Close()
	if limiter.Allow("user-1") {
		t.Fatal("limiter allowed a request while redis was down")
	}
}

func TestFixedWindowLimiterValidatesConfig(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "", 1, time.Minute); err == nil {
		t.Fatal("constructor accepted empty redis addr")
	}
	srv := miniredis.RunT(t)
	if _, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "", 0, time.Minute); err == nil {
		t.Fatal("constructor accepted zero limit")
	}
}
