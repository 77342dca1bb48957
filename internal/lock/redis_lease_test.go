package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLease(t *testing.T) *Lease {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, Config{PollInterval: 5 * time.Millisecond})
}

func TestLeaseAcquireAndRelease(t *testing.T) {
	lease := newTestLease(t)
	ctx := context.Background()

	release, err := lease.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	release2, err := lease.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestLeaseBlocksSecondHolder(t *testing.T) {
	lease := newTestLease(t)
	ctx := context.Background()

	release, err := lease.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := lease.Acquire(waitCtx, "doc-1"); err == nil {
		t.Fatal("second acquire succeeded while lease held")
	}

	release()
	release2, err := lease.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestLeaseIndependentKeys(t *testing.T) {
	lease := newTestLease(t)
	ctx := context.Background()

	release1, err := lease.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire doc-1: %v", err)
	}
	defer release1()

	release2, err := lease.Acquire(ctx, "doc-2")
	if err != nil {
		t.Fatalf("acquire doc-2: %v", err)
	}
	release2()
}
