package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrComputeMemoizesWithinTTL(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	var calls int32
	compute := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}

	for i := 0; i < 10; i++ {
		v, err := c.GetOrCompute(ctx, "k", time.Minute, compute)
		if err != nil {
			t.Fatal(err)
		}
		if v.(int) != 42 {
			t.Fatalf("unexpected value %v", v)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected a single computation, got %d", n)
	}
}

func TestExpiredEntryRecomputed(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	var calls int32
	compute := func(context.Context) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	if _, err := c.GetOrCompute(ctx, "k", 10*time.Millisecond, compute); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	v, err := c.GetOrCompute(ctx, "k", 10*time.Millisecond, compute)
	if err != nil {
		t.Fatal(err)
	}
	if v.(int32) != 2 {
		t.Fatalf("expected recomputation after expiry, got %v", v)
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	var calls int32
	compute := func(context.Context) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	if _, err := c.GetOrCompute(ctx, "k", time.Hour, compute); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("k")
	v, err := c.GetOrCompute(ctx, "k", time.Hour, compute)
	if err != nil {
		t.Fatal(err)
	}
	if v.(int32) != 2 {
		t.Fatalf("expected fresh value after invalidation, got %v", v)
	}
}

func TestInvalidateByPrefix(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	noop := func(v any) func(context.Context) (any, error) {
		return func(context.Context) (any, error) { return v, nil }
	}
	_, _ = c.GetOrCompute(ctx, "dashboard:quotes:pending-count", time.Hour, noop(1))
	_, _ = c.GetOrCompute(ctx, "dashboard:quotes:0:20", time.Hour, noop(2))
	_, _ = c.GetOrCompute(ctx, "quote:item:abc", time.Hour, noop(3))

	c.InvalidateByPrefix("dashboard:quotes:")

	if c.Len() != 1 {
		t.Fatalf("expected only the quote entry to survive, len=%d", c.Len())
	}
	v, _ := c.GetOrCompute(ctx, "quote:item:abc", time.Hour, noop(4))
	if v.(int) != 3 {
		t.Fatalf("unrelated entry evicted, got %v", v)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	var calls int32
	compute := func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, boom
		}
		return "ok", nil
	}

	if _, err := c.GetOrCompute(ctx, "k", time.Hour, compute); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, err := c.GetOrCompute(ctx, "k", time.Hour, compute)
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "ok" {
		t.Fatalf("unexpected value %v", v)
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	var calls int32
	gate := make(chan struct{})
	compute := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return "v", nil
	}

	const waiters = 32
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompute(ctx, "hot", time.Minute, compute)
			errs <- err
		}()
	}

	// Let the waiters pile onto the single flight before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("stampede not coalesced: %d computations", n)
	}
}

func TestZeroTTLNotStored(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	var calls int32
	compute := func(context.Context) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	}
	_, _ = c.GetOrCompute(ctx, "k", 0, compute)
	v, _ := c.GetOrCompute(ctx, "k", 0, compute)
	if v.(int32) != 2 {
		t.Fatalf("zero-ttl value was cached: %v", v)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}
}
