package status

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCollectMergesComponents(t *testing.T) {
	c := NewCollection(DefaultConfig())
	c.Register("services", func(context.Context) (interface{}, error) {
		return map[string]string{"state": "ready"}, nil
	})
	c.Register("jobs", func(context.Context) (interface{}, error) {
		return 3, nil
	})

	got := c.Collect(context.Background())
	if len(got.Components) != 2 {
		t.Fatalf("Components = %v", got.Components)
	}
	if got.Components["jobs"] != 3 {
		t.Errorf("jobs = %v, want 3", got.Components["jobs"])
	}
	if len(got.Errors) != 0 {
		t.Errorf("Errors = %v, want none", got.Errors)
	}
}

func TestPartialFailureSurfacesInErrors(t *testing.T) {
	c := NewCollection(DefaultConfig())
	c.Register("good", func(context.Context) (interface{}, error) { return "ok", nil })
	c.Register("bad", func(context.Context) (interface{}, error) { return nil, errors.New("boom") })

	got := c.Collect(context.Background())
	if got.Components["good"] != "ok" {
		t.Errorf("good = %v", got.Components["good"])
	}
	if got.Errors["bad"] != "boom" {
		t.Errorf("Errors[bad] = %q, want boom", got.Errors["bad"])
	}
}

func TestCollectorTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CollectorTimeout = 50 * time.Millisecond
	c := NewCollection(cfg)
	c.Register("slow", func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	got := c.Collect(context.Background())
	if time.Since(start) > 500*time.Millisecond {
		t.Error("collector timeout not enforced")
	}
	if _, ok := got.Errors["slow"]; !ok {
		t.Errorf("slow collector not reported in errors: %+v", got)
	}
}

func TestPanickingCollectorIsContained(t *testing.T) {
	c := NewCollection(DefaultConfig())
	c.Register("panicky", func(context.Context) (interface{}, error) { panic("oops") })
	c.Register("good", func(context.Context) (interface{}, error) { return 1, nil })

	got := c.Collect(context.Background())
	if _, ok := got.Errors["panicky"]; !ok {
		t.Errorf("panic not surfaced: %+v", got)
	}
	if got.Components["good"] != 1 {
		t.Error("healthy collector affected by panic")
	}
}

func TestCacheTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Hour
	c := NewCollection(cfg)

	var calls atomic.Int32
	c.Register("counted", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	})

	first := c.Collect(context.Background())
	second := c.Collect(context.Background())

	if calls.Load() != 1 {
		t.Errorf("collector ran %d times, want 1 (cached)", calls.Load())
	}
	if first.FromCache {
		t.Error("first report marked cached")
	}
	if !second.FromCache {
		t.Error("second report not marked cached")
	}
}

func TestFilteredCollectionBypassesCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Hour
	c := NewCollection(cfg)

	var calls atomic.Int32
	c.Register("a", func(context.Context) (interface{}, error) { calls.Add(1); return "a", nil })
	c.Register("b", func(context.Context) (interface{}, error) { return "b", nil })

	c.Collect(context.Background())
	got := c.CollectFiltered(context.Background(), []string{"a"})

	if calls.Load() != 2 {
		t.Errorf("filtered collection served from cache, calls = %d", calls.Load())
	}
	if len(got.Components) != 1 {
		t.Errorf("filtered Components = %v", got.Components)
	}
}

func TestUnknownComponent(t *testing.T) {
	c := NewCollection(DefaultConfig())
	got := c.CollectFiltered(context.Background(), []string{"nope"})
	if got.Errors["nope"] != "unknown component" {
		t.Errorf("Errors = %v", got.Errors)
	}
}

func TestLockWaitBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	cfg.CacheTTL = time.Nanosecond
	c := NewCollection(cfg)

	release := make(chan struct{})
	c.Register("blocker", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})

	go c.Collect(context.Background())
	time.Sleep(20 * time.Millisecond) // let the first pass take the gate

	got := c.Collect(context.Background())
	close(release)

	if _, ok := got.Errors["_collection"]; !ok {
		t.Errorf("stampeding collection not refused: %+v", got)
	}
}
