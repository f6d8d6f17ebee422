package account

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }

	if _, ok, _ := c.Get(ctx, "alice"); ok {
		t.Fatal("expected miss on empty cache")
	}
	_ = c.Set(ctx, "alice", "p1")
	if id, ok, _ := c.Get(ctx, "alice"); !ok || id != "p1" {
		t.Errorf("expected hit p1, got %q %v", id, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "alice"); ok {
		t.Error("expected entry to expire")
	}

	_ = c.Set(ctx, "alice", "p2")
	_ = c.Delete(ctx, "alice")
	if _, ok, _ := c.Get(ctx, "alice"); ok {
		t.Error("expected miss after delete")
	}
}

func TestCacheKey(t *testing.T) {
	if got := cacheKey("alice"); got != "healthmanager:account:alice" {
		t.Errorf("unexpected key %q", got)
	}
}
