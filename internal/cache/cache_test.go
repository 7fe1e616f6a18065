package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func entry(sources ...string) *Entry {
	return &Entry{
		Columns:  []string{"claim_id", "amount"},
		Rows:     [][]interface{}{{"c1", 100.0}},
		Sources:  sources,
		StoredAt: time.Now().UTC(),
	}
}

func TestKeyIgnoresParamAndSourceOrder(t *testing.T) {
	a := Key("select x from t",
		map[string]interface{}{"a": 1, "b": "two"},
		[]string{"claims", "ledger"})
	b := Key("select x from t",
		map[string]interface{}{"b": "two", "a": 1},
		[]string{"ledger", "claims"})
	if a != b {
		t.Errorf("keys differ: %s vs %s", a, b)
	}
}

func TestKeyDiscriminates(t *testing.T) {
	base := Key("select x from t", map[string]interface{}{"a": 1}, []string{"claims"})
	cases := []string{
		Key("select y from t", map[string]interface{}{"a": 1}, []string{"claims"}),
		Key("select x from t", map[string]interface{}{"a": 2}, []string{"claims"}),
		Key("select x from t", map[string]interface{}{"a": 1}, []string{"ledger"}),
		Key("select x from t", nil, []string{"claims"}),
	}
	for i, k := range cases {
		if k == base {
			t.Errorf("case %d collided with base key", i)
		}
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(10)
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("hit on empty cache")
	}
	if err := c.Set(ctx, "k", entry("claims"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got.Rows) != 1 || got.Rows[0][0] != "c1" {
		t.Errorf("entry = %+v", got)
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache(10)
	ctx := context.Background()
	if err := c.Set(ctx, "k", entry("claims"), 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expired entry served")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d after expiry", c.Len())
	}
}

func TestMemoryCacheSweepDropsUnreadExpired(t *testing.T) {
	c := NewMemoryCache(10)
	defer c.Close()
	ctx := context.Background()
	c.Set(ctx, "stale", entry("claims"), 5*time.Millisecond)
	c.Set(ctx, "live", entry("ledger"), time.Minute)

	// Expired entries leave without ever being read.
	c.sweep(time.Now().Add(10 * time.Millisecond))
	if c.Len() != 1 {
		t.Errorf("len = %d after sweep", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "live"); !ok {
		t.Error("live entry swept")
	}
}

func TestMemoryCacheCloseStopsSweep(t *testing.T) {
	c := NewMemoryCache(10)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryCacheZeroTTLNotStored(t *testing.T) {
	c := NewMemoryCache(10)
	ctx := context.Background()
	if err := c.Set(ctx, "k", entry("claims"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("zero-TTL entry stored")
	}
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemoryCache(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), entry("claims"), time.Minute)
	}
	// Touch k0 so k1 becomes the eviction candidate.
	c.Get(ctx, "k0")
	c.Set(ctx, "k3", entry("claims"), time.Minute)

	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Error("least recently used entry survived")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok, _ := c.Get(ctx, k); !ok {
			t.Errorf("entry %s evicted", k)
		}
	}
}

func TestMemoryCacheInvalidatePerSource(t *testing.T) {
	c := NewMemoryCache(10)
	ctx := context.Background()
	c.Set(ctx, "claims-only", entry("claims"), time.Minute)
	c.Set(ctx, "ledger-only", entry("ledger"), time.Minute)
	c.Set(ctx, "joined", entry("claims", "ledger"), time.Minute)

	if err := c.Invalidate(ctx, "claims"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "claims-only"); ok {
		t.Error("claims entry survived invalidation")
	}
	if _, ok, _ := c.Get(ctx, "joined"); ok {
		t.Error("multi-source entry survived invalidation of one contributor")
	}
	if _, ok, _ := c.Get(ctx, "ledger-only"); !ok {
		t.Error("unrelated entry dropped")
	}
}
