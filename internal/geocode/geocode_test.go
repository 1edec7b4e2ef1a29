package geocode

import (
	"context"
	"errors"
	"testing"

	"fleetbot/internal/feed"
	"fleetbot/pkg/logx"
)

type fakeResolver struct {
	calls int
	loc   string
	err   error
}

func (f *fakeResolver) Resolve(context.Context, float64, float64) (string, error) {
	f.calls++
	return f.loc, f.err
}

func TestWarmCachesCarriedLocations(t *testing.T) {
	t.Parallel()
	res := &fakeResolver{loc: "should not be used"}
	c, err := New(Config{}, res, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	warmed := c.Warm(context.Background(), []feed.Record{
		{ResourceKey: "V1", Lat: 41.878, Lon: -87.629, Location: "Chicago, IL"},
		{ResourceKey: "V2"}, // zero coordinates, skipped
	})
	if warmed != 1 {
		t.Fatalf("expected 1 warmed entry, got %d", warmed)
	}
	if res.calls != 0 {
		t.Fatalf("resolver called for a record carrying a location")
	}

	loc, ok := c.Lookup(41.878, -87.629)
	if !ok || loc != "Chicago, IL" {
		t.Fatalf("Lookup = %q, %v", loc, ok)
	}
}

func TestWarmResolvesMissingLocations(t *testing.T) {
	t.Parallel()
	res := &fakeResolver{loc: "Dallas, TX"}
	c, err := New(Config{}, res, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	recs := []feed.Record{{ResourceKey: "V1", Lat: 32.7767, Lon: -96.797}}
	if warmed := c.Warm(context.Background(), recs); warmed != 1 {
		t.Fatalf("expected 1 warmed entry, got %d", warmed)
	}
	if res.calls != 1 {
		t.Fatalf("expected 1 resolver call, got %d", res.calls)
	}

	// Second pass hits the cache, no new resolver traffic.
	if warmed := c.Warm(context.Background(), recs); warmed != 0 {
		t.Fatalf("expected 0 new entries, got %d", warmed)
	}
	if res.calls != 1 {
		t.Fatalf("resolver called again on cache hit: %d", res.calls)
	}
}

func TestWarmSkipsResolverFailures(t *testing.T) {
	t.Parallel()
	res := &fakeResolver{err: errors.New("service down")}
	c, err := New(Config{}, res, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	warmed := c.Warm(context.Background(), []feed.Record{
		{ResourceKey: "V1", Lat: 1, Lon: 2},
	})
	if warmed != 0 {
		t.Fatalf("expected 0 warmed entries, got %d", warmed)
	}
	if _, ok := c.Lookup(1, 2); ok {
		t.Fatal("failed resolution must not be cached")
	}
}

func TestLookupRoundsNearbyCoordinates(t *testing.T) {
	t.Parallel()
	c, err := New(Config{Precision: 3}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Warm(context.Background(), []feed.Record{
		{ResourceKey: "V1", Lat: 41.8781, Lon: -87.6298, Location: "Chicago, IL"},
	})

	// Within ~110m the key rounds to the same bucket.
	if loc, ok := c.Lookup(41.8779, -87.6301); !ok || loc != "Chicago, IL" {
		t.Fatalf("nearby lookup missed: %q, %v", loc, ok)
	}
	// Far away positions must miss.
	if _, ok := c.Lookup(32.7767, -96.797); ok {
		t.Fatal("distant lookup hit unexpectedly")
	}
}
