package adb

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestCreateFindReturnsSeededAddressesSynchronously(t *testing.T) {
	t.Parallel()
	db := New(nil)
	addr := netip.MustParseAddr("192.0.2.1")
	db.Seed("ns1.example.", []netip.Addr{addr})
	f, err := db.CreateFind(context.Background(), "ns1.example.", WantEvent, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.Done():
	default:
		t.Fatal("expected seeded Find to be immediately done")
	}
	if len(f.Result) != 1 || f.Result[0].Addr != addr {
		t.Fatalf("unexpected result %v", f.Result)
	}
}

func TestCreateFindAvoidFetchesReturnsEmptyWithoutLookup(t *testing.T) {
	t.Parallel()
	called := false
	db := New(func(ctx context.Context, name string, wantINET, wantINET6 bool) ([]netip.Addr, error) {
		called = true
		return nil, nil
	})
	f, err := db.CreateFind(context.Background(), "unknown.example.", AvoidFetches, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("AvoidFetches must not trigger a lookup")
	}
	if len(f.Result) != 0 {
		t.Fatalf("expected no result, got %v", f.Result)
	}
}

func TestCreateFindResolvesAsynchronously(t *testing.T) {
	t.Parallel()
	want := netip.MustParseAddr("198.51.100.7")
	db := New(func(ctx context.Context, name string, wantINET, wantINET6 bool) ([]netip.Addr, error) {
		return []netip.Addr{want}, nil
	})
	f, err := db.CreateFind(context.Background(), "lazy.example.", WantEvent|EmptyEvent, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async resolution")
	}
	if len(f.Result) != 1 || f.Result[0].Addr != want {
		t.Fatalf("unexpected result %v", f.Result)
	}
	// A second call should now hit the cache and not need the lookup again.
	f2, err := db.CreateFind(context.Background(), "lazy.example.", WantEvent, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-f2.Done():
	default:
		t.Fatal("expected cached Find to be immediately done")
	}
}

func TestCreateFindEmptyEventParksUntilSeeded(t *testing.T) {
	t.Parallel()
	called := false
	db := New(func(ctx context.Context, name string, wantINET, wantINET6 bool) ([]netip.Addr, error) {
		called = true
		return nil, nil
	})
	f, err := db.CreateFind(context.Background(), "parked.example.", AvoidFetches|EmptyEvent, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.Done():
		t.Fatal("expected the Find to stay pending until Seed wakes it")
	default:
	}
	if called {
		t.Fatal("AvoidFetches must not trigger a lookup even with EmptyEvent set")
	}

	want := netip.MustParseAddr("192.0.2.44")
	db.Seed("parked.example.", []netip.Addr{want})

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Seed to wake the parked Find")
	}
	if len(f.Result) != 1 || f.Result[0].Addr != want {
		t.Fatalf("unexpected result %v", f.Result)
	}
}

func TestCreateFindStartAtRootOverridesAvoidFetches(t *testing.T) {
	t.Parallel()
	called := false
	want := netip.MustParseAddr("198.51.100.20")
	db := New(func(ctx context.Context, name string, wantINET, wantINET6 bool) ([]netip.Addr, error) {
		called = true
		return []netip.Addr{want}, nil
	})
	f, err := db.CreateFind(context.Background(), "fresh.example.", AvoidFetches|StartAtRoot|WantEvent, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("expected StartAtRoot to trigger a real lookup despite AvoidFetches")
	}
	if !called {
		t.Fatal("expected the lookup callback to run")
	}
	if len(f.Result) != 1 || f.Result[0].Addr != want {
		t.Fatalf("unexpected result %v", f.Result)
	}
}

func TestAdjustSRTTConvergesTowardNewSample(t *testing.T) {
	t.Parallel()
	db := New(nil)
	ai := db.FindAddrInfo(netip.MustParseAddr("203.0.113.9"))
	db.AdjustSRTT(ai, 100*time.Millisecond, RTTAdjDefault)
	if ai.SRTT() != 100*time.Millisecond {
		t.Fatalf("first sample should set srtt outright, got %s", ai.SRTT())
	}
	db.AdjustSRTT(ai, 300*time.Millisecond, RTTAdjDefault)
	if got := ai.SRTT(); got <= 100*time.Millisecond || got >= 300*time.Millisecond {
		t.Fatalf("expected srtt to move toward but not reach the new sample, got %s", got)
	}
}

func TestMarkLameAndChangeFlags(t *testing.T) {
	t.Parallel()
	db := New(nil)
	ai := db.FindAddrInfo(netip.MustParseAddr("203.0.113.10"))
	now := time.Now()
	db.MarkLame(ai, "example.com.", now)
	if !ai.IsLameFor("example.com.", now) {
		t.Fatal("expected lame mark to be live")
	}
	if !ai.IsLameFor("EXAMPLE.COM.", now) {
		t.Fatal("lame marks should be case-insensitive on zone")
	}
	if ai.IsLameFor("example.com.", now.Add(LameMarkLifetime+time.Second)) {
		t.Fatal("lame mark should have expired")
	}
	db.ChangeFlags(ai, NoEDNS0, 0)
	if !ai.HasFlag(NoEDNS0) {
		t.Fatal("expected NoEDNS0 flag set")
	}
	db.ChangeFlags(ai, 0, NoEDNS0)
	if ai.HasFlag(NoEDNS0) {
		t.Fatal("expected NoEDNS0 flag cleared")
	}
}
