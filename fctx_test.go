package resolver

import (
	"net/netip"
	"testing"
	"time"

	"github.com/dnscascade/resolver/adb"
	"github.com/dnscascade/resolver/cache"
	"github.com/miekg/dns"
)

func TestFctxKeyDistinguishesTypeAndOptions(t *testing.T) {
	a := fctxKey("example.com.", dns.TypeA, 0)
	b := fctxKey("example.com.", dns.TypeAAAA, 0)
	c := fctxKey("example.com.", dns.TypeA, Recursive)
	if a == b || a == c || b == c {
		t.Fatalf("expected distinct keys, got %q %q %q", a, b, c)
	}
	if got := fctxKey("example.com.", dns.TypeA, 0); got != a {
		t.Fatalf("expected deterministic key, got %q want %q", got, a)
	}
}

func TestRetryIntervalClampedToRange(t *testing.T) {
	db := adb.New(nil)
	ai := db.FindAddrInfo(netip.MustParseAddr("203.0.113.1"))
	fx := &fctx{}

	if got := fx.retryInterval(ai); got != 2*time.Second {
		t.Fatalf("fresh address should use the 2s floor, got %s", got)
	}

	db.AdjustSRTT(ai, 20*time.Second, adb.RTTAdjDefault)
	if got := fx.retryInterval(ai); got != 30*time.Second {
		t.Fatalf("doubled SRTT should clamp to the 30s ceiling, got %s", got)
	}

	fx.restarts = 4
	db2 := adb.New(nil)
	ai2 := db2.FindAddrInfo(netip.MustParseAddr("203.0.113.2"))
	if got := fx.retryInterval(ai2); got != 16*time.Second {
		t.Fatalf("restart-scaled schedule should dominate an unmeasured address, got %s", got)
	}

	// 2^5 = 32s, clamped to the 30s ceiling: restarts beyond 4 must not
	// plateau at 16s, which is what an exponent capped too low would do.
	fx.restarts = 5
	db3 := adb.New(nil)
	ai3 := db3.FindAddrInfo(netip.MustParseAddr("203.0.113.3"))
	if got := fx.retryInterval(ai3); got != 30*time.Second {
		t.Fatalf("restarts=5 should reach the 30s ceiling via 2^restarts, got %s", got)
	}
}

func TestGetAddressesStopsAtRestartLimit(t *testing.T) {
	fx := &fctx{restarts: restartLimit}
	fx.res = &Resolver{}
	if fx.getAddresses() {
		t.Fatal("expected getAddresses to refuse once past the restart limit")
	}
}

func TestFinishSharpensResultForChainedCNAME(t *testing.T) {
	db := cache.New()
	cnameRR := mustRR(t, "alias.example. 300 IN CNAME target.example.")
	db.FindNode("alias.example.", true).AddRdataset(dns.TypeCNAME, []dns.RR{cnameRR}, nil, cache.TrustAnswer, 5*time.Minute, time.Now())

	fx := &fctx{
		res:         &Resolver{cacheDB: db},
		bucket:      newBucket(nil, 0),
		origQname:   "alias.example.",
		qname:       "target.example.",
		qtype:       dns.TypeA,
		chained:     true,
		chainType:   CNAME,
		chainRRType: dns.TypeCNAME,
	}
	w := &waiter{ch: make(chan FetchResult, 1)}
	fx.waiters = append(fx.waiters, w)

	fx.finish(FetchResult{Result: NCacheNXRRSet})

	res := <-w.ch
	if res.Result != CNAME {
		t.Fatalf("got %s, want CNAME", res.Result)
	}
	if len(res.Rdataset) != 1 || res.Rdataset[0] != cnameRR {
		t.Fatalf("expected the fallback rdataset to be the cached CNAME record, got %v", res.Rdataset)
	}
}
