package cache

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestCachePositiveTTLFollowsWireMinimum(t *testing.T) {
	t.Parallel()
	const expectedTTLSeconds = 2
	db := New()
	db.MinTTL = 0
	db.MaxTTL = time.Hour
	qname := dns.Fqdn("example-positive-ttl.com")
	a := &dns.A{
		Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: expectedTTLSeconds},
		A:   net.IPv4(192, 0, 2, 5),
	}
	ttl := db.TTLFor(dns.TypeA, dns.RcodeSuccess, MinRdatasetTTL([]dns.RR{a}))
	node := db.FindNode(qname, true)
	if res := node.AddRdataset(dns.TypeA, []dns.RR{a}, nil, TrustAnswer, ttl, time.Now()); res != Added {
		t.Fatalf("expected Added, got %v", res)
	}
	if ttl != expectedTTLSeconds*time.Second {
		t.Fatalf("unexpected ttl got=%s want=%ds", ttl, expectedTTLSeconds)
	}
	if rrs, _, trust, ok := node.Rdataset(dns.TypeA, time.Now()); !ok || trust != TrustAnswer || len(rrs) != 1 {
		t.Fatalf("unexpected stored entry rrs=%v trust=%v ok=%v", rrs, trust, ok)
	}
}

func TestCacheNegativeUsesNXTTLWhenNameError(t *testing.T) {
	t.Parallel()
	const expectedTTLSeconds = 12
	db := New()
	db.NXTTL = time.Duration(expectedTTLSeconds) * time.Second
	qname := dns.Fqdn("example-negative-ttl.org")
	ttl := db.TTLFor(dns.TypeAAAA, dns.RcodeNameError, -1)
	node := db.FindNode(qname, true)
	if res := node.AddNegative(dns.TypeANY, TrustAuthAuthority, ttl, time.Now()); res != Added {
		t.Fatalf("expected Added, got %v", res)
	}
	if ttl != db.NXTTL {
		t.Fatalf("unexpected ttl got=%s want=%s", ttl, db.NXTTL)
	}
	if trust, ok := node.Negative(dns.TypeANY, time.Now()); !ok || trust != TrustAuthAuthority {
		t.Fatalf("unexpected negative entry trust=%v ok=%v", trust, ok)
	}
}

func TestAddRdatasetRefusesDowngrade(t *testing.T) {
	t.Parallel()
	db := New()
	node := db.FindNode("downgrade.example.", true)
	now := time.Now()
	a := &dns.A{Hdr: dns.RR_Header{Name: "downgrade.example.", Rrtype: dns.TypeA, Ttl: 300}, A: net.IPv4(10, 0, 0, 1)}
	if res := node.AddRdataset(dns.TypeA, []dns.RR{a}, nil, TrustAuthAnswer, time.Hour, now); res != Added {
		t.Fatalf("first write should be Added, got %v", res)
	}
	lower := &dns.A{Hdr: dns.RR_Header{Name: "downgrade.example.", Rrtype: dns.TypeA, Ttl: 300}, A: net.IPv4(10, 0, 0, 2)}
	if res := node.AddRdataset(dns.TypeA, []dns.RR{lower}, nil, TrustGlue, time.Hour, now); res != Unchanged {
		t.Fatalf("lower-trust write should be Unchanged, got %v", res)
	}
	rrs, _, trust, ok := node.Rdataset(dns.TypeA, now)
	if !ok || trust != TrustAuthAnswer {
		t.Fatalf("expected original authanswer entry to survive, got trust=%v ok=%v", trust, ok)
	}
	if got := rrs[0].(*dns.A).A.String(); got != "10.0.0.1" {
		t.Fatalf("downgrade overwrote data: got %s", got)
	}
	if res := node.AddRdataset(dns.TypeA, []dns.RR{a}, nil, TrustAuthAnswer, time.Hour, now); res != Unchanged {
		t.Fatalf("equal-trust write onto a live entry should refuse, got %v", res)
	}
}

func TestAddRdatasetOverwritesAfterExpiry(t *testing.T) {
	t.Parallel()
	db := New()
	node := db.FindNode("expired.example.", true)
	past := time.Now().Add(-time.Hour)
	a := &dns.A{Hdr: dns.RR_Header{Name: "expired.example.", Rrtype: dns.TypeA, Ttl: 1}, A: net.IPv4(10, 0, 0, 1)}
	node.AddRdataset(dns.TypeA, []dns.RR{a}, nil, TrustAuthAnswer, time.Second, past)
	fresh := &dns.A{Hdr: dns.RR_Header{Name: "expired.example.", Rrtype: dns.TypeA, Ttl: 300}, A: net.IPv4(10, 0, 0, 9)}
	if res := node.AddRdataset(dns.TypeA, []dns.RR{fresh}, nil, TrustGlue, time.Hour, time.Now()); res != Added {
		t.Fatalf("expired entry should be replaceable even by lower trust, got %v", res)
	}
}

func TestLookupReturnsPositiveAndTracksHitRatio(t *testing.T) {
	t.Parallel()
	db := New()
	qname := dns.Fqdn("lookup-positive.example")
	a := &dns.A{Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeA, Ttl: 300}, A: net.IPv4(192, 0, 2, 9)}
	db.FindNode(qname, true).AddRdataset(dns.TypeA, []dns.RR{a}, nil, TrustAnswer, time.Hour, time.Now())

	if _, _, _, _, _, ok := db.Lookup("missing.example.", dns.TypeA, time.Now()); ok {
		t.Fatal("expected a miss for an unknown name")
	}
	rrs, _, trust, negative, covers, ok := db.Lookup(qname, dns.TypeA, time.Now())
	if !ok || negative || trust != TrustAnswer || covers != 0 || len(rrs) != 1 {
		t.Fatalf("unexpected positive lookup: rrs=%v trust=%v negative=%v covers=%v ok=%v", rrs, trust, negative, covers, ok)
	}
	if got := db.Entries(); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
	if got := db.HitRatio(); got != 50 {
		t.Fatalf("expected 50%% hit ratio after one miss and one hit, got %v", got)
	}
}

func TestLookupDistinguishesNXRRSetFromNXDomain(t *testing.T) {
	t.Parallel()
	db := New()
	rrsetName := dns.Fqdn("nxrrset.example")
	db.FindNode(rrsetName, true).AddNegative(dns.TypeAAAA, TrustAuthAnswer, time.Hour, time.Now())
	_, _, _, negative, covers, ok := db.Lookup(rrsetName, dns.TypeAAAA, time.Now())
	if !ok || !negative || covers != dns.TypeAAAA {
		t.Fatalf("expected an NXRRSET lookup covering AAAA, got negative=%v covers=%v ok=%v", negative, covers, ok)
	}

	domainName := dns.Fqdn("nxdomain.example")
	db.FindNode(domainName, true).AddNegative(dns.TypeANY, TrustAuthAnswer, time.Hour, time.Now())
	_, _, _, negative, covers, ok = db.Lookup(domainName, dns.TypeA, time.Now())
	if !ok || !negative || covers != dns.TypeANY {
		t.Fatalf("expected an NXDOMAIN lookup covering ANY, got negative=%v covers=%v ok=%v", negative, covers, ok)
	}
}

func TestCleanEvictsExpiredEntriesButKeepsLiveOnes(t *testing.T) {
	t.Parallel()
	db := New()
	past := time.Now().Add(-time.Hour)
	expired := dns.Fqdn("expired.example")
	live := dns.Fqdn("live.example")
	a := &dns.A{Hdr: dns.RR_Header{Name: expired, Rrtype: dns.TypeA, Ttl: 1}, A: net.IPv4(10, 0, 0, 1)}
	b := &dns.A{Hdr: dns.RR_Header{Name: live, Rrtype: dns.TypeA, Ttl: 300}, A: net.IPv4(10, 0, 0, 2)}
	db.FindNode(expired, true).AddRdataset(dns.TypeA, []dns.RR{a}, nil, TrustAnswer, time.Second, past)
	db.FindNode(live, true).AddRdataset(dns.TypeA, []dns.RR{b}, nil, TrustAnswer, time.Hour, time.Now())

	db.Clean()

	if db.FindNode(expired, false).HasPositive(dns.TypeA, time.Now()) {
		t.Fatal("expected the expired entry to be evicted")
	}
	if !db.FindNode(live, false).HasPositive(dns.TypeA, time.Now()) {
		t.Fatal("expected the live entry to survive Clean")
	}
}

func TestMinRdatasetTTLIgnoresOPT(t *testing.T) {
	t.Parallel()
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT, Ttl: 999}}
	a := &dns.A{Hdr: dns.RR_Header{Ttl: 42}}
	if got := MinRdatasetTTL([]dns.RR{opt, a}); got != 42 {
		t.Fatalf("expected OPT to be ignored, got %d", got)
	}
	if got := MinRdatasetTTL(nil); got != -1 {
		t.Fatalf("expected -1 for empty rrset, got %d", got)
	}
}
