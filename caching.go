package resolver

import (
	"time"

	"github.com/dnscascade/resolver/cache"
	"github.com/miekg/dns"
)

// probeCache is the cheap check start (and chase, for each new target)
// runs to skip the network entirely: if a live rdataset or negative
// entry already covers this question, finish immediately. It goes through cacheDB.Lookup rather
// than FindNode/Rdataset/Negative directly so the DB's HitRatio
// reflects real fetch traffic.
func (fx *fctx) probeCache() bool {
	rrs, sigs, _, negative, covers, ok := fx.res.cacheDB.Lookup(fx.qname, fx.qtype, time.Now())
	if !ok {
		return false
	}
	if !negative {
		fx.finish(FetchResult{Result: Success, Rdataset: rrs, Sigset: sigs, Secure: fx.validateCached(rrs)})
		return true
	}
	if covers == dns.TypeANY {
		fx.finish(FetchResult{Result: NCacheNXDomain})
		return true
	}
	fx.finish(FetchResult{Result: NCacheNXRRSet})
	return true
}

func (fx *fctx) validateCached(rrs []dns.RR) bool {
	if fx.opts.has(NoValidate) || fx.res.validator == nil {
		return false
	}
	return fx.res.validator.Validate(rrs)
}

// cacheAnswer stores a positive rdataset of rrtype, owned by owner, at
// the given trust level. rrtype and owner are explicit rather than
// always fx.qtype/fx.qname because this also caches CNAME/DNAME records
// discovered while chasing a chain — a DNAME's owner can be a strict
// ancestor of fx.qname, not fx.qname itself.
func (fx *fctx) cacheAnswer(owner string, rrtype uint16, rrs, sigs []dns.RR, trust cache.Trust) {
	if len(rrs) == 0 {
		return
	}
	n := fx.res.cacheDB.FindNode(owner, true)
	ttl := fx.res.cacheDB.TTLFor(rrtype, dns.RcodeSuccess, cache.MinRdatasetTTL(rrs))
	n.AddRdataset(rrtype, rrs, sigs, trust, ttl, time.Now())
}

// cacheNegative records that name has no data of the given covered
// type, using soaTTL (the authority section's SOA minimum, or -1 if
// none was present) to derive the negative TTL of an NXRRSET entry; an
// NXDOMAIN entry (rcode NameError) always gets the cache DB's NXTTL.
func (fx *fctx) cacheNegative(name string, covers uint16, rcode int, soaTTL int, trust cache.Trust) {
	n := fx.res.cacheDB.FindNode(name, true)
	now := time.Now()
	if covers != dns.TypeANY && n.HasPositive(covers, now) {
		// A live positive entry for this exact type outranks a fresh
		// negative one; sharpens an NXRRSET attempt back to a plain hit.
		return
	}
	ttl := fx.res.cacheDB.TTLFor(covers, rcode, soaTTL)
	n.AddNegative(covers, trust, ttl, now)
}

// cacheReferral stores a zone's NS rdataset and any glue offered
// alongside it, both at Glue trust per spec.md's trust hierarchy.
func (fx *fctx) cacheReferral(zone string, nsRRs []dns.RR, glue map[string][]dns.RR) {
	n := fx.res.cacheDB.FindNode(zone, true)
	ttl := fx.res.cacheDB.TTLFor(dns.TypeNS, dns.RcodeSuccess, cache.MinRdatasetTTL(nsRRs))
	n.AddRdataset(dns.TypeNS, nsRRs, nil, cache.TrustGlue, ttl, time.Now())
	for owner, rrs := range glue {
		if len(rrs) == 0 {
			continue
		}
		gn := fx.res.cacheDB.FindNode(owner, true)
		gttl := fx.res.cacheDB.TTLFor(rrs[0].Header().Rrtype, dns.RcodeSuccess, cache.MinRdatasetTTL(rrs))
		gn.AddRdataset(rrs[0].Header().Rrtype, rrs, nil, cache.TrustGlue, gttl, time.Now())
	}
}

// soaMinTTL returns the SOA MINIMUM field from an authority section, or
// -1 if it carries no SOA record.
func soaMinTTL(rrs []dns.RR) int {
	for _, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			return int(soa.Minttl)
		}
	}
	return -1
}
