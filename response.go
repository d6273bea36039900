package resolver

import (
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/dnscascade/resolver/adb"
	"github.com/dnscascade/resolver/cache"
	"github.com/miekg/dns"
)

// errNonDescendingReferral means a reply's authority section named a
// zone cut that is not a descendant of the domain currently being
// queried: an ancestor or unrelated NS set offered where a deeper
// delegation was expected. Per spec.md §8 invariant 7 this is a fatal
// per-fetch error, not a referral to follow.
var errNonDescendingReferral = errors.New("resolver: referral zone is not a descendant of the current domain")

// handleResponse is resquery_response: the single entry point every
// attempt's outcome (a reply, a transport error, or a stale/canceled
// callback) funnels through.
func (fx *fctx) handleResponse(rq *resquery, resp *dns.Msg, err error) {
	if fx.state == fctxDone || fx.query != rq {
		return
	}
	rq.cancel()
	fx.query = nil

	if err != nil {
		fx.lastErr = err
		fx.res.maybeDisableIPv6(err)
		if fx.res.maybeDisableUdp(err) {
			fx.forceTCP = true
		}
		fx.try()
		return
	}

	fx.res.adb.AdjustSRTT(rq.addrInfo, time.Since(rq.start), adb.RTTAdjDefault)

	if resp.Truncated && rq.network == "udp" {
		fx.forceTCP = true
		fx.query = newResquery(fx, rq.addrInfo)
		fx.query.send()
		return
	}
	fx.forceTCP = false

	if !sameQuestion(resp, fx.qname, fx.qtype) {
		fx.logf("question mismatch domain=%s", fx.domain)
		fx.try()
		return
	}

	if resp.Rcode == dns.RcodeFormatError && !fx.opts.has(NoEDNS0) && !rq.addrInfo.HasFlag(adb.NoEDNS0) {
		fx.res.adb.ChangeFlags(rq.addrInfo, adb.NoEDNS0, 0)
		fx.query = newResquery(fx, rq.addrInfo)
		fx.query.send()
		return
	}

	switch resp.Rcode {
	case dns.RcodeServerFailure, dns.RcodeRefused, dns.RcodeNotImplemented:
		fx.try()
		return
	case dns.RcodeNameError:
		fx.noAnswerResponse(rq, resp)
		return
	}

	if hasOwnerType(resp.Answer, fx.qname, fx.qtype) || hasChain(resp.Answer, fx.qname) {
		fx.answerResponse(rq, resp)
		return
	}
	fx.noAnswerResponse(rq, resp)
}

// answerResponse is answer_response: the reply contains data that
// answers the question directly, or a CNAME/DNAME that must be chased
// before it can.
func (fx *fctx) answerResponse(rq *resquery, resp *dns.Msg) {
	if target, ok := cnameTarget(resp, fx.qname); ok && fx.qtype != dns.TypeCNAME {
		fx.cacheAnswer(fx.qname, dns.TypeCNAME, ownerRecords(resp.Answer, fx.qname, dns.TypeCNAME), nil, trustFor(resp, true))
		fx.chained, fx.chainType, fx.chainRRType = true, CNAME, dns.TypeCNAME
		fx.chase(target)
		return
	}
	if target, ok := dnameTarget(resp, fx.qname); ok && fx.qtype != dns.TypeDNAME {
		owner := dnameOwnerFor(resp, fx.qname)
		fx.cacheAnswer(owner, dns.TypeDNAME, ownerRecords(resp.Answer, owner, dns.TypeDNAME), nil, trustFor(resp, true))
		fx.chained, fx.chainType, fx.chainRRType = true, DNAME, dns.TypeDNAME
		fx.chase(target)
		return
	}

	rrs := ownerRecords(resp.Answer, fx.qname, fx.qtype)
	sigs := ownerRecords(resp.Answer, fx.qname, dns.TypeRRSIG)
	trust := trustFor(resp, fx.chained)
	fx.cacheAnswer(fx.qname, fx.qtype, rrs, sigs, trust)
	fx.finish(FetchResult{
		Result:   Success,
		Rdataset: rrs,
		Sigset:   sigs,
		Origin:   rq.addrInfo.Addr,
		Secure:   fx.validateCached(rrs),
	})
}

// chase follows a CNAME/DNAME target: the fetch restarts from the root
// (or forwarders) for the new name rather than assuming the target sits
// under the zone it was just discovered in.
func (fx *fctx) chase(target string) {
	fx.chaseDepth++
	if fx.chaseDepth > maxChase {
		fx.finish(FetchResult{Result: ServFail, Err: ErrServFail})
		return
	}
	fx.qname = dns.Fqdn(strings.ToLower(target))
	fx.domain = "."
	if len(fx.forwarders) == 0 {
		fx.nameservers = []string{rootHintsName}
	}
	fx.nsAddrs = nil
	fx.nsIdx = 0
	fx.restarts = 0
	if fx.probeCache() {
		return
	}
	fx.try()
}

// noAnswerResponse is noanswer_response: classify a reply with nothing
// in its answer section as a referral deeper into the delegation chain,
// an authoritative negative answer, or a lame server to move past.
func (fx *fctx) noAnswerResponse(rq *resquery, resp *dns.Msg) {
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		fx.try()
		return
	}

	if resp.Rcode == dns.RcodeSuccess {
		zone, nsNames, nsRRs, glueRRs, err := extractReferral(resp, fx.qname, fx.domain)
		if err != nil {
			fx.logf("referral rejected domain=%s err=%v", fx.domain, err)
			fx.finish(FetchResult{Result: ServFail, Err: ErrServFail, ExtendedError: ExtendedErrorCodeFromError(err)})
			return
		}
		if zone != "" {
			fx.logf("referral zone=%s nscount=%d", zone, len(nsNames))
			fx.cacheReferral(zone, nsRRs, glueRRs)
			glue := make(map[string][]netip.Addr, len(glueRRs))
			for owner, rrs := range glueRRs {
				glue[owner] = addrsFromRdataset(rrs)
			}
			fx.replaceDomain(zone, nsNames, glue)
			fx.try()
			return
		}
	}

	// Neither a referral nor an authoritative claim: this server was
	// delegated fx.domain but answered without AA, per spec.md §4.5's
	// broken_server/lame path. Mark it lame for this zone and move to
	// the next address instead of caching the reply as if it were a
	// genuine authoritative negative answer.
	if !resp.Authoritative {
		fx.logf("lame server=%s domain=%s", rq.addrInfo.Addr, fx.domain)
		fx.res.adb.MarkLame(rq.addrInfo, fx.domain, time.Now())
		fx.try()
		return
	}

	if resp.Rcode == dns.RcodeNameError {
		fx.cacheNegative(fx.qname, dns.TypeANY, resp.Rcode, soaMinTTL(resp.Ns), trustFor(resp, fx.chained))
		fx.finish(FetchResult{Result: NCacheNXDomain, Origin: rq.addrInfo.Addr})
		return
	}

	// NOERROR with an empty answer and no usable referral is NODATA.
	fx.cacheNegative(fx.qname, fx.qtype, resp.Rcode, soaMinTTL(resp.Ns), trustFor(resp, fx.chained))
	fx.finish(FetchResult{Result: NCacheNXRRSet, Origin: rq.addrInfo.Addr})
}

// trustFor derives the cache trust to store a response's data at.
// authanswer applies only when the server claimed authority and this
// leg is not part of a CNAME/DNAME chain; a chained leg caps at answer
// trust even when AA=1, per spec.md §4.5.
func trustFor(resp *dns.Msg, chaining bool) cache.Trust {
	if resp.Authoritative && !chaining {
		return cache.TrustAuthAnswer
	}
	return cache.TrustAnswer
}

// sameQuestion is same_question: a reply must echo exactly the question
// this fetch asked, or it is treated as a FORMERR-equivalent and dropped
// in favor of trying the next address, per spec.md §4.5. This guards
// against a misrouted or spoofed reply that happens to match the
// (address, id) pair the dispatcher keyed its callback on but answers a
// different question than the one outstanding.
func sameQuestion(resp *dns.Msg, qname string, qtype uint16) bool {
	if len(resp.Question) != 1 {
		return false
	}
	q := resp.Question[0]
	return q.Qtype == qtype && q.Qclass == dns.ClassINET && strings.EqualFold(q.Name, qname)
}

func hasOwnerType(rrs []dns.RR, owner string, rrtype uint16) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == rrtype && strings.EqualFold(rr.Header().Name, owner) {
			return true
		}
	}
	return false
}

func hasChain(rrs []dns.RR, owner string) bool {
	return hasOwnerType(rrs, owner, dns.TypeCNAME) || hasOwnerType(rrs, owner, dns.TypeDNAME)
}

func ownerRecords(rrs []dns.RR, owner string, rrtype uint16) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype == rrtype && strings.EqualFold(rr.Header().Name, owner) {
			out = append(out, rr)
		}
	}
	return out
}

func cnameTarget(resp *dns.Msg, owner string) (string, bool) {
	for _, rr := range resp.Answer {
		if c, ok := rr.(*dns.CNAME); ok && strings.EqualFold(c.Hdr.Name, owner) {
			return dns.Fqdn(strings.ToLower(c.Target)), true
		}
	}
	return "", false
}

// dnameTarget finds a DNAME covering qname and synthesizes the rewritten
// name per RFC 6672.
func dnameTarget(resp *dns.Msg, qname string) (string, bool) {
	q := strings.ToLower(qname)
	for _, rr := range resp.Answer {
		if d, ok := rr.(*dns.DNAME); ok {
			owner := strings.ToLower(d.Hdr.Name)
			if strings.HasSuffix(q, owner) {
				prefix := strings.TrimSuffix(strings.TrimSuffix(q, owner), ".")
				return dns.Fqdn(strings.Trim(prefix, ".") + "." + strings.ToLower(d.Target)), true
			}
		}
	}
	return "", false
}

func dnameOwnerFor(resp *dns.Msg, qname string) string {
	q := strings.ToLower(qname)
	for _, rr := range resp.Answer {
		if d, ok := rr.(*dns.DNAME); ok && strings.HasSuffix(q, strings.ToLower(d.Hdr.Name)) {
			return d.Hdr.Name
		}
	}
	return qname
}

// extractReferral looks for an NS rdataset in resp's authority section
// whose owner is a proper subdomain of currentDomain and a suffix of
// qname: that's the next, deeper zone cut. Matching glue from the
// additional section is returned grouped by owner name.
//
// An NS owner that is a suffix of qname but NOT a descendant of
// currentDomain (an ancestor zone, or an unrelated one) is not a
// referral to follow: it would move the zone cut upward, which
// spec.md §8 invariant 7 treats as fatal. That case reports
// errNonDescendingReferral instead of silently skipping the record.
func extractReferral(resp *dns.Msg, qname, currentDomain string) (zone string, nsNames []string, nsRRs []dns.RR, glue map[string][]dns.RR, err error) {
	currentDomain = strings.ToLower(currentDomain)
	var bestZone string
	for _, rr := range resp.Ns {
		ns, isNS := rr.(*dns.NS)
		if !isNS {
			continue
		}
		owner := strings.ToLower(ns.Hdr.Name)
		if !dns.IsSubDomain(owner, strings.ToLower(qname)) {
			continue
		}
		if strings.EqualFold(owner, currentDomain) {
			continue
		}
		if !dns.IsSubDomain(currentDomain, owner) {
			return "", nil, nil, nil, errNonDescendingReferral
		}
		if bestZone == "" || len(owner) > len(bestZone) {
			bestZone = owner
		}
	}
	if bestZone == "" {
		return "", nil, nil, nil, nil
	}
	for _, rr := range resp.Ns {
		if ns, isNS := rr.(*dns.NS); isNS && strings.EqualFold(ns.Hdr.Name, bestZone) {
			nsRRs = append(nsRRs, rr)
			nsNames = append(nsNames, strings.ToLower(ns.Ns))
		}
	}
	if len(nsRRs) == 0 {
		return "", nil, nil, nil, nil
	}
	glue = make(map[string][]dns.RR)
	for _, rr := range resp.Extra {
		owner := strings.ToLower(rr.Header().Name)
		switch rr.Header().Rrtype {
		case dns.TypeA, dns.TypeAAAA:
			glue[owner] = append(glue[owner], rr)
		}
	}
	return bestZone, nsNames, nsRRs, glue, nil
}
