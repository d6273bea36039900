package cache

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Result reports whether a write changed the node's state.
type Result int

const (
	// Added means the rdataset (or negative entry) is now the one stored,
	// either because none existed, the existing one expired, or the new
	// trust strictly exceeded the old one.
	Added Result = iota
	// Unchanged means an existing, unexpired, equal-or-higher-trust entry
	// was kept; the write was refused.
	Unchanged
)

type typeEntry struct {
	rrs     []dns.RR
	sigs    []dns.RR
	trust   Trust
	expires time.Time
}

type negEntry struct {
	trust   Trust
	expires time.Time
}

// Node is the per-owner-name slot of the cache DB. It holds one entry per
// rrtype plus a separate set of negative-cache entries keyed by the
// covered type (ANY for NXDOMAIN, a specific type for NXRRSET).
type Node struct {
	mu    sync.RWMutex
	name  string
	types map[uint16]*typeEntry
	neg   map[uint16]*negEntry
}

func newNode(name string) *Node {
	return &Node{name: name, types: make(map[uint16]*typeEntry), neg: make(map[uint16]*negEntry)}
}

// AddRdataset stores rrs (optionally with their covering SIGs) for rrtype
// at the given trust, refusing to overwrite a live entry of equal or
// higher trust.
func (n *Node) AddRdataset(rrtype uint16, rrs, sigs []dns.RR, trust Trust, ttl time.Duration, now time.Time) Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.types[rrtype]; ok {
		if now.Before(old.expires) && trust <= old.trust {
			return Unchanged
		}
	}
	n.types[rrtype] = &typeEntry{
		rrs:     append([]dns.RR(nil), rrs...),
		sigs:    append([]dns.RR(nil), sigs...),
		trust:   trust,
		expires: now.Add(ttl),
	}
	return Added
}

// Rdataset returns the cached rdataset for rrtype if present and unexpired.
func (n *Node) Rdataset(rrtype uint16, now time.Time) (rrs, sigs []dns.RR, trust Trust, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, found := n.types[rrtype]
	if !found || !now.Before(e.expires) {
		return nil, nil, TrustNone, false
	}
	return e.rrs, e.sigs, e.trust, true
}

// AddNegative records that this name has no data of type `covers`
// (ANY means the whole name is NXDOMAIN). It does not itself check for a
// conflicting live positive entry; caching.go's cacheNegative does that
// before calling in, via HasPositive, so a live positive rdataset for
// the exact covered type refuses the negative write outright.
func (n *Node) AddNegative(covers uint16, trust Trust, ttl time.Duration, now time.Time) Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.neg[covers]; ok {
		if now.Before(old.expires) && trust <= old.trust {
			return Unchanged
		}
	}
	n.neg[covers] = &negEntry{trust: trust, expires: now.Add(ttl)}
	return Added
}

// Negative reports whether this name has a live negative-cache entry for
// the given covered type.
func (n *Node) Negative(covers uint16, now time.Time) (trust Trust, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, found := n.neg[covers]
	if !found || !now.Before(e.expires) {
		return TrustNone, false
	}
	return e.trust, true
}

// HasPositive reports whether there is a live positive entry for rrtype,
// used by caching.go to decide whether a negative write should sharpen.
func (n *Node) HasPositive(rrtype uint16, now time.Time) bool {
	_, _, _, ok := n.Rdataset(rrtype, now)
	return ok
}
