// Package adb implements the resolver's Address Database: the
// collaborator that turns nameserver names into addresses (with smoothed
// RTT and lameness/EDNS0 tracking attached), per spec.md §4.3 and §6.
//
// It is deliberately free of any import on the root resolver package: a
// CreateFind that needs to resolve a bare NS name (no glue was offered)
// calls back into a caller-supplied LookupHost function rather than
// reaching into a *Resolver directly, which both avoids an import cycle
// and matches the spec's framing of the ADB as an independent
// collaborator the fetch-context machine calls into.
package adb

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// LookupHost resolves name to a set of addresses. The resolver wires this
// to its own iterative Resolve for A and AAAA, exactly as
// linkdata-resolver's resolveNSAddrs does inline.
type LookupHost func(ctx context.Context, name string, wantINET, wantINET6 bool) ([]netip.Addr, error)

// DB is the Address Database.
type DB struct {
	Lookup LookupHost

	mu           sync.Mutex
	byName       map[string][]*AddrInfo   // known NS-name -> addresses
	byAddr       map[netip.Addr]*AddrInfo // every AddrInfo we've ever minted, by address
	inflight     map[string]*Find         // name -> in-progress Find, for coalescing
	emptyWaiters map[string][]*Find       // name -> Finds parked on EmptyEvent, woken by Seed
}

// New returns an empty Address Database. lookup may be nil if the caller
// never needs CreateFind to resolve a bare NS name (e.g. glue is always
// present in tests).
func New(lookup LookupHost) *DB {
	return &DB{
		Lookup:       lookup,
		byName:       make(map[string][]*AddrInfo),
		byAddr:       make(map[netip.Addr]*AddrInfo),
		inflight:     make(map[string]*Find),
		emptyWaiters: make(map[string][]*Find),
	}
}

func (db *DB) intern(addr netip.Addr, name string) *AddrInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	if ai, ok := db.byAddr[addr]; ok {
		if ai.Name == "" && name != "" {
			ai.Name = name
		}
		return ai
	}
	ai := newAddrInfo(addr, name)
	db.byAddr[addr] = ai
	return ai
}

// Seed records addrs as already-known, glue-sourced addresses for name
// (e.g. from a referral's additional section), so a subsequent
// CreateFind for name returns them without a lookup. Any Find parked
// earlier on EmptyEvent for this name (because AvoidFetches forbade a
// lookup when nothing was known yet) wakes up with these addresses.
func (db *DB) Seed(name string, addrs []netip.Addr) []*AddrInfo {
	name = strings.ToLower(name)
	out := make([]*AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, db.intern(a, name))
	}
	db.mu.Lock()
	db.byName[name] = out
	var waiters []*Find
	if len(out) > 0 {
		waiters = db.emptyWaiters[name]
		delete(db.emptyWaiters, name)
	}
	db.mu.Unlock()
	for _, f := range waiters {
		f.Result = out
		close(f.done)
	}
	return out
}

// FindAddrInfo converts a bare address (typically from a forwarder list)
// into an AddrInfo, minting one if this is the first time it's seen.
func (db *DB) FindAddrInfo(addr netip.Addr) *AddrInfo {
	return db.intern(addr, "")
}

// CreateFind looks up addresses for an NS name. If addresses are already
// known it returns them synchronously with a closed Done channel. If
// nothing is known and opts includes WantEvent, it starts (or joins) a
// background lookup via db.Lookup and returns a Find whose Done channel
// closes when that lookup completes and whose Result is populated at
// that point.
//
// StartAtRoot overrides AvoidFetches: a caller resolving an NS name that
// might sit at or below the zone it's already walking cannot afford to
// be stranded waiting on glue that may never arrive, so it always gets a
// real lookup. Without StartAtRoot, AvoidFetches with nothing known and
// EmptyEvent set parks the Find until a later Seed call for this name
// wakes it, instead of starting a lookup.
func (db *DB) CreateFind(ctx context.Context, name string, opts FindOptions, now time.Time) (*Find, error) {
	key := strings.ToLower(name)

	db.mu.Lock()
	if known, ok := db.byName[key]; ok && len(known) > 0 {
		db.mu.Unlock()
		f := &Find{Name: key, Result: known, done: closedChan()}
		return f, nil
	}
	if pending, ok := db.inflight[key]; ok {
		db.mu.Unlock()
		return pending, nil
	}
	db.mu.Unlock()

	if opts&AvoidFetches != 0 && opts&StartAtRoot == 0 {
		if opts&EmptyEvent != 0 {
			db.mu.Lock()
			f := &Find{Name: key, done: make(chan struct{})}
			db.emptyWaiters[key] = append(db.emptyWaiters[key], f)
			db.mu.Unlock()
			return f, nil
		}
		return &Find{Name: key, done: closedChan()}, nil
	}
	if opts&WantEvent == 0 {
		return &Find{Name: key, done: closedChan()}, nil
	}
	if db.Lookup == nil {
		return &Find{Name: key, done: closedChan()}, nil
	}

	f := &Find{Name: key, done: make(chan struct{})}
	db.mu.Lock()
	db.inflight[key] = f
	db.mu.Unlock()

	go db.resolveAsync(ctx, key, f, opts)
	return f, nil
}

func (db *DB) resolveAsync(ctx context.Context, key string, f *Find, opts FindOptions) {
	// Neither WantINET nor WantINET6 set is an empty request, not a
	// default one: fall back to INET-only so a caller that never wired
	// the new bits still gets its accustomed behavior.
	wantINET := opts&WantINET != 0 || opts&(WantINET|WantINET6) == 0
	wantINET6 := opts&WantINET6 != 0
	addrs, _ := db.Lookup(ctx, key, wantINET, wantINET6)
	ais := make([]*AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		ais = append(ais, db.intern(a, key))
	}
	db.mu.Lock()
	if len(ais) > 0 {
		db.byName[key] = ais
	}
	delete(db.inflight, key)
	f.Result = ais
	db.mu.Unlock()
	close(f.done)
}

// AdjustSRTT updates an AddrInfo's smoothed RTT using an exponential
// moving average weighted by factor (RTTAdjDefault on a normal response,
// RTTAdjReplace when penalizing a non-response), per spec.md §5.
func (db *DB) AdjustSRTT(ai *AddrInfo, rtt time.Duration, factor int) {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	if ai.srtt == 0 {
		ai.srtt = rtt
		return
	}
	ai.srtt = (ai.srtt*time.Duration(10-factor) + rtt*time.Duration(factor)) / 10
}

// ChangeFlags atomically sets and clears bits on an AddrInfo's flag set.
func (db *DB) ChangeFlags(ai *AddrInfo, set, clear Flags) {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	ai.flags = (ai.flags &^ clear) | set
}

// MarkLame records that ai answered non-authoritatively for zone. A
// failure to record is not surfaced: per spec.md §9's Open Questions,
// lame-marking failures are treated as non-fatal, matching the source's
// (accidental) behavior of discarding the underlying error.
func (db *DB) MarkLame(ai *AddrInfo, zone string, now time.Time) {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	ai.lameZones[strings.ToLower(zone)] = now.Add(LameMarkLifetime)
	ai.flags |= Lame
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
