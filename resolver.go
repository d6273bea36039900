// Package resolver implements an iterative, BIND9-style DNS resolver: a
// Resolver accepts fetches for (name, type) pairs and walks the
// delegation chain from the root (or a configured set of forwarders)
// down to an answer, coalescing concurrent fetches for the same
// question and caching what it learns along the way.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/dnscascade/resolver/adb"
	"github.com/dnscascade/resolver/cache"
	"github.com/dnscascade/resolver/dispatch"
	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

//go:generate go run ./cmd/genhints roothints.go

// maxChase bounds how many CNAME/DNAME indirections a single fetch will
// follow before giving up.
const maxChase = 16

// rootHintsName is the synthetic NS owner name the root hint addresses
// are seeded under in the address database, so the very first delegation
// step goes through the same CreateFind path as every other NS name.
const rootHintsName = "root-hints."

// Resolver is the top-level handle: create one, configure it, Freeze it,
// then CreateFetch as many times as needed.
type Resolver struct {
	proxy.ContextDialer
	Timeout time.Duration
	DNSPort uint16

	// Trace, if set, receives an elapsed-time-prefixed per-fetch trace line for
	// every notable event in each fctx's walk, in linkdata-resolver's
	// query.logf style. Nil (the default) disables tracing entirely.
	Trace io.Writer

	mu          sync.RWMutex
	frozen      bool
	exiting     bool
	refs        int
	shutdownCh  chan struct{}
	useIPv4     bool
	useIPv6     bool
	useUDP      bool
	rootServers []netip.Addr
	forwarders  []netip.Addr
	fwdPolicy   ForwardPolicy

	adb        *adb.DB
	cacheDB    *cache.DB
	dispatch4  *dispatch.Dispatcher
	dispatch6  *dispatch.Dispatcher
	buckets    [numBuckets]*bucket
	validator  Validator
	cleanStop  chan struct{}
	cleanTimer *time.Ticker
}

// cacheCleanInterval is how often Freeze's background sweep walks the
// cache DB evicting expired entries, independent of any lookup.
const cacheCleanInterval = 5 * time.Minute

// CacheStats reports the cache DB's current size and lookup hit ratio,
// for callers that want to monitor the resolver rather than drive it.
func (r *Resolver) CacheStats() (entries int, hitRatio float64) {
	return r.cacheDB.Entries(), r.cacheDB.HitRatio()
}

// New returns an unfrozen Resolver seeded with the IANA root hints.
// Configure it (SetForwarders, SetForwardPolicy) and call Freeze before
// the first CreateFetch.
func New() *Resolver {
	var roots []netip.Addr
	roots = append(roots, Roots4...)
	roots = append(roots, Roots6...)
	r := &Resolver{
		ContextDialer: &net.Dialer{},
		Timeout:       3 * time.Second,
		DNSPort:       53,
		useIPv4:       len(Roots4) > 0,
		useIPv6:       len(Roots6) > 0,
		useUDP:        true,
		rootServers:   roots,
		shutdownCh:    make(chan struct{}),
		cacheDB:       cache.New(),
		validator:     alwaysInsecure{},
	}
	r.adb = adb.New(r.lookupHost)
	r.adb.Seed(rootHintsName, roots)
	for i := range r.buckets {
		r.buckets[i] = newBucket(r, i)
	}
	return r
}

// SetForwarders replaces the forwarder address list. It returns
// ErrAlreadyFrozen once Freeze has been called.
func (r *Resolver) SetForwarders(addrs []netip.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrAlreadyFrozen
	}
	r.forwarders = append([]netip.Addr(nil), addrs...)
	return nil
}

// SetForwardPolicy sets how forwarders interact with NS discovery.
func (r *Resolver) SetForwardPolicy(p ForwardPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrAlreadyFrozen
	}
	r.fwdPolicy = p
	return nil
}

// Freeze locks in configuration and opens the shared UDP dispatchers.
// CreateFetch refuses to run before Freeze, and SetForwarders/
// SetForwardPolicy refuse to run after it.
func (r *Resolver) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrAlreadyFrozen
	}
	if r.useIPv4 {
		d4, err := dispatch.Listen("udp4")
		if err != nil {
			return fmt.Errorf("resolver: freeze: %w", err)
		}
		r.dispatch4 = d4
	}
	if r.useIPv6 {
		d6, err := dispatch.Listen("udp6")
		if err != nil {
			if r.dispatch4 != nil {
				_ = r.dispatch4.Close()
			}
			return fmt.Errorf("resolver: freeze: %w", err)
		}
		r.dispatch6 = d6
	}
	r.cleanStop = make(chan struct{})
	r.cleanTimer = time.NewTicker(cacheCleanInterval)
	go r.cleanLoop()

	r.frozen = true
	return nil
}

// cleanLoop periodically evicts expired cache entries. It runs on its
// own goroutine, never the bucket task, since Clean walks every node in
// the DB and shouldn't compete with fetch-handling latency.
func (r *Resolver) cleanLoop() {
	for {
		select {
		case <-r.cleanTimer.C:
			r.cacheDB.Clean()
		case <-r.cleanStop:
			return
		}
	}
}

// Attach adds a reference preventing Shutdown from completing. Every
// CreateFetch holds one implicitly for the life of its Fetch.
func (r *Resolver) Attach() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

// Detach releases a reference taken by Attach.
func (r *Resolver) Detach() {
	r.mu.Lock()
	r.refs--
	done := r.exiting && r.refs <= 0
	r.mu.Unlock()
	if done {
		r.doShutdown()
	}
}

// Shutdown begins graceful shutdown: every bucket's outstanding fctxs
// are told to finish with ShuttingDown, and once the last reference is
// released the dispatchers are closed and WhenShutdown's channel closes.
func (r *Resolver) Shutdown() {
	r.mu.Lock()
	if r.exiting {
		r.mu.Unlock()
		return
	}
	r.exiting = true
	done := r.refs <= 0
	r.mu.Unlock()
	for _, b := range r.buckets {
		b.shutdown()
	}
	if done {
		r.doShutdown()
	}
}

func (r *Resolver) doShutdown() {
	for _, b := range r.buckets {
		b.task.close()
	}
	if r.cleanTimer != nil {
		r.cleanTimer.Stop()
		close(r.cleanStop)
	}
	if r.dispatch4 != nil {
		_ = r.dispatch4.Close()
	}
	if r.dispatch6 != nil {
		_ = r.dispatch6.Close()
	}
	close(r.shutdownCh)
}

// WhenShutdown returns a channel that closes once Shutdown has fully
// drained every bucket and torn down the dispatchers.
func (r *Resolver) WhenShutdown() <-chan struct{} { return r.shutdownCh }

// CreateFetch starts (or joins) an iterative lookup for name/qtype.
// The caller must read Fetch.Result() exactly once and then call
// DestroyFetch.
func (r *Resolver) CreateFetch(ctx context.Context, name string, qtype uint16, opts Options) (*Fetch, error) {
	r.mu.RLock()
	exiting, frozen := r.exiting, r.frozen
	r.mu.RUnlock()
	if exiting {
		return nil, ErrShuttingDown
	}
	if !frozen {
		return nil, ErrNotFrozen
	}

	qname := dns.Fqdn(strings.ToLower(name))
	key := fctxKey(qname, qtype, opts)
	idx := bucketIndex(key)
	b := r.buckets[idx]

	w := &waiter{ch: make(chan FetchResult, 1)}

	b.mu.Lock()
	var fx *fctx
	if !opts.has(Unshared) {
		if existing, ok := b.fctxs[key]; ok && existing.state != fctxDone {
			fx = existing
		}
	}
	isNew := fx == nil
	if isNew {
		fx = newFctx(r, b, ctx, key, qname, qtype, opts)
		if !opts.has(Unshared) {
			b.fctxs[key] = fx
		}
	}
	fx.refs++
	fx.waiters = append(fx.waiters, w)
	b.mu.Unlock()

	if isNew {
		b.task.send(fx.start)
	}

	r.Attach()
	return &Fetch{res: r, fx: fx, w: w}, nil
}

// cancelOrDestroy implements both CancelFetch and DestroyFetch: drop
// this waiter's claim, and if it was the last one, tell the fctx's task
// to stop working on it. When deliverCanceled is set (CancelFetch) and
// the waiter was actually still attached, it is sent a Canceled result
// first, under the same bucket lock fctx.finish's sendevents uses, so a
// result racing in from the task can never double-deliver to it.
func (f *Fetch) cancelOrDestroy(deliverCanceled bool) {
	if f.closed {
		return
	}
	f.closed = true
	fx := f.fx
	b := fx.bucket
	b.mu.Lock()
	removed := false
	for i, w := range fx.waiters {
		if w == f.w {
			fx.waiters = append(fx.waiters[:i], fx.waiters[i+1:]...)
			removed = true
			break
		}
	}
	if deliverCanceled && removed && fx.state != fctxDone {
		f.w.ch <- FetchResult{Name: fx.origQname, Type: fx.qtype, Result: Canceled, Err: ErrCanceled}
	}
	fx.refs--
	refs := fx.refs
	state := fx.state
	b.mu.Unlock()
	if refs <= 0 && state != fctxDone {
		b.task.send(fx.doShutdown)
	}
	f.res.Detach()
}

// CancelFetch stops waiting on f and delivers it a Canceled result, per
// spec.md §4.2's cancelfetch: every joined waiter observes exactly one
// result, even one that gave up before the fetch finished.
func (r *Resolver) CancelFetch(f *Fetch) { f.cancelOrDestroy(true) }

// DestroyFetch releases f after its result has been read (or the caller
// no longer wants it); it never sends a second result to f.
func (r *Resolver) DestroyFetch(f *Fetch) { f.cancelOrDestroy(false) }

// lookupHost is the adb.LookupHost callback: it resolves a bare NS name
// (no glue offered) by issuing A/AAAA fetches through this very
// Resolver, grounded on linkdata-resolver's resolveNSAddrs.
func (r *Resolver) lookupHost(ctx context.Context, name string, wantINET, wantINET6 bool) ([]netip.Addr, error) {
	var out []netip.Addr
	if wantINET {
		out = append(out, r.lookupHostType(ctx, name, dns.TypeA)...)
	}
	if wantINET6 {
		out = append(out, r.lookupHostType(ctx, name, dns.TypeAAAA)...)
	}
	return out, nil
}

func (r *Resolver) lookupHostType(ctx context.Context, name string, qtype uint16) []netip.Addr {
	f, err := r.CreateFetch(ctx, name, qtype, Unshared)
	if err != nil {
		return nil
	}
	defer r.DestroyFetch(f)
	select {
	case res := <-f.Result():
		return addrsFromRdataset(res.Rdataset)
	case <-ctx.Done():
		return nil
	}
}

func addrsFromRdataset(rrs []dns.RR) []netip.Addr {
	var out []netip.Addr
	for _, rr := range rrs {
		switch a := rr.(type) {
		case *dns.A:
			if addr := ipToAddr(a.A); addr.IsValid() {
				out = append(out, addr)
			}
		case *dns.AAAA:
			if addr := ipToAddr(a.AAAA); addr.IsValid() {
				out = append(out, addr)
			}
		}
	}
	return out
}

func ipToAddr(ip net.IP) (addr netip.Addr) {
	if ip != nil {
		if v4 := ip.To4(); v4 != nil {
			addr = netip.AddrFrom4([4]byte(v4))
		} else if v6 := ip.To16(); v6 != nil {
			addr = netip.AddrFrom16([16]byte(v6))
		}
	}
	return
}

func (r *Resolver) usingUDP() (yes bool) {
	r.mu.RLock()
	yes = r.useUDP
	r.mu.RUnlock()
	return
}

func (r *Resolver) usingIPv4() (yes bool) {
	r.mu.RLock()
	yes = r.useIPv4
	r.mu.RUnlock()
	return
}

func (r *Resolver) usingIPv6() (yes bool) {
	r.mu.RLock()
	yes = r.useIPv6
	r.mu.RUnlock()
	return
}

func (r *Resolver) addrPort(addr netip.Addr) netip.AddrPort {
	port := r.DNSPort
	if port == 0 {
		port = 53
	}
	return netip.AddrPortFrom(addr, port)
}

func (r *Resolver) deadline(ctx context.Context) time.Time {
	var deadline time.Time
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
	}
	if r.Timeout > 0 {
		limit := time.Now().Add(r.Timeout)
		if deadline.IsZero() || limit.Before(deadline) {
			deadline = limit
		}
	}
	return deadline
}

// Validator decides whether a cached rdataset should be considered
// DNSSEC-secure; the resolver ships only the always-insecure stub (see
// DESIGN.md for why real validation is left as an open question).
type Validator interface {
	Validate(rrs []dns.RR) bool
}

type alwaysInsecure struct{}

func (alwaysInsecure) Validate([]dns.RR) bool { return false }
