package resolver

import (
	"net/netip"

	"github.com/miekg/dns"
)

// FetchResult is delivered exactly once per Fetch, on the channel
// returned by Fetch.Result, per spec.md §3/§7.
type FetchResult struct {
	Name          string
	Type          uint16
	Result        Result
	Rdataset      []dns.RR
	Sigset        []dns.RR
	Origin        netip.Addr
	ExtendedError uint16
	Secure        bool
	Err           error
}

// waiter is one caller's claim on an fctx's eventual result. It lives in
// the bucket-locked tier: fctx_join appends one under the bucket lock,
// sendevents sends to each and clears the list the same way.
type waiter struct {
	ch chan FetchResult
}

// Fetch is the handle CreateFetch returns. The caller reads exactly one
// FetchResult off Result(), then calls DestroyFetch.
type Fetch struct {
	res    *Resolver
	fx     *fctx
	w      *waiter
	closed bool
}

// Result returns the channel the fetch's terminal outcome is delivered
// on. It is never closed; exactly one value is sent.
func (f *Fetch) Result() <-chan FetchResult { return f.w.ch }

// Name and Type report what this fetch was created for.
func (f *Fetch) Name() string { return f.fx.origQname }
func (f *Fetch) Type() uint16 { return f.fx.qtype }

// sendevents delivers res to every waiter currently attached to fx and
// clears the waiter list, matching resolver.c's fctx_sendevents. Called
// under the bucket lock by fctx_done.
func (fx *fctx) sendevents(res FetchResult) {
	for _, w := range fx.waiters {
		w.ch <- res
	}
	fx.waiters = nil
}
