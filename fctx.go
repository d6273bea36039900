package resolver

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/dnscascade/resolver/adb"
	"github.com/miekg/dns"
)

type fctxState int

const (
	fctxInit fctxState = iota
	fctxActive
	fctxDone
)

// lifetime is the absolute ceiling on how long a fetch-context may run,
// grounded on resolver.c's view->resquerytimeout/max-recursion-time.
const lifetime = 90 * time.Second

// restartLimit caps how many times fctx_try may restart its address
// cycle before giving up, grounded on resolver.c's fctx->restarts check.
const restartLimit = 10

// fctx is one fetch-context: the state machine that walks the
// delegation chain for a single (qname, qtype, opts) question. Its
// fields fall into three tiers:
//   - immutable: set at fctx_create and never written again.
//   - bucket-locked: state/waiters/refs, guarded by bucket.mu so
//     CreateFetch/DestroyFetch can touch them from any goroutine.
//   - task-only: everything else, touched only from inside closures run
//     on bucket.task, which serializes all work for every fctx in that
//     bucket onto one goroutine.
type fctx struct {
	// immutable
	res    *Resolver
	bucket *bucket
	ctx    context.Context
	key    string
	qname  string
	qtype  uint16
	opts   Options

	// bucket-locked
	state   fctxState
	waiters []*waiter
	refs    int

	// task-only
	origQname   string
	domain      string
	nameservers []string
	forwarders  []*adb.AddrInfo
	nsAddrs     []*adb.AddrInfo
	nsIdx       int
	tried       map[netip.Addr]bool
	restarts    int
	chaseDepth  int
	chained     bool
	chainType   Result
	chainRRType uint16
	forceTCP    bool
	query       *resquery
	pendingFind *adb.Find
	lifeTimer   *time.Timer
	retryTimer  *time.Timer
	lastErr     error

	trace      io.Writer
	traceStart time.Time
}

func newFctx(res *Resolver, b *bucket, ctx context.Context, key, qname string, qtype uint16, opts Options) *fctx {
	fx := &fctx{
		res:       res,
		bucket:    b,
		ctx:       ctx,
		key:       key,
		qname:     qname,
		origQname: qname,
		qtype:     qtype,
		opts:      opts,
		state:     fctxInit,
		tried:     make(map[netip.Addr]bool),
		trace:     res.Trace,
	}
	fx.traceStart = time.Now()
	res.mu.RLock()
	policy := res.fwdPolicy
	res.mu.RUnlock()
	switch policy {
	case ForwardOnly:
		fx.domain = "."
	default:
		fx.domain = "."
		fx.nameservers = []string{rootHintsName}
	}
	if policy != ForwardNone {
		res.mu.RLock()
		for _, a := range res.forwarders {
			ai := res.adb.FindAddrInfo(a)
			res.adb.ChangeFlags(ai, adb.Forwarder, 0)
			fx.forwarders = append(fx.forwarders, ai)
		}
		res.mu.RUnlock()
	}
	return fx
}

// logf writes a depth-free, elapsed-time-prefixed trace line to the
// resolver's configured Trace writer, grounded on linkdata-resolver's
// query.logf. A nil Trace (the default) makes this a no-op.
func (fx *fctx) logf(format string, args ...any) {
	if fx.trace == nil {
		return
	}
	fmt.Fprintf(fx.trace, "[%6dms] %s %s: ", time.Since(fx.traceStart).Milliseconds(), dns.TypeToString[fx.qtype], fx.qname)
	fmt.Fprintf(fx.trace, format, args...)
	fmt.Fprintln(fx.trace)
}

// start is the task entry point for a freshly created fctx.
func (fx *fctx) start() {
	fx.bucket.mu.Lock()
	fx.state = fctxActive
	fx.bucket.mu.Unlock()

	fx.logf("start domain=%s", fx.domain)
	fx.lifeTimer = time.AfterFunc(lifetime, func() { fx.bucket.task.send(fx.onLifetimeExpired) })

	if fx.probeCache() {
		return
	}
	fx.try()
}

func (fx *fctx) onLifetimeExpired() {
	if fx.state == fctxDone {
		return
	}
	fx.finish(FetchResult{Result: TimedOut, Err: ErrTimedOut, ExtendedError: ExtendedErrorCodeFromError(ErrTimedOut)})
}

// doShutdown abandons an fctx without a normal answer, used when the
// resolver is shutting down or the last waiter gave up.
func (fx *fctx) doShutdown() {
	if fx.state == fctxDone {
		return
	}
	fx.finish(FetchResult{Result: ShuttingDown, Err: ErrShuttingDown})
}

// try is fctx_try: acquire (or continue acquiring) addresses for the
// current domain, pick the next untried one, and issue a query.
func (fx *fctx) try() {
	if fx.state == fctxDone {
		return
	}
	addr := fx.nextAddress()
	if addr == nil {
		if !fx.getAddresses() {
			err := fx.lastErr
			if err == nil {
				err = ErrNoAddresses
			}
			fx.logf("no addresses domain=%s restarts=%d", fx.domain, fx.restarts)
			fx.finish(FetchResult{Result: ServFail, Err: err, ExtendedError: ExtendedErrorCodeFromError(err)})
			return
		}
		addr = fx.nextAddress()
		if addr == nil {
			// getAddresses is waiting on an asynchronous ADB find;
			// fctx_nextaddress will be retried from its callback.
			return
		}
	}
	fx.logf("query domain=%s server=%s", fx.domain, addr.Addr)
	fx.query = newResquery(fx, addr)
	fx.query.send()
}

func (fx *fctx) stopTimers() {
	if fx.lifeTimer != nil {
		fx.lifeTimer.Stop()
	}
	if fx.retryTimer != nil {
		fx.retryTimer.Stop()
	}
}

// finish is fctx_done: record the final answer, fan it out to every
// waiter, and release the fctx from its bucket's table.
func (fx *fctx) finish(res FetchResult) {
	fx.stopTimers()
	res.Name = fx.origQname
	res.Type = fx.qtype

	// A fetch that followed a CNAME/DNAME reports that chaining as its
	// result even when the chase eventually lands on data or a negative
	// answer for the target, per cache_message's result-sharpening rule.
	if fx.chained {
		switch res.Result {
		case Success, NCacheNXDomain, NCacheNXRRSet:
			res.Result = fx.chainType
			if len(res.Rdataset) == 0 {
				if n := fx.res.cacheDB.FindNode(fx.origQname, false); n != nil {
					if rrs, sigs, _, ok := n.Rdataset(fx.chainRRType, time.Now()); ok {
						res.Rdataset, res.Sigset = rrs, sigs
					}
				}
			}
		}
	}
	fx.logf("done result=%s err=%v", res.Result, res.Err)

	fx.bucket.mu.Lock()
	fx.state = fctxDone
	fx.sendevents(res)
	if fx.bucket.fctxs[fx.key] == fx {
		delete(fx.bucket.fctxs, fx.key)
	}
	fx.bucket.mu.Unlock()
}
