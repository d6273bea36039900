package resolver

import (
	"net/netip"
	"time"

	"github.com/dnscascade/resolver/adb"
	"github.com/dnscascade/resolver/dispatch"
	"github.com/miekg/dns"
)

// resquery is one outstanding query to one address. An fctx has at most
// one resquery in flight at a time; resquery_send/resquery_response in
// resolver.c's terms are resquery.send/fctx.handleResponse here.
type resquery struct {
	fx       *fctx
	addrInfo *adb.AddrInfo
	start    time.Time
	entry    *dispatch.Entry
	network  string
}

func newResquery(fx *fctx, ai *adb.AddrInfo) *resquery {
	return &resquery{fx: fx, addrInfo: ai}
}

// retryInterval computes how long to wait for this attempt before
// giving up on it and moving to the next address: the larger of twice
// the address's smoothed RTT and 2^restarts seconds, clamped to [2s,30s]
// per spec.md §4.4/§5 (never "wait for more than 30 seconds").
func (fx *fctx) retryInterval(ai *adb.AddrInfo) time.Duration {
	exp := fx.restarts
	if exp > 30 {
		exp = 30 // guard the shift; the final clamp below bites long before this matters
	}
	schedule := time.Duration(1<<uint(exp)) * time.Second
	interval := schedule
	if dbl := ai.SRTT() * 2; dbl > interval {
		interval = dbl
	}
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

// send builds and transmits the query for this attempt, over UDP via
// the resolver's shared dispatcher unless TCP was forced by options, a
// prior truncation, or UDP having been disabled.
func (rq *resquery) send() {
	fx := rq.fx
	ai := rq.addrInfo

	m := new(dns.Msg)
	m.SetQuestion(fx.qname, fx.qtype)
	m.RecursionDesired = fx.opts.has(Recursive) || ai.HasFlag(adb.Forwarder)
	if !fx.opts.has(NoEDNS0) && !ai.HasFlag(adb.NoEDNS0) {
		opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetUDPSize(2048)
		m.Extra = append(m.Extra, opt)
	}

	useTCP := fx.opts.has(TCP) || fx.forceTCP || !fx.res.usingUDP()
	rq.network = "udp"
	if useTCP {
		rq.network = "tcp"
	}

	rq.start = time.Now()
	interval := fx.retryInterval(ai)
	fx.retryTimer = time.AfterFunc(interval, func() {
		fx.bucket.task.send(func() { fx.onQueryTimeout(rq) })
	})

	if rq.network == "tcp" {
		rq.sendTCP(m)
		return
	}
	rq.sendUDP(m)
}

func (rq *resquery) sendUDP(m *dns.Msg) {
	fx := rq.fx
	disp := fx.res.dispatch4
	if rq.addrInfo.Addr.Is6() {
		disp = fx.res.dispatch6
	}
	if disp == nil {
		fx.bucket.task.send(func() { fx.handleResponse(rq, nil, ErrNoAddresses) })
		return
	}
	id, entry, err := disp.AddResponse(rq.addrInfo.Addr, func(resp *dns.Msg, from netip.AddrPort, err error) {
		fx.bucket.task.send(func() { fx.handleResponse(rq, resp, err) })
	})
	if err != nil {
		fx.bucket.task.send(func() { fx.handleResponse(rq, nil, err) })
		return
	}
	rq.entry = entry
	m.Id = id
	wire, err := m.Pack()
	if err != nil {
		fx.bucket.task.send(func() { fx.handleResponse(rq, nil, err) })
		return
	}
	if err := disp.Send(entry, fx.res.addrPort(rq.addrInfo.Addr), wire); err != nil {
		fx.bucket.task.send(func() { fx.handleResponse(rq, nil, err) })
	}
}

func (rq *resquery) sendTCP(m *dns.Msg) {
	fx := rq.fx
	addr := fx.res.addrPort(rq.addrInfo.Addr)
	go func() {
		conn, err := dispatch.DialTCP(fx.ctx, fx.res.ContextDialer, addr, fx.res.deadline(fx.ctx))
		if err != nil {
			fx.bucket.task.send(func() { fx.handleResponse(rq, nil, err) })
			return
		}
		defer conn.Close()
		resp, err := conn.Exchange(m)
		fx.bucket.task.send(func() { fx.handleResponse(rq, resp, err) })
	}()
}

// cancel stops the retry timer and, for a still-outstanding UDP query,
// un-registers its dispatcher entry so a late response is dropped
// instead of delivered to a query that has moved on.
func (rq *resquery) cancel() {
	fx := rq.fx
	if fx.retryTimer != nil {
		fx.retryTimer.Stop()
	}
	if rq.entry != nil {
		disp := fx.res.dispatch4
		if rq.addrInfo.Addr.Is6() {
			disp = fx.res.dispatch6
		}
		if disp != nil {
			disp.RemoveResponse(rq.entry)
		}
	}
}

// timeoutRTT is the replacement RTT fed to AdjustSRTT when an attempt
// times out without a reply: the address's current smoothed RTT plus
// 100ms per restart already spent on this fetch, clamped to 10s, per
// spec.md §5. Using the wall-clock wait instead would let a long retry
// schedule itself inflate the penalty without bound.
func timeoutRTT(ai *adb.AddrInfo, restarts int) time.Duration {
	rtt := ai.SRTT() + time.Duration(restarts)*100*time.Millisecond
	if rtt > 10*time.Second {
		rtt = 10 * time.Second
	}
	return rtt
}

// onQueryTimeout is the idle retry timer firing: this attempt gets no
// more time, its address is penalized, and the fctx moves on to the
// next one without ending the fetch.
func (fx *fctx) onQueryTimeout(rq *resquery) {
	if fx.state == fctxDone || fx.query != rq {
		return
	}
	fx.res.adb.AdjustSRTT(rq.addrInfo, timeoutRTT(rq.addrInfo, fx.restarts), adb.RTTAdjReplace)
	fx.query = nil
	fx.try()
}
