package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestCreateFetchBeforeFreezeReturnsErrNotFrozen(t *testing.T) {
	r := New()
	_, err := r.CreateFetch(context.Background(), "example.com.", dns.TypeA, 0)
	if err != ErrNotFrozen {
		t.Fatalf("got %v, want ErrNotFrozen", err)
	}
}

func TestSetForwardersAfterFreezeReturnsErrAlreadyFrozen(t *testing.T) {
	r := New()
	r.useIPv4, r.useIPv6 = false, false // avoid opening real sockets in the test
	if err := r.Freeze(); err != nil {
		t.Fatal(err)
	}
	if err := r.SetForwarders(nil); err != ErrAlreadyFrozen {
		t.Fatalf("got %v, want ErrAlreadyFrozen", err)
	}
	if err := r.Freeze(); err != ErrAlreadyFrozen {
		t.Fatalf("got %v, want ErrAlreadyFrozen on second Freeze", err)
	}
}

func TestCreateFetchAfterShutdownReturnsErrShuttingDown(t *testing.T) {
	r := New()
	r.useIPv4, r.useIPv6 = false, false
	if err := r.Freeze(); err != nil {
		t.Fatal(err)
	}
	r.Shutdown()
	select {
	case <-r.WhenShutdown():
	case <-time.After(time.Second):
		t.Fatal("expected WhenShutdown to close once refs drained to zero")
	}
	if _, err := r.CreateFetch(context.Background(), "example.com.", dns.TypeA, 0); err != ErrShuttingDown {
		t.Fatalf("got %v, want ErrShuttingDown", err)
	}
}

func TestCancelFetchDeliversCanceledResult(t *testing.T) {
	r := &Resolver{}
	b := newBucket(r, 0)
	fx := &fctx{res: r, bucket: b, state: fctxActive, qname: "example.com.", qtype: dns.TypeA}
	w := &waiter{ch: make(chan FetchResult, 1)}
	fx.waiters = append(fx.waiters, w)
	fx.refs = 1
	f := &Fetch{res: r, fx: fx, w: w}

	r.CancelFetch(f)

	select {
	case res := <-w.ch:
		if res.Result != Canceled || !errors.Is(res.Err, ErrCanceled) {
			t.Fatalf("got %+v, want Canceled/ErrCanceled", res)
		}
	default:
		t.Fatal("expected CancelFetch to deliver a Canceled result to the waiter")
	}
	if len(fx.waiters) != 0 {
		t.Fatal("expected the waiter to be unlinked")
	}
}

func TestDestroyFetchDoesNotDeliverASecondResult(t *testing.T) {
	r := &Resolver{}
	b := newBucket(r, 0)
	fx := &fctx{res: r, bucket: b, state: fctxDone, qname: "example.com.", qtype: dns.TypeA}
	w := &waiter{ch: make(chan FetchResult, 1)}
	w.ch <- FetchResult{Result: Success}
	f := &Fetch{res: r, fx: fx, w: w}

	r.DestroyFetch(f)

	if len(w.ch) != 1 {
		t.Fatalf("expected the original result to remain the only one queued, got %d", len(w.ch))
	}
}

func TestCreateFetchHitsCacheWithoutNetwork(t *testing.T) {
	r := New()
	r.useIPv4, r.useIPv6 = false, false
	if err := r.Freeze(); err != nil {
		t.Fatal(err)
	}
	defer func() { r.Shutdown(); <-r.WhenShutdown() }()

	rr, err := dns.NewRR("cached.example. 300 IN A 192.0.2.9")
	if err != nil {
		t.Fatal(err)
	}
	n := r.cacheDB.FindNode("cached.example.", true)
	n.AddRdataset(dns.TypeA, []dns.RR{rr}, nil, 0, 5*time.Minute, time.Now())

	f, err := r.CreateFetch(context.Background(), "cached.example.", dns.TypeA, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.DestroyFetch(f)

	select {
	case res := <-f.Result():
		if res.Result != Success || len(res.Rdataset) != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the cache hit to resolve without touching the network")
	}
}
