package dispatch

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestDispatcherRoutesResponseByAddrAndID(t *testing.T) {
	t.Parallel()
	d, err := Listen("udp4")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	loopback := netip.MustParseAddr("127.0.0.1")
	done := make(chan *dns.Msg, 1)
	id, entry, err := d.AddResponse(loopback, func(resp *dns.Msg, from netip.AddrPort, err error) {
		if err != nil {
			t.Errorf("unexpected handler error: %v", err)
			return
		}
		done <- resp
	})
	if err != nil {
		t.Fatal(err)
	}

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = id
	wire, err := q.Pack()
	if err != nil {
		t.Fatal(err)
	}
	local := netip.AddrPortFrom(loopback, uint16(d.LocalPort()))
	if err := d.Send(entry, local, wire); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-done:
		if resp.Id != id {
			t.Fatalf("got id %d want %d", resp.Id, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for looped-back response")
	}
}

func TestRemoveResponseSuppressesLateDelivery(t *testing.T) {
	t.Parallel()
	d, err := Listen("udp4")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	loopback := netip.MustParseAddr("127.0.0.1")
	called := make(chan struct{}, 1)
	id, entry, err := d.AddResponse(loopback, func(resp *dns.Msg, from netip.AddrPort, err error) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	d.RemoveResponse(entry)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = id
	wire, _ := q.Pack()
	local := netip.AddrPortFrom(loopback, uint16(d.LocalPort()))
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: local.Addr().AsSlice(), Port: int(local.Port())})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(wire); err != nil {
		t.Fatal(err)
	}

	select {
	case <-called:
		t.Fatal("handler should not fire after RemoveResponse")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestListenFailsWithDescriptiveErrorWhenRangeExhausted(t *testing.T) {
	t.Parallel()
	// Not exercising actual exhaustion (would require holding 47 sockets);
	// just confirms a bad network string surfaces an error instead of a
	// nil dispatcher with no indication of failure.
	if _, err := Listen("udp7"); err == nil {
		t.Fatal("expected an error for an invalid network")
	}
}
