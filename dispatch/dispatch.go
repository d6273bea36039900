// Package dispatch implements the resolver's dispatcher: a single shared
// UDP socket per address family that multiplexes many outstanding queries
// by (remote address, 16-bit DNS id), plus a private single-connection
// TCP path for queries that need it (truncation, forced TCP). Grounded on
// linkdata-resolver's query.go exchangeWithNetwork/dialDNSConn, split
// into an issue-now/respond-later shape per spec.md §4.4/§6.
package dispatch

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"

	"github.com/miekg/dns"
)

// ResponseHandler is invoked once for the response matching an
// outstanding query, or with a non-nil err if the query was canceled or
// the socket failed. It is called on whatever goroutine the dispatcher's
// read loop runs on; callers that need bucket-task serialization must
// hop via their own task.send from inside the handler.
type ResponseHandler func(resp *dns.Msg, from netip.AddrPort, err error)

// Entry is the reservation returned by AddResponse; pass it back to
// RemoveResponse to cancel, or to Send to transmit the query it was
// reserved for.
type Entry struct {
	id      uint16
	addr    netip.Addr
	handler ResponseHandler
}

// MinPort and MaxPort bound the local UDP port search a Dispatcher
// performs when binding its shared socket, per spec.md §6.
const (
	MinPort = 5353
	MaxPort = 5399
)

// Dispatcher owns one shared UDP socket for one address family and routes
// each inbound datagram to the handler registered for its (source
// address, DNS id) pair.
type Dispatcher struct {
	conn *net.UDPConn

	mu      sync.Mutex
	entries map[dispatchKey]*Entry
	closed  bool
}

type dispatchKey struct {
	addr netip.Addr
	id   uint16
}

// Listen opens a UDP socket for the given network ("udp4" or "udp6"),
// searching local ports MinPort..MaxPort until one binds, and starts its
// read loop.
func Listen(network string) (*Dispatcher, error) {
	var conn *net.UDPConn
	var lastErr error
	for port := MinPort; port <= MaxPort; port++ {
		ip := net.IPv4zero
		if network == "udp6" {
			ip = net.IPv6zero
		}
		c, err := net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			conn = c
			break
		}
		lastErr = err
	}
	if conn == nil {
		return nil, fmt.Errorf("dispatch: no free port in [%d,%d] on %s: %w", MinPort, MaxPort, network, lastErr)
	}
	d := &Dispatcher{conn: conn, entries: make(map[dispatchKey]*Entry)}
	go d.readLoop()
	return d, nil
}

// LocalPort returns the bound local port, mainly for tests/diagnostics.
func (d *Dispatcher) LocalPort() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// AddResponse reserves a fresh 16-bit id for a query to addr and
// registers handler to receive its response.
func (d *Dispatcher) AddResponse(addr netip.Addr, handler ResponseHandler) (uint16, *Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, nil, fmt.Errorf("dispatch: dispatcher closed")
	}
	for attempts := 0; attempts < 1<<16; attempts++ {
		id := uint16(rand.IntN(1 << 16))
		key := dispatchKey{addr: addr, id: id}
		if _, exists := d.entries[key]; !exists {
			e := &Entry{id: id, addr: addr, handler: handler}
			d.entries[key] = e
			return id, e, nil
		}
	}
	return 0, nil, fmt.Errorf("dispatch: id space exhausted for %s", addr)
}

// RemoveResponse cancels a reservation; no further response (or late
// response) will be delivered to its handler.
func (d *Dispatcher) RemoveResponse(e *Entry) {
	d.mu.Lock()
	delete(d.entries, dispatchKey{addr: e.addr, id: e.id})
	d.mu.Unlock()
}

// Send transmits a pre-rendered message to addr. The entry is not
// consulted; a reply is routed to its handler only if addr's address is
// the one the entry was reserved for.
func (d *Dispatcher) Send(e *Entry, addr netip.AddrPort, wire []byte) error {
	_, err := d.conn.WriteToUDP(wire, net.UDPAddrFromAddrPort(addr))
	return err
}

func (d *Dispatcher) readLoop() {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			d.failAll(err)
			return
		}
		wire := make([]byte, n)
		copy(wire, buf[:n])
		go d.dispatch(wire, from.AddrPort())
	}
}

func (d *Dispatcher) dispatch(wire []byte, from netip.AddrPort) {
	msg := new(dns.Msg)
	if err := msg.Unpack(wire); err != nil {
		return
	}
	key := dispatchKey{addr: from.Addr(), id: msg.Id}
	d.mu.Lock()
	e, ok := d.entries[key]
	if ok {
		delete(d.entries, key)
	}
	d.mu.Unlock()
	if ok {
		e.handler(msg, from, nil)
	}
}

func (d *Dispatcher) failAll(err error) {
	d.mu.Lock()
	d.closed = true
	entries := d.entries
	d.entries = make(map[dispatchKey]*Entry)
	d.mu.Unlock()
	for _, e := range entries {
		e.handler(nil, netip.AddrPort{}, err)
	}
}

// Close shuts down the socket; any handlers for outstanding entries are
// invoked with a non-nil error.
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}
