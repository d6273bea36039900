package dispatch

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

// TCPConn is the private, single-outstanding-query "dispatcher" a
// fetch-context opens when a response was truncated or the caller forced
// TCP, per spec.md §4.4's "private single-slot dispatcher." Instead of
// Dispatcher's AddResponse/Send pair it offers a single blocking
// Exchange on its one connection, framing messages with the 16-bit
// length prefix github.com/miekg/dns's dns.Conn already implements.
type TCPConn struct {
	conn *dns.Conn
}

// DialTCP opens a TCP connection to addr and wraps it for DNS framing.
// Grounded on linkdata-resolver's dialDNSConn.
func DialTCP(ctx context.Context, dialer proxy.ContextDialer, addr netip.AddrPort, deadline time.Time) (*TCPConn, error) {
	raw, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	dc := &dns.Conn{Conn: raw}
	if !deadline.IsZero() {
		_ = dc.SetDeadline(deadline)
	}
	return &TCPConn{conn: dc}, nil
}

// Exchange writes m and blocks for the single response this connection
// will ever carry. A TCPConn is used for exactly one query/response pair
// and then closed, matching the resquery lifecycle in spec.md §3
// ("destroyed... after the pending connect completes").
func (t *TCPConn) Exchange(m *dns.Msg) (*dns.Msg, error) {
	if err := t.conn.WriteMsg(m); err != nil {
		return nil, err
	}
	return t.conn.ReadMsg()
}

// Close releases the underlying connection.
func (t *TCPConn) Close() error {
	return t.conn.Close()
}
