package adb

import (
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Flags track per-addrinfo learned facts, mirroring the bitset carried on
// every dns_adb_addrinfo in the design this package implements.
type Flags uint32

const (
	// Mark is the "tried this round" bit. Nothing in this module sets it:
	// the resolver's nextAddress records the addresses it has handed out
	// in the current restart round in its own per-fetch set instead.
	Mark Flags = 1 << iota
	// Forwarder marks an address that came from the resolver's or fetch's
	// forwarder list rather than NS-delegation discovery.
	Forwarder
	// NoEDNS0 marks an address that has shown it breaks on an EDNS0 OPT
	// record (FORMERR or UNEXPECTEDEND-with-OPT).
	NoEDNS0
	// Lame marks an address that answered non-authoritatively for a zone
	// it claimed to be authoritative for.
	Lame
)

// LameMarkLifetime is how long a lame mark is honored, grounded on
// resolver.c's "now + 600" (see DESIGN.md).
const LameMarkLifetime = 600 * time.Second

const (
	// RTTAdjDefault is the EWMA weight applied to a freshly observed RTT,
	// out of 10: AdjustSRTT blends (old*(10-factor) + new*factor) / 10.
	RTTAdjDefault = 7
	// RTTAdjReplace is the heavier weight applied when the previous SRTT
	// is being penalized for a non-response rather than refined by one.
	RTTAdjReplace = 10
)

// AddrInfo is one candidate server address plus what the ADB has learned
// about it: its smoothed round-trip time and behavioral flags.
type AddrInfo struct {
	Addr netip.Addr
	Name string // owning NS name, "" for forwarders with no known name

	mu        sync.Mutex
	srtt      time.Duration
	flags     Flags
	lameZones map[string]time.Time
}

func newAddrInfo(addr netip.Addr, name string) *AddrInfo {
	return &AddrInfo{Addr: addr, Name: name, lameZones: make(map[string]time.Time)}
}

// SRTT returns the current smoothed round-trip time.
func (ai *AddrInfo) SRTT() time.Duration {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	return ai.srtt
}

// HasFlag reports whether every bit in f is set.
func (ai *AddrInfo) HasFlag(f Flags) bool {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	return ai.flags&f == f
}

// IsLameFor reports whether a lame mark for zone is still live. Zone
// names compare case-insensitively, as MarkLame stores them lower-cased.
func (ai *AddrInfo) IsLameFor(zone string, now time.Time) bool {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	exp, ok := ai.lameZones[strings.ToLower(zone)]
	return ok && now.Before(exp)
}
