package resolver

import (
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/dnscascade/resolver/adb"
)

// getAddresses is fctx_getaddresses: (re)populate the address pool for
// the current restart round, preferring forwarders before NS-delegation
// discovery per the resolver's forward policy. It returns false only
// when the restart limit has been exceeded or no address source exists
// at all; a pending ADB lookup is not a failure, it arms a callback that
// re-enters try() once the lookup completes.
func (fx *fctx) getAddresses() bool {
	fx.restarts++
	if fx.restarts > restartLimit {
		fx.lastErr = ErrRestartLimit
		return false
	}
	fx.tried = make(map[netip.Addr]bool)
	fx.nsAddrs = nil
	fx.nsIdx = 0

	fx.res.mu.RLock()
	policy := fx.res.fwdPolicy
	fx.res.mu.RUnlock()

	if policy == ForwardOnly {
		fx.nsAddrs = fx.forwarders
		return len(fx.nsAddrs) > 0
	}
	if policy == ForwardFirst && fx.restarts == 1 && len(fx.forwarders) > 0 {
		fx.nsAddrs = fx.forwarders
		return true
	}
	return fx.getAddressesFromNS()
}

// findOptions picks the ADB find flags for the current restart round.
// The first round always starts a fresh lookup (StartAtRoot, so it
// isn't stranded if AvoidFetches would otherwise apply): an NS name
// discovered at this zone cut might sit anywhere, including at or above
// it, and its resolution shouldn't be held hostage to glue that never
// arrives. Later rounds already triggered that lookup, so they avoid
// re-fetching and instead park on EmptyEvent until a Seed (glue
// arriving, or the earlier lookup completing) wakes them.
//
// WantINET/WantINET6 are passed per the resolver's own dispatcher
// availability, per spec.md §4.3, so an NS name lacking glue is resolved
// over whichever families this resolver can actually dial out on.
func (fx *fctx) findOptions() adb.FindOptions {
	opts := adb.WantEvent | adb.EmptyEvent
	if fx.restarts <= 1 {
		opts |= adb.StartAtRoot
	} else {
		opts |= adb.AvoidFetches
	}
	if fx.res.usingIPv4() {
		opts |= adb.WantINET
	}
	if fx.res.usingIPv6() {
		opts |= adb.WantINET6
	}
	return opts
}

func (fx *fctx) getAddressesFromNS() bool {
	now := time.Now()
	opts := fx.findOptions()
	var pool []*adb.AddrInfo
	var pending *adb.Find
	for _, name := range fx.nameservers {
		f, err := fx.res.adb.CreateFind(fx.ctx, name, opts, now)
		if err != nil {
			continue
		}
		select {
		case <-f.Done():
			for _, ai := range f.Result {
				if !ai.IsLameFor(fx.domain, now) {
					pool = append(pool, ai)
				}
			}
		default:
			pending = f
		}
	}
	if len(pool) > 0 {
		sort.Slice(pool, func(i, j int) bool { return pool[i].SRTT() < pool[j].SRTT() })
		fx.nsAddrs = pool
		return true
	}
	if pending != nil {
		fx.pendingFind = pending
		go fx.waitForFind(pending)
		return true
	}
	return false
}

// waitForFind blocks (on its own goroutine, never the bucket task) until
// a pending ADB lookup completes, then re-enters the try loop on the
// bucket's task.
func (fx *fctx) waitForFind(f *adb.Find) {
	<-f.Done()
	fx.bucket.task.send(func() {
		if fx.pendingFind == f {
			fx.pendingFind = nil
		}
		fx.try()
	})
}

// nextAddress is fctx_nextaddress: the next untried, usable address in
// the current pool, or nil if the pool is exhausted.
func (fx *fctx) nextAddress() *adb.AddrInfo {
	for fx.nsIdx < len(fx.nsAddrs) {
		ai := fx.nsAddrs[fx.nsIdx]
		fx.nsIdx++
		if fx.tried[ai.Addr] {
			continue
		}
		if !fx.res.usable(ai.Addr) {
			continue
		}
		fx.tried[ai.Addr] = true
		return ai
	}
	return nil
}

func (r *Resolver) usable(addr netip.Addr) bool {
	if addr.Is6() && !r.usingIPv6() {
		return false
	}
	return true
}

// replaceDomain updates the fctx's notion of the current zone cut after
// a referral, seeding the ADB with any glue offered alongside it.
func (fx *fctx) replaceDomain(domain string, nsNames []string, glue map[string][]netip.Addr) {
	fx.domain = strings.ToLower(domain)
	fx.nameservers = nsNames
	for name, addrs := range glue {
		fx.res.adb.Seed(name, addrs)
	}
	fx.nsAddrs = nil
	fx.nsIdx = 0
}
