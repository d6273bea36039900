package resolver

// Options is the bitset accepted by CreateFetch, per spec.md §6.
type Options uint32

const (
	// Recursive sets RD on the outbound query (the caller wants the
	// target server, typically a forwarder, to recurse on its behalf).
	Recursive Options = 1 << iota
	// TCP forces TCP for every query the fetch sends; UDP is not tried
	// first, and no later query falls back to UDP.
	TCP
	// NoEDNS0 never advertises an EDNS0 OPT record, even optimistically.
	NoEDNS0
	// Unshared makes CreateFetch create a private fctx instead of
	// joining any existing one for the same (name, type, options).
	Unshared
	// NoValidate bypasses the validator hook in caching.go.
	NoValidate
)

func (o Options) has(bit Options) bool { return o&bit != 0 }

// ForwardPolicy controls how forwarders interact with NS-based
// delegation discovery, per spec.md §3.
type ForwardPolicy int

const (
	// ForwardNone means no forwarders are configured; NS discovery only.
	ForwardNone ForwardPolicy = iota
	// ForwardFirst tries forwarders first, falling back to NS discovery.
	ForwardFirst
	// ForwardOnly uses forwarders exclusively; NS discovery is skipped.
	ForwardOnly
)
