package resolver

import "errors"

// Result classifies how a fetch concluded, per spec.md §7.
type Result int

const (
	Success Result = iota
	CNAME
	DNAME
	NCacheNXDomain
	NCacheNXRRSet
	ServFail
	TimedOut
	Canceled
	ShuttingDown
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case CNAME:
		return "cname"
	case DNAME:
		return "dname"
	case NCacheNXDomain:
		return "ncache-nxdomain"
	case NCacheNXRRSet:
		return "ncache-nxrrset"
	case ServFail:
		return "servfail"
	case TimedOut:
		return "timed-out"
	case Canceled:
		return "canceled"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Sentinel errors a caller can test with errors.Is against the Err field
// of a FetchResult, mirroring resolver.c's ISC_R_* taxonomy.
var (
	ErrShuttingDown  = errors.New("resolver: shutting down")
	ErrNotFrozen     = errors.New("resolver: not frozen")
	ErrAlreadyFrozen = errors.New("resolver: already frozen")
	ErrServFail      = errors.New("resolver: servfail")
	ErrTimedOut      = errors.New("resolver: timed out")
	ErrCanceled      = errors.New("resolver: canceled")
	ErrNoAddresses   = errors.New("resolver: no addresses available for any nameserver")
	ErrRestartLimit  = errors.New("resolver: restart limit exceeded")
)
