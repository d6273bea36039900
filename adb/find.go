package adb

// FindOptions mirrors the options bitset createfind accepts in spec.md §6.
type FindOptions uint32

const (
	// WantEvent asks CreateFind to notify the caller via Find.Done when
	// addresses become available, rather than only returning what's known.
	WantEvent FindOptions = 1 << iota
	// EmptyEvent asks for a notification even if nothing at all is known
	// yet for this name (otherwise a fully-empty initial result is
	// treated the same as "nothing pending").
	EmptyEvent
	// AvoidFetches forbids CreateFind from starting a new lookup; it may
	// only return addresses already known.
	AvoidFetches
	// StartAtRoot hints that the NS name being resolved might be at or
	// below the zone currently being queried, so its own resolution
	// should not be constrained to begin below that zone (prevents being
	// stranded beneath a zone cut whose glue has expired).
	StartAtRoot
	// WantINET asks for IPv4 addresses.
	WantINET
	// WantINET6 asks for IPv6 addresses.
	WantINET6
)

// Find is the result (immediate or pending) of one CreateFind call.
type Find struct {
	Name   string
	Result []*AddrInfo
	done   chan struct{}
}

// Done returns a channel that is closed once an asynchronous lookup for
// this Find has produced a result (possibly empty). A Find returned with
// addresses already populated, or because AvoidFetches forbade a lookup
// without EmptyEvent, has an already-closed channel; one parked by
// AvoidFetches|EmptyEvent stays open until Seed supplies addresses.
func (f *Find) Done() <-chan struct{} { return f.done }
