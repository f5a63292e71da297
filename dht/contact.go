package dht

import (
	"time"

	"dagnet/identity"
)

// ContactState tracks liveness explicitly rather than by ad hoc heuristics.
type ContactState int

const (
	Unknown ContactState = iota // never probed
	Live                        // last probe succeeded
	Stale                       // idle past the probe threshold or a probe failed
	Evicted                     // removed after repeated failures
)

func (s ContactState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Live:
		return "live"
	case Stale:
		return "stale"
	case Evicted:
		return "evicted"
	}
	return "invalid"
}

// Contact is one routing table entry.
type Contact struct {
	ID       identity.PeerID
	Addr     string
	State    ContactState
	LastSeen time.Time
	Failures int
}
