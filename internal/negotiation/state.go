package negotiation

// State is the negotiation position of a peer link. StateStable is both the
// state after a completed exchange and the only state a new local offer may
// be initiated from; StateConnected additionally means the transport layer
// reported success.
type State int

const (
	StateNew State = iota
	StateLocalOfferPending
	StateRemoteOfferPending
	StateStable
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLocalOfferPending:
		return "local-offer-pending"
	case StateRemoteOfferPending:
		return "remote-offer-pending"
	case StateStable:
		return "stable"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the link is beyond recovery by the machine itself.
// StateFailed is terminal for the machine; the reconnection supervisor may
// still drive an ICE restart out of it.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Polite computes the glare tie-break for a pair of participants: the side
// with the lexicographically larger identifier yields. Computed once at link
// creation and never re-derived per message.
func Polite(localID, remoteID string) bool {
	return localID > remoteID
}
