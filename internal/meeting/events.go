package meeting

import "github.com/meshrtc/meshconf/internal/domain"

type EventKind int

const (
	// EventPeerJoined fires when another participant enters the room.
	EventPeerJoined EventKind = iota
	// EventPeerLeft fires when a participant leaves and its link is gone.
	EventPeerLeft
	// EventPeerFailed fires after reconnection retries for a peer ran out.
	// Other peers are unaffected.
	EventPeerFailed
	// EventMediaChanged fires when a peer broadcasts new media flags.
	EventMediaChanged
	// EventParticipantCount mirrors the relay's count broadcasts.
	EventParticipantCount
	// EventRoomTerminated fires when the room was ended for everyone.
	EventRoomTerminated
)

// Event is what the engine surfaces to UI code.
type Event struct {
	Kind   EventKind
	PeerID string
	Media  domain.MediaState
	Count  int
	Reason string
}
