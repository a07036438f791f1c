package relay

import (
	"errors"
	"log/slog"

	"github.com/meshrtc/meshconf/internal/domain"
	"github.com/meshrtc/meshconf/internal/registry"
	"github.com/meshrtc/meshconf/lib/logger/sl"
)

var (
	// ErrIdentityMismatch is a protocol violation: the declared sender does
	// not match the authenticated connection identity.
	ErrIdentityMismatch = errors.New("sender does not match connection identity")
	// ErrMissingTarget is a protocol violation on point-to-point kinds.
	ErrMissingTarget = errors.New("target_id is required")
	// ErrUnsupportedType is a protocol violation for unknown or
	// server-generated message kinds.
	ErrUnsupportedType = errors.New("unsupported message type")
)

// Relay accepts one persistent connection per participant and forwards
// signaling messages either to one named peer or to all other room members.
// Media never passes through it.
type Relay struct {
	log      *slog.Logger
	registry *registry.Registry

	terminateOnOwnerLeave bool
}

func New(log *slog.Logger, reg *registry.Registry, terminateOnOwnerLeave bool) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:                   log,
		registry:              reg,
		terminateOnOwnerLeave: terminateOnOwnerLeave,
	}
}

// Connect registers the participant, announces it to the room and returns the
// members present before the join so the newcomer can build its peer links.
func (r *Relay) Connect(roomID string, p *domain.Participant) ([]*domain.Participant, error) {
	existing, err := r.registry.Join(roomID, p)
	if err != nil {
		return nil, err
	}

	r.broadcast(roomID, domain.NewMessage(domain.MessageJoin, p.ID, "", domain.ParticipantPayload{
		Participant: p.Info(),
	}), p.ID)
	r.broadcastCount(roomID)

	return existing, nil
}

// Disconnect removes the participant and announces the departure. It is safe
// to call twice for the same participant; the second call is a no-op.
func (r *Relay) Disconnect(roomID, participantID string) {
	remaining, removed := r.registry.Leave(roomID, participantID)
	if removed == nil {
		return
	}

	removed.CloseEvents()
	removed.CloseSocket()

	if remaining > 0 {
		r.broadcast(roomID, domain.NewMessage(domain.MessageLeave, participantID, "", domain.ParticipantPayload{
			Participant: removed.Info(),
		}), participantID)
		r.broadcastCount(roomID)
	}

	if r.terminateOnOwnerLeave && remaining > 0 {
		if room, ok := r.registry.Room(roomID); ok && room.Owner == participantID {
			r.Terminate(roomID, "the host left the meeting")
		}
	}
}

// HandleMessage processes one inbound message from a connected participant.
// Protocol violations are returned to the caller; routing misses (the target
// already left) are logged at low severity and swallowed.
func (r *Relay) HandleMessage(roomID string, sender *domain.Participant, msg *domain.SignalMessage) error {
	const op = "relay.handleMessage"
	log := r.log.With(
		slog.String("op", op),
		slog.String("room_id", roomID),
		slog.String("sender_id", sender.ID),
		slog.String("type", string(msg.Type)),
	)

	if msg.SenderID != "" && msg.SenderID != sender.ID {
		log.Warn("sender identity mismatch", slog.String("declared", msg.SenderID))
		return ErrIdentityMismatch
	}
	msg.SenderID = sender.ID

	switch msg.Type {
	case domain.MessageOffer, domain.MessageAnswer, domain.MessageICECandidate:
		return r.forward(roomID, log, msg)

	case domain.MessageMediaState:
		state, err := ValidateMediaState(msg.Payload)
		if err != nil {
			log.Warn("dropping malformed media state", sl.Err(err))
			return err
		}
		sender.SetMedia(state)
		r.broadcast(roomID, *msg, sender.ID)
		return nil

	case domain.MessageLeave:
		r.Disconnect(roomID, sender.ID)
		return nil

	default:
		// join, welcome, participant-count and room-terminated are
		// server-originated: joins are announced by Connect, never relayed
		// from a client.
		log.Warn("unsupported message type")
		return ErrUnsupportedType
	}
}

// Terminate force-disconnects every member of the room. The room-lifecycle
// collaborator calls this on an explicit termination signal; the relay also
// invokes it when the owner leaves.
func (r *Relay) Terminate(roomID, reason string) {
	members := r.registry.Members(roomID)
	if len(members) == 0 {
		return
	}

	r.log.Info("terminating room",
		slog.String("room_id", roomID),
		slog.String("reason", reason),
		slog.Int("members", len(members)),
	)

	// Ending the event stream after the notice lets each write pump drain
	// it and perform the close handshake; closing the socket here instead
	// would race the pump and can lose the notice.
	notice := domain.NewMessage(domain.MessageRoomTerminated, "", "", domain.ErrorPayload{Message: reason})
	for _, p := range members {
		p.EnqueueEvent(notice)
		p.CloseEvents()
	}
}

// forward delivers a point-to-point message to its target within the same
// room. An absent target means the peer already left; the message is dropped.
func (r *Relay) forward(roomID string, log *slog.Logger, msg *domain.SignalMessage) error {
	if msg.TargetID == "" {
		log.Warn("point-to-point message without target")
		return ErrMissingTarget
	}

	target, ok := r.registry.Lookup(roomID, msg.TargetID)
	if !ok {
		log.Debug("target no longer in room, dropping", slog.String("target_id", msg.TargetID))
		return nil
	}

	if !target.EnqueueEvent(*msg) {
		log.Debug("target event buffer full, dropping", slog.String("target_id", msg.TargetID))
	}
	return nil
}

func (r *Relay) broadcast(roomID string, msg domain.SignalMessage, exclude string) {
	room, ok := r.registry.Room(roomID)
	if !ok {
		return
	}

	for _, p := range room.MemberSnapshot(exclude) {
		if !p.EnqueueEvent(msg) {
			r.log.Debug("dropping broadcast event",
				slog.String("participant_id", p.ID),
				slog.String("type", string(msg.Type)),
			)
		}
	}
}

// broadcastCount emits a participant-count event to everyone in the room.
// UI and admin-panel code outside this core consume it.
func (r *Relay) broadcastCount(roomID string) {
	room, ok := r.registry.Room(roomID)
	if !ok {
		return
	}
	count := room.Size()
	r.broadcast(roomID, domain.NewMessage(domain.MessageParticipantCount, "", "", domain.CountPayload{
		Count: count,
	}), "")
}
