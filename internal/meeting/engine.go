package meeting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshconf/internal/domain"
	"github.com/meshrtc/meshconf/internal/negotiation"
	"github.com/meshrtc/meshconf/internal/reconnect"
	"github.com/meshrtc/meshconf/lib/logger/sl"
)

// Transport sends envelopes to the signaling relay.
type Transport interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
}

// SessionFactory produces a fresh peer-connection session for a remote peer.
// The engine calls it once per link, and again on every rebuild.
type SessionFactory func(remoteID string) (negotiation.Session, error)

type Config struct {
	LocalID   string
	RoomID    string
	Transport Transport
	Sessions  SessionFactory
	Reconnect reconnect.Config
	Log       *slog.Logger
}

type peerLink struct {
	link   *negotiation.Link
	cancel context.CancelFunc
}

// Engine is the client-side core of a meeting: it owns one negotiation link
// per remote peer, routes relayed signaling to the right link, and keeps the
// local media flags consistent across the mesh.
type Engine struct {
	localID   string
	roomID    string
	transport Transport
	sessions  SessionFactory
	log       *slog.Logger

	supervisor *reconnect.Supervisor

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	links   map[string]*peerLink
	members map[string]domain.ParticipantInfo
	media   domain.MediaState
	closed  bool

	events chan Event
}

func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("local_id", cfg.LocalID), slog.String("room_id", cfg.RoomID))

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		localID:   cfg.LocalID,
		roomID:    cfg.RoomID,
		transport: cfg.Transport,
		sessions:  cfg.Sessions,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		links:     make(map[string]*peerLink),
		members:   make(map[string]domain.ParticipantInfo),
		events:    make(chan Event, 32),
	}

	e.supervisor = reconnect.New(cfg.Reconnect, log, e, e)
	e.supervisor.OnExhausted = e.peerExhausted

	return e
}

// Events streams room and peer events for UI code. Slow consumers lose
// events rather than stalling the engine.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Media returns the current local media flags.
func (e *Engine) Media() domain.MediaState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.media
}

// PeerState reports the negotiation state of the link to the given peer.
func (e *Engine) PeerState(remoteID string) (negotiation.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pl, ok := e.links[remoteID]
	if !ok {
		return negotiation.StateNew, false
	}
	return pl.link.State(), true
}

// Peers returns the remote IDs the engine currently holds links for.
func (e *Engine) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.links))
	for id := range e.links {
		ids = append(ids, id)
	}
	return ids
}

// HandleMessage routes one relayed envelope. It is called from the transport
// read loop, so per-peer ordering from the relay is preserved.
func (e *Engine) HandleMessage(msg *domain.SignalMessage) error {
	switch msg.Type {
	case domain.MessageWelcome:
		return e.handleWelcome(msg)
	case domain.MessageJoin:
		return e.handleJoin(msg)
	case domain.MessageLeave:
		return e.handleLeave(msg)
	case domain.MessageOffer, domain.MessageAnswer:
		return e.handleDescription(msg)
	case domain.MessageICECandidate:
		return e.handleCandidate(msg)
	case domain.MessageMediaState:
		return e.handleMediaState(msg)
	case domain.MessageParticipantCount:
		return e.handleCount(msg)
	case domain.MessageRoomTerminated:
		return e.handleTerminated(msg)
	case domain.MessageError:
		var p domain.ErrorPayload
		if err := msg.DecodePayload(&p); err == nil {
			e.log.Warn("relay error", slog.String("message", p.Message))
		}
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

// handleWelcome seeds links for every member already in the room. The
// existing members initiate toward us when they see our join broadcast, so
// these links stay passive until a remote offer arrives.
func (e *Engine) handleWelcome(msg *domain.SignalMessage) error {
	var p domain.WelcomePayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, member := range p.Members {
		if member.ID == e.localID {
			continue
		}
		e.members[member.ID] = member
		if _, err := e.linkLocked(member.ID); err != nil {
			e.log.Error("link setup failed", sl.Err(err), slog.String("remote_id", member.ID))
		}
	}
	e.log.Info("joined room", slog.Int("existing_members", len(p.Members)))
	return nil
}

// handleJoin reacts to a newcomer's broadcast: we are the pre-existing side
// of the pair, so we create the link and send the first offer.
func (e *Engine) handleJoin(msg *domain.SignalMessage) error {
	var p domain.ParticipantPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if p.Participant.ID == e.localID {
		return nil
	}

	e.mu.Lock()
	e.members[p.Participant.ID] = p.Participant
	pl, err := e.linkLocked(p.Participant.ID)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	pl.link.RequestNegotiation()
	e.emit(Event{Kind: EventPeerJoined, PeerID: p.Participant.ID})
	return nil
}

func (e *Engine) handleLeave(msg *domain.SignalMessage) error {
	var p domain.ParticipantPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.members, p.Participant.ID)
	pl, ok := e.links[p.Participant.ID]
	if ok {
		delete(e.links, p.Participant.ID)
	}
	e.mu.Unlock()

	if ok {
		pl.link.Close()
		pl.cancel()
	}
	e.emit(Event{Kind: EventPeerLeft, PeerID: p.Participant.ID})
	return nil
}

func (e *Engine) handleDescription(msg *domain.SignalMessage) error {
	var p domain.DescriptionPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}

	pl, err := e.ensureLink(msg.SenderID)
	if err != nil {
		return err
	}
	pl.link.HandleRemoteDescription(p.SessionDescription())
	return nil
}

func (e *Engine) handleCandidate(msg *domain.SignalMessage) error {
	var p domain.CandidatePayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}

	pl, err := e.ensureLink(msg.SenderID)
	if err != nil {
		return err
	}
	pl.link.HandleRemoteCandidate(p.Candidate)
	return nil
}

func (e *Engine) handleMediaState(msg *domain.SignalMessage) error {
	var state domain.MediaState
	if err := msg.DecodePayload(&state); err != nil {
		return err
	}

	e.mu.Lock()
	if member, ok := e.members[msg.SenderID]; ok {
		member.Media = state
		e.members[msg.SenderID] = member
	}
	e.mu.Unlock()

	e.emit(Event{Kind: EventMediaChanged, PeerID: msg.SenderID, Media: state})
	return nil
}

func (e *Engine) handleCount(msg *domain.SignalMessage) error {
	var p domain.CountPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	e.emit(Event{Kind: EventParticipantCount, Count: p.Count})
	return nil
}

func (e *Engine) handleTerminated(msg *domain.SignalMessage) error {
	var p domain.ErrorPayload
	_ = msg.DecodePayload(&p)
	e.log.Info("room terminated", slog.String("reason", p.Message))
	e.emit(Event{Kind: EventRoomTerminated, Reason: p.Message})
	e.Close()
	return nil
}

// SetAudio toggles the local microphone flag and announces the change.
func (e *Engine) SetAudio(on bool) error {
	return e.updateMedia(func(m *domain.MediaState) { m.Audio = on })
}

// SetVideo toggles the camera. Turning it on releases the screen share, so
// only one primary video source is active at a time.
func (e *Engine) SetVideo(on bool) error {
	return e.updateMedia(func(m *domain.MediaState) {
		m.Video = on
		if on {
			m.Screen = false
		}
	})
}

// SetScreen toggles screen sharing. Turning it on releases the camera.
func (e *Engine) SetScreen(on bool) error {
	return e.updateMedia(func(m *domain.MediaState) {
		m.Screen = on
		if on {
			m.Video = false
		}
	})
}

// updateMedia applies the mutation, broadcasts the new flags, and asks every
// link for a renegotiation so track changes reach all peers. Links that are
// mid-exchange queue the request.
func (e *Engine) updateMedia(mutate func(*domain.MediaState)) error {
	e.mu.Lock()
	mutate(&e.media)
	state := e.media
	targets := make([]*peerLink, 0, len(e.links))
	for _, pl := range e.links {
		targets = append(targets, pl)
	}
	e.mu.Unlock()

	msg := domain.NewMessage(domain.MessageMediaState, e.localID, "", state)
	if err := e.transport.Send(e.ctx, msg); err != nil {
		return fmt.Errorf("announce media state: %w", err)
	}

	for _, pl := range targets {
		pl.link.RequestNegotiation()
	}
	return nil
}

// Leave announces departure to the relay and shuts the engine down.
func (e *Engine) Leave() error {
	msg := domain.NewMessage(domain.MessageLeave, e.localID, "", nil)
	err := e.transport.Send(e.ctx, msg)
	e.Close()
	return err
}

// Close tears down every peer link and stops the engine. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	links := e.links
	e.links = make(map[string]*peerLink)
	e.members = make(map[string]domain.ParticipantInfo)
	e.mu.Unlock()

	for _, pl := range links {
		pl.link.Close()
		pl.cancel()
	}
	e.cancel()
}

// SendDescription implements negotiation.Signaler.
func (e *Engine) SendDescription(ctx context.Context, target string, desc webrtc.SessionDescription, iceRestart bool) error {
	kind := domain.MessageOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		kind = domain.MessageAnswer
	}
	payload := domain.NewDescriptionPayload(desc, iceRestart)
	return e.transport.Send(ctx, domain.NewMessage(kind, e.localID, target, payload))
}

// SendCandidate implements negotiation.Signaler.
func (e *Engine) SendCandidate(ctx context.Context, target string, cand webrtc.ICECandidateInit) error {
	payload := domain.CandidatePayload{Candidate: cand}
	return e.transport.Send(ctx, domain.NewMessage(domain.MessageICECandidate, e.localID, target, payload))
}

// StillPaired implements reconnect.PeerPresence.
func (e *Engine) StillPaired(remoteID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	_, ok := e.members[remoteID]
	return ok
}

// RebuildLink implements reconnect.Rebuilder: it replaces the peer's link
// with a fresh one so routed signaling reaches the new session.
func (e *Engine) RebuildLink(remoteID string) (reconnect.Link, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine closed")
	}

	if old, ok := e.links[remoteID]; ok {
		old.link.Close()
		old.cancel()
		delete(e.links, remoteID)
	}

	// The supervisor that requested the rebuild keeps watching the
	// replacement, so no new Watch is started here.
	pl, err := e.startLinkLocked(remoteID, false)
	if err != nil {
		return nil, err
	}
	return pl.link, nil
}

// ensureLink returns the peer's link, creating a passive one when signaling
// for an unknown peer arrives before its join broadcast.
func (e *Engine) ensureLink(remoteID string) (*peerLink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkLocked(remoteID)
}

func (e *Engine) linkLocked(remoteID string) (*peerLink, error) {
	if e.closed {
		return nil, fmt.Errorf("engine closed")
	}
	if pl, ok := e.links[remoteID]; ok {
		return pl, nil
	}
	return e.startLinkLocked(remoteID, true)
}

// startLinkLocked creates a link and starts its control loop. The caller
// holds e.mu. The supervisor runs against the engine context: a rebuild
// cancels the old link's context, and the watcher has to outlive that.
func (e *Engine) startLinkLocked(remoteID string, supervise bool) (*peerLink, error) {
	session, err := e.sessions(remoteID)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", remoteID, err)
	}

	link := negotiation.NewLink(negotiation.Config{
		LocalID:  e.localID,
		RemoteID: remoteID,
		Signaler: e,
		Session:  session,
		Log:      e.log,
	})

	ctx, cancel := context.WithCancel(e.ctx)
	go link.Run(ctx)
	if supervise {
		go e.supervisor.Watch(e.ctx, link)
	}

	pl := &peerLink{link: link, cancel: cancel}
	e.links[remoteID] = pl
	return pl, nil
}

// peerExhausted drops the peer's link after reconnection retries ran out.
func (e *Engine) peerExhausted(remoteID string) {
	e.mu.Lock()
	pl, ok := e.links[remoteID]
	if ok {
		delete(e.links, remoteID)
	}
	e.mu.Unlock()

	if ok {
		pl.link.Close()
		pl.cancel()
	}
	e.log.Warn("peer unreachable, giving up", slog.String("remote_id", remoteID))
	e.emit(Event{Kind: EventPeerFailed, PeerID: remoteID})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Debug("event dropped, consumer too slow", slog.Int("kind", int(ev.Kind)))
	}
}
