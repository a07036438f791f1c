package negotiation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshconf/lib/logger/sl"
)

// Signaler delivers outbound signaling for a link through the relay.
type Signaler interface {
	SendDescription(ctx context.Context, target string, desc webrtc.SessionDescription, iceRestart bool) error
	SendCandidate(ctx context.Context, target string, cand webrtc.ICECandidateInit) error
}

// Session abstracts the underlying peer connection the link negotiates for.
// Create* methods also install the produced description locally. Rollback
// discards a pending local offer so a colliding remote one can be applied.
type Session interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	Rollback() error
	Close() error
}

type eventKind int

const (
	evRemoteDescription eventKind = iota
	evRemoteCandidate
	evLocalCandidate
	evNegotiate
	evICERestart
	evConnected
	evFailed
)

type event struct {
	kind       eventKind
	desc       webrtc.SessionDescription
	iceRestart bool
	cand       webrtc.ICECandidateInit
}

type Config struct {
	LocalID  string
	RemoteID string
	Signaler Signaler
	Session  Session
	Log      *slog.Logger
}

// Link owns the negotiation state for one unordered pair of participants.
// All mutation happens on the single control loop in Run; the exported
// methods only post events, so callback ordering from the transport layer
// can never interleave two mutations.
type Link struct {
	localID  string
	remoteID string
	polite   bool

	signaler Signaler
	session  Session
	log      *slog.Logger

	events    chan event
	notify    chan State
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.RWMutex
	state        State
	transportUp  bool
	iceRestarts  int
	lastActivity time.Time

	// control-loop owned
	pendingLocal      *webrtc.SessionDescription
	remoteApplied     bool
	heldCandidates    []webrtc.ICECandidateInit
	negotiationQueued bool
}

func NewLink(cfg Config) *Link {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		localID:  cfg.LocalID,
		remoteID: cfg.RemoteID,
		polite:   Polite(cfg.LocalID, cfg.RemoteID),
		signaler: cfg.Signaler,
		session:  cfg.Session,
		log: log.With(
			slog.String("local_id", cfg.LocalID),
			slog.String("remote_id", cfg.RemoteID),
		),
		events:       make(chan event, 32),
		notify:       make(chan State, 16),
		done:         make(chan struct{}),
		state:        StateNew,
		lastActivity: time.Now().UTC(),
	}
}

func (l *Link) LocalID() string  { return l.localID }
func (l *Link) RemoteID() string { return l.remoteID }
func (l *Link) Polite() bool     { return l.polite }

func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Link) ICERestarts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.iceRestarts
}

func (l *Link) LastActivity() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastActivity
}

// Notifications streams state changes for the reconnection supervisor.
func (l *Link) Notifications() <-chan State {
	return l.notify
}

// HandleRemoteDescription posts a relayed offer or answer to the link.
func (l *Link) HandleRemoteDescription(desc webrtc.SessionDescription) {
	l.post(event{kind: evRemoteDescription, desc: desc})
}

// HandleRemoteCandidate posts a relayed ICE candidate.
func (l *Link) HandleRemoteCandidate(cand webrtc.ICECandidateInit) {
	l.post(event{kind: evRemoteCandidate, cand: cand})
}

// HandleLocalCandidate posts a locally discovered candidate; it is forwarded
// to the peer immediately regardless of state.
func (l *Link) HandleLocalCandidate(cand webrtc.ICECandidateInit) {
	l.post(event{kind: evLocalCandidate, cand: cand})
}

// RequestNegotiation asks for a fresh local offer. If the link is not in a
// state that permits one, the request is queued and retried once it is.
func (l *Link) RequestNegotiation() {
	l.post(event{kind: evNegotiate})
}

// RequestICERestart generates a restart offer through the normal negotiation
// path, reusing the link.
func (l *Link) RequestICERestart() {
	l.post(event{kind: evICERestart})
}

// NotifyConnected reports transport-level success from the lower layer.
func (l *Link) NotifyConnected() {
	l.post(event{kind: evConnected})
}

// NotifyFailed reports transport-level connectivity failure.
func (l *Link) NotifyFailed() {
	l.post(event{kind: evFailed})
}

// Close moves the link to its terminal closed state and releases the session.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.setState(StateClosed)
		if err := l.session.Close(); err != nil {
			l.log.Debug("session close", sl.Err(err))
		}
		close(l.done)
	})
}

// Run is the single control loop for the link. It returns when the context
// is cancelled or the link is closed.
func (l *Link) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

func (l *Link) post(ev event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func (l *Link) handle(ctx context.Context, ev event) {
	if l.State() == StateClosed {
		return
	}
	l.touch()

	switch ev.kind {
	case evRemoteDescription:
		switch ev.desc.Type {
		case webrtc.SDPTypeOffer:
			l.handleRemoteOffer(ctx, ev.desc)
		case webrtc.SDPTypeAnswer:
			l.handleRemoteAnswer(ctx, ev.desc)
		default:
			l.log.Warn("unexpected description type", slog.String("sdp_type", ev.desc.Type.String()))
		}

	case evRemoteCandidate:
		if !l.remoteApplied {
			l.heldCandidates = append(l.heldCandidates, ev.cand)
			return
		}
		if err := l.session.AddICECandidate(ev.cand); err != nil {
			l.log.Debug("discarding candidate", sl.Err(err))
		}

	case evLocalCandidate:
		if err := l.signaler.SendCandidate(ctx, l.remoteID, ev.cand); err != nil {
			l.log.Debug("candidate send failed", sl.Err(err))
		}

	case evNegotiate:
		switch l.State() {
		case StateNew, StateStable, StateConnected:
			l.startOffer(ctx, false)
		default:
			l.negotiationQueued = true
		}

	case evICERestart:
		l.mu.Lock()
		l.iceRestarts++
		l.mu.Unlock()
		l.startOffer(ctx, true)

	case evConnected:
		l.mu.Lock()
		l.transportUp = true
		promote := l.state == StateStable || l.state == StateFailed
		l.mu.Unlock()
		if promote {
			l.setState(StateConnected)
		}

	case evFailed:
		l.mu.Lock()
		l.transportUp = false
		l.mu.Unlock()
		l.setState(StateFailed)
	}
}

// startOffer produces and sends a local offer, entering LOCAL_OFFER_PENDING.
func (l *Link) startOffer(ctx context.Context, iceRestart bool) {
	desc, err := l.session.CreateOffer(iceRestart)
	if err != nil {
		l.log.Error("create offer failed", sl.Err(err))
		l.setState(StateFailed)
		return
	}

	l.pendingLocal = &desc
	if err := l.signaler.SendDescription(ctx, l.remoteID, desc, iceRestart); err != nil {
		l.log.Error("offer send failed", sl.Err(err))
		l.pendingLocal = nil
		l.setState(StateFailed)
		return
	}

	l.setState(StateLocalOfferPending)
	l.log.Debug("offer sent", slog.Bool("ice_restart", iceRestart))
}

func (l *Link) handleRemoteOffer(ctx context.Context, desc webrtc.SessionDescription) {
	if l.State() == StateLocalOfferPending {
		// Glare: both sides offered before either answered.
		if !l.polite {
			l.log.Debug("glare: ignoring remote offer, waiting for answer")
			return
		}
		l.log.Debug("glare: yielding, discarding pending local offer")
		l.pendingLocal = nil
		// The session still holds the discarded offer as its local
		// description; roll it back or the remote offer cannot be applied.
		if err := l.session.Rollback(); err != nil {
			l.log.Error("rollback failed", sl.Err(err))
			l.setState(StateFailed)
			return
		}
	}

	l.setState(StateRemoteOfferPending)

	if err := l.session.SetRemoteDescription(desc); err != nil {
		l.log.Error("apply remote offer failed", sl.Err(err))
		l.setState(StateFailed)
		return
	}
	l.remoteAppliedNow()

	answer, err := l.session.CreateAnswer()
	if err != nil {
		l.log.Error("create answer failed", sl.Err(err))
		l.setState(StateFailed)
		return
	}
	if err := l.signaler.SendDescription(ctx, l.remoteID, answer, false); err != nil {
		l.log.Error("answer send failed", sl.Err(err))
		l.setState(StateFailed)
		return
	}

	l.settle(ctx)
}

func (l *Link) handleRemoteAnswer(ctx context.Context, desc webrtc.SessionDescription) {
	if l.State() != StateLocalOfferPending || l.pendingLocal == nil {
		// Answer to a superseded or unknown offer.
		l.log.Debug("discarding stale answer")
		return
	}

	if err := l.session.SetRemoteDescription(desc); err != nil {
		l.log.Error("apply answer failed", sl.Err(err))
		l.setState(StateFailed)
		return
	}
	l.remoteAppliedNow()
	l.pendingLocal = nil

	l.settle(ctx)
}

// settle returns the link to its resting state after a completed exchange and
// replays a queued renegotiation request.
func (l *Link) settle(ctx context.Context) {
	l.mu.RLock()
	up := l.transportUp
	l.mu.RUnlock()

	if up {
		l.setState(StateConnected)
	} else {
		l.setState(StateStable)
	}

	if l.negotiationQueued {
		l.negotiationQueued = false
		l.startOffer(ctx, false)
	}
}

// remoteAppliedNow flushes candidates held while no remote description was
// applied.
func (l *Link) remoteAppliedNow() {
	l.remoteApplied = true
	for _, cand := range l.heldCandidates {
		if err := l.session.AddICECandidate(cand); err != nil {
			l.log.Debug("discarding held candidate", sl.Err(err))
		}
	}
	l.heldCandidates = nil
}

func (l *Link) setState(next State) {
	l.mu.Lock()
	if l.state == next || l.state == StateClosed && next != StateClosed {
		l.mu.Unlock()
		return
	}
	prev := l.state
	l.state = next
	l.mu.Unlock()

	l.log.Debug("state change",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)

	select {
	case l.notify <- next:
	default:
	}
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastActivity = time.Now().UTC()
	l.mu.Unlock()
}
