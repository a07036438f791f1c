package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/meshconf/internal/domain"
	"github.com/meshrtc/meshconf/internal/negotiation"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeSession struct {
	mu      sync.Mutex
	offers  int
	answers int
	remotes []webrtc.SessionDescription
	added   []webrtc.ICECandidateInit
	closed  bool
}

func (s *fakeSession) CreateOffer(bool) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", s.offers)}, nil
}

func (s *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", s.answers)}, nil
}

func (s *fakeSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes = append(s.remotes, desc)
	return nil
}

func (s *fakeSession) AddICECandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, cand)
	return nil
}

func (s *fakeSession) Rollback() error {
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) remoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remotes)
}

func (s *fakeSession) addedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sessionHub hands out fake sessions and remembers them per remote peer.
type sessionHub struct {
	mu       sync.Mutex
	sessions map[string][]*fakeSession
}

func (h *sessionHub) factory(remoteID string) (negotiation.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions == nil {
		h.sessions = make(map[string][]*fakeSession)
	}
	s := &fakeSession{}
	h.sessions[remoteID] = append(h.sessions[remoteID], s)
	return s, nil
}

func (h *sessionHub) last(remoteID string) *fakeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.sessions[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []domain.SignalMessage
	forward func(domain.SignalMessage)
}

func (t *fakeTransport) Send(_ context.Context, msg domain.SignalMessage) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	forward := t.forward
	t.mu.Unlock()

	if forward != nil {
		forward(msg)
	}
	return nil
}

func (t *fakeTransport) ofType(kind domain.MessageType) []domain.SignalMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.SignalMessage
	for _, msg := range t.sent {
		if msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (t *fakeTransport) countOf(kind domain.MessageType) int {
	return len(t.ofType(kind))
}

func newTestEngine(t *testing.T, localID string) (*Engine, *fakeTransport, *sessionHub) {
	t.Helper()

	tr := &fakeTransport{}
	hub := &sessionHub{}
	e := New(Config{
		LocalID:   localID,
		RoomID:    "room-1",
		Transport: tr,
		Sessions:  hub.factory,
	})
	t.Cleanup(e.Close)
	return e, tr, hub
}

func welcomeFor(localID string, memberIDs ...string) domain.SignalMessage {
	members := make([]domain.ParticipantInfo, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, domain.ParticipantInfo{ID: id, DisplayName: id})
	}
	return domain.NewMessage(domain.MessageWelcome, "", localID, domain.WelcomePayload{
		ParticipantID: localID,
		RoomID:        "room-1",
		Members:       members,
	})
}

func joinOf(id string) domain.SignalMessage {
	return domain.NewMessage(domain.MessageJoin, id, "", domain.ParticipantPayload{
		Participant: domain.ParticipantInfo{ID: id, DisplayName: id},
	})
}

func leaveOf(id string) domain.SignalMessage {
	return domain.NewMessage(domain.MessageLeave, id, "", domain.ParticipantPayload{
		Participant: domain.ParticipantInfo{ID: id, DisplayName: id},
	})
}

func waitEvent(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event of kind %d", kind)
		}
	}
}

func TestWelcomeCreatesPassiveLinks(t *testing.T) {
	e, tr, _ := newTestEngine(t, "bob")

	msg := welcomeFor("bob", "alice", "carol", "bob")
	require.NoError(t, e.HandleMessage(&msg))

	assert.ElementsMatch(t, []string{"alice", "carol"}, e.Peers())

	state, ok := e.PeerState("alice")
	require.True(t, ok)
	assert.Equal(t, negotiation.StateNew, state)

	// The existing members initiate; the newcomer must not offer.
	assert.Never(t, func() bool {
		return tr.countOf(domain.MessageOffer) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestJoinBroadcastInitiatesOffer(t *testing.T) {
	e, tr, _ := newTestEngine(t, "bob")

	msg := joinOf("zed")
	require.NoError(t, e.HandleMessage(&msg))

	require.Eventually(t, func() bool {
		offers := tr.ofType(domain.MessageOffer)
		return len(offers) == 1 && offers[0].TargetID == "zed" && offers[0].SenderID == "bob"
	}, waitFor, tick)

	ev := waitEvent(t, e, EventPeerJoined)
	assert.Equal(t, "zed", ev.PeerID)
}

func TestRemoteOfferAnswered(t *testing.T) {
	e, tr, hub := newTestEngine(t, "bob")

	offer := domain.NewMessage(domain.MessageOffer, "alice", "bob",
		domain.NewDescriptionPayload(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}, false))
	require.NoError(t, e.HandleMessage(&offer))

	require.Eventually(t, func() bool {
		answers := tr.ofType(domain.MessageAnswer)
		return len(answers) == 1 && answers[0].TargetID == "alice"
	}, waitFor, tick)

	state, ok := e.PeerState("alice")
	require.True(t, ok)
	assert.Equal(t, negotiation.StateStable, state)
	assert.Equal(t, 1, hub.last("alice").remoteCount())
}

func TestCandidateHeldUntilDescription(t *testing.T) {
	e, _, hub := newTestEngine(t, "bob")

	cand := domain.NewMessage(domain.MessageICECandidate, "alice", "bob",
		domain.CandidatePayload{Candidate: webrtc.ICECandidateInit{Candidate: "cand-1"}})
	require.NoError(t, e.HandleMessage(&cand))

	assert.Never(t, func() bool {
		return hub.last("alice").addedCount() > 0
	}, 200*time.Millisecond, 10*time.Millisecond)

	offer := domain.NewMessage(domain.MessageOffer, "alice", "bob",
		domain.NewDescriptionPayload(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}, false))
	require.NoError(t, e.HandleMessage(&offer))

	require.Eventually(t, func() bool {
		return hub.last("alice").addedCount() == 1
	}, waitFor, tick)
}

func TestLeaveTearsDownLink(t *testing.T) {
	e, _, hub := newTestEngine(t, "bob")

	welcome := welcomeFor("bob", "alice")
	require.NoError(t, e.HandleMessage(&welcome))
	require.NotNil(t, hub.last("alice"))

	leave := leaveOf("alice")
	require.NoError(t, e.HandleMessage(&leave))

	assert.Empty(t, e.Peers())
	require.Eventually(t, func() bool {
		return hub.last("alice").isClosed()
	}, waitFor, tick)

	ev := waitEvent(t, e, EventPeerLeft)
	assert.Equal(t, "alice", ev.PeerID)
}

func TestSinglePrimaryVideoSlot(t *testing.T) {
	e, tr, _ := newTestEngine(t, "bob")

	require.NoError(t, e.SetVideo(true))
	require.NoError(t, e.SetScreen(true))
	m := e.Media()
	assert.True(t, m.Screen)
	assert.False(t, m.Video, "screen share releases the camera")

	require.NoError(t, e.SetVideo(true))
	m = e.Media()
	assert.True(t, m.Video)
	assert.False(t, m.Screen, "camera releases the screen share")

	require.NoError(t, e.SetAudio(true))
	m = e.Media()
	assert.True(t, m.Audio)
	assert.True(t, m.Video, "audio is independent of the video slot")

	// Rapid toggling must never announce both sources at once.
	for i := 0; i < 20; i++ {
		require.NoError(t, e.SetScreen(i%2 == 0))
		require.NoError(t, e.SetVideo(i%2 == 1))
	}
	for _, msg := range tr.ofType(domain.MessageMediaState) {
		var state domain.MediaState
		require.NoError(t, json.Unmarshal(msg.Payload, &state))
		assert.False(t, state.Video && state.Screen, "both video sources announced")
	}
}

func TestMediaChangeRenegotiates(t *testing.T) {
	e, tr, _ := newTestEngine(t, "bob")

	join := joinOf("zed")
	require.NoError(t, e.HandleMessage(&join))

	require.Eventually(t, func() bool {
		return tr.countOf(domain.MessageOffer) == 1
	}, waitFor, tick)

	answer := domain.NewMessage(domain.MessageAnswer, "zed", "bob",
		domain.NewDescriptionPayload(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "ans"}, false))
	require.NoError(t, e.HandleMessage(&answer))

	require.Eventually(t, func() bool {
		state, _ := e.PeerState("zed")
		return state == negotiation.StateStable
	}, waitFor, tick)

	require.NoError(t, e.SetScreen(true))

	require.Eventually(t, func() bool {
		return tr.countOf(domain.MessageOffer) == 2
	}, waitFor, tick)
}

func TestPeerMediaTracked(t *testing.T) {
	e, _, _ := newTestEngine(t, "bob")

	welcome := welcomeFor("bob", "alice")
	require.NoError(t, e.HandleMessage(&welcome))

	update := domain.NewMessage(domain.MessageMediaState, "alice", "",
		domain.MediaState{Audio: true, Screen: true})
	require.NoError(t, e.HandleMessage(&update))

	ev := waitEvent(t, e, EventMediaChanged)
	assert.Equal(t, "alice", ev.PeerID)
	assert.True(t, ev.Media.Audio)
	assert.True(t, ev.Media.Screen)
}

func TestRoomTerminatedClosesEverything(t *testing.T) {
	e, _, hub := newTestEngine(t, "bob")

	welcome := welcomeFor("bob", "alice", "carol")
	require.NoError(t, e.HandleMessage(&welcome))

	notice := domain.NewMessage(domain.MessageRoomTerminated, "", "",
		domain.ErrorPayload{Message: "the host left the meeting"})
	require.NoError(t, e.HandleMessage(&notice))

	ev := waitEvent(t, e, EventRoomTerminated)
	assert.Equal(t, "the host left the meeting", ev.Reason)

	assert.Empty(t, e.Peers())
	require.Eventually(t, func() bool {
		return hub.last("alice").isClosed() && hub.last("carol").isClosed()
	}, waitFor, tick)
}

func TestUnknownTypeRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, "bob")

	msg := domain.SignalMessage{Type: "definitely-not-a-kind", SenderID: "alice", TargetID: "bob"}
	assert.Error(t, e.HandleMessage(&msg))
}
