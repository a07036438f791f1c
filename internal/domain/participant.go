package domain

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Identity is the verified identity an authentication collaborator supplies
// for a connection before the relay accepts it.
type Identity struct {
	ID          string
	DisplayName string
}

// Participant represents an active member of a room. The Socket is owned
// exclusively by the relay connection handling this participant; everyone
// else talks to the participant through the Events channel.
type Participant struct {
	ID          string
	DisplayName string
	JoinedAt    time.Time

	Mutex  sync.RWMutex
	Media  MediaState
	Socket *websocket.Conn

	Events    chan SignalMessage
	closed    bool
	closeOnce sync.Once
}

func NewParticipant(identity Identity) *Participant {
	return &Participant{
		ID:          identity.ID,
		DisplayName: identity.DisplayName,
		JoinedAt:    time.Now().UTC(),
		Events:      make(chan SignalMessage, 64),
	}
}

// EnqueueEvent queues an outbound message for the participant's write pump.
// It reports false when the participant is gone or the buffer is full and the
// message was dropped. The mutex makes enqueue safe against CloseEvents from
// the disconnect path.
func (p *Participant) EnqueueEvent(event SignalMessage) bool {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()

	if p.closed {
		return false
	}
	select {
	case p.Events <- event:
		return true
	default:
		return false
	}
}

// CloseEvents ends the participant's event stream, letting its write pump
// drain and exit.
func (p *Participant) CloseEvents() {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.Events)
}

func (p *Participant) SetMedia(state MediaState) {
	p.Mutex.Lock()
	defer p.Mutex.Unlock()
	p.Media = state
}

func (p *Participant) MediaSnapshot() MediaState {
	p.Mutex.RLock()
	defer p.Mutex.RUnlock()
	return p.Media
}

// CloseSocket closes the underlying connection once, unblocking the read
// loop so the normal disconnect path runs.
func (p *Participant) CloseSocket() {
	p.closeOnce.Do(func() {
		p.Mutex.RLock()
		socket := p.Socket
		p.Mutex.RUnlock()
		if socket != nil {
			socket.Close()
		}
	})
}

func (p *Participant) Info() ParticipantInfo {
	return ParticipantInfo{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Media:       p.MediaSnapshot(),
	}
}

// ParticipantInfo is the wire representation of a participant.
type ParticipantInfo struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Media       MediaState `json:"media"`
}
