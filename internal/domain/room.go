package domain

import (
	"sync"
	"time"
)

// Room represents a meeting that hosts multiple participants. It stores the
// membership required for signalling lookups; media never passes through it.
type Room struct {
	Mutex sync.RWMutex
	ID    string
	Owner string
	// Removed marks a room object that was dropped from the registry index
	// after its last member left. A join that still holds the stale pointer
	// checks it under Mutex and re-fetches instead of resurrecting the
	// orphan.
	Removed      bool
	Participants map[string]*Participant
	CreatedAt    time.Time
}

// NewRoom constructs an empty room. The first participant to join becomes
// the owner.
func NewRoom(id string) *Room {
	return &Room{
		ID:           id,
		Participants: make(map[string]*Participant),
		CreatedAt:    time.Now().UTC(),
	}
}

// MemberSnapshot returns the current participants, optionally excluding one.
func (r *Room) MemberSnapshot(exclude string) []*Participant {
	r.Mutex.RLock()
	defer r.Mutex.RUnlock()

	members := make([]*Participant, 0, len(r.Participants))
	for id, p := range r.Participants {
		if id == exclude {
			continue
		}
		members = append(members, p)
	}
	return members
}

func (r *Room) Size() int {
	r.Mutex.RLock()
	defer r.Mutex.RUnlock()
	return len(r.Participants)
}
