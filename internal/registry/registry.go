package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meshrtc/meshconf/internal/domain"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// Registry tracks the set of active rooms and their membership. Rooms are
// created on first join and removed when the last participant leaves.
// Membership operations are serialized per room; different rooms proceed in
// parallel.
type Registry struct {
	log      *slog.Logger
	capacity int

	mu    sync.RWMutex
	rooms map[string]*domain.Room
}

func New(log *slog.Logger, capacity int) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		capacity: capacity,
		rooms:    make(map[string]*domain.Room),
	}
}

// Join adds the participant to the room, creating the room if needed, and
// returns the members that were present before the join. A repeated join for
// the same identifier returns the existing membership without duplicating.
func (r *Registry) Join(roomID string, p *domain.Participant) ([]*domain.Participant, error) {
	for {
		room := r.getOrCreate(roomID)

		room.Mutex.Lock()
		if room.Removed {
			// Lost the race with removeIfEmpty: this object is no longer
			// in the index, so joining it would strand the participant.
			room.Mutex.Unlock()
			continue
		}

		if _, ok := room.Participants[p.ID]; ok {
			existing := snapshotLocked(room, p.ID)
			room.Mutex.Unlock()
			return existing, nil
		}

		if r.capacity > 0 && len(room.Participants) >= r.capacity {
			room.Mutex.Unlock()
			return nil, ErrRoomFull
		}

		existing := snapshotLocked(room, p.ID)
		room.Participants[p.ID] = p
		if room.Owner == "" {
			room.Owner = p.ID
		}
		members := len(room.Participants)
		room.Mutex.Unlock()

		r.log.Info("participant joined",
			slog.String("room_id", roomID),
			slog.String("participant_id", p.ID),
			slog.Int("members", members),
		)
		return existing, nil
	}
}

// Leave removes the participant and returns the remaining member count.
// Leaving an unknown participant or room is a no-op reported by removed.
func (r *Registry) Leave(roomID, participantID string) (remaining int, removed *domain.Participant) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	room.Mutex.Lock()
	p, present := room.Participants[participantID]
	if present {
		delete(room.Participants, participantID)
	}
	remaining = len(room.Participants)
	room.Mutex.Unlock()

	if !present {
		return remaining, nil
	}

	if remaining == 0 {
		r.removeIfEmpty(roomID)
	}

	r.log.Info("participant left",
		slog.String("room_id", roomID),
		slog.String("participant_id", participantID),
		slog.Int("remaining", remaining),
	)
	return remaining, p
}

// Members returns the current membership of the room.
func (r *Registry) Members(roomID string) []*domain.Participant {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return room.MemberSnapshot("")
}

// Lookup returns a specific member of the room.
func (r *Registry) Lookup(roomID, participantID string) (*domain.Participant, bool) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	room.Mutex.RLock()
	defer room.Mutex.RUnlock()
	p, ok := room.Participants[participantID]
	return p, ok
}

// Room returns the room by id.
func (r *Registry) Room(roomID string) (*domain.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// Rooms lists the ids of all live rooms.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports membership figures for the admin surface.
func (r *Registry) Stats(roomID string) (RoomStats, bool) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return RoomStats{}, false
	}

	room.Mutex.RLock()
	defer room.Mutex.RUnlock()
	return RoomStats{
		RoomID:           room.ID,
		Owner:            room.Owner,
		ParticipantCount: len(room.Participants),
		CreatedAt:        room.CreatedAt,
	}, true
}

type RoomStats struct {
	RoomID           string    `json:"room_id"`
	Owner            string    `json:"owner"`
	ParticipantCount int       `json:"participant_count"`
	CreatedAt        time.Time `json:"created_at"`
}

func (r *Registry) getOrCreate(roomID string) *domain.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = domain.NewRoom(roomID)
		r.rooms[roomID] = room
		r.log.Info("room created", slog.String("room_id", roomID))
	}
	return room
}

// removeIfEmpty drops the room entry when it has no members. Emptiness is
// rechecked under both locks, and the object is flagged while both are held
// so a join that already fetched the pointer retries instead of writing into
// the orphan.
func (r *Registry) removeIfEmpty(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}

	room.Mutex.Lock()
	empty := len(room.Participants) == 0
	if empty {
		room.Removed = true
	}
	room.Mutex.Unlock()

	if empty {
		delete(r.rooms, roomID)
		r.log.Info("room removed", slog.String("room_id", roomID))
	}
}

func snapshotLocked(room *domain.Room, exclude string) []*domain.Participant {
	members := make([]*domain.Participant, 0, len(room.Participants))
	for id, p := range room.Participants {
		if id == exclude {
			continue
		}
		members = append(members, p)
	}
	return members
}
