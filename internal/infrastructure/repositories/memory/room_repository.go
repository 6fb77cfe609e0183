package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
)

// roomEntry carries its own mutex so join/leave on one room serialize
// without blocking operations on other rooms.
type roomEntry struct {
	mu        sync.Mutex
	id        domain.RoomID
	streamer  domain.ParticipantID
	viewers   map[domain.ParticipantID]struct{}
	state     domain.RoomState
	createdAt time.Time
}

func (e *roomEntry) snapshot() *domain.Room {
	viewers := make([]domain.ParticipantID, 0, len(e.viewers))
	for v := range e.viewers {
		viewers = append(viewers, v)
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i] < viewers[j] })
	return &domain.Room{
		ID:        e.id,
		Streamer:  e.streamer,
		Viewers:   viewers,
		State:     e.state,
		CreatedAt: e.createdAt,
	}
}

type MemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry

	idxMu  sync.RWMutex
	byPart map[domain.ParticipantID]domain.RoomID
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms:  make(map[domain.RoomID]*roomEntry),
		byPart: make(map[domain.ParticipantID]domain.RoomID),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return domain.ErrDuplicateRoomID
	}

	entry := &roomEntry{
		id:        room.ID,
		streamer:  room.Streamer,
		viewers:   make(map[domain.ParticipantID]struct{}),
		state:     domain.RoomLive,
		createdAt: room.CreatedAt,
	}
	r.rooms[room.ID] = entry

	r.idxMu.Lock()
	r.byPart[room.Streamer] = room.ID
	r.idxMu.Unlock()

	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	entry, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshot(), nil
}

func (r *MemoryRoomRepository) AddViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) (*domain.Room, error) {
	entry, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	if entry.state != domain.RoomLive {
		entry.mu.Unlock()
		return nil, domain.ErrRoomEnded
	}
	entry.viewers[viewer] = struct{}{}
	snap := entry.snapshot()
	entry.mu.Unlock()

	r.idxMu.Lock()
	r.byPart[viewer] = id
	r.idxMu.Unlock()

	return snap, nil
}

func (r *MemoryRoomRepository) RemoveViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) (*domain.Room, error) {
	entry, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	_, present := entry.viewers[viewer]
	delete(entry.viewers, viewer)
	snap := entry.snapshot()
	entry.mu.Unlock()

	r.idxMu.Lock()
	delete(r.byPart, viewer)
	r.idxMu.Unlock()

	if !present {
		return snap, domain.ErrNotInRoom
	}
	return snap, nil
}

func (r *MemoryRoomRepository) End(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.Lock()
	entry, exists := r.rooms[id]
	if !exists {
		r.mu.Unlock()
		return nil, domain.ErrRoomNotFound
	}
	delete(r.rooms, id)
	r.mu.Unlock()

	entry.mu.Lock()
	entry.state = domain.RoomEnded
	final := entry.snapshot()
	entry.viewers = make(map[domain.ParticipantID]struct{})
	entry.mu.Unlock()

	r.idxMu.Lock()
	delete(r.byPart, final.Streamer)
	for _, v := range final.Viewers {
		delete(r.byPart, v)
	}
	r.idxMu.Unlock()

	return final, nil
}

func (r *MemoryRoomRepository) FindByParticipant(ctx context.Context, participant domain.ParticipantID) (*domain.Room, domain.Role, error) {
	r.idxMu.RLock()
	roomID, ok := r.byPart[participant]
	r.idxMu.RUnlock()
	if !ok {
		return nil, "", domain.ErrRoomNotFound
	}

	room, err := r.GetByID(ctx, roomID)
	if err != nil {
		return nil, "", err
	}

	role := domain.RoleViewer
	if room.Streamer == participant {
		role = domain.RoleStreamer
	}
	return room, role, nil
}

func (r *MemoryRoomRepository) ListLive(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, entry := range r.rooms {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.state == domain.RoomLive {
			rooms = append(rooms, entry.snapshot())
		}
		entry.mu.Unlock()
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (r *MemoryRoomRepository) entry(id domain.RoomID) (*roomEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return entry, nil
}
