package redis

import (
	"context"
	"fmt"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRepository keeps the room table in Redis. Membership lives in a
// set per room so add/remove plus the returned count are atomic inside one
// transaction; Redis executing commands serially gives the same per-room
// determinism the memory repository gets from its per-entry mutex.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "streamcast:",
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + "room:" + string(id)
}

func (r *RedisRoomRepository) viewersKey(id domain.RoomID) string {
	return r.prefix + "room:" + string(id) + ":viewers"
}

func (r *RedisRoomRepository) liveKey() string {
	return r.prefix + "rooms:live"
}

func (r *RedisRoomRepository) participantKey(p domain.ParticipantID) string {
	return r.prefix + "participant:" + string(p)
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	ok, err := r.client.HSetNX(ctx, r.roomKey(room.ID), "streamer", string(room.Streamer)).Result()
	if err != nil {
		return fmt.Errorf("failed to create room in Redis: %w", err)
	}
	if !ok {
		return domain.ErrDuplicateRoomID
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.roomKey(room.ID),
		"state", string(domain.RoomLive),
		"created_at", room.CreatedAt.Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, r.liveKey(), string(room.ID))
	pipe.Set(ctx, r.participantKey(room.Streamer), string(room.ID), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	fields, err := r.client.HGetAll(ctx, r.roomKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrRoomNotFound
	}

	viewers, err := r.client.SMembers(ctx, r.viewersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room viewers from Redis: %w", err)
	}

	return r.buildRoom(id, fields, viewers), nil
}

func (r *RedisRoomRepository) AddViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) (*domain.Room, error) {
	state, err := r.client.HGet(ctx, r.roomKey(id), "state").Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check room state in Redis: %w", err)
	}
	if domain.RoomState(state) != domain.RoomLive {
		return nil, domain.ErrRoomEnded
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.viewersKey(id), string(viewer))
	members := pipe.SMembers(ctx, r.viewersKey(id))
	fields := pipe.HGetAll(ctx, r.roomKey(id))
	pipe.Set(ctx, r.participantKey(viewer), string(id), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to add viewer in Redis: %w", err)
	}
	return r.buildRoom(id, fields.Val(), members.Val()), nil
}

func (r *RedisRoomRepository) RemoveViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) (*domain.Room, error) {
	exists, err := r.client.Exists(ctx, r.roomKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check room in Redis: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrRoomNotFound
	}

	pipe := r.client.TxPipeline()
	removed := pipe.SRem(ctx, r.viewersKey(id), string(viewer))
	members := pipe.SMembers(ctx, r.viewersKey(id))
	fields := pipe.HGetAll(ctx, r.roomKey(id))
	pipe.Del(ctx, r.participantKey(viewer))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to remove viewer in Redis: %w", err)
	}

	room := r.buildRoom(id, fields.Val(), members.Val())
	if removed.Val() == 0 {
		return room, domain.ErrNotInRoom
	}
	return room, nil
}

func (r *RedisRoomRepository) buildRoom(id domain.RoomID, fields map[string]string, members []string) *domain.Room {
	room := &domain.Room{
		ID:       id,
		Streamer: domain.ParticipantID(fields["streamer"]),
		State:    domain.RoomState(fields["state"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		room.CreatedAt = ts
	}
	for _, v := range members {
		room.Viewers = append(room.Viewers, domain.ParticipantID(v))
	}
	return room
}

func (r *RedisRoomRepository) End(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	room.State = domain.RoomEnded

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.liveKey(), string(id))
	pipe.Del(ctx, r.roomKey(id), r.viewersKey(id))
	pipe.Del(ctx, r.participantKey(room.Streamer))
	for _, v := range room.Viewers {
		pipe.Del(ctx, r.participantKey(v))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to end room in Redis: %w", err)
	}
	return room, nil
}

func (r *RedisRoomRepository) FindByParticipant(ctx context.Context, participant domain.ParticipantID) (*domain.Room, domain.Role, error) {
	roomID, err := r.client.Get(ctx, r.participantKey(participant)).Result()
	if err == redis.Nil {
		return nil, "", domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve participant in Redis: %w", err)
	}

	room, err := r.GetByID(ctx, domain.RoomID(roomID))
	if err != nil {
		return nil, "", err
	}

	role := domain.RoleViewer
	if room.Streamer == participant {
		role = domain.RoleStreamer
	}
	return room, role, nil
}

func (r *RedisRoomRepository) ListLive(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, r.liveKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live rooms from Redis: %w", err)
	}

	var rooms []*domain.Room
	for _, id := range ids {
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if err != nil {
			// Skip rooms removed between SMEMBERS and HGETALL.
			continue
		}
		if room.State == domain.RoomLive {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}
