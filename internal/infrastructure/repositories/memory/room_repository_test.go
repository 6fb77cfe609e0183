package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoom(id domain.RoomID, streamer domain.ParticipantID) *domain.Room {
	return &domain.Room{
		ID:        id,
		Streamer:  streamer,
		State:     domain.RoomLive,
		CreatedAt: time.Now(),
	}
}

func mustCreate(t *testing.T, repo ports.RoomRepository, id domain.RoomID, streamer domain.ParticipantID) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), newRoom(id, streamer)))
}

func TestCreateAndGet(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	mustCreate(t, repo, "room-1", "alice")

	room, err := repo.GetByID(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room-1"), room.ID)
	assert.Equal(t, domain.ParticipantID("alice"), room.Streamer)
	assert.Equal(t, domain.RoomLive, room.State)
	assert.Zero(t, room.ViewerCount())
}

func TestCreateDuplicateID(t *testing.T) {
	repo := NewMemoryRoomRepository()
	mustCreate(t, repo, "room-1", "alice")

	err := repo.Create(context.Background(), newRoom("room-1", "bob"))
	assert.ErrorIs(t, err, domain.ErrDuplicateRoomID)

	// The original stays untouched.
	room, err := repo.GetByID(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("alice"), room.Streamer)
}

func TestGetUnknownRoom(t *testing.T) {
	repo := NewMemoryRoomRepository()
	_, err := repo.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestAddAndRemoveViewer(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	mustCreate(t, repo, "room-1", "alice")

	snap, err := repo.AddViewer(ctx, "room-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ViewerCount())
	assert.True(t, snap.HasViewer("bob"))

	snap, err = repo.AddViewer(ctx, "room-1", "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ViewerCount())

	// Re-adding the same viewer does not grow the set.
	snap, err = repo.AddViewer(ctx, "room-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ViewerCount())

	snap, err = repo.RemoveViewer(ctx, "room-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ViewerCount())
	assert.False(t, snap.HasViewer("bob"))
}

func TestRemoveAbsentViewer(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	mustCreate(t, repo, "room-1", "alice")

	snap, err := repo.RemoveViewer(ctx, "room-1", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Zero(t, snap.ViewerCount())
}

func TestAddViewerToUnknownRoom(t *testing.T) {
	repo := NewMemoryRoomRepository()
	_, err := repo.AddViewer(context.Background(), "nope", "bob")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestEndReturnsFinalSnapshot(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	mustCreate(t, repo, "room-1", "alice")

	_, err := repo.AddViewer(ctx, "room-1", "bob")
	require.NoError(t, err)
	_, err = repo.AddViewer(ctx, "room-1", "carol")
	require.NoError(t, err)

	final, err := repo.End(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomEnded, final.State)
	assert.ElementsMatch(t,
		[]domain.ParticipantID{"bob", "carol"},
		final.Viewers,
	)

	_, err = repo.GetByID(ctx, "room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = repo.End(ctx, "room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestEndedRoomIDIsReusable(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	mustCreate(t, repo, "room-1", "alice")

	_, err := repo.End(ctx, "room-1")
	require.NoError(t, err)

	assert.NoError(t, repo.Create(ctx, newRoom("room-1", "bob")))
}

func TestFindByParticipant(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	mustCreate(t, repo, "room-1", "alice")
	_, err := repo.AddViewer(ctx, "room-1", "bob")
	require.NoError(t, err)

	room, role, err := repo.FindByParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room-1"), room.ID)
	assert.Equal(t, domain.RoleStreamer, role)

	_, role, err = repo.FindByParticipant(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, role)

	_, _, err = repo.FindByParticipant(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	// The index is cleaned up when the room ends.
	_, err = repo.End(ctx, "room-1")
	require.NoError(t, err)
	_, _, err = repo.FindByParticipant(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestListLiveSorted(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	mustCreate(t, repo, "room-b", "alice")
	mustCreate(t, repo, "room-a", "bob")
	mustCreate(t, repo, "room-c", "carol")

	_, err := repo.End(ctx, "room-c")
	require.NoError(t, err)

	rooms, err := repo.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("room-a"), rooms[0].ID)
	assert.Equal(t, domain.RoomID("room-b"), rooms[1].ID)
}

func TestConcurrentJoinsAndLeavesAreDeterministic(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	mustCreate(t, repo, "room-1", "alice")

	const viewers = 50
	var wg sync.WaitGroup
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.ParticipantID(fmt.Sprintf("viewer-%02d", i))
			_, err := repo.AddViewer(ctx, "room-1", id)
			assert.NoError(t, err)
			if i%2 == 0 {
				_, err := repo.RemoveViewer(ctx, "room-1", id)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	room, err := repo.GetByID(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, viewers/2, room.ViewerCount())
	for _, v := range room.Viewers {
		var i int
		_, err := fmt.Sscanf(string(v), "viewer-%02d", &i)
		require.NoError(t, err)
		assert.Equal(t, 1, i%2, "viewer %s should have left", v)
	}
}
