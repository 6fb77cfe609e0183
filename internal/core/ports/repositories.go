package ports

import (
	"context"

	"streamcast/internal/core/domain"
)

// RoomRepository is the authoritative room table. Implementations must
// serialize mutations per room id: concurrent joins and leaves on one room
// resolve to a deterministic final set, operations on different rooms are
// independent. Viewer-count return values are taken under the same critical
// section as the mutation so they always match the authoritative set size.
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	// AddViewer and RemoveViewer return the post-mutation snapshot taken
	// inside the room's critical section.
	AddViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) (*domain.Room, error)
	RemoveViewer(ctx context.Context, id domain.RoomID, viewer domain.ParticipantID) (*domain.Room, error)
	// End transitions the room to Ended, removes it from the table and
	// returns the final snapshot so callers can notify its viewers.
	End(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	FindByParticipant(ctx context.Context, participant domain.ParticipantID) (*domain.Room, domain.Role, error)
	ListLive(ctx context.Context) ([]*domain.Room, error)
}
