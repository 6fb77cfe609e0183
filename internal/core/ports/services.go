package ports

import (
	"context"
	"encoding/json"

	"streamcast/internal/core/domain"
)

// EventSink delivers coordinator events to connected participants. Delivery
// is fire-and-forget: a failure to reach one participant must not prevent
// delivery to others.
type EventSink interface {
	Send(participant domain.ParticipantID, event string, payload interface{}) error
	// Broadcast sends to every connected participant except those in exclude.
	Broadcast(event string, payload interface{}, exclude map[domain.ParticipantID]struct{})
}

// RoomRegistry is the single logical authority over rooms and membership.
// All operations return an error for stale or unknown ids instead of
// failing fatally; the registry stays serviceable after any failed call.
type RoomRegistry interface {
	// CreateRoom registers a Live room. An empty roomID asks the registry to
	// generate one; the assigned id is returned either way.
	CreateRoom(ctx context.Context, streamerID domain.ParticipantID, roomID domain.RoomID) (domain.RoomID, error)
	// JoinRoom adds the viewer and returns the updated total viewer count.
	JoinRoom(ctx context.Context, viewerID domain.ParticipantID, roomID domain.RoomID) (int, error)
	// LeaveRoom handles both explicit leaves and disconnects. A streamer
	// leaving ends the room and notifies every viewer exactly once.
	LeaveRoom(ctx context.Context, participantID domain.ParticipantID) error
	RouteOffer(ctx context.Context, streamerID, viewerID domain.ParticipantID, roomID domain.RoomID, offer json.RawMessage) error
	RouteAnswer(ctx context.Context, viewerID domain.ParticipantID, roomID domain.RoomID, answer json.RawMessage) error
	// RouteCandidate relays a trickle ICE candidate. An empty target means
	// the room's streamer.
	RouteCandidate(ctx context.Context, from domain.ParticipantID, roomID domain.RoomID, target domain.ParticipantID, candidate json.RawMessage) error
	RelayChatMessage(ctx context.Context, senderID domain.ParticipantID, roomID domain.RoomID, text string) error
	GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)
}

// RegistryMetrics receives room lifecycle and delivery observations.
type RegistryMetrics interface {
	RoomCreated(id domain.RoomID)
	RoomEnded(id domain.RoomID)
	ViewerCount(id domain.RoomID, total int)
	ChatRelayed(id domain.RoomID, recipients int)
	DeliveryFailed(event string)
}
