package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/pkg/tracing"
	"streamcast/pkg/utils"

	"go.uber.org/zap"
)

// RegistryService is the coordinator's room authority. It owns the room
// table through a RoomRepository and pushes lifecycle, signaling and chat
// events through an EventSink. Event delivery is best effort: a dead
// connection costs that participant its event, never the whole operation.
type RegistryService struct {
	rooms   ports.RoomRepository
	sink    ports.EventSink
	metrics ports.RegistryMetrics
	logger  *zap.SugaredLogger
}

func NewRegistryService(
	rooms ports.RoomRepository,
	sink ports.EventSink,
	metrics ports.RegistryMetrics,
	logger *zap.SugaredLogger,
) *RegistryService {
	if metrics == nil {
		metrics = NopRegistryMetrics{}
	}
	return &RegistryService{
		rooms:   rooms,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *RegistryService) CreateRoom(ctx context.Context, streamerID domain.ParticipantID, roomID domain.RoomID) (domain.RoomID, error) {
	ctx, span := tracing.TraceRegistryOperation(ctx, "create_room", string(roomID))
	defer span.End()

	if existing, _, err := s.rooms.FindByParticipant(ctx, streamerID); err == nil {
		return "", fmt.Errorf("participant %s already in room %s: %w", streamerID, existing.ID, domain.ErrInvalidState)
	}

	if roomID == "" {
		roomID = domain.RoomID(utils.GenerateRoomID())
	}

	room := &domain.Room{
		ID:        roomID,
		Streamer:  streamerID,
		State:     domain.RoomLive,
		CreatedAt: time.Now(),
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("create room %s: %w", roomID, err)
	}

	s.metrics.RoomCreated(roomID)
	s.logger.Infow("room created",
		"room_id", roomID,
		"streamer_id", streamerID,
	)

	// Announce to browsing participants only. Anyone already streaming or
	// viewing has no use for the event.
	s.sink.Broadcast(domain.EventRoomCreated,
		domain.RoomCreatedPayload{RoomID: roomID, StreamerID: streamerID},
		s.occupiedParticipants(ctx),
	)

	return roomID, nil
}

func (s *RegistryService) JoinRoom(ctx context.Context, viewerID domain.ParticipantID, roomID domain.RoomID) (int, error) {
	ctx, span := tracing.TraceRegistryOperation(ctx, "join_room", string(roomID))
	defer span.End()

	if existing, _, err := s.rooms.FindByParticipant(ctx, viewerID); err == nil {
		return 0, fmt.Errorf("participant %s already in room %s: %w", viewerID, existing.ID, domain.ErrInvalidState)
	}

	room, err := s.rooms.AddViewer(ctx, roomID, viewerID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("join room %s: %w", roomID, err)
	}
	total := room.ViewerCount()

	s.metrics.ViewerCount(roomID, total)
	s.logger.Infow("viewer joined",
		"room_id", roomID,
		"viewer_id", viewerID,
		"total_viewers", total,
	)

	s.send(room.Streamer, domain.EventViewerJoined, domain.ViewerJoinedPayload{
		ViewerID:     viewerID,
		TotalViewers: total,
	})
	s.send(viewerID, domain.EventRoomJoined, domain.RoomJoinedPayload{
		RoomID:       roomID,
		TotalViewers: total,
	})

	return total, nil
}

func (s *RegistryService) LeaveRoom(ctx context.Context, participantID domain.ParticipantID) error {
	ctx, span := tracing.TraceRegistryOperation(ctx, "leave_room", "")
	defer span.End()

	room, role, err := s.rooms.FindByParticipant(ctx, participantID)
	if err != nil {
		// Browsing participants have nothing to leave.
		return fmt.Errorf("leave: %w", err)
	}

	if role == domain.RoleStreamer {
		return s.endRoom(ctx, room.ID)
	}

	snap, err := s.rooms.RemoveViewer(ctx, room.ID, participantID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrNotInRoom) {
			// Raced with the room ending or a duplicate leave.
			return fmt.Errorf("leave room %s: %w", room.ID, err)
		}
		tracing.RecordError(ctx, err)
		return fmt.Errorf("leave room %s: %w", room.ID, err)
	}
	total := snap.ViewerCount()

	s.metrics.ViewerCount(room.ID, total)
	s.logger.Infow("viewer left",
		"room_id", room.ID,
		"viewer_id", participantID,
		"total_viewers", total,
	)

	s.send(snap.Streamer, domain.EventViewerLeft, domain.ViewerLeftPayload{
		ViewerID:     participantID,
		TotalViewers: total,
	})
	return nil
}

// endRoom removes the room and notifies every viewer exactly once. The
// repository's End returns the final membership snapshot, so a viewer that
// raced in just before the end is still notified and one that left just
// before is not.
func (s *RegistryService) endRoom(ctx context.Context, roomID domain.RoomID) error {
	final, err := s.rooms.End(ctx, roomID)
	if err != nil {
		return fmt.Errorf("end room %s: %w", roomID, err)
	}

	s.metrics.RoomEnded(roomID)
	s.logger.Infow("room ended",
		"room_id", roomID,
		"streamer_id", final.Streamer,
		"viewers_notified", len(final.Viewers),
	)

	payload := domain.StreamEndedPayload{RoomID: roomID}
	for _, viewer := range final.Viewers {
		s.send(viewer, domain.EventStreamEnded, payload)
	}

	// Browsing participants prune the room from their listings. Members of
	// other rooms are excluded along with the just-notified viewers.
	exclude := s.occupiedParticipants(ctx)
	exclude[final.Streamer] = struct{}{}
	for _, viewer := range final.Viewers {
		exclude[viewer] = struct{}{}
	}
	s.sink.Broadcast(domain.EventStreamEnded, payload, exclude)

	return nil
}

func (s *RegistryService) RouteOffer(ctx context.Context, streamerID, viewerID domain.ParticipantID, roomID domain.RoomID, offer json.RawMessage) error {
	ctx, span := tracing.TraceRegistryOperation(ctx, "route_offer", string(roomID))
	defer span.End()

	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("route offer to %s: %w", roomID, err)
	}
	if room.Streamer != streamerID {
		return fmt.Errorf("route offer: sender %s is not the streamer of %s: %w", streamerID, roomID, domain.ErrNotInRoom)
	}
	if !room.HasViewer(viewerID) {
		return fmt.Errorf("route offer: target %s not in %s: %w", viewerID, roomID, domain.ErrNotInRoom)
	}

	if err := s.sink.Send(viewerID, domain.EventReceiveOffer, domain.ReceiveOfferPayload{
		Offer:  offer,
		RoomID: roomID,
	}); err != nil {
		s.deliveryFailed(domain.EventReceiveOffer, viewerID, err)
		return fmt.Errorf("route offer to %s: %w", viewerID, domain.ErrDeliveryFailure)
	}
	return nil
}

func (s *RegistryService) RouteAnswer(ctx context.Context, viewerID domain.ParticipantID, roomID domain.RoomID, answer json.RawMessage) error {
	ctx, span := tracing.TraceRegistryOperation(ctx, "route_answer", string(roomID))
	defer span.End()

	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("route answer to %s: %w", roomID, err)
	}
	if !room.HasViewer(viewerID) {
		return fmt.Errorf("route answer: sender %s not in %s: %w", viewerID, roomID, domain.ErrNotInRoom)
	}

	if err := s.sink.Send(room.Streamer, domain.EventReceiveAnswer, domain.ReceiveAnswerPayload{
		Answer:   answer,
		ViewerID: viewerID,
	}); err != nil {
		s.deliveryFailed(domain.EventReceiveAnswer, room.Streamer, err)
		return fmt.Errorf("route answer to %s: %w", room.Streamer, domain.ErrDeliveryFailure)
	}
	return nil
}

func (s *RegistryService) RouteCandidate(ctx context.Context, from domain.ParticipantID, roomID domain.RoomID, target domain.ParticipantID, candidate json.RawMessage) error {
	ctx, span := tracing.TraceRegistryOperation(ctx, "route_candidate", string(roomID))
	defer span.End()

	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("route candidate to %s: %w", roomID, err)
	}
	if !room.IsMember(from) {
		return fmt.Errorf("route candidate: sender %s not in %s: %w", from, roomID, domain.ErrNotInRoom)
	}
	if target == "" {
		target = room.Streamer
	}
	if !room.IsMember(target) {
		return fmt.Errorf("route candidate: target %s not in %s: %w", target, roomID, domain.ErrNotInRoom)
	}

	if err := s.sink.Send(target, domain.EventReceiveCandidate, domain.ReceiveCandidatePayload{
		Candidate: candidate,
		From:      from,
	}); err != nil {
		s.deliveryFailed(domain.EventReceiveCandidate, target, err)
		return fmt.Errorf("route candidate to %s: %w", target, domain.ErrDeliveryFailure)
	}
	return nil
}

func (s *RegistryService) RelayChatMessage(ctx context.Context, senderID domain.ParticipantID, roomID domain.RoomID, text string) error {
	ctx, span := tracing.TraceRegistryOperation(ctx, "relay_chat", string(roomID))
	defer span.End()

	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("relay chat to %s: %w", roomID, err)
	}
	if !room.IsMember(senderID) {
		return fmt.Errorf("relay chat: sender %s not in %s: %w", senderID, roomID, domain.ErrNotInRoom)
	}

	payload := domain.NewMessagePayload{
		RoomID:   roomID,
		ViewerID: senderID,
		Message:  text,
	}

	delivered := 0
	for _, member := range append([]domain.ParticipantID{room.Streamer}, room.Viewers...) {
		if member == senderID {
			continue
		}
		if err := s.sink.Send(member, domain.EventNewMessage, payload); err != nil {
			s.deliveryFailed(domain.EventNewMessage, member, err)
			continue
		}
		delivered++
	}

	s.metrics.ChatRelayed(roomID, delivered)
	return nil
}

func (s *RegistryService) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.rooms.GetByID(ctx, roomID)
}

func (s *RegistryService) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	return s.rooms.ListLive(ctx)
}

// occupiedParticipants collects every member of every live room, for use as
// a broadcast exclusion set.
func (s *RegistryService) occupiedParticipants(ctx context.Context) map[domain.ParticipantID]struct{} {
	exclude := make(map[domain.ParticipantID]struct{})
	rooms, err := s.rooms.ListLive(ctx)
	if err != nil {
		s.logger.Warnw("failed to list rooms for broadcast exclusion", "error", err)
		return exclude
	}
	for _, room := range rooms {
		exclude[room.Streamer] = struct{}{}
		for _, v := range room.Viewers {
			exclude[v] = struct{}{}
		}
	}
	return exclude
}

// send delivers one event and records a delivery failure without failing
// the surrounding operation.
func (s *RegistryService) send(to domain.ParticipantID, event string, payload interface{}) {
	if err := s.sink.Send(to, event, payload); err != nil {
		s.deliveryFailed(event, to, err)
	}
}

func (s *RegistryService) deliveryFailed(event string, to domain.ParticipantID, err error) {
	s.metrics.DeliveryFailed(event)
	s.logger.Warnw("event delivery failed",
		"event", event,
		"participant_id", to,
		"error", err,
	)
}

// NopRegistryMetrics discards all observations.
type NopRegistryMetrics struct{}

func (NopRegistryMetrics) RoomCreated(domain.RoomID)      {}
func (NopRegistryMetrics) RoomEnded(domain.RoomID)        {}
func (NopRegistryMetrics) ViewerCount(domain.RoomID, int) {}
func (NopRegistryMetrics) ChatRelayed(domain.RoomID, int) {}
func (NopRegistryMetrics) DeliveryFailed(string)          {}
