package domain

import "encoding/json"

// Event names carried over the signaling channel. The coordinator relays
// client-to-server events ("send-*") as server-to-client counterparts
// ("receive-*"); payload shapes below are shared by the server and the
// room client.
const (
	EventCreateRoom       = "create-room"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventRoomCreated      = "room-created"
	EventRoomJoined       = "room-joined"
	EventViewerJoined     = "viewer-joined"
	EventViewerLeft       = "viewer-left"
	EventSendOffer        = "send-offer"
	EventReceiveOffer     = "receive-offer"
	EventSendAnswer       = "send-answer"
	EventReceiveAnswer    = "receive-answer"
	EventSendCandidate    = "send-candidate"
	EventReceiveCandidate = "receive-candidate"
	EventSendMessage      = "send-message"
	EventNewMessage       = "new-message"
	EventStreamEnded      = "stream-ended"
	EventError            = "error"
)

type CreateRoomPayload struct {
	RoomID RoomID `json:"roomId,omitempty"`
}

type RoomCreatedPayload struct {
	RoomID     RoomID        `json:"roomId"`
	StreamerID ParticipantID `json:"streamerId"`
}

type JoinRoomPayload struct {
	RoomID RoomID `json:"roomId"`
}

// RoomJoinedPayload acknowledges a successful join to the joining viewer.
type RoomJoinedPayload struct {
	RoomID       RoomID `json:"roomId"`
	TotalViewers int    `json:"totalViewers"`
}

type ViewerJoinedPayload struct {
	ViewerID     ParticipantID `json:"viewerId"`
	TotalViewers int           `json:"totalViewers"`
}

type ViewerLeftPayload struct {
	ViewerID     ParticipantID `json:"viewerId"`
	TotalViewers int           `json:"totalViewers"`
}

type SendOfferPayload struct {
	ViewerID ParticipantID   `json:"viewerId"`
	Offer    json.RawMessage `json:"offer"`
	RoomID   RoomID          `json:"roomId"`
}

type ReceiveOfferPayload struct {
	Offer  json.RawMessage `json:"offer"`
	RoomID RoomID          `json:"roomId"`
}

type SendAnswerPayload struct {
	RoomID RoomID          `json:"roomId"`
	Answer json.RawMessage `json:"answer"`
}

// ReceiveAnswerPayload carries the answering viewer's id so a streamer
// running one negotiation per viewer can route the answer.
type ReceiveAnswerPayload struct {
	Answer   json.RawMessage `json:"answer"`
	ViewerID ParticipantID   `json:"viewerId"`
}

// SendCandidatePayload relays a trickle ICE candidate. Target is empty when
// a viewer addresses the room's streamer.
type SendCandidatePayload struct {
	RoomID    RoomID          `json:"roomId"`
	Target    ParticipantID   `json:"target,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

type ReceiveCandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	From      ParticipantID   `json:"from"`
}

type SendMessagePayload struct {
	RoomID  RoomID `json:"roomId"`
	Message string `json:"message"`
}

type NewMessagePayload struct {
	RoomID   RoomID        `json:"roomId"`
	ViewerID ParticipantID `json:"viewerId"`
	Message  string        `json:"message"`
}

type StreamEndedPayload struct {
	RoomID RoomID `json:"roomId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
