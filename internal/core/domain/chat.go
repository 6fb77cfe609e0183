package domain

import "time"

// ChatMessage is an ephemeral room-scoped text message. Delivery order is
// display order; nothing is persisted beyond the in-memory logs kept by
// clients for display.
type ChatMessage struct {
	RoomID RoomID
	Sender ParticipantID
	Text   string
	SentAt time.Time
}
