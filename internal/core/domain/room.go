package domain

import (
	"time"
)

type RoomID string
type ParticipantID string

type RoomState string

const (
	RoomLive  RoomState = "live"
	RoomEnded RoomState = "ended"
)

// Room is the authoritative record of one broadcast: a single streamer for
// its whole Live lifetime and the current viewer set. Snapshots handed out
// by the repository are copies; membership is mutated only through the
// repository operations.
type Room struct {
	ID        RoomID
	Streamer  ParticipantID
	Viewers   []ParticipantID
	State     RoomState
	CreatedAt time.Time
}

// ViewerCount reports the size of the viewer set of this snapshot.
func (r *Room) ViewerCount() int {
	return len(r.Viewers)
}

// HasViewer reports whether the given participant is in the viewer set.
func (r *Room) HasViewer(id ParticipantID) bool {
	for _, v := range r.Viewers {
		if v == id {
			return true
		}
	}
	return false
}

// IsMember reports whether the participant is the streamer or a viewer.
func (r *Room) IsMember(id ParticipantID) bool {
	return r.Streamer == id || r.HasViewer(id)
}

type Role string

const (
	RoleStreamer Role = "streamer"
	RoleViewer   Role = "viewer"
)

// Participant is a connection-scoped identity with at most one active role.
type Participant struct {
	ID   ParticipantID
	Role Role
	Room RoomID // empty while browsing
}
