package domain

import "errors"

var (
	ErrDuplicateRoomID  = errors.New("duplicate room id")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomEnded        = errors.New("room ended")
	ErrNotInRoom        = errors.New("participant is not a member of the room")
	ErrInvalidState     = errors.New("operation invalid in current state")
	ErrMediaUnavailable = errors.New("no local media tracks attached")
	ErrNegotiatorClosed = errors.New("negotiator closed")
	ErrDeliveryFailure  = errors.New("event delivery failed")
)
