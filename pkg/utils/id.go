package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateRoomID returns a globally unique room id for callers that let the
// coordinator pick one.
func GenerateRoomID() string {
	return uuid.NewString()
}

// GenerateParticipantID returns a connection-scoped participant id.
func GenerateParticipantID() string {
	return generate("participant")
}

func generate(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}
