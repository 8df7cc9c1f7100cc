// Package domain contains entity without logic, just meta-data
package domain

import (
	"github.com/google/uuid"
)

type (
	// RoomID identifies one call session. Either client-supplied or freshly
	// generated, always a v4 UUID in canonical string form.
	RoomID string

	// ParticipantID identifies one connected client within a room. Generated
	// once per connection and stable for the connection's lifetime.
	ParticipantID string
)

func NewRoomID() RoomID {
	return RoomID(uuid.NewString())
}

// ParseRoomID validates a client-supplied room identifier.
func ParseRoomID(s string) (RoomID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return RoomID(u.String()), nil
}

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// ProducerInfo is the room-level view of one published stream, as handed to
// newly joined participants.
type ProducerInfo struct {
	ParticipantID ParticipantID
	Name          string
	ProducerID    string
}
