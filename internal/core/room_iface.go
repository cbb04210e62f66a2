package core

import (
	"github.com/dkeye/agentcall/internal/domain"
)

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

// RoomDirectory owns the membership sets of all rooms.
// It stores connection ids only and never touches transport resources.
// A room exists exactly while it has at least one member.
type RoomDirectory interface {
	// Join adds id to room, creating the room if needed, and returns the
	// members that were already there.
	Join(room domain.RoomID, id domain.ConnectionID) []domain.ConnectionID
	// Leave removes id from room and returns the remaining members. left is
	// false when the room or the membership did not exist.
	Leave(room domain.RoomID, id domain.ConnectionID) (remaining []domain.ConnectionID, left bool)
	Members(room domain.RoomID) []domain.ConnectionID
	Others(room domain.RoomID, except domain.ConnectionID) []domain.ConnectionID
	IsMember(room domain.RoomID, id domain.ConnectionID) bool
	Exists(room domain.RoomID) bool
	Count() int
	List() []RoomInfo
}
