package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/agentcall/internal/core"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/metrics"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Connect records a freshly accepted connection.
func (o *Orchestrator) Connect(id domain.ConnectionID, sig core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.Bind(id, sig, cancel)
	o.totalConnections.Add(1)
	o.currentConnections.Add(1)
	metrics.RecordConnectionOpened()
}

// Register binds the user profile and confirms with the socket id.
func (o *Orchestrator) Register(id domain.ConnectionID, user domain.User) {
	o.Registry.Register(id, user)
	o.deliver(id, protocol.Registered{
		Type:      protocol.TypeRegistered,
		SocketID:  string(id),
		Success:   true,
		Timestamp: protocol.Now(),
	})
}

// Join moves the connection into room. The joiner receives the members that
// were already there; they receive user-joined. Rejoining the current room
// only repeats the member list.
func (o *Orchestrator) Join(id domain.ConnectionID, room domain.RoomID, userID string) error {
	if room == "" {
		return fmt.Errorf("join: %w", ErrNoRoute)
	}
	if cur, ok := o.Registry.RoomOf(id); ok && cur != room {
		log.Info().Str("module", "orch").Str("sid", string(id)).Str("from_room", string(cur)).Msg("leaving previous room")
		o.leaveRoom(id, cur)
	}

	rejoin := o.Rooms.IsMember(room, id)
	others := o.Rooms.Join(room, id)
	if len(others) == 0 && !rejoin {
		o.totalCalls.Add(1)
	}
	o.Registry.SetRoom(id, room)
	metrics.RecordRoomCount(o.Rooms.Count())

	if conn, ok := o.Registry.Get(id); ok && conn.User != nil {
		userID = conn.User.UserID
	}
	if userID == "" {
		userID = string(id)
	}
	log.Info().Str("module", "orch").Str("sid", string(id)).Str("room", string(room)).Int("others", len(others)).Msg("joined room")

	if !rejoin {
		joined := protocol.UserJoined{
			Type:      protocol.TypeUserJoined,
			RoomID:    string(room),
			SocketID:  string(id),
			UserID:    userID,
			Timestamp: protocol.Now(),
		}
		for _, m := range others {
			o.deliver(m, joined)
		}
	}

	users := make([]protocol.RoomUser, 0, len(others))
	for _, m := range others {
		u := protocol.RoomUser{SocketID: string(m)}
		if conn, ok := o.Registry.Get(m); ok {
			u.UserID = conn.UserID()
		}
		users = append(users, u)
	}
	o.deliver(id, protocol.RoomUsers{
		Type:      protocol.TypeRoomUsers,
		RoomID:    string(room),
		Users:     users,
		Timestamp: protocol.Now(),
	})
	return nil
}

// Leave handles an explicit leave-room. An empty room id means the current one.
func (o *Orchestrator) Leave(id domain.ConnectionID, room domain.RoomID) {
	if room == "" {
		cur, ok := o.Registry.RoomOf(id)
		if !ok {
			return
		}
		room = cur
	}
	o.leaveRoom(id, room)
}

// Disconnect removes the connection and runs the same cleanup as an explicit leave.
func (o *Orchestrator) Disconnect(id domain.ConnectionID) {
	if _, ok := o.Registry.Get(id); !ok {
		return
	}
	room, inRoom := o.Registry.Remove(id)
	if inRoom {
		o.leaveRoom(id, room)
	}
	o.currentConnections.Add(-1)
	metrics.RecordConnectionClosed()
	log.Info().Str("module", "orch").Str("sid", string(id)).Msg("disconnected")
}

// leaveRoom is idempotent: leaving an absent room or a room the connection is
// not in changes nothing and notifies no one.
func (o *Orchestrator) leaveRoom(id domain.ConnectionID, room domain.RoomID) {
	remaining, left := o.Rooms.Leave(room, id)
	o.Registry.ClearRoom(id, room)
	if !left {
		return
	}
	metrics.RecordRoomCount(o.Rooms.Count())
	log.Info().Str("module", "orch").Str("sid", string(id)).Str("room", string(room)).Int("remaining", len(remaining)).Msg("left room")

	msg := protocol.UserLeft{
		Type:      protocol.TypeUserLeft,
		RoomID:    string(room),
		SocketID:  string(id),
		Timestamp: protocol.Now(),
	}
	for _, m := range remaining {
		o.deliver(m, msg)
	}
}
