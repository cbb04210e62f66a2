package orch

import (
	"fmt"

	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/metrics"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// route delivers v to target when one is named, otherwise to every other
// member of room. An empty room falls back to the sender's current room.
func (o *Orchestrator) route(from domain.ConnectionID, kind string, room domain.RoomID, target domain.ConnectionID, v any) error {
	if target != "" {
		metrics.RecordRelay(kind, "direct")
		o.deliver(target, v)
		return nil
	}
	if room == "" {
		cur, ok := o.Registry.RoomOf(from)
		if !ok {
			return fmt.Errorf("%s: %w", kind, ErrNoRoute)
		}
		room = cur
	}
	metrics.RecordRelay(kind, "room")
	for _, m := range o.Rooms.Others(room, from) {
		o.deliver(m, v)
	}
	return nil
}

// RelaySignal forwards offer, answer and ice-candidate unchanged apart from
// the attached sender id.
func (o *Orchestrator) RelaySignal(from domain.ConnectionID, msg protocol.Signal) error {
	target := domain.ConnectionID(msg.TargetSocketID)
	msg.TargetSocketID = ""
	msg.FromSocketID = string(from)
	log.Debug().Str("module", "orch").Str("sid", string(from)).Str("type", msg.Type).Str("target", string(target)).Msg("relay signal")
	return o.route(from, msg.Type, domain.RoomID(msg.RoomID), target, msg)
}

// RelayNotice turns a call-control request into the notice the room sees.
func (o *Orchestrator) RelayNotice(from domain.ConnectionID, msg protocol.Notice) error {
	kind, ok := protocol.NoticeTypes[msg.Type]
	if !ok {
		return fmt.Errorf("unknown notice %q", msg.Type)
	}
	target := domain.ConnectionID(msg.TargetSocketID)
	msg.Type = kind
	msg.TargetSocketID = ""
	msg.SocketID = string(from)
	msg.FromSocketID = string(from)
	msg.Timestamp = protocol.Now()
	return o.route(from, kind, domain.RoomID(msg.RoomID), target, msg)
}

// UpdateCallState records the sender's call state and passes it on: to the
// target when one is named, otherwise to the named room. An update naming
// neither is only recorded.
func (o *Orchestrator) UpdateCallState(from domain.ConnectionID, msg protocol.CallStateUpdate) {
	o.Registry.UpdateCallState(from, msg.State, msg.CallID, msg.InteractionID)
	log.Info().Str("module", "orch").Str("sid", string(from)).Str("state", msg.State).Str("call_id", msg.CallID).Msg("call state update")

	target := domain.ConnectionID(msg.TargetSocketID)
	if target == "" && msg.RoomID == "" {
		return
	}
	msg.Type = protocol.TypeCallStateUpdate
	msg.TargetSocketID = ""
	msg.FromSocketID = string(from)
	msg.Timestamp = protocol.Now()
	_ = o.route(from, msg.Type, domain.RoomID(msg.RoomID), target, msg)
}
