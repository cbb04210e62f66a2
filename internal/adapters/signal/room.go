package signal

import (
	"encoding/json"

	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(
	sid domain.ConnectionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p protocol.JoinRoom
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, protocol.ReasonBadPayload)
		return
	}
	if p.RoomID == "" {
		ctl.sendError(conn, protocol.ReasonMissingRoom)
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(conn.rateKey(sid)) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("room", p.RoomID).Msg("join rate limited")
		ctl.sendError(conn, protocol.ReasonRateLimited)
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", p.RoomID).Msg("join")
	if err := ctl.Orch.Join(sid, domain.RoomID(p.RoomID), p.UserID); err != nil {
		ctl.sendError(conn, protocol.ReasonMissingRoom)
	}
}

// handleLeave exits the room; the connection itself stays open.
func (ctl *SignalWSController) handleLeave(
	sid domain.ConnectionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p protocol.LeaveRoom
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad leave payload")
		ctl.sendError(conn, protocol.ReasonBadPayload)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", p.RoomID).Msg("leave")
	ctl.Orch.Leave(sid, domain.RoomID(p.RoomID))
}
