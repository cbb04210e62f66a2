package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/agentcall/internal/app/orch"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleNegotiation(
	sid domain.ConnectionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p protocol.Signal
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", p.Type).Msg("bad negotiation payload")
		ctl.sendError(conn, protocol.ReasonBadPayload)
		return
	}
	ctl.relayResult(conn, ctl.Orch.RelaySignal(sid, p))
}

func (ctl *SignalWSController) handleNotice(
	sid domain.ConnectionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p protocol.Notice
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad notice payload")
		ctl.sendError(conn, protocol.ReasonBadPayload)
		return
	}
	ctl.relayResult(conn, ctl.Orch.RelayNotice(sid, p))
}

func (ctl *SignalWSController) handleCallState(
	sid domain.ConnectionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p protocol.CallStateUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call state payload")
		ctl.sendError(conn, protocol.ReasonBadPayload)
		return
	}
	ctl.Orch.UpdateCallState(sid, p)
}

// relayResult reports routing problems to the sender. Delivery failures are
// not routing problems and never reach this point.
func (ctl *SignalWSController) relayResult(conn *WsSignalConn, err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("module", "signal").Msg("relay rejected")
	if errors.Is(err, orch.ErrNoRoute) {
		ctl.sendError(conn, protocol.ReasonMissingRoom)
		return
	}
	ctl.sendError(conn, protocol.ReasonBadPayload)
}
