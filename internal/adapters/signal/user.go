package signal

import (
	"encoding/json"
	"strings"

	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleRegister(
	sid domain.ConnectionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p protocol.Register
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad register payload")
		ctl.sendError(conn, protocol.ReasonBadPayload)
		return
	}

	user := domain.User{
		UserID:    clip(p.UserID, domain.MaxAgentIDLen),
		AgentID:   clip(p.AgentID, domain.MaxAgentIDLen),
		Extension: clip(p.Extension, domain.MaxExtensionLen),
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("agent", user.AgentID).Msg("register")
	ctl.Orch.Register(sid, user)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
