package signal

import "github.com/dkeye/agentcall/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, protocol.Pong{
		Type:      protocol.TypePong,
		Timestamp: protocol.Now(),
	})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, reason string) {
	ctl.sendJSON(conn, protocol.Error{
		Type:      protocol.TypeError,
		Error:     reason,
		Timestamp: protocol.Now(),
	})
}
