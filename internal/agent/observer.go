// Package agent wires the call controller to the relay for the headless
// agent binary.
package agent

import (
	"sync"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Sender interface {
	Send(v any) error
}

// RelayObserver reports call state changes to the relay, which records them
// on the connection and passes them to the room.
type RelayObserver struct {
	sig    Sender
	logger zerolog.Logger

	mu   sync.Mutex
	last call.Snapshot
}

var _ call.Observer = (*RelayObserver)(nil)

func NewRelayObserver(sig Sender) *RelayObserver {
	return &RelayObserver{
		sig:    sig,
		logger: log.With().Str("module", "agent").Logger(),
		last:   call.Snapshot{State: call.Idle},
	}
}

func (o *RelayObserver) OnState(s call.Snapshot) {
	o.mu.Lock()
	changed := s.State != o.last.State || s.ID != o.last.ID
	o.last = s
	o.mu.Unlock()
	if !changed {
		return
	}

	msg := protocol.CallStateUpdate{
		Type:   protocol.TypeCallStateUpdate,
		State:  s.State.String(),
		CallID: s.ID,
	}
	if s.Transport == call.KindPeer {
		msg.RoomID = s.ID
	}
	if err := o.sig.Send(msg); err != nil {
		o.logger.Warn().Err(err).Str("state", msg.State).Msg("call state not reported")
	}
}

func (o *RelayObserver) OnNotice(n call.Notice) {
	o.logger.Info().
		Str("kind", string(n.Kind)).
		Str("party", n.Party).
		Bool("value", n.Value).
		Str("target", n.Target).
		Msg("remote notice")
}
