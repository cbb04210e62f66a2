package call

import (
	"context"
	"time"

	"github.com/dkeye/agentcall/internal/media"
)

// Snapshot is the externally visible view of the current call.
type Snapshot struct {
	ID           string    `json:"id,omitempty"`
	State        State     `json:"state"`
	Transport    Kind      `json:"transport"`
	AudioMuted   bool      `json:"audioMuted"`
	VideoEnabled bool      `json:"videoEnabled"`
	Held         bool      `json:"held"`
	RemoteParty  string    `json:"remoteParty,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
}

// Observer receives every state change and remote notice. It is called from
// the controller loop and must not call back into the controller synchronously.
type Observer interface {
	OnState(Snapshot)
	OnNotice(Notice)
}

type nopObserver struct{}

func (nopObserver) OnState(Snapshot) {}
func (nopObserver) OnNotice(Notice)  {}

type pendingOp int

const (
	opNone pendingOp = iota
	opAccept
	opHold
	opTransfer
)

// session is owned by the controller loop.
type session struct {
	id        string
	state     State
	kind      Kind
	transport Transport

	muted   bool
	video   bool
	held    bool
	remote  string
	started time.Time

	pending     pendingOp
	cancelStart context.CancelFunc
	startDone   bool
	media       *media.Handle
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:           s.id,
		State:        s.state,
		Transport:    s.kind,
		AudioMuted:   s.muted,
		VideoEnabled: s.video,
		Held:         s.held,
		RemoteParty:  s.remote,
		StartedAt:    s.started,
	}
}
