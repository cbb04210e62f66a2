package peer

import (
	"encoding/json"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/protocol"
)

// Signaler is the agent's connection to the relay.
type Signaler interface {
	// ID is the socket id the relay assigned.
	ID() string
	Send(v any) error
	Subscribe() (<-chan protocol.Message, func())
}

type MediaEventKind int

const (
	MediaCandidate MediaEventKind = iota
	MediaConnected
	MediaFailed
	MediaClosed
)

type MediaEvent struct {
	Kind      MediaEventKind
	Candidate json.RawMessage
	Err       error
}

// MediaSession is one negotiated media connection. Offers, answers and
// candidates are opaque JSON handed through the relay unchanged.
type MediaSession interface {
	CreateOffer() (json.RawMessage, error)
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)
	ApplyAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	SetAudioEnabled(enabled bool) bool
	SetVideoEnabled(enabled bool) bool
	SetHold(held bool) error
	RemoteStream() call.StreamHandle
	Close() error
}

// MediaFactory opens media sessions. onEvent may be called from any goroutine.
type MediaFactory interface {
	NewSession(onEvent func(MediaEvent)) (MediaSession, error)
}
