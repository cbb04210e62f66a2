package call

import (
	"context"

	"github.com/dkeye/agentcall/internal/domain"
)

// Kind tags the transport variant behind a session.
type Kind int

const (
	KindPeer Kind = iota
	KindTrunk
)

func (k Kind) String() string {
	if k == KindTrunk {
		return "trunk"
	}
	return "peer"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StreamHandle identifies the remote media stream of a call.
type StreamHandle interface {
	StreamID() string
}

// Transport is the capability set every backend offers. Implementations are
// safe for concurrent use and report asynchronous facts as Events on the
// channel handed to their constructor.
type Transport interface {
	Kind() Kind
	// Start places a call and returns the call id. Establishment is reported
	// later with EventConnected. A failed Start leaves nothing behind.
	Start(ctx context.Context, destination string) (string, error)
	AcceptIncoming(ctx context.Context) error
	RejectIncoming(ctx context.Context) error
	End(ctx context.Context) error
	// SetMuted and SetVideoEnabled must not block. They return false when
	// the change could not be applied.
	SetMuted(muted bool) bool
	SetVideoEnabled(enabled bool) bool
	Hold(ctx context.Context, held bool) error
	Transfer(ctx context.Context, target string) error
	RemoteStream() StreamHandle
	IsConnected() bool
	IsInCall() bool
}

// TrunkTransport is the registrar-backed variant.
type TrunkTransport interface {
	Transport
	Register(ctx context.Context, creds domain.TrunkCredentials) error
	Unregister(ctx context.Context) error
	SendDTMF(tone string) error
}
