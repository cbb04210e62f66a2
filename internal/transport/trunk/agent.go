package trunk

import (
	"context"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/emiago/sipgo/sip"
)

// UserAgent is the SIP stack the trunk transport drives. Register and
// Invite block until the registrar or the remote answered.
type UserAgent interface {
	Register(ctx context.Context, registrar string, aor sip.Uri, creds domain.TrunkCredentials) error
	Unregister(ctx context.Context) error
	Invite(ctx context.Context, to sip.Uri) (Dialog, error)
	// Invitations delivers inbound INVITEs. It is closed when the agent stops.
	Invitations() <-chan Invitation
}

// Dialog is one call leg.
type Dialog interface {
	ID() string
	// Established is closed once the remote answered.
	Established() <-chan struct{}
	// Done is closed when the dialog terminates for any reason; Err then
	// tells whether it failed.
	Done() <-chan struct{}
	Err() error

	Bye(ctx context.Context) error
	Hold(ctx context.Context, held bool) error
	Refer(ctx context.Context, target sip.Uri) error
	SendDTMF(tone string) error
	SetMuted(muted bool) bool
	SetVideoEnabled(enabled bool) bool
	RemoteStream() call.StreamHandle
}

type Invitation interface {
	ID() string
	From() sip.Uri
	// Done is closed when the caller withdraws the offer or it is rejected.
	// After Accept it may stay open until the call ends.
	Done() <-chan struct{}
	Accept(ctx context.Context) (Dialog, error)
	Reject(ctx context.Context) error
}
