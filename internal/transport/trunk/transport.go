// Package trunk is the call transport that reaches the phone network through
// a SIP registrar.
package trunk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/config"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrInvalidTone = errors.New("invalid dtmf tone")

type Transport struct {
	ua     UserAgent
	cfg    config.TrunkConfig
	events chan<- call.Event
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	registered bool
	dialog     Dialog
	pending    Invitation
}

var _ call.TrunkTransport = (*Transport)(nil)

func New(ua UserAgent, cfg config.TrunkConfig, events chan<- call.Event) *Transport {
	return &Transport{
		ua:     ua,
		cfg:    cfg,
		events: events,
		logger: log.With().Str("module", "transport.trunk").Str("realm", cfg.Realm).Logger(),
		stop:   make(chan struct{}),
	}
}

func (t *Transport) Kind() call.Kind { return call.KindTrunk }

// Run turns inbound invitations into Incoming events until ctx is done or
// the user agent stops.
func (t *Transport) Run(ctx context.Context) error {
	defer t.stopOnce.Do(func() { close(t.stop) })
	invs := t.ua.Invitations()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inv, ok := <-invs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("trunk: user agent stopped")
			}
			t.onInvitation(ctx, inv)
		}
	}
}

func (t *Transport) emit(ev call.Event) {
	ev.Source = call.KindTrunk
	select {
	case t.events <- ev:
	case <-t.stop:
	}
}

func (t *Transport) onInvitation(ctx context.Context, inv Invitation) {
	t.mu.Lock()
	busy := t.dialog != nil || t.pending != nil
	if !busy {
		t.pending = inv
	}
	t.mu.Unlock()

	from := inv.From()
	if busy {
		t.logger.Info().Str("call_id", inv.ID()).Str("from", from.User).Msg("busy, rejecting invitation")
		go func() {
			if err := inv.Reject(ctx); err != nil {
				t.logger.Warn().Err(err).Str("call_id", inv.ID()).Msg("reject failed")
			}
		}()
		return
	}
	t.logger.Info().Str("call_id", inv.ID()).Str("from", from.User).Msg("incoming call")
	t.emit(call.Event{Kind: call.EventIncoming, CallID: inv.ID(), From: from.User})
	go t.watchInvitation(inv)
}

// watchInvitation reports a caller that gives up before the call is
// answered. An invitation that was accepted or rejected is no longer pending
// and reports nothing.
func (t *Transport) watchInvitation(inv Invitation) {
	select {
	case <-inv.Done():
	case <-t.stop:
		return
	}
	t.mu.Lock()
	if t.pending != inv {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.mu.Unlock()

	t.logger.Info().Str("call_id", inv.ID()).Msg("caller canceled")
	t.emit(call.Event{Kind: call.EventRemoteHangup, CallID: inv.ID()})
}

// Register binds the agent's address of record at the registrar.
func (t *Transport) Register(ctx context.Context, creds domain.TrunkCredentials) error {
	if !t.cfg.Enabled() {
		return fmt.Errorf("trunk register: %w: no registrar configured", domain.ErrBackendUnavailable)
	}
	aor := sip.Uri{User: creds.Username, Host: t.cfg.Realm}
	if err := t.ua.Register(ctx, t.cfg.Registrar, aor, creds); err != nil {
		t.setRegistered(false)
		return fmt.Errorf("trunk register %s: %w: %w", creds.Username, domain.ErrBackendUnavailable, err)
	}
	t.setRegistered(true)
	t.logger.Info().Str("user", creds.Username).Str("registrar", t.cfg.Registrar).Msg("registered")
	return nil
}

func (t *Transport) Unregister(ctx context.Context) error {
	t.setRegistered(false)
	if err := t.ua.Unregister(ctx); err != nil {
		return fmt.Errorf("trunk unregister: %w", err)
	}
	return nil
}

// SetRegistered records a registration change reported by the user agent
// after login, such as an expired binding, and tells the controller.
func (t *Transport) SetRegistered(registered bool) {
	t.setRegistered(registered)
	t.emit(call.Event{Kind: call.EventRegistration, Registered: registered})
}

func (t *Transport) setRegistered(v bool) {
	t.mu.Lock()
	t.registered = v
	t.mu.Unlock()
}

// Start sends an INVITE to destination, an extension in the configured realm
// or a full sip: URI.
func (t *Transport) Start(ctx context.Context, destination string) (string, error) {
	to, err := t.uri(destination)
	if err != nil {
		return "", fmt.Errorf("trunk start: %w: %w", domain.ErrInvalidDestination, err)
	}

	t.mu.Lock()
	switch {
	case !t.registered:
		t.mu.Unlock()
		return "", fmt.Errorf("trunk start: %w", domain.ErrNotRegistered)
	case t.dialog != nil || t.pending != nil:
		t.mu.Unlock()
		return "", fmt.Errorf("trunk start: %w", domain.ErrInvalidState)
	}
	t.mu.Unlock()

	dlg, err := t.ua.Invite(ctx, to)
	if err != nil {
		return "", fmt.Errorf("trunk start %s: %w", to.User, err)
	}

	t.mu.Lock()
	if t.dialog != nil {
		t.mu.Unlock()
		_ = dlg.Bye(ctx)
		return "", fmt.Errorf("trunk start: %w", domain.ErrInvalidState)
	}
	t.dialog = dlg
	t.mu.Unlock()

	t.logger.Info().Str("call_id", dlg.ID()).Str("to", to.User).Str("host", to.Host).Msg("invite sent")
	go t.watch(dlg)
	return dlg.ID(), nil
}

// watch reports establishment and remote termination of dlg. A dialog
// ended locally is no longer current and reports nothing.
func (t *Transport) watch(dlg Dialog) {
	established := false
	select {
	case <-dlg.Established():
		established = true
		if t.current(dlg) {
			t.emit(call.Event{Kind: call.EventConnected, CallID: dlg.ID()})
		}
	case <-dlg.Done():
	case <-t.stop:
		return
	}

	select {
	case <-dlg.Done():
	case <-t.stop:
		return
	}

	t.mu.Lock()
	if t.dialog != dlg {
		t.mu.Unlock()
		return
	}
	t.dialog = nil
	t.mu.Unlock()

	if err := dlg.Err(); err != nil {
		t.logger.Warn().Err(err).Str("call_id", dlg.ID()).Bool("established", established).Msg("dialog failed")
		t.emit(call.Event{Kind: call.EventFailed, CallID: dlg.ID(), Err: err})
		return
	}
	t.logger.Info().Str("call_id", dlg.ID()).Msg("remote hangup")
	t.emit(call.Event{Kind: call.EventRemoteHangup, CallID: dlg.ID()})
}

func (t *Transport) current(dlg Dialog) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialog == dlg
}

// AcceptIncoming answers the pending invitation. A failed answer leaves it
// pending.
func (t *Transport) AcceptIncoming(ctx context.Context) error {
	t.mu.Lock()
	inv := t.pending
	t.mu.Unlock()
	if inv == nil {
		return fmt.Errorf("trunk accept: %w", domain.ErrNoActiveSession)
	}

	dlg, err := inv.Accept(ctx)
	if err != nil {
		return fmt.Errorf("trunk accept: %w", err)
	}

	t.mu.Lock()
	if t.pending != inv {
		t.mu.Unlock()
		_ = dlg.Bye(ctx)
		return fmt.Errorf("trunk accept: %w", domain.ErrNoActiveSession)
	}
	t.pending = nil
	t.dialog = dlg
	t.mu.Unlock()

	go t.watch(dlg)
	return nil
}

func (t *Transport) RejectIncoming(ctx context.Context) error {
	t.mu.Lock()
	inv := t.pending
	t.pending = nil
	t.mu.Unlock()
	if inv == nil {
		return nil
	}
	if err := inv.Reject(ctx); err != nil {
		return fmt.Errorf("trunk reject: %w", err)
	}
	return nil
}

// End sends BYE on the current dialog. Ending without a call is a no-op.
func (t *Transport) End(ctx context.Context) error {
	t.mu.Lock()
	dlg := t.dialog
	t.dialog = nil
	t.mu.Unlock()
	if dlg == nil {
		return nil
	}
	if err := dlg.Bye(ctx); err != nil {
		return fmt.Errorf("trunk bye %s: %w", dlg.ID(), err)
	}
	return nil
}

func (t *Transport) active() Dialog {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialog
}

func (t *Transport) SetMuted(muted bool) bool {
	dlg := t.active()
	return dlg != nil && dlg.SetMuted(muted)
}

func (t *Transport) SetVideoEnabled(enabled bool) bool {
	dlg := t.active()
	return dlg != nil && dlg.SetVideoEnabled(enabled)
}

func (t *Transport) Hold(ctx context.Context, held bool) error {
	dlg := t.active()
	if dlg == nil {
		return fmt.Errorf("trunk hold: %w", domain.ErrNoActiveSession)
	}
	if err := dlg.Hold(ctx, held); err != nil {
		return fmt.Errorf("trunk hold: %w", err)
	}
	return nil
}

// Transfer is a blind transfer with REFER.
func (t *Transport) Transfer(ctx context.Context, target string) error {
	to, err := t.uri(target)
	if err != nil {
		return fmt.Errorf("trunk transfer: %w: %w", domain.ErrInvalidTarget, err)
	}
	dlg := t.active()
	if dlg == nil {
		return fmt.Errorf("trunk transfer: %w", domain.ErrNoActiveSession)
	}
	if err := dlg.Refer(ctx, to); err != nil {
		return fmt.Errorf("trunk transfer to %s: %w", to.User, err)
	}
	return nil
}

func (t *Transport) SendDTMF(tone string) error {
	if !validTone(tone) {
		return fmt.Errorf("dtmf %q: %w", tone, ErrInvalidTone)
	}
	dlg := t.active()
	if dlg == nil {
		return fmt.Errorf("dtmf: %w", domain.ErrNoActiveSession)
	}
	return dlg.SendDTMF(tone)
}

func (t *Transport) RemoteStream() call.StreamHandle {
	if dlg := t.active(); dlg != nil {
		return dlg.RemoteStream()
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	dlg := t.active()
	if dlg == nil {
		return false
	}
	select {
	case <-dlg.Established():
		return true
	default:
		return false
	}
}

func (t *Transport) IsInCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialog != nil || t.pending != nil
}
