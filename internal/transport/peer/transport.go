// Package peer is the call transport that negotiates media directly between
// two agents through the signaling relay.
package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxRoomLen         = 128
	defaultRingTimeout = 45 * time.Second
)

// ErrNoAnswer is reported when an outgoing call is not connected within the
// ring timeout.
var ErrNoAnswer = errors.New("no answer")

// Options tune the transport. The zero value is usable.
type Options struct {
	// RingTimeout bounds how long a call may stay unanswered or unconnected,
	// in either direction.
	RingTimeout time.Duration
}

type mediaEvent struct {
	pc *peerCall
	ev MediaEvent
}

// peerCall is the one call the transport carries. The room id doubles as the
// call id.
type peerCall struct {
	room     string
	remote   string
	incoming bool
	accepted bool
	offered  bool
	offer    []byte
	ring     *time.Timer

	joined     chan []protocol.RoomUser
	media      MediaSession
	candidates [][]byte
	connected  bool
}

type Transport struct {
	sig    Signaler
	media  MediaFactory
	events chan<- call.Event
	logger zerolog.Logger

	inbox       <-chan protocol.Message
	unsubscribe func()
	mediaEvents chan mediaEvent
	ringTimeout time.Duration
	timeouts    chan *peerCall

	mu  sync.Mutex
	cur *peerCall
}

var _ call.Transport = (*Transport)(nil)

// New subscribes to the relay right away so that no reply to the first
// join is missed. Messages are handled once Run is started.
func New(sig Signaler, media MediaFactory, events chan<- call.Event, opts Options) *Transport {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	inbox, unsubscribe := sig.Subscribe()
	return &Transport{
		sig:         sig,
		media:       media,
		events:      events,
		logger:      log.With().Str("module", "transport.peer").Logger(),
		inbox:       inbox,
		unsubscribe: unsubscribe,
		mediaEvents: make(chan mediaEvent, 64),
		ringTimeout: opts.RingTimeout,
		timeouts:    make(chan *peerCall, 4),
	}
}

func (t *Transport) Kind() call.Kind { return call.KindPeer }

// Run handles relay messages and media events until ctx is done or the
// relay connection goes away.
func (t *Transport) Run(ctx context.Context) error {
	defer func() {
		t.unsubscribe()
		t.mu.Lock()
		pc := t.cur
		t.cur = nil
		t.mu.Unlock()
		if pc != nil {
			_ = t.release(pc)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-t.inbox:
			if !ok {
				return errors.New("peer: relay subscription closed")
			}
			t.handleMessage(ctx, m)
		case me := <-t.mediaEvents:
			t.handleMedia(ctx, me)
		case pc := <-t.timeouts:
			t.expire(ctx, pc)
		}
	}
}

// Start joins the destination room. Joining an empty room waits for the other
// party's offer; joining a non-empty room makes this side the initiator.
func (t *Transport) Start(ctx context.Context, destination string) (string, error) {
	room, err := validRoom(destination)
	if err != nil {
		return "", fmt.Errorf("peer start: %w", domain.ErrInvalidDestination)
	}

	t.mu.Lock()
	if t.cur != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("peer start: %w", domain.ErrInvalidState)
	}
	pc := &peerCall{room: room}
	t.cur = pc
	t.mu.Unlock()

	users, err := t.join(ctx, pc)
	if err != nil {
		t.abandon(pc)
		return "", fmt.Errorf("peer start: %w", err)
	}

	t.mu.Lock()
	if t.cur != pc {
		t.mu.Unlock()
		return "", fmt.Errorf("peer start: %w", domain.ErrNoActiveSession)
	}
	t.arm(pc)
	if len(users) == 0 {
		t.mu.Unlock()
		t.logger.Info().Str("room", room).Msg("room empty, waiting for offer")
		return room, nil
	}
	pc.remote = users[0].SocketID
	t.mu.Unlock()

	offer, err := t.openMedia(pc, func(m MediaSession) ([]byte, error) { return m.CreateOffer() })
	if err != nil {
		t.abandon(pc)
		return "", fmt.Errorf("peer start: %w", err)
	}

	if err := t.sig.Send(protocol.Signal{
		Type:           protocol.TypeOffer,
		RoomID:         room,
		TargetSocketID: pc.remote,
		Offer:          offer,
	}); err != nil {
		t.abandon(pc)
		return "", fmt.Errorf("peer start: send offer: %w", err)
	}
	t.mu.Lock()
	pc.offered = true
	gone := t.cur != pc
	t.mu.Unlock()
	if gone {
		// ended while the offer was on its way
		if err := t.cancelOffer(pc); err != nil {
			t.logger.Warn().Err(err).Str("room", room).Msg("cancel not sent")
		}
		return "", fmt.Errorf("peer start: %w", domain.ErrNoActiveSession)
	}
	t.logger.Info().Str("room", room).Str("remote", pc.remote).Msg("offer sent")
	return room, nil
}

// join sends join-room and waits for the member list.
func (t *Transport) join(ctx context.Context, pc *peerCall) ([]protocol.RoomUser, error) {
	joined := make(chan []protocol.RoomUser, 1)
	t.mu.Lock()
	pc.joined = joined
	t.mu.Unlock()

	if err := t.sig.Send(protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: pc.room}); err != nil {
		return nil, fmt.Errorf("join %s: %w", pc.room, err)
	}
	select {
	case users := <-joined:
		return users, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// openMedia creates the media session for pc and runs the first negotiation
// step on it. It runs without t.mu; remote candidates arriving meanwhile are
// buffered and applied once pc owns the session. If pc stopped being current
// the session is closed again.
func (t *Transport) openMedia(pc *peerCall, step func(MediaSession) ([]byte, error)) ([]byte, error) {
	m, err := t.media.NewSession(func(ev MediaEvent) {
		select {
		case t.mediaEvents <- mediaEvent{pc: pc, ev: ev}:
		default:
			t.logger.Warn().Str("room", pc.room).Int("kind", int(ev.Kind)).Msg("media event dropped")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaAcquisitionFailed, err)
	}
	sdp, err := step(m)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	t.mu.Lock()
	if t.cur != pc {
		t.mu.Unlock()
		_ = m.Close()
		return nil, domain.ErrNoActiveSession
	}
	pc.media = m
	buffered := pc.candidates
	pc.candidates = nil
	t.mu.Unlock()

	for _, c := range buffered {
		if err := m.AddCandidate(c); err != nil {
			t.logger.Warn().Err(err).Str("room", pc.room).Msg("buffered candidate rejected")
		}
	}
	return sdp, nil
}

// arm starts the ring timer of pc. Called with t.mu held.
func (t *Transport) arm(pc *peerCall) {
	if pc.ring != nil {
		return
	}
	pc.ring = time.AfterFunc(t.ringTimeout, func() {
		select {
		case t.timeouts <- pc:
		default:
		}
	})
}

// expire gives up on a call that rang too long. An unanswered incoming call
// is withdrawn; anything else fails with ErrNoAnswer.
func (t *Transport) expire(ctx context.Context, pc *peerCall) {
	t.mu.Lock()
	if t.cur != pc || pc.connected {
		t.mu.Unlock()
		return
	}
	if !pc.incoming || pc.accepted {
		t.mu.Unlock()
		t.fail(ctx, pc, ErrNoAnswer)
		return
	}
	t.cur = nil
	t.mu.Unlock()

	t.logger.Info().Str("room", pc.room).Str("from", pc.remote).Msg("incoming call timed out")
	if err := t.release(pc); err != nil {
		t.logger.Warn().Err(err).Str("room", pc.room).Msg("release failed")
	}
	t.emit(ctx, call.Event{Kind: call.EventRemoteHangup, CallID: pc.room})
}

// abandon drops pc if it is still current.
func (t *Transport) abandon(pc *peerCall) {
	t.mu.Lock()
	if t.cur != pc {
		t.mu.Unlock()
		return
	}
	t.cur = nil
	t.mu.Unlock()
	if err := t.release(pc); err != nil {
		t.logger.Warn().Err(err).Str("room", pc.room).Msg("release failed")
	}
}

// release closes media and leaves the room. A callee that was offered the
// call but never connected is told directly, since it may not be in the room.
// pc must no longer be current.
func (t *Transport) release(pc *peerCall) error {
	var errs []error
	t.mu.Lock()
	if pc.ring != nil {
		pc.ring.Stop()
	}
	unanswered := pc.offered && !pc.connected && pc.remote != ""
	t.mu.Unlock()
	if unanswered {
		if err := t.cancelOffer(pc); err != nil {
			errs = append(errs, err)
		}
	}
	if pc.media != nil {
		if err := pc.media.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close media: %w", err))
		}
	}
	if pc.joined != nil {
		if err := t.sig.Send(protocol.LeaveRoom{Type: protocol.TypeLeaveRoom, RoomID: pc.room}); err != nil {
			errs = append(errs, fmt.Errorf("leave %s: %w", pc.room, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) cancelOffer(pc *peerCall) error {
	if err := t.sig.Send(protocol.CallStateUpdate{
		Type:           protocol.TypeCallStateUpdate,
		RoomID:         pc.room,
		State:          call.Ended.String(),
		CallID:         pc.room,
		TargetSocketID: pc.remote,
	}); err != nil {
		return fmt.Errorf("cancel offer: %w", err)
	}
	return nil
}

// AcceptIncoming joins the caller's room and answers the stored offer. On
// failure the call stays pending and can be accepted again.
func (t *Transport) AcceptIncoming(ctx context.Context) error {
	t.mu.Lock()
	pc := t.cur
	if pc == nil || !pc.incoming || pc.accepted {
		t.mu.Unlock()
		return fmt.Errorf("peer accept: %w", domain.ErrNoActiveSession)
	}
	t.mu.Unlock()

	if _, err := t.join(ctx, pc); err != nil {
		return fmt.Errorf("peer accept: %w", err)
	}

	answer, err := t.openMedia(pc, func(m MediaSession) ([]byte, error) { return m.AcceptOffer(pc.offer) })
	if err != nil {
		return fmt.Errorf("peer accept: %w", err)
	}
	t.mu.Lock()
	pc.accepted = true
	t.mu.Unlock()

	if err := t.sig.Send(protocol.Signal{
		Type:           protocol.TypeAnswer,
		RoomID:         pc.room,
		TargetSocketID: pc.remote,
		Answer:         answer,
	}); err != nil {
		return fmt.Errorf("peer accept: send answer: %w", err)
	}
	t.logger.Info().Str("room", pc.room).Str("remote", pc.remote).Msg("incoming call accepted")
	return nil
}

// RejectIncoming drops the pending offer. The caller learns nothing; it
// gives up on its ring timer.
func (t *Transport) RejectIncoming(ctx context.Context) error {
	t.mu.Lock()
	pc := t.cur
	if pc == nil || !pc.incoming || pc.accepted {
		t.mu.Unlock()
		return nil
	}
	t.cur = nil
	t.mu.Unlock()
	t.logger.Info().Str("room", pc.room).Str("remote", pc.remote).Msg("incoming call rejected")
	return t.release(pc)
}

// End leaves the room and closes media. Ending without a call is a no-op.
func (t *Transport) End(ctx context.Context) error {
	t.mu.Lock()
	pc := t.cur
	t.cur = nil
	t.mu.Unlock()
	if pc == nil {
		return nil
	}
	t.logger.Info().Str("room", pc.room).Msg("call ended")
	return t.release(pc)
}

func (t *Transport) SetMuted(muted bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc := t.cur
	if pc == nil || pc.media == nil || !pc.media.SetAudioEnabled(!muted) {
		return false
	}
	t.notice(protocol.Notice{Type: protocol.TypeMuteAudio, RoomID: pc.room, Muted: protocol.Bool(muted)})
	return true
}

func (t *Transport) SetVideoEnabled(enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc := t.cur
	if pc == nil || pc.media == nil || !pc.media.SetVideoEnabled(enabled) {
		return false
	}
	t.notice(protocol.Notice{Type: protocol.TypeToggleVideo, RoomID: pc.room, Enabled: protocol.Bool(enabled)})
	return true
}

func (t *Transport) Hold(ctx context.Context, held bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc := t.cur
	if pc == nil || pc.media == nil {
		return fmt.Errorf("peer hold: %w", domain.ErrNoActiveSession)
	}
	if err := pc.media.SetHold(held); err != nil {
		return fmt.Errorf("peer hold: %w", err)
	}
	t.notice(protocol.Notice{Type: protocol.TypeHoldCall, RoomID: pc.room, Held: protocol.Bool(held)})
	return nil
}

// Transfer announces the hand-over to the room. The call itself is ended by
// the caller afterwards.
func (t *Transport) Transfer(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" || strings.ContainsFunc(target, unicode.IsSpace) {
		return fmt.Errorf("peer transfer: %w", domain.ErrInvalidTarget)
	}
	t.mu.Lock()
	pc := t.cur
	live := pc != nil && pc.media != nil
	t.mu.Unlock()
	if !live {
		return fmt.Errorf("peer transfer: %w", domain.ErrNoActiveSession)
	}
	if err := t.sig.Send(protocol.Notice{
		Type:        protocol.TypeTransferCall,
		RoomID:      pc.room,
		TargetAgent: target,
		CallID:      pc.room,
	}); err != nil {
		return fmt.Errorf("peer transfer: %w", err)
	}
	t.logger.Info().Str("room", pc.room).Str("target", target).Msg("transfer announced")
	return nil
}

// notice broadcasts a call-control notice. A lost notice only leaves the
// remote UI stale, so it is logged and not returned.
func (t *Transport) notice(n protocol.Notice) {
	if err := t.sig.Send(n); err != nil {
		t.logger.Warn().Err(err).Str("type", n.Type).Str("room", n.RoomID).Msg("notice not sent")
	}
}

func (t *Transport) RemoteStream() call.StreamHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil || t.cur.media == nil {
		return nil
	}
	return t.cur.media.RemoteStream()
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil && t.cur.connected
}

func (t *Transport) IsInCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil
}

// validRoom accepts printable room ids without whitespace.
func validRoom(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxRoomLen {
		return "", domain.ErrInvalidDestination
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", domain.ErrInvalidDestination
		}
	}
	return s, nil
}
