package peer

import (
	"context"
	"fmt"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/protocol"
)

// emit hands ev to the controller. It is never called with t.mu held: the
// controller may be blocked on the lock in SetMuted.
func (t *Transport) emit(ctx context.Context, ev call.Event) {
	ev.Source = call.KindPeer
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *Transport) handleMessage(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.TypeRoomUsers:
		var msg protocol.RoomUsers
		if t.decode(m, &msg) {
			t.onRoomUsers(msg)
		}
	case protocol.TypeUserLeft:
		var msg protocol.UserLeft
		if t.decode(m, &msg) {
			t.onUserLeft(ctx, msg)
		}
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		var msg protocol.Signal
		if t.decode(m, &msg) {
			t.onSignal(ctx, msg)
		}
	case protocol.TypeUserAudioMuted, protocol.TypeUserVideoToggled,
		protocol.TypeCallHeld, protocol.TypeCallTransferInitiated:
		var msg protocol.Notice
		if t.decode(m, &msg) {
			t.onNotice(ctx, msg)
		}
	case protocol.TypeCallStateUpdate:
		var msg protocol.CallStateUpdate
		if t.decode(m, &msg) {
			t.onCallState(ctx, msg)
		}
	}
}

func (t *Transport) decode(m protocol.Message, v any) bool {
	if err := m.Decode(v); err != nil {
		t.logger.Warn().Err(err).Str("type", m.Type).Msg("bad message from relay")
		return false
	}
	return true
}

func (t *Transport) onRoomUsers(msg protocol.RoomUsers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc := t.cur
	if pc == nil || pc.room != msg.RoomID || pc.joined == nil {
		return
	}
	select {
	case pc.joined <- msg.Users:
	default:
	}
}

// onUserLeft treats the remote leaving the room as a hangup.
func (t *Transport) onUserLeft(ctx context.Context, msg protocol.UserLeft) {
	t.mu.Lock()
	pc := t.cur
	if pc == nil || pc.room != msg.RoomID || pc.remote == "" || pc.remote != msg.SocketID {
		t.mu.Unlock()
		return
	}
	t.cur = nil
	t.mu.Unlock()

	t.logger.Info().Str("room", pc.room).Str("remote", pc.remote).Msg("remote left")
	if err := t.release(pc); err != nil {
		t.logger.Warn().Err(err).Str("room", pc.room).Msg("release failed")
	}
	t.emit(ctx, call.Event{Kind: call.EventRemoteHangup, CallID: pc.room})
}

// onCallState withdraws a ringing incoming call when its caller reports the
// call ended. The callee is not in the room yet and sees no user-left.
func (t *Transport) onCallState(ctx context.Context, msg protocol.CallStateUpdate) {
	if msg.State != call.Ended.String() {
		return
	}
	t.mu.Lock()
	pc := t.cur
	if pc == nil || !pc.incoming || pc.accepted || pc.remote != msg.FromSocketID || pc.room != msg.RoomID {
		t.mu.Unlock()
		return
	}
	t.cur = nil
	t.mu.Unlock()

	t.logger.Info().Str("room", pc.room).Str("from", pc.remote).Msg("caller canceled")
	if err := t.release(pc); err != nil {
		t.logger.Warn().Err(err).Str("room", pc.room).Msg("release failed")
	}
	t.emit(ctx, call.Event{Kind: call.EventRemoteHangup, CallID: pc.room})
}

func (t *Transport) onSignal(ctx context.Context, msg protocol.Signal) {
	if msg.Type == protocol.TypeOffer {
		t.onOffer(ctx, msg)
		return
	}

	t.mu.Lock()
	pc := t.cur
	if pc == nil || pc.remote == "" || msg.FromSocketID != pc.remote {
		t.mu.Unlock()
		t.logger.Debug().Str("type", msg.Type).Str("from", msg.FromSocketID).Msg("signal for no call")
		return
	}
	m := pc.media
	if m == nil && msg.Type == protocol.TypeICECandidate && len(msg.Candidate) > 0 {
		pc.candidates = append(pc.candidates, msg.Candidate)
	}
	t.mu.Unlock()
	if m == nil {
		return
	}

	switch msg.Type {
	case protocol.TypeAnswer:
		if err := m.ApplyAnswer(msg.Answer); err != nil {
			t.fail(ctx, pc, fmt.Errorf("apply answer: %w", err))
		}
	case protocol.TypeICECandidate:
		if len(msg.Candidate) == 0 {
			return
		}
		if err := m.AddCandidate(msg.Candidate); err != nil {
			t.logger.Warn().Err(err).Str("room", pc.room).Msg("candidate rejected")
		}
	}
}

// onOffer handles three cases: an offer while idle is an incoming call, an
// offer into the room this side waits in starts the call, and an offer from
// the current remote renegotiates. Anything else finds this side busy.
func (t *Transport) onOffer(ctx context.Context, msg protocol.Signal) {
	if msg.FromSocketID == "" || len(msg.Offer) == 0 {
		return
	}

	t.mu.Lock()
	pc := t.cur
	switch {
	case pc == nil:
		if _, err := validRoom(msg.RoomID); err != nil {
			t.mu.Unlock()
			t.logger.Warn().Str("from", msg.FromSocketID).Msg("offer without room dropped")
			return
		}
		pc = &peerCall{
			room:     msg.RoomID,
			remote:   msg.FromSocketID,
			incoming: true,
			offer:    msg.Offer,
		}
		t.cur = pc
		t.arm(pc)
		t.mu.Unlock()
		t.logger.Info().Str("room", msg.RoomID).Str("from", msg.FromSocketID).Msg("incoming call")
		t.emit(ctx, call.Event{Kind: call.EventIncoming, CallID: msg.RoomID, From: msg.FromSocketID})
		return

	case !pc.incoming && pc.remote == "" && pc.room == msg.RoomID:
		pc.remote = msg.FromSocketID
		t.mu.Unlock()
		answer, err := t.openMedia(pc, func(m MediaSession) ([]byte, error) { return m.AcceptOffer(msg.Offer) })
		if err != nil {
			t.fail(ctx, pc, fmt.Errorf("answer offer: %w", err))
			return
		}
		t.sendAnswer(pc, answer)

	case pc.remote == msg.FromSocketID && pc.media != nil:
		m := pc.media
		t.mu.Unlock()
		answer, err := m.AcceptOffer(msg.Offer)
		if err != nil {
			t.logger.Warn().Err(err).Str("room", pc.room).Msg("renegotiation failed")
			return
		}
		t.sendAnswer(pc, answer)

	default:
		t.mu.Unlock()
		t.logger.Info().Str("room", msg.RoomID).Str("from", msg.FromSocketID).Msg("busy, offer dropped")
	}
}

func (t *Transport) sendAnswer(pc *peerCall, answer []byte) {
	if err := t.sig.Send(protocol.Signal{
		Type:           protocol.TypeAnswer,
		RoomID:         pc.room,
		TargetSocketID: pc.remote,
		Answer:         answer,
	}); err != nil {
		t.logger.Warn().Err(err).Str("room", pc.room).Msg("answer not sent")
	}
}

// fail drops pc after a negotiation or media error and reports it.
func (t *Transport) fail(ctx context.Context, pc *peerCall, err error) {
	t.mu.Lock()
	if t.cur != pc {
		t.mu.Unlock()
		return
	}
	t.cur = nil
	t.mu.Unlock()

	t.logger.Warn().Err(err).Str("room", pc.room).Msg("call failed")
	if rerr := t.release(pc); rerr != nil {
		t.logger.Warn().Err(rerr).Str("room", pc.room).Msg("release failed")
	}
	t.emit(ctx, call.Event{Kind: call.EventFailed, CallID: pc.room, Err: err})
}

func (t *Transport) onNotice(ctx context.Context, msg protocol.Notice) {
	t.mu.Lock()
	pc := t.cur
	ours := pc != nil && pc.remote != "" && msg.FromSocketID == pc.remote
	t.mu.Unlock()
	if !ours {
		return
	}

	n := call.Notice{Party: msg.FromSocketID}
	switch msg.Type {
	case protocol.TypeUserAudioMuted:
		n.Kind, n.Value = call.NoticeMute, msg.Muted != nil && *msg.Muted
	case protocol.TypeUserVideoToggled:
		n.Kind, n.Value = call.NoticeVideo, msg.Enabled != nil && *msg.Enabled
	case protocol.TypeCallHeld:
		n.Kind, n.Value = call.NoticeHold, msg.Held != nil && *msg.Held
	case protocol.TypeCallTransferInitiated:
		n.Kind, n.Target = call.NoticeTransfer, msg.TargetAgent
	}
	t.emit(ctx, call.Event{Kind: call.EventRemoteNotice, CallID: pc.room, Notice: n})
}

func (t *Transport) handleMedia(ctx context.Context, me mediaEvent) {
	t.mu.Lock()
	pc := me.pc
	if t.cur != pc {
		t.mu.Unlock()
		return
	}
	switch me.ev.Kind {
	case MediaCandidate:
		remote, room := pc.remote, pc.room
		t.mu.Unlock()
		if err := t.sig.Send(protocol.Signal{
			Type:           protocol.TypeICECandidate,
			RoomID:         room,
			TargetSocketID: remote,
			Candidate:      me.ev.Candidate,
		}); err != nil {
			t.logger.Warn().Err(err).Str("room", room).Msg("candidate not sent")
		}
	case MediaConnected:
		first := !pc.connected
		pc.connected = true
		if pc.ring != nil {
			pc.ring.Stop()
		}
		t.mu.Unlock()
		if first {
			t.logger.Info().Str("room", pc.room).Str("remote", pc.remote).Msg("media connected")
			t.emit(ctx, call.Event{Kind: call.EventConnected, CallID: pc.room})
		}
	case MediaFailed:
		t.mu.Unlock()
		t.fail(ctx, pc, fmt.Errorf("media: %w", me.ev.Err))
	default:
		t.mu.Unlock()
	}
}
