package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	kind Kind

	mu            sync.Mutex
	calls         []string
	block         chan struct{}
	startErr      error
	startCanceled bool
	acceptErr     error
	holdErr       error
	transferErr   error
	endErr        error
	registerErr   error
	muteRejected  bool
}

func (f *fakeTransport) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeTransport) called(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == op {
			return true
		}
	}
	return false
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeTransport) Kind() Kind { return f.kind }

func (f *fakeTransport) Start(ctx context.Context, dest string) (string, error) {
	f.record("start")
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			f.set(func(f *fakeTransport) { f.startCanceled = true })
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	return "call-" + dest, nil
}

func (f *fakeTransport) AcceptIncoming(context.Context) error {
	f.record("accept")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acceptErr
}

func (f *fakeTransport) RejectIncoming(context.Context) error {
	f.record("reject")
	return nil
}

func (f *fakeTransport) End(context.Context) error {
	f.record("end")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endErr
}

func (f *fakeTransport) SetMuted(bool) bool {
	f.record("mute")
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.muteRejected
}

func (f *fakeTransport) SetVideoEnabled(bool) bool {
	f.record("video")
	return true
}

func (f *fakeTransport) Hold(context.Context, bool) error {
	f.record("hold")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holdErr
}

func (f *fakeTransport) Transfer(context.Context, string) error {
	f.record("transfer")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferErr
}

func (f *fakeTransport) RemoteStream() StreamHandle { return nil }
func (f *fakeTransport) IsConnected() bool          { return false }
func (f *fakeTransport) IsInCall() bool             { return false }

func (f *fakeTransport) Register(context.Context, domain.TrunkCredentials) error {
	f.record("register")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerErr
}

func (f *fakeTransport) Unregister(context.Context) error {
	f.record("unregister")
	return nil
}

func (f *fakeTransport) SendDTMF(string) error {
	f.record("dtmf")
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	states  []State
	notices []Notice
}

func (o *recordingObserver) OnState(s Snapshot) {
	o.mu.Lock()
	o.states = append(o.states, s.State)
	o.mu.Unlock()
}

func (o *recordingObserver) OnNotice(n Notice) {
	o.mu.Lock()
	o.notices = append(o.notices, n)
	o.mu.Unlock()
}

type harness struct {
	c      *Controller
	peer   *fakeTransport
	trunk  *fakeTransport
	events chan Event
	obs    *recordingObserver
}

func newHarness(t *testing.T, withTrunk bool) *harness {
	t.Helper()
	h := &harness{
		peer:   &fakeTransport{kind: KindPeer},
		events: make(chan Event, 8),
		obs:    &recordingObserver{},
	}
	cfg := Config{
		Peer:     h.peer,
		Events:   h.events,
		Device:   media.NewDevice("test"),
		Observer: h.obs,
	}
	if withTrunk {
		h.trunk = &fakeTransport{kind: KindTrunk}
		cfg.Trunk = h.trunk
	}
	c, err := NewController(cfg)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) login(t *testing.T, user domain.User) {
	t.Helper()
	require.NoError(t, h.c.Login(context.Background(), user))
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.Snapshot().State == want
	}, 2*time.Second, 5*time.Millisecond, "want state %s, have %s", want, h.c.Snapshot().State)
}

// connect drives a fresh peer call to Connected.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background(), "R1"))
	h.events <- Event{Kind: EventConnected, Source: KindPeer, CallID: "R1"}
	h.waitState(t, Connected)
}

func agent() domain.User {
	return domain.User{UserID: "a1", AgentID: "a1", Extension: "100"}
}

func trunkAgent() domain.User {
	u := agent()
	u.Trunk = &domain.TrunkCredentials{Username: "1001", Password: "secret"}
	return u
}

func TestNoSessionRejectsControls(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	ctx := context.Background()

	assert.ErrorIs(t, h.c.ToggleHold(ctx, true), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.c.ToggleMute(true), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.c.ToggleVideo(false), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.c.Transfer(ctx, "agent-2"), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.c.Accept(ctx), domain.ErrNoActiveSession)
	assert.ErrorIs(t, h.c.End(ctx), domain.ErrNoActiveSession)
	assert.Equal(t, Idle, h.c.Snapshot().State)
	assert.False(t, h.peer.called("hold"))
	assert.False(t, h.peer.called("mute"))
}

func TestStartRequiresLogin(t *testing.T) {
	h := newHarness(t, false)
	assert.ErrorIs(t, h.c.Start(context.Background(), "R1"), domain.ErrNotLoggedIn)

	h.login(t, agent())
	assert.ErrorIs(t, h.c.Start(context.Background(), "  "), domain.ErrInvalidDestination)
	assert.Equal(t, Idle, h.c.Snapshot().State)
}

func TestCallLifecycle(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)

	snap := h.c.Snapshot()
	assert.Equal(t, "call-R1", snap.ID)
	assert.Equal(t, KindPeer, snap.Transport)
	assert.True(t, snap.VideoEnabled)

	// a second call is refused while one is live
	assert.ErrorIs(t, h.c.Start(context.Background(), "R2"), domain.ErrInvalidState)

	require.NoError(t, h.c.ToggleMute(true))
	assert.True(t, h.c.Snapshot().AudioMuted)

	require.NoError(t, h.c.ToggleHold(context.Background(), true))
	assert.Equal(t, OnHold, h.c.Snapshot().State)
	assert.True(t, h.c.Snapshot().Held)

	require.NoError(t, h.c.ToggleHold(context.Background(), false))
	assert.Equal(t, Connected, h.c.Snapshot().State)

	require.NoError(t, h.c.End(context.Background()))
	assert.Equal(t, Ended, h.c.Snapshot().State)
	assert.True(t, h.peer.called("end"))

	h.obs.mu.Lock()
	assert.Equal(t, []State{Calling, Calling, Connected, Connected, OnHold, Connected, Ended}, h.obs.states)
	h.obs.mu.Unlock()
}

func TestHoldFailureKeepsState(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)

	h.peer.set(func(f *fakeTransport) { f.holdErr = errors.New("re-invite refused") })
	err := h.c.ToggleHold(context.Background(), true)
	require.Error(t, err)

	snap := h.c.Snapshot()
	assert.Equal(t, Connected, snap.State)
	assert.False(t, snap.Held)
}

func TestUnholdFailureStaysOnHold(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)
	require.NoError(t, h.c.ToggleHold(context.Background(), true))

	h.peer.set(func(f *fakeTransport) { f.holdErr = errors.New("re-invite refused") })
	require.Error(t, h.c.ToggleHold(context.Background(), false))

	snap := h.c.Snapshot()
	assert.Equal(t, OnHold, snap.State)
	assert.True(t, snap.Held)

	h.peer.set(func(f *fakeTransport) { f.holdErr = nil })
	require.NoError(t, h.c.ToggleHold(context.Background(), false))
	assert.Equal(t, Connected, h.c.Snapshot().State)
}

func TestMuteRejectedKeepsFlag(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)

	h.peer.set(func(f *fakeTransport) { f.muteRejected = true })
	assert.ErrorIs(t, h.c.ToggleMute(true), ErrRejected)
	assert.False(t, h.c.Snapshot().AudioMuted)
}

func TestControlsBeforeConnected(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	require.NoError(t, h.c.Start(context.Background(), "R1"))

	assert.ErrorIs(t, h.c.ToggleHold(context.Background(), true), domain.ErrInvalidState)
	assert.ErrorIs(t, h.c.Transfer(context.Background(), "agent-2"), domain.ErrInvalidState)
	assert.Equal(t, Calling, h.c.Snapshot().State)
}

func TestStartFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.peer.set(func(f *fakeTransport) { f.startErr = domain.ErrNotRegistered })

	err := h.c.Start(context.Background(), "R1")
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
	assert.Equal(t, Idle, h.c.Snapshot().State)

	// the media device was released
	h.peer.set(func(f *fakeTransport) { f.startErr = nil })
	require.NoError(t, h.c.Start(context.Background(), "R1"))
}

func TestMediaBusyFailsStart(t *testing.T) {
	dev := media.NewDevice("mic")
	held, err := dev.Acquire()
	require.NoError(t, err)
	defer held.Release()

	peer := &fakeTransport{kind: KindPeer}
	c, err := NewController(Config{Peer: peer, Device: dev})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, c.Login(ctx, agent()))
	assert.ErrorIs(t, c.Start(ctx, "R1"), domain.ErrMediaAcquisitionFailed)
	assert.Equal(t, Idle, c.Snapshot().State)
	assert.False(t, peer.called("start"))
}

func TestEndWhileCallingCancelsStart(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.peer.set(func(f *fakeTransport) { f.block = make(chan struct{}) })

	startErr := make(chan error, 1)
	go func() { startErr <- h.c.Start(context.Background(), "R1") }()
	h.waitState(t, Calling)

	require.NoError(t, h.c.End(context.Background()))
	assert.Equal(t, Ended, h.c.Snapshot().State)

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, domain.ErrNoActiveSession)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	h.peer.mu.Lock()
	assert.True(t, h.peer.startCanceled)
	h.peer.mu.Unlock()

	// a late connected event does not revive the call
	h.events <- Event{Kind: EventConnected, Source: KindPeer}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Ended, h.c.Snapshot().State)
}

func TestEndFailureStillEnds(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)
	h.peer.set(func(f *fakeTransport) { f.endErr = errors.New("bye timed out") })

	require.NoError(t, h.c.End(context.Background()))
	assert.Equal(t, Ended, h.c.Snapshot().State)
}

func TestTransferEndsCall(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)

	assert.ErrorIs(t, h.c.Transfer(context.Background(), " "), domain.ErrInvalidTarget)
	assert.Equal(t, Connected, h.c.Snapshot().State)

	require.NoError(t, h.c.Transfer(context.Background(), "agent-2"))
	assert.Equal(t, Ended, h.c.Snapshot().State)
	assert.True(t, h.peer.called("transfer"))
	assert.True(t, h.peer.called("end"))
}

func TestTransferFailureKeepsCall(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)
	h.peer.set(func(f *fakeTransport) { f.transferErr = domain.ErrInvalidTarget })

	assert.ErrorIs(t, h.c.Transfer(context.Background(), "nobody"), domain.ErrInvalidTarget)
	assert.Equal(t, Connected, h.c.Snapshot().State)
}

func TestRemoteHangupEndsCall(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.connect(t)

	h.events <- Event{Kind: EventRemoteHangup, Source: KindPeer}
	h.waitState(t, Ended)

	// device is free for the next call
	require.NoError(t, h.c.Start(context.Background(), "R2"))
}

func TestEventsFromOtherTransportIgnored(t *testing.T) {
	h := newHarness(t, true)
	h.login(t, agent())
	h.connect(t)

	h.events <- Event{Kind: EventRemoteHangup, Source: KindTrunk}
	h.events <- Event{Kind: EventRemoteNotice, Source: KindPeer, Notice: Notice{Kind: NoticeMute, Value: true}}
	require.Eventually(t, func() bool {
		h.obs.mu.Lock()
		defer h.obs.mu.Unlock()
		return len(h.obs.notices) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, h.c.Snapshot().State)
}

func TestIncomingAccept(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())

	h.events <- Event{Kind: EventIncoming, Source: KindPeer, CallID: "R7", From: "sock-b"}
	h.waitState(t, Incoming)
	assert.Equal(t, "sock-b", h.c.Snapshot().RemoteParty)

	assert.ErrorIs(t, h.c.ToggleHold(context.Background(), true), domain.ErrInvalidState)

	require.NoError(t, h.c.Accept(context.Background()))
	assert.Equal(t, Connected, h.c.Snapshot().State)
	assert.True(t, h.peer.called("accept"))
}

func TestIncomingAcceptFailureStaysIncoming(t *testing.T) {
	h := newHarness(t, false)
	h.login(t, agent())
	h.peer.set(func(f *fakeTransport) { f.acceptErr = errors.New("offer expired") })

	h.events <- Event{Kind: EventIncoming, Source: KindPeer, CallID: "R7", From: "sock-b"}
	h.waitState(t, Incoming)

	require.Error(t, h.c.Accept(context.Background()))
	assert.Equal(t, Incoming, h.c.Snapshot().State)

	require.NoError(t, h.c.Reject(context.Background()))
	assert.Equal(t, Ended, h.c.Snapshot().State)
	assert.True(t, h.peer.called("reject"))
}

func TestIncomingWithdrawnByCaller(t *testing.T) {
	h := newHarness(t, true)
	h.login(t, agent())

	h.events <- Event{Kind: EventIncoming, Source: KindTrunk, CallID: "c9", From: "5551234"}
	h.waitState(t, Incoming)

	h.events <- Event{Kind: EventRemoteHangup, Source: KindTrunk, CallID: "c9"}
	h.waitState(t, Ended)
	assert.False(t, h.trunk.called("reject"))
	assert.False(t, h.trunk.called("end"))
	assert.ErrorIs(t, h.c.Accept(context.Background()), domain.ErrNoActiveSession)

	// the next incoming call rings normally
	h.events <- Event{Kind: EventIncoming, Source: KindPeer, CallID: "R7", From: "sock-b"}
	h.waitState(t, Incoming)
	require.NoError(t, h.c.Accept(context.Background()))
	assert.Equal(t, Connected, h.c.Snapshot().State)
}

func TestIncomingWhileBusyOnOtherBackend(t *testing.T) {
	h := newHarness(t, true)
	h.login(t, agent())
	h.connect(t)

	h.events <- Event{Kind: EventIncoming, Source: KindTrunk, CallID: "c9", From: "sip:9@example.com"}
	require.Eventually(t, func() bool { return h.trunk.called("reject") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, h.c.Snapshot().State)
}

func TestTrunkSelectedWhenRegistered(t *testing.T) {
	h := newHarness(t, true)
	h.login(t, trunkAgent())

	kind, err := h.c.Backend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindTrunk, kind)

	require.NoError(t, h.c.Start(context.Background(), "2002"))
	assert.True(t, h.trunk.called("start"))
	assert.False(t, h.peer.called("start"))
	assert.Equal(t, KindTrunk, h.c.Snapshot().Transport)

	h.events <- Event{Kind: EventConnected, Source: KindTrunk}
	h.waitState(t, Connected)
	require.NoError(t, h.c.SendDTMF("5"))
	assert.True(t, h.trunk.called("dtmf"))
}

func TestTrunkRegistrationFailureFallsBackToPeer(t *testing.T) {
	h := newHarness(t, true)
	h.trunk.set(func(f *fakeTransport) { f.registerErr = errors.New("registrar unreachable") })

	require.NoError(t, h.c.Login(context.Background(), trunkAgent()))

	kind, err := h.c.Backend(context.Background())
	assert.Equal(t, KindPeer, kind)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	// a later registration notice does not re-enable the trunk for this login
	h.events <- Event{Kind: EventRegistration, Source: KindTrunk, Registered: true}

	require.NoError(t, h.c.Start(context.Background(), "R1"))
	assert.True(t, h.peer.called("start"))
	assert.False(t, h.trunk.called("start"))
	assert.Equal(t, KindPeer, h.c.Snapshot().Transport)

	h.events <- Event{Kind: EventConnected, Source: KindPeer}
	h.waitState(t, Connected)
	assert.ErrorIs(t, h.c.SendDTMF("1"), domain.ErrInvalidState)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, true)
	assert.ErrorIs(t, h.c.Logout(context.Background()), domain.ErrNotLoggedIn)

	h.login(t, trunkAgent())
	require.NoError(t, h.c.Start(context.Background(), "2002"))
	h.events <- Event{Kind: EventConnected, Source: KindTrunk}
	h.waitState(t, Connected)

	require.NoError(t, h.c.Logout(context.Background()))
	assert.Equal(t, Ended, h.c.Snapshot().State)
	assert.True(t, h.trunk.called("unregister"))
	assert.ErrorIs(t, h.c.Start(context.Background(), "R1"), domain.ErrNotLoggedIn)
}
