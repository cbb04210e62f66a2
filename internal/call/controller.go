package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/media"
	"github.com/dkeye/agentcall/internal/metrics"
	"github.com/rs/zerolog/log"
)

const teardownTimeout = 5 * time.Second

var (
	ErrStopped  = errors.New("call controller stopped")
	ErrRejected = errors.New("transport rejected the change")
)

type Config struct {
	Peer Transport
	// Trunk is nil when no registrar is configured.
	Trunk    TrunkTransport
	Events   <-chan Event
	Device   *media.Device
	Observer Observer
}

// Controller owns the call session of one agent. User commands and transport
// events are applied one at a time by the loop started with Run; transport
// operations run outside the loop and post their results back to it.
type Controller struct {
	peer   Transport
	trunk  TrunkTransport
	events <-chan Event
	device *media.Device
	obs    Observer

	cmds    chan func()
	stopped chan struct{}

	mu   sync.RWMutex
	last Snapshot

	// loop state
	user          *domain.User
	login         uint64
	trunkDisabled bool
	backendErr    error
	sess          *session
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Peer == nil {
		return nil, errors.New("call: peer transport is required")
	}
	c := &Controller{
		peer:    cfg.Peer,
		trunk:   cfg.Trunk,
		events:  cfg.Events,
		device:  cfg.Device,
		obs:     cfg.Observer,
		cmds:    make(chan func()),
		stopped: make(chan struct{}),
		last:    Snapshot{State: Idle},
	}
	if c.device == nil {
		c.device = media.NewDevice("default")
	}
	if c.obs == nil {
		c.obs = nopObserver{}
	}
	return c, nil
}

// Run serves commands and transport events until ctx is done. A live call is
// torn down on the way out.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	log.Info().Str("module", "call").Msg("controller started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.handleEvent(ev)
		}
	}
}

// Snapshot returns the last published view of the call. It is Idle before
// the first call.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// do runs fn on the loop and waits until fn, or a completion it posts, calls done.
func (c *Controller) do(ctx context.Context, fn func(done func(error))) error {
	res := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		once.Do(func() { res <- err })
	}
	select {
	case c.cmds <- func() { fn(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// post hands a transport completion back to the loop.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopped:
	}
}

func (c *Controller) active() *session {
	if c.sess != nil && c.sess.state.Live() {
		return c.sess
	}
	return nil
}

func (c *Controller) transportOf(k Kind) Transport {
	if k == KindTrunk && c.trunk != nil {
		return c.trunk
	}
	return c.peer
}

// selectBackend picks the trunk only for a registered user with credentials
// whose registration did not fail during this login.
func (c *Controller) selectBackend() (Transport, Kind) {
	if c.user != nil &&
		c.user.HasTrunkCredentials() &&
		c.trunk != nil &&
		!c.trunkDisabled &&
		c.user.Registration == domain.Registered {
		return c.trunk, KindTrunk
	}
	return c.peer, KindPeer
}

func (c *Controller) transition(s *session, to State) {
	from := s.state
	if from != to {
		s.state = to
		metrics.RecordStateTransition(from.String(), to.String())
		log.Info().
			Str("module", "call").
			Str("call_id", s.id).
			Str("transport", s.kind.String()).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("call state")
	}
	c.publish(s)
}

func (c *Controller) publish(s *session) {
	snap := s.snapshot()
	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
	c.obs.OnState(snap)
}

// finish moves s to Ended and frees what the session holds locally. The
// transport is torn down separately.
func (c *Controller) finish(s *session) {
	s.pending = opNone
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.media.Release()
	s.media = nil
	c.transition(s, Ended)
}

// hangup ends s and tears its transport down. While Start is still in flight
// only its context is canceled; the late result does the teardown.
func (c *Controller) hangup(s *session, reason string, done func(error)) {
	inFlight := s.state == Calling && !s.startDone
	c.finish(s)
	log.Info().Str("module", "call").Str("call_id", s.id).Str("reason", reason).Msg("call ended")
	if inFlight {
		if done != nil {
			done(nil)
		}
		return
	}
	c.teardown(s.id, s.transport.End, done)
}

// teardown runs a remote cleanup step outside the loop. Its failure is logged
// and never changes local state.
func (c *Controller) teardown(callID string, fn func(context.Context) error, done func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", callID).Msg("transport teardown failed")
		}
		if done != nil {
			done(nil)
		}
	}()
}

func (c *Controller) shutdown() {
	s := c.active()
	if s == nil {
		return
	}
	inFlight := s.state == Calling && !s.startDone
	c.finish(s)
	if inFlight {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.transport.End(ctx); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call_id", s.id).Msg("shutdown teardown failed")
	}
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Kind {
	case EventRegistration:
		c.onRegistration(ev)
		return
	case EventIncoming:
		c.onIncoming(ev)
		return
	}

	s := c.active()
	if s == nil || s.kind != ev.Source {
		log.Debug().Str("module", "call").Str("event", ev.Kind.String()).Str("source", ev.Source.String()).Msg("ignoring event without session")
		return
	}
	switch ev.Kind {
	case EventConnected:
		if s.state != Calling {
			return
		}
		if s.id == "" {
			s.id = ev.CallID
		}
		c.transition(s, Connected)
	case EventRemoteHangup:
		if s.state == Incoming {
			c.withdrawn(s)
			return
		}
		c.hangup(s, "remote hangup", nil)
	case EventFailed:
		log.Warn().Err(ev.Err).Str("module", "call").Str("call_id", s.id).Msg("transport failed")
		if s.state == Incoming {
			c.withdrawn(s)
			return
		}
		c.hangup(s, "transport failure", nil)
	case EventRemoteNotice:
		c.obs.OnNotice(ev.Notice)
	}
}

func (c *Controller) onIncoming(ev Event) {
	t := c.transportOf(ev.Source)
	if s := c.active(); s != nil || c.user == nil {
		log.Info().Str("module", "call").Str("call_id", ev.CallID).Str("from", ev.From).Msg("busy, rejecting incoming call")
		// a transport rejects its own second invitation; only a concurrent
		// call on the other backend is rejected here
		if s == nil || s.kind != ev.Source {
			c.teardown(ev.CallID, t.RejectIncoming, nil)
		}
		return
	}
	s := &session{
		id:        ev.CallID,
		kind:      ev.Source,
		transport: t,
		video:     true,
		remote:    ev.From,
		started:   time.Now(),
		startDone: true,
	}
	c.sess = s
	c.transition(s, Incoming)
}

// withdrawn ends an incoming call the caller gave up on. The transport has
// already dropped the offer, so nothing is torn down.
func (c *Controller) withdrawn(s *session) {
	c.finish(s)
	log.Info().Str("module", "call").Str("call_id", s.id).Str("from", s.remote).Msg("incoming call withdrawn")
}

func (c *Controller) onRegistration(ev Event) {
	if c.user == nil || ev.Source != KindTrunk || c.trunkDisabled {
		return
	}
	if ev.Registered {
		c.user.Registration = domain.Registered
	} else {
		c.user.Registration = domain.NotRegistered
	}
	log.Info().Str("module", "call").Str("registration", c.user.Registration.String()).Msg("trunk registration changed")
}
