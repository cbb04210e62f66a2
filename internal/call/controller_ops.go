package call

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/agentcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Login binds the agent. When the user carries trunk credentials and a trunk
// is configured, registration is attempted once; a failure is logged and the
// trunk stays disabled until the next login. Login itself does not fail on it.
func (c *Controller) Login(ctx context.Context, user domain.User) error {
	return c.do(ctx, func(done func(error)) {
		if c.active() != nil {
			done(fmt.Errorf("login during call: %w", domain.ErrInvalidState))
			return
		}
		c.login++
		seq := c.login
		u := user
		u.Registration = domain.RegistrationUnknown
		c.user = &u
		c.trunkDisabled = false
		c.backendErr = nil

		if !u.HasTrunkCredentials() || c.trunk == nil {
			log.Info().Str("module", "call").Str("agent", u.AgentID).Msg("logged in, peer mode")
			done(nil)
			return
		}
		creds := *u.Trunk
		go func() {
			err := c.trunk.Register(ctx, creds)
			c.post(func() {
				if c.login != seq || c.user == nil {
					done(nil)
					return
				}
				if err != nil {
					c.trunkDisabled = true
					c.user.Registration = domain.NotRegistered
					c.backendErr = fmt.Errorf("trunk registration: %w: %w", domain.ErrBackendUnavailable, err)
					log.Warn().Err(err).Str("module", "call").Str("agent", u.AgentID).Msg("trunk registration failed, peer mode for this login")
				} else {
					c.user.Registration = domain.Registered
					log.Info().Str("module", "call").Str("agent", u.AgentID).Msg("logged in, trunk registered")
				}
				done(nil)
			})
		}()
	})
}

// Logout ends a live call and unregisters from the trunk.
func (c *Controller) Logout(ctx context.Context) error {
	return c.do(ctx, func(done func(error)) {
		if c.user == nil {
			done(domain.ErrNotLoggedIn)
			return
		}
		if s := c.active(); s != nil {
			c.hangup(s, "logout", nil)
		}
		registered := c.trunk != nil && c.user.Registration == domain.Registered
		agent := c.user.AgentID
		c.user = nil
		c.login++
		c.trunkDisabled = false
		c.backendErr = nil
		log.Info().Str("module", "call").Str("agent", agent).Msg("logged out")
		if !registered {
			done(nil)
			return
		}
		go func() {
			if err := c.trunk.Unregister(ctx); err != nil {
				log.Warn().Err(err).Str("module", "call").Msg("trunk unregister failed")
			}
			done(nil)
		}()
	})
}

// Backend reports the transport the next Start would use and, when trunk
// registration failed for this login, the reason.
func (c *Controller) Backend(ctx context.Context) (Kind, error) {
	var (
		kind Kind
		why  error
	)
	err := c.do(ctx, func(done func(error)) {
		_, kind = c.selectBackend()
		why = c.backendErr
		done(nil)
	})
	if err != nil {
		return KindPeer, err
	}
	return kind, why
}

// Start places an outbound call. It returns once the transport accepted the
// call; Connected follows asynchronously. On failure the state returns to Idle.
func (c *Controller) Start(ctx context.Context, destination string) error {
	destination = strings.TrimSpace(destination)
	return c.do(ctx, func(done func(error)) {
		if c.user == nil {
			done(fmt.Errorf("start: %w", domain.ErrNotLoggedIn))
			return
		}
		if s := c.active(); s != nil {
			done(fmt.Errorf("start in %s: %w", s.state, domain.ErrInvalidState))
			return
		}
		if destination == "" {
			done(fmt.Errorf("start: %w", domain.ErrInvalidDestination))
			return
		}
		h, err := c.device.Acquire()
		if err != nil {
			done(fmt.Errorf("start: %w", err))
			return
		}

		t, kind := c.selectBackend()
		startCtx, cancel := context.WithCancel(ctx)
		s := &session{
			kind:        kind,
			transport:   t,
			video:       true,
			remote:      destination,
			started:     time.Now(),
			cancelStart: cancel,
			media:       h,
		}
		c.sess = s
		c.transition(s, Calling)

		go func() {
			id, err := t.Start(startCtx, destination)
			c.post(func() { c.started(s, id, err, done) })
		}()
	})
}

func (c *Controller) started(s *session, id string, err error, done func(error)) {
	s.startDone = true
	s.cancelStart()

	if !s.state.Live() {
		// ended while starting
		if err == nil {
			c.teardown(id, s.transport.End, nil)
		}
		done(fmt.Errorf("start: call ended before it was established: %w", domain.ErrNoActiveSession))
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Str("transport", s.kind.String()).Msg("start failed")
		if s.state == Calling {
			s.media.Release()
			s.media = nil
			c.transition(s, Idle)
			c.sess = nil
		} else {
			c.hangup(s, "start failed", nil)
		}
		done(fmt.Errorf("start: %w", err))
		return
	}
	if s.id == "" {
		s.id = id
	}
	c.publish(s)
	done(nil)
}

// Accept answers the incoming call. If the transport fails the call stays
// Incoming and the media device is released.
func (c *Controller) Accept(ctx context.Context) error {
	return c.do(ctx, func(done func(error)) {
		s := c.active()
		if s == nil {
			done(fmt.Errorf("accept: %w", domain.ErrNoActiveSession))
			return
		}
		if s.state != Incoming {
			done(fmt.Errorf("accept in %s: %w", s.state, domain.ErrInvalidState))
			return
		}
		if s.pending != opNone {
			done(fmt.Errorf("accept: %w", domain.ErrOperationPending))
			return
		}
		h, err := c.device.Acquire()
		if err != nil {
			done(fmt.Errorf("accept: %w", err))
			return
		}
		s.media = h
		s.pending = opAccept
		t := s.transport

		go func() {
			err := t.AcceptIncoming(ctx)
			c.post(func() {
				if c.sess != s || s.state != Incoming {
					if err == nil {
						c.teardown(s.id, t.End, nil)
					}
					done(fmt.Errorf("accept: %w", domain.ErrNoActiveSession))
					return
				}
				s.pending = opNone
				if err != nil {
					s.media.Release()
					s.media = nil
					done(fmt.Errorf("accept: %w", err))
					return
				}
				c.transition(s, Connected)
				done(nil)
			})
		}()
	})
}

func (c *Controller) Reject(ctx context.Context) error {
	return c.do(ctx, func(done func(error)) {
		s := c.active()
		if s == nil {
			done(fmt.Errorf("reject: %w", domain.ErrNoActiveSession))
			return
		}
		if s.state != Incoming {
			done(fmt.Errorf("reject in %s: %w", s.state, domain.ErrInvalidState))
			return
		}
		c.reject(s, done)
	})
}

func (c *Controller) reject(s *session, done func(error)) {
	c.finish(s)
	log.Info().Str("module", "call").Str("call_id", s.id).Str("from", s.remote).Msg("incoming call rejected")
	c.teardown(s.id, s.transport.RejectIncoming, done)
}

// End hangs up from any live state. The local state is Ended when End
// returns, whether or not the remote teardown succeeded.
func (c *Controller) End(ctx context.Context) error {
	return c.do(ctx, func(done func(error)) {
		s := c.active()
		if s == nil {
			done(fmt.Errorf("end: %w", domain.ErrNoActiveSession))
			return
		}
		if s.state == Incoming {
			c.reject(s, done)
			return
		}
		c.hangup(s, "local hangup", done)
	})
}

// established returns the live session if media is up.
func (c *Controller) established(op string) (*session, error) {
	s := c.active()
	if s == nil {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrNoActiveSession)
	}
	if !s.state.Established() {
		return nil, fmt.Errorf("%s in %s: %w", op, s.state, domain.ErrInvalidState)
	}
	return s, nil
}

func (c *Controller) ToggleMute(muted bool) error {
	return c.do(context.Background(), func(done func(error)) {
		s, err := c.established("mute")
		if err != nil {
			done(err)
			return
		}
		if s.muted == muted {
			done(nil)
			return
		}
		if !s.transport.SetMuted(muted) {
			done(fmt.Errorf("mute: %w", ErrRejected))
			return
		}
		s.muted = muted
		c.publish(s)
		done(nil)
	})
}

func (c *Controller) ToggleVideo(enabled bool) error {
	return c.do(context.Background(), func(done func(error)) {
		s, err := c.established("video")
		if err != nil {
			done(err)
			return
		}
		if s.video == enabled {
			done(nil)
			return
		}
		if !s.transport.SetVideoEnabled(enabled) {
			done(fmt.Errorf("video: %w", ErrRejected))
			return
		}
		s.video = enabled
		c.publish(s)
		done(nil)
	})
}

// ToggleHold commits the hold flag only after the transport confirmed it.
func (c *Controller) ToggleHold(ctx context.Context, held bool) error {
	return c.do(ctx, func(done func(error)) {
		s, err := c.established("hold")
		if err != nil {
			done(err)
			return
		}
		if s.pending != opNone {
			done(fmt.Errorf("hold: %w", domain.ErrOperationPending))
			return
		}
		if s.held == held {
			done(nil)
			return
		}
		s.pending = opHold
		t := s.transport

		go func() {
			err := t.Hold(ctx, held)
			c.post(func() {
				if c.sess != s || !s.state.Live() {
					done(fmt.Errorf("hold: %w", domain.ErrNoActiveSession))
					return
				}
				s.pending = opNone
				if err != nil {
					log.Warn().Err(err).Str("module", "call").Str("call_id", s.id).Bool("held", held).Msg("hold failed")
					done(fmt.Errorf("hold: %w", err))
					return
				}
				s.held = held
				if held {
					c.transition(s, OnHold)
				} else {
					c.transition(s, Connected)
				}
				done(nil)
			})
		}()
	})
}

// Transfer hands the call to target. Once the transport confirms, the local
// session ends right away.
func (c *Controller) Transfer(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	return c.do(ctx, func(done func(error)) {
		s, err := c.established("transfer")
		if err != nil {
			done(err)
			return
		}
		if s.pending != opNone {
			done(fmt.Errorf("transfer: %w", domain.ErrOperationPending))
			return
		}
		if target == "" {
			done(fmt.Errorf("transfer: %w", domain.ErrInvalidTarget))
			return
		}
		s.pending = opTransfer
		t := s.transport

		go func() {
			err := t.Transfer(ctx, target)
			c.post(func() {
				if c.sess != s || !s.state.Live() {
					done(fmt.Errorf("transfer: %w", domain.ErrNoActiveSession))
					return
				}
				s.pending = opNone
				if err != nil {
					log.Warn().Err(err).Str("module", "call").Str("call_id", s.id).Str("target", target).Msg("transfer failed")
					done(fmt.Errorf("transfer: %w", err))
					return
				}
				log.Info().Str("module", "call").Str("call_id", s.id).Str("target", target).Msg("transferred")
				c.hangup(s, "transferred", done)
			})
		}()
	})
}

// SendDTMF plays tone on a trunk call.
func (c *Controller) SendDTMF(tone string) error {
	return c.do(context.Background(), func(done func(error)) {
		s, err := c.established("dtmf")
		if err != nil {
			done(err)
			return
		}
		if s.kind != KindTrunk {
			done(fmt.Errorf("dtmf on %s call: %w", s.kind, domain.ErrInvalidState))
			return
		}
		trunk := c.trunk
		go func() { done(trunk.SendDTMF(tone)) }()
	})
}

// RemoteStream returns the remote media of an established call, or nil.
func (c *Controller) RemoteStream() StreamHandle {
	var h StreamHandle
	_ = c.do(context.Background(), func(done func(error)) {
		if s := c.active(); s != nil && s.state.Established() {
			h = s.transport.RemoteStream()
		}
		done(nil)
	})
	return h
}
