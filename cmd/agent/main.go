package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/agentcall/internal/adapters/rtc"
	"github.com/dkeye/agentcall/internal/adapters/sigclient"
	"github.com/dkeye/agentcall/internal/adapters/sipua"
	"github.com/dkeye/agentcall/internal/agent"
	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/config"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/media"
	"github.com/dkeye/agentcall/internal/transport/peer"
	"github.com/dkeye/agentcall/internal/transport/trunk"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	flags := pflag.NewFlagSet("agent", pflag.ExitOnError)
	signalURL := flags.String("signal-url", cfg.Agent.SignalURL, "relay websocket url")
	agentID := flags.StringP("agent", "a", cfg.Agent.AgentID, "agent id")
	extension := flags.StringP("extension", "e", cfg.Agent.Extension, "agent extension")
	sipUser := flags.String("sip-user", cfg.Agent.SIPUser, "trunk username")
	sipPassword := flags.String("sip-password", cfg.Agent.SIPPassword, "trunk password")
	debug := flags.Bool("debug", cfg.Mode == "debug", "debug logging")
	_ = flags.Parse(os.Args[1:])
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	user, err := domain.NewUser(*agentID, *extension, *sipUser, *sipPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid agent")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	sig, err := sigclient.Dial(dialCtx, *signalURL, cfg.SendBuffer)
	if err != nil {
		dialCancel()
		log.Fatal().Err(err).Msg("relay unreachable")
	}
	if _, err := sig.Register(dialCtx, user.AgentID, user.AgentID, user.Extension); err != nil {
		dialCancel()
		log.Fatal().Err(err).Msg("relay registration failed")
	}
	dialCancel()
	defer sig.Close()

	events := make(chan call.Event, 32)
	peers := peer.New(sig, rtc.NewFactory(rtc.WebRTCConfig(cfg.ICEServers)), events,
		peer.Options{RingTimeout: cfg.Agent.RingTimeout})

	ccfg := call.Config{
		Peer:     peers,
		Events:   events,
		Device:   media.NewDevice("default"),
		Observer: agent.NewRelayObserver(sig),
	}
	var (
		sipAgent *sipua.Agent
		trunks   *trunk.Transport
	)
	switch {
	case cfg.Trunk.Enabled():
		sipAgent, err = sipua.New(cfg.Trunk)
		if err != nil {
			log.Fatal().Err(err).Msg("sip user agent")
		}
		trunks = trunk.New(sipAgent, cfg.Trunk, events)
		sipAgent.OnRegistration(trunks.SetRegistered)
		ccfg.Trunk = trunks
	case user.HasTrunkCredentials():
		log.Warn().Str("module", "agent").Msg("trunk credentials ignored, no registrar configured")
	}

	ctrl, err := call.NewController(ccfg)
	if err != nil {
		log.Fatal().Err(err).Msg("controller")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return peers.Run(gctx) })
	if sipAgent != nil {
		g.Go(func() error { return sipAgent.Run(gctx) })
		g.Go(func() error { return trunks.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-sig.Done():
			return errors.New("relay connection lost")
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		if err := ctrl.Login(gctx, *user); err != nil {
			return err
		}
		log.Info().Str("module", "agent").Str("agent", user.AgentID).Str("sid", sig.ID()).Msg("agent ready")
		if err := agent.NewConsole(ctrl, os.Stdout).Run(gctx, os.Stdin); err != nil {
			return err
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("agent stopped")
	}
	log.Info().Msg("agent exited")
}
