package http

import (
	"context"

	"github.com/dkeye/agentcall/internal/adapters/signal"
	"github.com/dkeye/agentcall/internal/app/orch"
	"github.com/dkeye/agentcall/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("AgentCallSessions", store))
	r.Use(ClientTokenMiddleware())

	ctrl := signal.NewSignalWSController(
		o,
		signal.NewRoomRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval),
		signal.Options{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			SendBuffer: cfg.SendBuffer,
		},
	)
	api := &API{cfg: cfg, orch: o}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	g := r.Group("/api")
	g.GET("/ws/signal", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})
	g.GET("/config", api.Config)
	g.GET("/health", api.Health)
	g.GET("/stats", api.Stats)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
