package http

import (
	"net/http"

	"github.com/dkeye/agentcall/internal/app/orch"
	"github.com/dkeye/agentcall/internal/config"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/gin-gonic/gin"
)

type API struct {
	cfg  *config.Config
	orch *orch.Orchestrator
}

// ClientConfig is what agents fetch before connecting: ICE servers and the
// trunk registrar, if one is configured.
type ClientConfig struct {
	ICEServers []config.ICEServer  `json:"iceServers"`
	Trunk      *config.TrunkConfig `json:"trunk,omitempty"`
}

func (a *API) Config(c *gin.Context) {
	resp := ClientConfig{ICEServers: a.cfg.ICEServers}
	if a.cfg.Trunk.Enabled() {
		t := a.cfg.Trunk
		resp.Trunk = &t
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"timestamp":   protocol.Now(),
		"connections": a.orch.Registry.Count(),
		"rooms":       a.orch.Rooms.Count(),
	})
}

func (a *API) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, a.orch.Stats())
}
