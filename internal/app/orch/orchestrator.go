package orch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/agentcall/internal/app"
	"github.com/dkeye/agentcall/internal/core"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ErrNoRoute is returned when a message names neither a target nor a room and
// the sender is not in a room.
var ErrNoRoute = errors.New("no route for message")

// Orchestrator applies signaling events to the registry and the room
// directory and routes the resulting messages. Events of one connection
// arrive sequentially from its read pump.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomDirectory
	Policy   app.Policy

	started            time.Time
	totalConnections   atomic.Int64
	currentConnections atomic.Int64
	totalCalls         atomic.Int64
}

func New(reg *app.Registry, rooms core.RoomDirectory, policy app.Policy) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Policy:   policy,
		started:  time.Now(),
	}
}

// Stats is the relay activity summary served on /api/stats.
type Stats struct {
	Uptime             int64           `json:"uptime"`
	StartTime          time.Time       `json:"startTime"`
	TotalConnections   int64           `json:"totalConnections"`
	CurrentConnections int64           `json:"currentConnections"`
	TotalCalls         int64           `json:"totalCalls"`
	CurrentCalls       int             `json:"currentCalls"`
	Rooms              []core.RoomInfo `json:"rooms"`
}

func (o *Orchestrator) Stats() Stats {
	rooms := o.Rooms.List()
	return Stats{
		Uptime:             int64(time.Since(o.started).Seconds()),
		StartTime:          o.started,
		TotalConnections:   o.totalConnections.Load(),
		CurrentConnections: o.currentConnections.Load(),
		TotalCalls:         o.totalCalls.Load(),
		CurrentCalls:       len(rooms),
		Rooms:              rooms,
	}
}

// deliver queues v for one connection. Failures are logged and dropped; the
// policy may disconnect the recipient, the sender never learns about it.
func (o *Orchestrator) deliver(to domain.ConnectionID, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("deliver marshal")
		return false
	}
	sig, ok := o.Registry.Signal(to)
	if !ok {
		err = fmt.Errorf("%w: %s not connected", domain.ErrDeliveryFailed, to)
		log.Warn().Err(err).Str("module", "orch").Str("to", string(to)).Msg("dropped message")
		metrics.RecordDeliveryFailure("gone")
		return false
	}
	if err := sig.TrySend(core.Frame(data)); err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
		log.Warn().Err(err).Str("module", "orch").Str("to", string(to)).Msg("dropped message")
		if errors.Is(err, core.ErrBackpressure) {
			metrics.RecordDeliveryFailure("backpressure")
		} else {
			metrics.RecordDeliveryFailure("closed")
		}
		if o.Policy.OnDeliveryFailure(to, err) == app.Disconnect {
			log.Warn().Str("module", "orch").Str("sid", string(to)).Msg("disconnecting slow consumer")
			o.Registry.Cancel(to)
		}
		return false
	}
	return true
}

// Reply sends v back to the connection that caused it.
func (o *Orchestrator) Reply(to domain.ConnectionID, v any) {
	o.deliver(to, v)
}
