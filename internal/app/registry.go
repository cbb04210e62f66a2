package app

import (
	"context"
	"sync"

	"github.com/dkeye/agentcall/internal/core"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn   domain.Connection
	Signal core.SignalConnection
	Cancel context.CancelFunc
}

// Registry is the connection registry: the only owner of Connection records.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.ConnectionID]*connEntry)}
}

// Bind creates the record for a freshly accepted connection.
func (r *Registry) Bind(id domain.ConnectionID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{
		Conn:   domain.Connection{ID: id, Status: domain.StatusAvailable},
		Signal: sig,
		Cancel: cancel,
	}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("bound connection")
}

// Register binds a user profile to the connection. Last write wins. A
// connection that was never bound gets a record without a delivery endpoint.
func (r *Registry) Register(id domain.ConnectionID, user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		e = &connEntry{Conn: domain.Connection{ID: id, Status: domain.StatusAvailable}}
		r.conns[id] = e
	}
	if user.UserID == "" {
		user.UserID = string(id)
	}
	u := user
	e.Conn.User = &u
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("user", user.UserID).Str("agent", user.AgentID).Msg("registered user")
}

func (r *Registry) Get(id domain.ConnectionID) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, false
	}
	return e.Conn, true
}

// Remove deletes the record and reports the room it occupied, if any, so the
// caller can run leave-room cleanup.
func (r *Registry) Remove(id domain.ConnectionID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("removed connection")
	return e.Conn.Room, e.Conn.Room != ""
}

func (r *Registry) Signal(id domain.ConnectionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.Signal == nil {
		return nil, false
	}
	return e.Signal, true
}

func (r *Registry) RoomOf(id domain.ConnectionID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.Conn.Room == "" {
		return "", false
	}
	return e.Conn.Room, true
}

func (r *Registry) SetRoom(id domain.ConnectionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.Conn.Room = room
	e.Conn.Status = domain.StatusInCall
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("room", string(room)).Msg("updated room")
	return true
}

// ClearRoom drops the room association only if it still points at room.
func (r *Registry) ClearRoom(id domain.ConnectionID, room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.Conn.Room != room {
		return
	}
	e.Conn.Room = ""
	e.Conn.Status = domain.StatusAvailable
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("removed room association")
}

func (r *Registry) UpdateCallState(id domain.ConnectionID, state, callID, interactionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.Conn.CallState = state
	e.Conn.CallID = callID
	e.Conn.InteractionID = interactionID
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cancel stops the connection's pumps; the read pump then runs disconnect cleanup.
func (r *Registry) Cancel(id domain.ConnectionID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("canceled connection")
	return true
}
