package app

import (
	"sort"
	"sync"

	"github.com/dkeye/agentcall/internal/core"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomDirectoryImpl keeps every room behind one mutex so that creation on first
// join and deletion on last leave are atomic with the membership change.
type RoomDirectoryImpl struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.ConnectionID]struct{}
}

func NewRoomDirectory() core.RoomDirectory {
	return &RoomDirectoryImpl{rooms: make(map[domain.RoomID]map[domain.ConnectionID]struct{})}
}

func (d *RoomDirectoryImpl) Join(room domain.RoomID, id domain.ConnectionID) []domain.ConnectionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.rooms[room]
	if !ok {
		members = make(map[domain.ConnectionID]struct{})
		d.rooms[room] = members
		log.Info().Str("module", "app.rooms").Str("room", string(room)).Msg("room created")
	}
	others := collect(members, id)
	members[id] = struct{}{}
	log.Info().Str("module", "app.rooms").Str("room", string(room)).Str("sid", string(id)).Int("members", len(members)).Msg("member joined")
	return others
}

func (d *RoomDirectoryImpl) Leave(room domain.RoomID, id domain.ConnectionID) ([]domain.ConnectionID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.rooms[room]
	if !ok {
		return nil, false
	}
	if _, ok := members[id]; !ok {
		return collect(members, ""), false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(d.rooms, room)
		log.Info().Str("module", "app.rooms").Str("room", string(room)).Msg("room deleted (empty)")
		return nil, true
	}
	log.Info().Str("module", "app.rooms").Str("room", string(room)).Str("sid", string(id)).Int("members", len(members)).Msg("member left")
	return collect(members, ""), true
}

func (d *RoomDirectoryImpl) Members(room domain.RoomID) []domain.ConnectionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return collect(d.rooms[room], "")
}

func (d *RoomDirectoryImpl) Others(room domain.RoomID, except domain.ConnectionID) []domain.ConnectionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return collect(d.rooms[room], except)
}

func (d *RoomDirectoryImpl) IsMember(room domain.RoomID, id domain.ConnectionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[room][id]
	return ok
}

func (d *RoomDirectoryImpl) Exists(room domain.RoomID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[room]
	return ok
}

func (d *RoomDirectoryImpl) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

func (d *RoomDirectoryImpl) List() []core.RoomInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]core.RoomInfo, 0, len(d.rooms))
	for id, members := range d.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// collect returns a sorted snapshot of members without except.
func collect(members map[domain.ConnectionID]struct{}, except domain.ConnectionID) []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, len(members))
	for id := range members {
		if id == except {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
