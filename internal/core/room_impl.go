package core

import (
	"sort"
	"sync"

	"github.com/dkeye/ezstream/internal/domain"
	"github.com/rs/zerolog/log"
)

// directory is a threadsafe in-memory RoomDirectory.
type directory struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]map[domain.ConnID]*domain.Membership
	byConn map[domain.ConnID]domain.RoomID
}

func NewRoomDirectory() RoomDirectory {
	return &directory{
		rooms:  make(map[domain.RoomID]map[domain.ConnID]*domain.Membership),
		byConn: make(map[domain.ConnID]domain.RoomID),
	}
}

func (d *directory) Join(room domain.RoomID, conn domain.ConnID) JoinResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res JoinResult
	if prev, ok := d.byConn[conn]; ok {
		res.Previous = prev
		res.HadPrevious = true
		res.PreviousRemaining, _ = d.leaveLocked(prev, conn)
	}

	members, ok := d.rooms[room]
	if !ok {
		members = make(map[domain.ConnID]*domain.Membership)
		d.rooms[room] = members
		log.Debug().Str("module", "core.directory").Str("room", string(room)).Msg("room created")
	}
	res.Peers = peersOf(members)
	members[conn] = domain.NewMembership(conn)
	d.byConn[conn] = room

	log.Info().Str("module", "core.directory").Str("room", string(room)).Str("conn", string(conn)).Int("members", len(members)).Msg("member added")
	return res
}

func (d *directory) Leave(room domain.RoomID, conn domain.ConnID) ([]domain.ConnID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaveLocked(room, conn)
}

func (d *directory) leaveLocked(room domain.RoomID, conn domain.ConnID) ([]domain.ConnID, bool) {
	members, ok := d.rooms[room]
	if !ok {
		return nil, false
	}
	if _, ok := members[conn]; !ok {
		return idsOf(members), false
	}
	delete(members, conn)
	if d.byConn[conn] == room {
		delete(d.byConn, conn)
	}
	if len(members) == 0 {
		delete(d.rooms, room)
		log.Debug().Str("module", "core.directory").Str("room", string(room)).Msg("room removed")
	}
	log.Info().Str("module", "core.directory").Str("room", string(room)).Str("conn", string(conn)).Int("members", len(members)).Msg("member removed")
	return idsOf(members), true
}

func (d *directory) SetScreenSharing(room domain.RoomID, conn domain.ConnID, flag bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.rooms[room][conn]
	if !ok {
		return false
	}
	m.ScreenSharing = flag
	return true
}

func (d *directory) Members(room domain.RoomID) []domain.ConnID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return idsOf(d.rooms[room])
}

func (d *directory) Peers(room domain.RoomID) []domain.PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return peersOf(d.rooms[room])
}

func (d *directory) RoomOf(conn domain.ConnID) (domain.RoomID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.byConn[conn]
	return room, ok
}

func (d *directory) List() []RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for id, members := range d.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sorted returns memberships in join order, ties broken by id.
func sorted(members map[domain.ConnID]*domain.Membership) []*domain.Membership {
	out := make([]*domain.Membership, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Conn < out[j].Conn
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func idsOf(members map[domain.ConnID]*domain.Membership) []domain.ConnID {
	ms := sorted(members)
	out := make([]domain.ConnID, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Conn)
	}
	return out
}

func peersOf(members map[domain.ConnID]*domain.Membership) []domain.PeerInfo {
	ms := sorted(members)
	out := make([]domain.PeerInfo, 0, len(ms))
	for _, m := range ms {
		out = append(out, domain.PeerInfo{ID: m.Conn, IsScreenSharing: m.ScreenSharing})
	}
	return out
}
