package orch

import (
	"fmt"
	"time"

	"github.com/dkeye/ezstream/internal/domain"
	"github.com/rs/zerolog/log"
)

// pendingJoin is a scheduled user-connected announcement.
type pendingJoin struct {
	room  domain.RoomID
	peers []domain.ConnID
	timer *time.Timer
}

// Join moves the connection into rawRoom. Any failure is reported to the
// requester only, as an error event.
func (o *Orchestrator) Join(id domain.ConnID, rawRoom string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("join panic: %v", r)
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("conn", string(id)).Msg("join failed")
			o.emit(id, domain.EventError, domain.JoinFailedMessage)
		}
	}()

	room, err := domain.ParseRoomID(rawRoom)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.Registry.Has(id) {
		return ErrUnknownConnection
	}
	o.cancelPendingLocked(id)

	res := o.Rooms.Join(room, id)
	if res.HadPrevious {
		o.announceLeftLocked(res.Previous, id, res.PreviousRemaining)
	}
	o.Registry.UpdateRoom(id, room)
	if o.Presence != nil {
		o.Presence.Joined(room, id)
	}

	o.emit(id, domain.EventExistingUsers, res.Peers)

	peers := make([]domain.ConnID, 0, len(res.Peers))
	for _, p := range res.Peers {
		peers = append(peers, p.ID)
	}
	o.scheduleJoinedLocked(id, room, peers)

	log.Info().Str("module", "orch").Str("conn", string(id)).Str("room", string(room)).Int("peers", len(peers)).Msg("joined room")
	return nil
}

// Leave removes the connection from its current room, if any.
func (o *Orchestrator) Leave(id domain.ConnID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelPendingLocked(id)
	o.leaveLocked(id)
}

// SetScreenSharing records the flag and tells the rest of the room.
// roomHint is what the client believes its room to be; a mismatch is ignored.
func (o *Orchestrator) SetScreenSharing(id domain.ConnID, roomHint string, sharing bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	room, ok := o.Rooms.RoomOf(id)
	if !ok {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Msg("screen share outside a room")
		return false
	}
	if roomHint != "" && domain.RoomID(roomHint) != room {
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("room", string(room)).Str("claimed", roomHint).Msg("screen share room mismatch")
		return false
	}
	if !o.Rooms.SetScreenSharing(room, id, sharing) {
		return false
	}

	event := domain.EventUserScreenShareStopped
	if sharing {
		event = domain.EventUserScreenShareStarted
	}
	for _, peer := range o.Rooms.Members(room) {
		if peer != id {
			o.emit(peer, event, id)
		}
	}
	return true
}

func (o *Orchestrator) leaveLocked(id domain.ConnID) {
	room, ok := o.Rooms.RoomOf(id)
	if !ok {
		return
	}
	remaining, left := o.Rooms.Leave(room, id)
	o.Registry.RemoveRoom(id)
	if left {
		o.announceLeftLocked(room, id, remaining)
	}
}

func (o *Orchestrator) announceLeftLocked(room domain.RoomID, id domain.ConnID, remaining []domain.ConnID) {
	if o.Presence != nil {
		o.Presence.Left(room, id)
	}
	for _, peer := range remaining {
		o.emit(peer, domain.EventUserDisconnected, id)
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("room", string(room)).Int("remaining", len(remaining)).Msg("left room")
}

func (o *Orchestrator) scheduleJoinedLocked(id domain.ConnID, room domain.RoomID, peers []domain.ConnID) {
	if len(peers) == 0 {
		return
	}
	if o.JoinNotifyDelay <= 0 {
		o.announceJoinedLocked(id, room, peers)
		return
	}
	if o.closed {
		return
	}
	if o.pending == nil {
		o.pending = make(map[domain.ConnID]*pendingJoin)
	}
	p := &pendingJoin{room: room, peers: peers}
	p.timer = time.AfterFunc(o.JoinNotifyDelay, func() { o.fireJoined(id, p) })
	o.pending[id] = p
}

func (o *Orchestrator) fireJoined(id domain.ConnID, p *pendingJoin) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[id] != p {
		return
	}
	delete(o.pending, id)
	if room, ok := o.Rooms.RoomOf(id); !ok || room != p.room {
		return
	}
	o.announceJoinedLocked(id, p.room, p.peers)
}

// announceJoinedLocked notifies the peers that were in the room at join
// time and are still there. Later arrivals already saw id in existing-users.
func (o *Orchestrator) announceJoinedLocked(id domain.ConnID, room domain.RoomID, peers []domain.ConnID) {
	current := make(map[domain.ConnID]struct{})
	for _, m := range o.Rooms.Members(room) {
		current[m] = struct{}{}
	}
	for _, peer := range peers {
		if _, ok := current[peer]; ok {
			o.emit(peer, domain.EventUserConnected, id)
		}
	}
}

func (o *Orchestrator) cancelPendingLocked(id domain.ConnID) {
	if p, ok := o.pending[id]; ok {
		p.timer.Stop()
		delete(o.pending, id)
	}
}
