package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/ezstream/internal/app"
	"github.com/dkeye/ezstream/internal/core"
	"github.com/dkeye/ezstream/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Streamer is the transcode side of a connection.
type Streamer interface {
	Start(conn domain.ConnID, req domain.StreamRequest) error
	Feed(conn domain.ConnID, chunk []byte) error
	Stop(conn domain.ConnID)
	OnDisconnect(conn domain.ConnID)
}

// Presence mirrors current membership somewhere outside the process.
type Presence interface {
	Joined(room domain.RoomID, conn domain.ConnID)
	Left(room domain.RoomID, conn domain.ConnID)
}

// Orchestrator serializes every room transition and the notifications it
// produces, so peers observe membership changes in the order they happened.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomDirectory
	Streams  Streamer
	Policy   app.Policy
	Presence Presence
	// JoinNotifyDelay postpones user-connected so the joiner can process
	// existing-users first. Zero notifies synchronously.
	JoinNotifyDelay time.Duration

	mu      sync.Mutex
	pending map[domain.ConnID]*pendingJoin
	closed  bool
}

// Connect allocates the state for a new transport connection.
func (o *Orchestrator) Connect(sig core.SignalConnection, clientToken string, cancel context.CancelFunc) domain.ConnID {
	id := domain.NewConnID()
	o.Registry.Bind(id, clientToken, sig, cancel)
	return id
}

// Disconnect runs leave-cleanup and encoder teardown, then forgets the
// connection. Safe to call more than once.
func (o *Orchestrator) Disconnect(id domain.ConnID) {
	o.mu.Lock()
	o.cancelPendingLocked(id)
	o.leaveLocked(id)
	_, known := o.Registry.Unbind(id)
	o.mu.Unlock()

	if o.Streams != nil {
		o.Streams.OnDisconnect(id)
	}
	if known {
		log.Info().Str("module", "orch").Str("conn", string(id)).Msg("connection closed")
	}
}

// Close stops pending join notifications.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id := range o.pending {
		o.cancelPendingLocked(id)
	}
}

func (o *Orchestrator) ListRooms() []core.RoomInfo {
	return o.Rooms.List()
}

func (o *Orchestrator) RoomPeers(room domain.RoomID) []domain.PeerInfo {
	return o.Rooms.Peers(room)
}

// emit sends one event to one connection. A missing connection is a no-op.
func (o *Orchestrator) emit(to domain.ConnID, event string, payload any) bool {
	sig, ok := o.Registry.Signal(to)
	if !ok {
		log.Debug().Str("module", "orch").Str("to", string(to)).Str("event", event).Msg("destination gone")
		return false
	}
	frame, err := core.EncodeMessage(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode event")
		return false
	}
	if err := sig.TrySend(frame); err != nil {
		o.onSendFailure(to, event, err)
		return false
	}
	return true
}

func (o *Orchestrator) onSendFailure(to domain.ConnID, event string, err error) {
	logger := log.Warn().Err(err).Str("module", "orch").Str("to", string(to)).Str("event", event)
	if o.Policy == nil {
		logger.Msg("send failed")
		return
	}
	switch o.Policy.OnBackPressure(to, event) {
	case app.Disconnect:
		logger.Msg("send failed, disconnecting slow consumer")
		o.Registry.Cancel(to)
	case app.DropMessage, app.NoAction:
		logger.Msg("send failed, message dropped")
	}
}
