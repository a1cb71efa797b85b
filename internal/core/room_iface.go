package core

import "github.com/dkeye/ezstream/internal/domain"

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"client_count"`
}

// JoinResult describes what a join changed.
type JoinResult struct {
	// Peers are the other members at the instant of the join.
	Peers []domain.PeerInfo
	// Previous is set when the join implicitly left another room.
	Previous    domain.RoomID
	HadPrevious bool
	// PreviousRemaining are the members left behind in Previous.
	PreviousRemaining []domain.ConnID
}

// RoomDirectory maps rooms to their memberships.
// It owns the membership set but never touches transport resources.
// A room with zero members is never observable.
type RoomDirectory interface {
	Join(room domain.RoomID, conn domain.ConnID) JoinResult
	// Leave returns the remaining members and whether conn was a member.
	Leave(room domain.RoomID, conn domain.ConnID) ([]domain.ConnID, bool)
	SetScreenSharing(room domain.RoomID, conn domain.ConnID, flag bool) bool
	Members(room domain.RoomID) []domain.ConnID
	Peers(room domain.RoomID) []domain.PeerInfo
	RoomOf(conn domain.ConnID) (domain.RoomID, bool)
	List() []RoomInfo
}
