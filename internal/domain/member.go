package domain

import "time"

// Membership represents a connection's participation meta for a room.
// No transport or lifecycle logic here.
type Membership struct {
	Conn          ConnID
	ScreenSharing bool
	// JoinedAt is for diagnostics only.
	JoinedAt time.Time
}

func NewMembership(conn ConnID) *Membership {
	return &Membership{Conn: conn, JoinedAt: time.Now()}
}

// PeerInfo is the shape sent in existing-users.
type PeerInfo struct {
	ID              ConnID `json:"id"`
	IsScreenSharing bool   `json:"isScreenSharing"`
}
