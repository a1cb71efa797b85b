package app

import "github.com/dkeye/ezstream/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	Disconnect
)

// Policy decides what happens to a connection whose outbound buffer is full.
type Policy interface {
	OnBackPressure(conn domain.ConnID, event string) BackpressureAction
}

// SimplePolicy disconnects slow consumers: a client that missed a membership
// event has a stale view of its room and must reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ConnID, string) BackpressureAction {
	return Disconnect
}

// DropPolicy only drops the message.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.ConnID, string) BackpressureAction {
	return DropMessage
}
