package domain

import (
	"errors"
	"strings"
)

const MaxRoomIDLen = 128

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type RoomID string

// ParseRoomID keeps room ids client-supplied but bounded. The id is not
// rewritten: "r1" and "r1 " are different rooms.
func ParseRoomID(raw string) (RoomID, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}
