package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyEvent = errors.New("empty event")

// Message is the envelope used on text frames in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func EncodeMessage(event string, payload any) (Frame, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	msg := struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: event, Data: payload}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

func DecodeMessage(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Event == "" {
		return Message{}, ErrEmptyEvent
	}
	return msg, nil
}
