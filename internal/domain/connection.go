// Package domain contains entity without logic, just meta-data
package domain

import "github.com/google/uuid"

// ConnID identifies one live transport connection. It is assigned by the
// server at connect time and never taken from client payloads.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}
