package common

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies one replica of a document for the lifetime of a room session.
// It is implemented as a UUID v7 which provides time-ordered values.
type SessionID uuid.UUID

// NilSessionID is the zero value for SessionID.
var NilSessionID SessionID

// NewSessionID creates a new SessionID using UUID v7.
// It panics if the UUID cannot be created.
func NewSessionID() SessionID {
	const retry = 3

	var lastErr error
	for i := 0; i < retry; i++ {
		id, err := uuid.NewV7()
		if err == nil {
			return SessionID(id)
		}
		lastErr = err
	}

	panic(lastErr)
}

// ParseSessionID parses the canonical string form of a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilSessionID, ErrInvalidSessionID{Value: s}
	}
	return SessionID(id), nil
}

// String returns the string representation of the SessionID.
func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// IsNil reports whether s is the zero SessionID.
func (s SessionID) IsNil() bool {
	return s == NilSessionID
}

// Compare compares two SessionIDs lexicographically.
// Returns:
//
//	-1 if s < other
//	 0 if s == other
//	 1 if s > other
func (s SessionID) Compare(other SessionID) int {
	return bytes.Compare(s[:], other[:])
}

// MarshalText implements encoding.TextMarshaler so SessionID can be used as a JSON map key.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionID) UnmarshalText(data []byte) error {
	id, err := ParseSessionID(string(data))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// LogicalTimestamp orders writes across replicas.
// Lamport is raised past every timestamp a replica has observed, so a causally
// later write always carries a larger value. SID breaks ties between concurrent writes.
type LogicalTimestamp struct {
	Lamport uint64    `json:"lamport"`
	SID     SessionID `json:"sid"`
}

// IsZero reports whether the timestamp was never assigned.
func (t LogicalTimestamp) IsZero() bool {
	return t.Lamport == 0 && t.SID.IsNil()
}

// Compare compares two timestamps by Lamport value first and session second.
func (t LogicalTimestamp) Compare(other LogicalTimestamp) int {
	switch {
	case t.Lamport < other.Lamport:
		return -1
	case t.Lamport > other.Lamport:
		return 1
	}
	return t.SID.Compare(other.SID)
}

// String returns a string representation of the LogicalTimestamp.
func (t LogicalTimestamp) String() string {
	return fmt.Sprintf("%s@%d", t.SID, t.Lamport)
}
