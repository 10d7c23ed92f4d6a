package crdt

import (
	"encoding/json"

	"github.com/pkg/errors"

	"diagramsync/collab/common"
)

// Op is a single write to one key of a collection.
type Op struct {
	Collection string          `json:"c"`
	Key        string          `json:"k"`
	Deleted    bool            `json:"d,omitempty"`
	Value      json.RawMessage `json:"v,omitempty"`
}

// Update is the unit of replication: the operations of one committed
// transaction together with the causal metadata needed to integrate them.
// Every op of an update carries the timestamp (Lamport, Session).
type Update struct {
	Session common.SessionID `json:"sid"`
	Seq     uint64           `json:"seq"`
	Lamport uint64           `json:"lamport"`
	Deps    StateVector      `json:"deps,omitempty"`
	Ops     []Op             `json:"ops"`
}

// Stamp returns the timestamp shared by all ops of the update.
func (u *Update) Stamp() common.LogicalTimestamp {
	return common.LogicalTimestamp{Lamport: u.Lamport, SID: u.Session}
}

// Validate checks the structural invariants of an update received from the wire.
func (u *Update) Validate() error {
	switch {
	case u == nil:
		return common.ErrInvalidUpdate{Message: "nil update"}
	case u.Session.IsNil():
		return common.ErrInvalidUpdate{Message: "missing session"}
	case u.Seq == 0:
		return common.ErrInvalidUpdate{Message: "sequence must start at 1"}
	case u.Lamport == 0:
		return common.ErrInvalidUpdate{Message: "missing lamport timestamp"}
	case len(u.Ops) == 0:
		return common.ErrInvalidUpdate{Message: "no operations"}
	}

	for i, op := range u.Ops {
		if op.Collection == "" || op.Key == "" {
			return common.ErrInvalidUpdate{Message: "operation without collection or key"}
		}
		if !op.Deleted && !json.Valid(op.Value) {
			return errors.Wrapf(common.ErrInvalidUpdate{Message: "operation value is not JSON"}, "op %d", i)
		}
	}
	return nil
}

// EncodeUpdate serializes an update for the wire.
func EncodeUpdate(u *Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode update")
	}
	return data, nil
}

// DecodeUpdate parses and validates an update from the wire.
func DecodeUpdate(data []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, errors.Wrap(err, "failed to decode update")
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

// EncodeStateVector serializes a state vector for the wire.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	data, err := json.Marshal(sv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode state vector")
	}
	return data, nil
}

// DecodeStateVector parses a state vector from the wire.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := NewStateVector()
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, errors.Wrap(err, "failed to decode state vector")
	}
	return sv, nil
}
