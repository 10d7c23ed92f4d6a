package crdt

import (
	"encoding/json"

	"diagramsync/collab/common"
)

// Entry is a live key/value pair of a collection.
type Entry struct {
	Key   string
	Value json.RawMessage
	Stamp common.LogicalTimestamp
}

// Change describes the visible effect of one op on one key.
// Before is nil when the key had no live value, After is nil when the op deleted it.
type Change struct {
	Collection  string
	Key         string
	Before      json.RawMessage
	BeforeStamp common.LogicalTimestamp
	After       json.RawMessage
	Stamp       common.LogicalTimestamp
}

// Deleted reports whether the change removed the key.
func (c Change) Deleted() bool {
	return c.After == nil
}

// Inserted reports whether the change created a key that had no live value.
func (c Change) Inserted() bool {
	return c.Before == nil && c.After != nil
}

// ChangeSet is the committed effect of one transaction or one integrated update.
type ChangeSet struct {
	Origin  common.Origin
	Update  *Update
	Changes []Change
	// Reset is set for the change-set emitted by Document.Reset.
	Reset bool
}

// Touches reports whether any change of the set hit the collection.
func (cs *ChangeSet) Touches(collection string) bool {
	if cs.Reset {
		return true
	}
	for _, c := range cs.Changes {
		if c.Collection == collection {
			return true
		}
	}
	return false
}
