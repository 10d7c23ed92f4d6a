package common

import "fmt"

// OriginKind classifies who produced a transaction.
type OriginKind string

const (
	// OriginLocal marks a mutation made through the local mutation API.
	OriginLocal OriginKind = "local"
	// OriginRemote marks an update received from another replica.
	OriginRemote OriginKind = "remote"
	// OriginUndo marks the inverse transaction applied by an undo.
	OriginUndo OriginKind = "undo"
	// OriginRedo marks the transaction re-applied by a redo.
	OriginRedo OriginKind = "redo"
	// OriginSystem marks housekeeping such as a replica reset.
	OriginSystem OriginKind = "system"
)

// Origin tags every transaction with the actor that produced it.
type Origin struct {
	Kind    OriginKind
	Session SessionID
}

// LocalOrigin returns the origin used for local mutations of the given replica.
func LocalOrigin(sid SessionID) Origin {
	return Origin{Kind: OriginLocal, Session: sid}
}

// RemoteOrigin returns the origin used when applying updates sent by sid.
func RemoteOrigin(sid SessionID) Origin {
	return Origin{Kind: OriginRemote, Session: sid}
}

// UndoOrigin returns the origin used for undo transactions of the given replica.
func UndoOrigin(sid SessionID) Origin {
	return Origin{Kind: OriginUndo, Session: sid}
}

// RedoOrigin returns the origin used for redo transactions of the given replica.
func RedoOrigin(sid SessionID) Origin {
	return Origin{Kind: OriginRedo, Session: sid}
}

// SystemOrigin is the origin of replica housekeeping.
var SystemOrigin = Origin{Kind: OriginSystem}

// IsRemote reports whether the transaction came from another replica.
func (o Origin) IsRemote() bool {
	return o.Kind == OriginRemote
}

func (o Origin) String() string {
	if o.Session.IsNil() {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Session)
}
