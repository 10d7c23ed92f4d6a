package crdt

import (
	"diagramsync/collab/common"
)

// StateVector maps every known session to the highest contiguous sequence
// number applied from it. It is the summary exchanged during sync.
type StateVector map[common.SessionID]uint64

// NewStateVector creates an empty state vector.
func NewStateVector() StateVector {
	return make(StateVector)
}

// Get returns the sequence number recorded for sid, or 0.
func (sv StateVector) Get(sid common.SessionID) uint64 {
	return sv[sid]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for sid, seq := range sv {
		out[sid] = seq
	}
	return out
}

// Merge raises every entry to the maximum of sv and other.
func (sv StateVector) Merge(other StateVector) {
	for sid, seq := range other {
		if seq > sv[sid] {
			sv[sid] = seq
		}
	}
}

// Covers reports whether sv has applied everything other has.
func (sv StateVector) Covers(other StateVector) bool {
	for sid, seq := range other {
		if sv[sid] < seq {
			return false
		}
	}
	return true
}

// HasUpdates reports whether sv holds updates that other is missing.
func (sv StateVector) HasUpdates(other StateVector) bool {
	for sid, seq := range sv {
		if seq > other[sid] {
			return true
		}
	}
	return false
}

// Equal reports whether both vectors record the same sequence numbers.
func (sv StateVector) Equal(other StateVector) bool {
	return sv.Covers(other) && other.Covers(sv)
}
