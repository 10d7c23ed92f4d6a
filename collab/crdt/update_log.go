package crdt

import (
	"sort"

	"diagramsync/collab/common"
)

// updateLog retains every integrated update so missing history can be
// replayed to peers that present an older state vector.
// It is guarded by the owning Document's mutex.
type updateLog struct {
	// bySession holds the updates of each session ordered by sequence number.
	bySession map[common.SessionID][]*Update
	size      int
}

func newUpdateLog() *updateLog {
	return &updateLog{bySession: make(map[common.SessionID][]*Update)}
}

// store appends u. Updates are integrated in per-session sequence order,
// so the slice stays sorted.
func (l *updateLog) store(u *Update) {
	l.bySession[u.Session] = append(l.bySession[u.Session], u)
	l.size++
}

// since returns the updates the holder of sv is missing, ordered by Lamport
// timestamp. Dependencies always carry a smaller Lamport value, so this order
// is safe to integrate front to back.
func (l *updateLog) since(sv StateVector) []*Update {
	var result []*Update
	for sid, updates := range l.bySession {
		known := sv[sid]
		// updates[i].Seq == i+1 because sequences are contiguous
		if known >= uint64(len(updates)) {
			continue
		}
		result = append(result, updates[known:]...)
	}

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Stamp().Compare(result[j].Stamp()); c != 0 {
			return c < 0
		}
		return result[i].Seq < result[j].Seq
	})
	return result
}

func (l *updateLog) reset() {
	l.bySession = make(map[common.SessionID][]*Update)
	l.size = 0
}
