package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"diagramsync/collab/common"
)

func TestStateVector_MergeAndCovers(t *testing.T) {
	sid1 := common.NewSessionID()
	sid2 := common.NewSessionID()

	sv := StateVector{sid1: 5, sid2: 3}
	other := StateVector{sid1: 4, sid2: 7}

	assert.False(t, sv.Covers(other))
	assert.True(t, sv.HasUpdates(other))
	assert.True(t, other.HasUpdates(sv))

	sv.Merge(other)
	assert.Equal(t, uint64(5), sv.Get(sid1))
	assert.Equal(t, uint64(7), sv.Get(sid2))
	assert.True(t, sv.Covers(other))
	assert.False(t, sv.Equal(other))
}

func TestStateVector_CloneIsIndependent(t *testing.T) {
	sid := common.NewSessionID()
	sv := StateVector{sid: 1}

	clone := sv.Clone()
	clone[sid] = 9

	assert.Equal(t, uint64(1), sv.Get(sid))
	assert.True(t, NewStateVector().Covers(NewStateVector()))
	assert.Zero(t, NewStateVector().Get(sid))
}
