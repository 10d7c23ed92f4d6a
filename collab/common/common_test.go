package common

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogicalTimestamp_Compare(t *testing.T) {
	sid1 := NewSessionID()
	sid2 := NewSessionID()
	if sid1.Compare(sid2) > 0 {
		sid1, sid2 = sid2, sid1
	}

	ts1 := LogicalTimestamp{Lamport: 2, SID: sid1}
	ts2 := LogicalTimestamp{Lamport: 3, SID: sid1}
	ts3 := LogicalTimestamp{Lamport: 2, SID: sid2}
	ts4 := LogicalTimestamp{Lamport: 1, SID: sid2}

	// Lamport value decides first
	assert.Equal(t, -1, ts1.Compare(ts2))
	assert.Equal(t, 1, ts2.Compare(ts1))
	assert.Equal(t, 1, ts1.Compare(ts4))

	// Equal Lamport values fall back to the session id
	assert.Equal(t, -1, ts1.Compare(ts3))
	assert.Equal(t, 1, ts3.Compare(ts1))

	assert.Equal(t, 0, ts1.Compare(LogicalTimestamp{Lamport: 2, SID: sid1}))
	assert.Contains(t, ts1.String(), sid1.String())
}

func TestLogicalTimestamp_IsZero(t *testing.T) {
	assert.True(t, LogicalTimestamp{}.IsZero())
	assert.False(t, LogicalTimestamp{Lamport: 1}.IsZero())
}

func TestSessionID_TextRoundTrip(t *testing.T) {
	sid := NewSessionID()

	// SessionID must work as a JSON map key
	data, err := json.Marshal(map[SessionID]uint64{sid: 7})
	require.NoError(t, err)

	var decoded map[SessionID]uint64
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uint64(7), decoded[sid])

	parsed, err := ParseSessionID(sid.String())
	require.NoError(t, err)
	assert.Equal(t, sid, parsed)
}

func TestParseSessionID_Invalid(t *testing.T) {
	_, err := ParseSessionID("not-a-uuid")
	require.Error(t, err)

	var target ErrInvalidSessionID
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, "not-a-uuid", target.Value)
}

func TestOrigin(t *testing.T) {
	sid := NewSessionID()

	tests := []struct {
		name   string
		origin Origin
		kind   OriginKind
		remote bool
	}{
		{"local", LocalOrigin(sid), OriginLocal, false},
		{"remote", RemoteOrigin(sid), OriginRemote, true},
		{"undo", UndoOrigin(sid), OriginUndo, false},
		{"redo", RedoOrigin(sid), OriginRedo, false},
		{"system", SystemOrigin, OriginSystem, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.origin.Kind)
			assert.Equal(t, tt.remote, tt.origin.IsRemote())
			assert.Contains(t, tt.origin.String(), string(tt.kind))
		})
	}

	assert.Equal(t, "system", SystemOrigin.String())
}
